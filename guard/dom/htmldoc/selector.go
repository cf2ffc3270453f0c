package htmldoc

import (
	"fmt"
	"sync"

	"github.com/andybalholm/cascadia"
)

// compiled memoises selector compilation; the policy table uses a small,
// fixed set of selectors.
var compiled sync.Map // string → cascadia.Selector

func compile(selector string) (cascadia.Selector, error) {
	if v, ok := compiled.Load(selector); ok {
		return v.(cascadia.Selector), nil
	}
	sel, err := cascadia.Compile(selector)
	if err != nil {
		return nil, fmt.Errorf("htmldoc: selector %q: %w", selector, err)
	}
	compiled.Store(selector, sel)
	return sel, nil
}
