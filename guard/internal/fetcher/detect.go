package fetcher

import (
	"bytes"
	"strings"

	"golang.org/x/net/html"
)

// shellRoots are the empty mount points client-rendered apps ship.
var shellRoots = map[string]bool{"root": true, "app": true, "__next": true}

// IsSufficient reports whether a fetched document carries its content in
// the HTML itself. Feeds and shelves that only appear after scripts run
// are invisible to the static filter, so a shell page is flagged.
func IsSufficient(doc []byte) bool {
	if len(doc) < 256 {
		return false
	}
	text, markup, shell := measure(doc)
	total := text + markup
	if total == 0 || shell {
		return false
	}
	if float64(text)/float64(total) < 0.10 {
		return false
	}
	return text >= 200
}

// measure counts visible text bytes against markup bytes and notices an
// empty app mount point or a "enable JavaScript" noscript notice.
func measure(doc []byte) (text, markup int, shell bool) {
	z := html.NewTokenizer(bytes.NewReader(doc))
	skip := 0 // depth inside script/style
	noscript := false
	emptyMount := ""
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			return text, markup, shell
		case html.TextToken:
			raw := z.Raw()
			if skip > 0 {
				markup += len(raw)
				continue
			}
			t := strings.TrimSpace(string(raw))
			if noscript && strings.Contains(strings.ToLower(t), "enable javascript") {
				shell = true
			}
			if t != "" {
				emptyMount = ""
			}
			text += len(strings.Join(strings.Fields(t), ""))
		case html.StartTagToken, html.SelfClosingTagToken:
			markup += len(z.Raw())
			name, hasAttr := z.TagName()
			switch string(name) {
			case "script", "style":
				if tt == html.StartTagToken {
					skip++
				}
			case "noscript":
				noscript = true
			case "div":
				emptyMount = ""
				for hasAttr {
					var k, v []byte
					k, v, hasAttr = z.TagAttr()
					if string(k) == "id" && shellRoots[string(v)] {
						emptyMount = string(v)
					}
				}
			default:
				emptyMount = ""
			}
		case html.EndTagToken:
			markup += len(z.Raw())
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style":
				if skip > 0 {
					skip--
				}
			case "noscript":
				noscript = false
			case "div":
				if emptyMount != "" {
					shell = true
				}
			}
		default:
			markup += len(z.Raw())
		}
	}
}
