// Package dom is the narrow view of a host document that the filtering
// engine needs: query nodes by selector, inspect them, silence their media
// and detach them. Implementations exist for a live Chrome page and for a
// parsed HTML document.
package dom

// Node is a handle to an element in the host tree. Read methods must not
// mutate the tree; Remove is the only mutating call besides Media.Silence.
type Node interface {
	// Tag returns the lowercase tag name, or "" when unknown.
	Tag() string
	// Attr returns the attribute value and whether it is present.
	Attr(name string) (string, bool)
	// Matches reports whether the node itself matches selector.
	Matches(selector string) (bool, error)
	// Has reports whether any descendant matches selector.
	Has(selector string) (bool, error)
	// Find returns the descendants matching selector in document order.
	Find(selector string) ([]Node, error)
	// Media returns the audio and video elements in the subtree,
	// including the node itself.
	Media() ([]Media, error)
	// Connected reports whether the node is still attached to the document.
	Connected() bool
	// Contains reports whether other lies strictly inside the node.
	Contains(other Node) bool
	// Remove detaches the node from the tree.
	Remove() error
}

// Media is an embedded audio or video element.
type Media interface {
	// Size returns the rendered width and height in CSS pixels.
	Size() (width, height float64, err error)
	// Silence pauses, mutes, rewinds and detaches the source.
	Silence() error
}

// Overlay is what a page renders for a blocked direct navigation.
type Overlay struct {
	Label     string // e.g. "YouTube Shorts"
	Message   string
	Remaining int // seconds until redirect
}

// Page is the document plus the navigation primitives the engine drives.
type Page interface {
	// URL returns the current location.
	URL() (string, error)
	// Root returns the document element.
	Root() (Node, error)
	// ShowOverlay adds the interstitial as a top-most layer.
	ShowOverlay(o Overlay) error
	// UpdateOverlay refreshes the visible countdown.
	UpdateOverlay(remaining int) error
	// HideOverlay removes the interstitial, leaving the page untouched.
	HideOverlay() error
	// Replace navigates to url without leaving a history entry.
	Replace(url string) error
}
