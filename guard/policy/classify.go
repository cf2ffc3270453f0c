package policy

import (
	"net/url"

	"github.com/hazyhaar/shortsguard/guard/dom"
	"github.com/hazyhaar/shortsguard/settings"
)

// Match is a (node, rule) pair found during a sweep. It is transient.
type Match struct {
	Site string `json:"site"`
	Rule string `json:"rule"`
	Kind string `json:"kind"`
}

// Classify reports whether n is a unit of blocked content on s. It is
// total: a nil node, a node without a tag, a node whose reads fail, or a
// panicking implementation all yield no match. Rules are OR-combined, so
// the order in which they are tried does not change the result.
func (s *Site) Classify(n dom.Node, st settings.Settings) (m Match, ok bool) {
	if s == nil || n == nil {
		return Match{}, false
	}
	defer func() {
		if recover() != nil {
			m, ok = Match{}, false
		}
	}()

	tag := n.Tag()
	if tag == "" {
		return Match{}, false
	}

	for _, kind := range s.kinds {
		if !kindMatches(n, tag, kind) {
			continue
		}
		for _, idx := range s.byKind[kind] {
			r := s.Rules[idx]
			if !flagsEnabled(r.Flags, st) {
				continue
			}
			if signalPresent(n, r.Signal) {
				return Match{Site: s.ID, Rule: r.Name, Kind: kind}, true
			}
		}
	}
	return Match{}, false
}

func kindMatches(n dom.Node, tag, kind string) bool {
	if isBareTag(kind) {
		return tag == kind
	}
	ok, err := n.Matches(kind)
	return err == nil && ok
}

func signalPresent(n dom.Node, sig Signal) bool {
	switch {
	case sig.Root:
		return true
	case sig.Attr != "":
		_, ok := n.Attr(sig.Attr)
		return ok
	case sig.Has != "":
		ok, err := n.Has(sig.Has)
		return err == nil && ok
	case sig.Vertical != nil:
		return hasVerticalVideo(n, sig.Vertical.Margin)
	}
	return false
}

func hasVerticalVideo(n dom.Node, margin float64) bool {
	media, err := n.Media()
	if err != nil {
		return false
	}
	for _, m := range media {
		w, h, err := m.Size()
		if err != nil || w <= 0 {
			continue
		}
		if h > w*(1+margin) {
			return true
		}
	}
	return false
}

// URLMatch is the outcome of a blocked direct navigation.
type URLMatch struct {
	Site     string `json:"site"`
	Rule     string `json:"rule"`
	Label    string `json:"label"`
	Redirect string `json:"redirect"`
}

// ClassifyURL reports whether raw is a direct navigation to blocked
// content. Malformed URLs, non-HTTP schemes and unknown hosts are not
// blocked. The first matching URL rule in table order wins.
func (t *Table) ClassifyURL(raw string, st settings.Settings) (URLMatch, bool) {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return URLMatch{}, false
	}
	site := t.Site(u.Hostname())
	if site == nil {
		return URLMatch{}, false
	}
	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	query := u.Query()

	for _, r := range site.URLRules {
		if !flagsEnabled(r.Flags, st) {
			continue
		}
		if r.matches(path, query) {
			return URLMatch{Site: site.ID, Rule: r.Name, Label: r.Label, Redirect: r.Redirect}, true
		}
	}
	return URLMatch{}, false
}

func (r *URLRule) matches(path string, query url.Values) bool {
	if r.Any {
		return true
	}
	for _, g := range r.paths {
		if g.Match(path) {
			return true
		}
	}
	for _, k := range r.QueryParams {
		if query.Has(k) {
			return true
		}
	}
	return false
}

// Watched reports whether raw points at a host covered by the table.
func (t *Table) Watched(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return t.Site(u.Hostname()) != nil
}
