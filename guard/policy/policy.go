// Package policy decides whether a node or a URL is short-form content.
//
// The policy is a table keyed by (site, structural kind). Each entry is a
// rule gated by settings flags and carrying one structural signal. Adding
// a site or a content kind is a data change in rules.yaml, not a new code
// branch. Evaluation is pure: it only reads the node and the settings.
package policy

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gobwas/glob"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/net/publicsuffix"
	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/shortsguard/settings"
)

//go:embed rules.yaml
var defaultRules []byte

// ErrNoSite is returned by Lookup when a host belongs to no known site.
var ErrNoSite = errors.New("policy: no site for host")

// hostCacheSize bounds the host → site memo.
const hostCacheSize = 256

// Signal is the structural evidence a rule looks for. Exactly one field
// is set.
type Signal struct {
	Has      string    `yaml:"has,omitempty"`
	Attr     string    `yaml:"attr,omitempty"`
	Root     bool      `yaml:"root,omitempty"`
	Vertical *Vertical `yaml:"vertical,omitempty"`
}

// Vertical is the aspect-ratio heuristic for opaque embedded video: a
// contained video whose height exceeds width*(1+Margin) is treated as
// short-form.
type Vertical struct {
	Margin float64 `yaml:"margin" validate:"gte=0"`
}

func (s Signal) count() int {
	n := 0
	if s.Has != "" {
		n++
	}
	if s.Attr != "" {
		n++
	}
	if s.Root {
		n++
	}
	if s.Vertical != nil {
		n++
	}
	return n
}

// Rule classifies one structural kind on one site.
type Rule struct {
	Name   string   `yaml:"name" validate:"required"`
	Kind   string   `yaml:"kind" validate:"required"`
	Flags  []string `yaml:"flags" validate:"required,min=1,dive,required"`
	Signal Signal   `yaml:"signal"`
}

// URLRule classifies a direct navigation on one site.
type URLRule struct {
	Name        string   `yaml:"name" validate:"required"`
	Flags       []string `yaml:"flags" validate:"required,min=1,dive,required"`
	Label       string   `yaml:"label" validate:"required"`
	Redirect    string   `yaml:"redirect" validate:"required,url"`
	Paths       []string `yaml:"paths,omitempty"`
	QueryParams []string `yaml:"query_params,omitempty"`
	Any         bool     `yaml:"any,omitempty"`

	paths []glob.Glob
}

// Site groups the rules for one registrable domain family.
type Site struct {
	ID       string    `yaml:"id" validate:"required"`
	Domains  []string  `yaml:"domains" validate:"required,min=1,dive,fqdn"`
	Rules    []Rule    `yaml:"rules" validate:"dive"`
	URLRules []URLRule `yaml:"url_rules" validate:"dive"`

	kinds  []string         // distinct kinds, first-seen order
	byKind map[string][]int // kind → indexes into Rules
}

// Table is the compiled classification table.
type Table struct {
	Sites []*Site `yaml:"sites" validate:"required,min=1,dive"`

	hosts *lru.Cache[string, int] // host → index into Sites, -1 for none
}

// Default returns the embedded table.
func Default() *Table {
	t, err := Parse(defaultRules)
	if err != nil {
		panic("policy: embedded rules: " + err.Error())
	}
	return t
}

// LoadFile reads and compiles a YAML table from path.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("policy: read %s: %w", path, err)
	}
	return Parse(data)
}

// Load reads and compiles a YAML table from r.
func Load(r io.Reader) (*Table, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("policy: read: %w", err)
	}
	return Parse(data)
}

// Parse decodes, validates and compiles a YAML table.
func Parse(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("policy: decode: %w", err)
	}
	if err := validator.New(validator.WithRequiredStructEnabled()).Struct(&t); err != nil {
		return nil, fmt.Errorf("policy: validate: %w", err)
	}
	if err := t.compile(); err != nil {
		return nil, err
	}
	return &t, nil
}

func (t *Table) compile() error {
	seen := make(map[string]bool, len(t.Sites))
	for _, site := range t.Sites {
		if seen[site.ID] {
			return fmt.Errorf("policy: duplicate site %q", site.ID)
		}
		seen[site.ID] = true
		for i := range site.Domains {
			site.Domains[i] = strings.ToLower(site.Domains[i])
		}

		site.byKind = make(map[string][]int)
		site.kinds = site.kinds[:0]
		for i, r := range site.Rules {
			if r.Signal.count() != 1 {
				return fmt.Errorf("policy: site %s rule %s: want exactly one signal, got %d",
					site.ID, r.Name, r.Signal.count())
			}
			if _, ok := site.byKind[r.Kind]; !ok {
				site.kinds = append(site.kinds, r.Kind)
			}
			site.byKind[r.Kind] = append(site.byKind[r.Kind], i)
		}

		for i := range site.URLRules {
			ur := &site.URLRules[i]
			if !ur.Any && len(ur.Paths) == 0 && len(ur.QueryParams) == 0 {
				return fmt.Errorf("policy: site %s url rule %s: no paths, query params or any", site.ID, ur.Name)
			}
			ur.paths = ur.paths[:0]
			for _, p := range ur.Paths {
				g, err := glob.Compile(p, '/')
				if err != nil {
					return fmt.Errorf("policy: site %s url rule %s: path %q: %w", site.ID, ur.Name, p, err)
				}
				ur.paths = append(ur.paths, g)
			}
		}
	}

	cache, err := lru.New[string, int](hostCacheSize)
	if err != nil {
		return fmt.Errorf("policy: host cache: %w", err)
	}
	t.hosts = cache
	return nil
}

// Lookup resolves host to its site.
func (t *Table) Lookup(host string) (*Site, error) {
	if s := t.Site(host); s != nil {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoSite, host)
}

// Site resolves host (no port) to its site, or nil. Subdomains resolve
// to their registrable domain, so m.youtube.com is youtube while
// notyoutube.com is nothing.
func (t *Table) Site(host string) *Site {
	host = strings.TrimSuffix(strings.ToLower(host), ".")
	if host == "" {
		return nil
	}
	if idx, ok := t.hosts.Get(host); ok {
		if idx < 0 {
			return nil
		}
		return t.Sites[idx]
	}

	idx := t.resolve(host)
	t.hosts.Add(host, idx)
	if idx < 0 {
		return nil
	}
	return t.Sites[idx]
}

func (t *Table) resolve(host string) int {
	etld1, err := publicsuffix.EffectiveTLDPlusOne(host)
	if err != nil {
		etld1 = host
	}
	for i, site := range t.Sites {
		for _, d := range site.Domains {
			if d == etld1 || host == d || strings.HasSuffix(host, "."+d) {
				return i
			}
		}
	}
	return -1
}

// Candidates returns the selector list a sweep enumerates for this site.
func (s *Site) Candidates() []string {
	out := make([]string, len(s.kinds))
	copy(out, s.kinds)
	return out
}

// CandidateSelector joins Candidates into one selector group.
func (s *Site) CandidateSelector() string {
	return strings.Join(s.kinds, ", ")
}

// Active reports whether any node rule can fire under st. A sweep on an
// inactive site is a no-op.
func (s *Site) Active(st settings.Settings) bool {
	for _, r := range s.Rules {
		if flagsEnabled(r.Flags, st) {
			return true
		}
	}
	return false
}

// Flags returns the distinct settings keys this site's rules consult.
func (s *Site) Flags() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(keys []string) {
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		}
	}
	for _, r := range s.Rules {
		add(r.Flags)
	}
	for _, r := range s.URLRules {
		add(r.Flags)
	}
	return out
}

func flagsEnabled(keys []string, st settings.Settings) bool {
	for _, k := range keys {
		if !st.Enabled(k) {
			return false
		}
	}
	return true
}

var bareTag = regexp.MustCompile(`^[a-z][a-z0-9-]*$`)

func isBareTag(kind string) bool {
	return bareTag.MatchString(kind)
}
