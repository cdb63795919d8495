// Package shim decides, for every outbound call a replayed page makes,
// whether it keeps its destination or is rewritten to a local route. The
// same ordered chain drives the HTML rewriter, the Go-side Transport and
// the embedded in-page runtime.
package shim

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/funnyzak/replaytap/internal/mirror"
)

const (
	// SocketPath is the local endpoint that replays captured sockets.
	SocketPath = "/__replay/ws"
	// AliasPrefix carries a cross-origin call to the dispatcher.
	AliasPrefix = "/__ext__/"
	// RuntimePath serves the in-page runtime script.
	RuntimePath = "/__replay/runtime.js"
	// ConfigPath serves the runtime configuration.
	ConfigPath = "/__replay/shim.json"
)

// Action is what a Decision does with a call.
type Action int

const (
	Keep Action = iota
	Rewrite
)

func (a Action) String() string {
	if a == Rewrite {
		return "rewrite"
	}
	return "keep"
}

// Decision is the outcome of the chain for one call.
type Decision struct {
	Action  Action
	URL     string
	Matcher string
}

// Outbound describes a call the page is about to make.
type Outbound struct {
	Method string
	URL    string
	// PageOrigin is scheme://host of the page as served locally.
	PageOrigin string
	// Element marks a load triggered by an element attribute.
	Element bool
}

func (o *Outbound) idempotent() bool {
	if o.Element {
		return true
	}
	switch strings.ToUpper(o.Method) {
	case "", http.MethodGet, http.MethodHead:
		return true
	}
	return false
}

// Matcher is one step of a Chain.
type Matcher interface {
	Name() string
	Match(o *Outbound) (Decision, bool)
}

// MatcherFunc adapts a function to a Matcher.
type MatcherFunc struct {
	N  string
	Fn func(o *Outbound) (Decision, bool)
}

func (m MatcherFunc) Name() string { return m.N }

func (m MatcherFunc) Match(o *Outbound) (Decision, bool) { return m.Fn(o) }

// Chain is an ordered list of matchers fixed at construction.
type Chain struct {
	matchers []Matcher
}

// NewChain creates a chain that consults matchers in order.
func NewChain(matchers ...Matcher) *Chain {
	return &Chain{matchers: append([]Matcher(nil), matchers...)}
}

// Apply returns the decision of the first matcher that claims o, or Keep.
func (c *Chain) Apply(o *Outbound) Decision {
	if c != nil {
		for _, m := range c.matchers {
			if d, ok := m.Match(o); ok {
				d.Matcher = m.Name()
				return d
			}
		}
	}
	return Decision{Action: Keep}
}

// Names lists matcher names in order.
func (c *Chain) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, len(c.matchers))
	for i, m := range c.matchers {
		names[i] = m.Name()
	}
	return names
}

// Options configures the default chain.
type Options struct {
	Resolver *mirror.Resolver
	// Base prefixes rewritten storage paths. Empty serves from the root.
	Base          string
	ExternalAlias bool
}

// DefaultChain builds skipScheme, sameOrigin, socketRoute, mirrorGET and,
// when enabled, externalAlias.
func DefaultChain(opts Options) *Chain {
	matchers := []Matcher{
		MatcherFunc{N: "skipScheme", Fn: skipScheme},
		MatcherFunc{N: "sameOrigin", Fn: sameOrigin},
		MatcherFunc{N: "socketRoute", Fn: socketRoute},
		MatcherFunc{N: "mirrorGET", Fn: mirrorGET(opts.Resolver, opts.Base)},
	}
	if opts.ExternalAlias {
		matchers = append(matchers, MatcherFunc{N: "externalAlias", Fn: externalAlias})
	}
	return NewChain(matchers...)
}

var keep = Decision{Action: Keep}

var inertSchemes = []string{"data:", "blob:", "about:", "javascript:", "chrome-extension:"}

func skipScheme(o *Outbound) (Decision, bool) {
	raw := strings.ToLower(strings.TrimSpace(o.URL))
	if raw == "" {
		return keep, true
	}
	for _, s := range inertSchemes {
		if strings.HasPrefix(raw, s) {
			return keep, true
		}
	}
	return Decision{}, false
}

// sameOrigin keeps relative URLs and absolute URLs on the page's own
// origin. ws and wss count as http and https.
func sameOrigin(o *Outbound) (Decision, bool) {
	u, err := url.Parse(strings.TrimSpace(o.URL))
	if err != nil {
		return keep, true
	}
	if u.Host == "" {
		return keep, true
	}
	page, err := url.Parse(o.PageOrigin)
	if err != nil || page.Host == "" {
		return Decision{}, false
	}
	scheme := strings.ToLower(u.Scheme)
	switch scheme {
	case "ws":
		scheme = "http"
	case "wss":
		scheme = "https"
	case "":
		scheme = strings.ToLower(page.Scheme)
	}
	if scheme == strings.ToLower(page.Scheme) && strings.EqualFold(u.Host, page.Host) {
		return keep, true
	}
	return Decision{}, false
}

func socketRoute(o *Outbound) (Decision, bool) {
	u, err := url.Parse(strings.TrimSpace(o.URL))
	if err != nil {
		return Decision{}, false
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		return Decision{Action: Rewrite, URL: SocketPath + "?url=" + url.QueryEscape(u.String())}, true
	}
	return Decision{}, false
}

func mirrorGET(r *mirror.Resolver, base string) func(*Outbound) (Decision, bool) {
	base = strings.TrimRight(base, "/")
	return func(o *Outbound) (Decision, bool) {
		if !o.idempotent() {
			return Decision{}, false
		}
		p, ok := r.Resolve(absolute(o))
		if !ok {
			return Decision{}, false
		}
		return Decision{Action: Rewrite, URL: base + "/" + strings.TrimLeft(p, "/")}, true
	}
}

func externalAlias(o *Outbound) (Decision, bool) {
	abs := absolute(o)
	u, err := url.Parse(abs)
	if err != nil {
		return Decision{}, false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return Decision{Action: Rewrite, URL: AliasPath(abs)}, true
	}
	return Decision{}, false
}

// absolute fills the scheme of a protocol-relative URL from the page.
func absolute(o *Outbound) string {
	raw := strings.TrimSpace(o.URL)
	if strings.HasPrefix(raw, "//") {
		scheme := "https"
		if page, err := url.Parse(o.PageOrigin); err == nil && page.Scheme != "" {
			scheme = page.Scheme
		}
		return scheme + ":" + raw
	}
	return raw
}

// AliasPath returns the local alias route for an absolute URL.
func AliasPath(abs string) string {
	return AliasPrefix + url.QueryEscape(abs)
}

// ParseAlias recovers the absolute URL from an escaped alias path. The
// path must be taken from URL.EscapedPath so escaped slashes survive.
func ParseAlias(escapedPath string) (string, bool) {
	rest, ok := strings.CutPrefix(escapedPath, AliasPrefix)
	if !ok || rest == "" {
		return "", false
	}
	abs, err := url.QueryUnescape(rest)
	if err != nil {
		return "", false
	}
	u, err := url.Parse(abs)
	if err != nil || u.Host == "" {
		return "", false
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
		return abs, true
	}
	return "", false
}
