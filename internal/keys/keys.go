// Package keys derives canonical lookup keys for outbound calls.
//
// Two keys exist per URL: the exact key keeps every query parameter, the
// loose key drops parameters whose lowercased name is in the volatile set.
// Both are sorted by name then value and re-encoded, so parameter order and
// percent-encoding differences never change a key. Normalization is
// idempotent, and malformed input is returned unchanged.
package keys

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"path"
	"regexp"
	"sort"
	"strings"
)

// Key is a canonical lookup key.
type Key string

// String implements fmt.Stringer
func (k Key) String() string { return string(k) }

// Mode selects which parameters survive normalization.
type Mode int

const (
	// Exact keeps every query parameter.
	Exact Mode = iota
	// Loose drops volatile parameters.
	Loose
)

func (m Mode) String() string {
	if m == Loose {
		return "loose"
	}
	return "exact"
}

// DefaultVolatile lists parameter names that change between otherwise
// identical requests.
var DefaultVolatile = []string{
	"token", "auth", "_", "v", "ver", "verid", "cb", "cache", "t", "ts", "timestamp",
}

// Normalizer holds the volatile sets used for key and body normalization.
type Normalizer struct {
	volatile     map[string]struct{}
	bodyVolatile []*regexp.Regexp
}

// New builds a Normalizer. An empty volatile list selects DefaultVolatile.
// bodyVolatile holds regular expressions for JSON object keys ignored by BodyDigest.
func New(volatile []string, bodyVolatile []string) (*Normalizer, error) {
	if len(volatile) == 0 {
		volatile = DefaultVolatile
	}
	n := &Normalizer{volatile: make(map[string]struct{}, len(volatile))}
	for _, name := range volatile {
		name = strings.ToLower(strings.TrimSpace(name))
		if name == "" {
			continue
		}
		n.volatile[name] = struct{}{}
	}
	for _, expr := range bodyVolatile {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("compile body volatile key %q: %w", expr, err)
		}
		n.bodyVolatile = append(n.bodyVolatile, re)
	}
	return n, nil
}

// exact never consults the volatile set.
var exact = &Normalizer{}

// Default returns a Normalizer using DefaultVolatile and no body rules.
func Default() *Normalizer {
	n, _ := New(nil, nil)
	return n
}

// IsVolatile reports whether a query parameter name is ignored in loose mode.
func (n *Normalizer) IsVolatile(name string) bool {
	_, ok := n.volatile[strings.ToLower(name)]
	return ok
}

// Volatile returns the volatile parameter names in sorted order.
func (n *Normalizer) Volatile() []string {
	out := make([]string, 0, len(n.volatile))
	for name := range n.volatile {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Normalize maps rawURL to its canonical key in the given mode.
func (n *Normalizer) Normalize(rawURL string, mode Mode) Key {
	u, ok := parseAbsolute(rawURL)
	if !ok {
		return Key(rawURL)
	}
	pairs := parseQuery(u.RawQuery)
	if mode == Loose {
		kept := pairs[:0]
		for _, p := range pairs {
			if !n.IsVolatile(p.name) {
				kept = append(kept, p)
			}
		}
		pairs = kept
	}
	u.RawQuery = encodeQuery(pairs)
	u.ForceQuery = false
	return Key(u.String())
}

// Both returns the exact and loose keys for rawURL.
func (n *Normalizer) Both(rawURL string) (Key, Key) {
	return n.Normalize(rawURL, Exact), n.Normalize(rawURL, Loose)
}

// Valid reports whether rawURL is an absolute URL that normalizes.
func Valid(rawURL string) bool {
	_, ok := parseAbsolute(rawURL)
	return ok
}

// Host returns the lowercased host (with port) of rawURL, or "".
func Host(rawURL string) string {
	u, ok := parseAbsolute(rawURL)
	if !ok {
		return ""
	}
	return u.Host
}

// parseAbsolute parses rawURL and strips what never takes part in a key.
func parseAbsolute(rawURL string) (*url.URL, bool) {
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || u.Scheme == "" || u.Host == "" || u.Opaque != "" {
		return nil, false
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = stripDefaultPort(u.Scheme, strings.ToLower(u.Host))
	u.User = nil
	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "" {
		u.Path = "/"
		u.RawPath = ""
	}
	return u, true
}

// stripDefaultPort drops a port that is implied by scheme, as browsers do
// when they serialize a URL.
func stripDefaultPort(scheme, host string) string {
	var port string
	switch scheme {
	case "http", "ws":
		port = ":80"
	case "https", "wss":
		port = ":443"
	default:
		return host
	}
	return strings.TrimSuffix(host, port)
}

type pair struct {
	name  string
	value string
}

// parseQuery splits a raw query leniently. A parameter without '=' has an
// empty value, and undecodable escapes keep their raw text.
func parseQuery(raw string) []pair {
	var pairs []pair
	for _, part := range strings.Split(raw, "&") {
		if part == "" {
			continue
		}
		name, value, _ := strings.Cut(part, "=")
		pairs = append(pairs, pair{name: unescape(name), value: unescape(value)})
	}
	sort.SliceStable(pairs, func(i, j int) bool {
		if pairs[i].name != pairs[j].name {
			return pairs[i].name < pairs[j].name
		}
		return pairs[i].value < pairs[j].value
	})
	return pairs
}

func unescape(s string) string {
	if v, err := url.QueryUnescape(s); err == nil {
		return v
	}
	return s
}

func encodeQuery(pairs []pair) string {
	if len(pairs) == 0 {
		return ""
	}
	var b strings.Builder
	for i, p := range pairs {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(url.QueryEscape(p.name))
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p.value))
	}
	return b.String()
}

// MockKey identifies one captured exchange.
type MockKey struct {
	Method     string
	URL        Key
	BodyDigest string
}

func (k MockKey) String() string {
	if k.BodyDigest == "" {
		return k.Method + " " + string(k.URL)
	}
	return k.Method + " " + string(k.URL) + "#" + k.BodyDigest
}

// NewMockKey builds the exact or loose MockKey of a call.
func (n *Normalizer) NewMockKey(method, rawURL string, mode Mode, digest string) MockKey {
	return MockKey{Method: strings.ToUpper(method), URL: n.Normalize(rawURL, mode), BodyDigest: digest}
}

// HasBody reports whether calls with this method carry a digested body.
func HasBody(method string) bool {
	switch strings.ToUpper(method) {
	case "POST", "PUT", "PATCH":
		return true
	}
	return false
}

// BodyDigest returns a content-type-aware digest of a request body. Bodies
// that parse as JSON are key-sorted whatever their declared type, so
// reordered objects digest identically.
func (n *Normalizer) BodyDigest(method, contentType string, body []byte) string {
	if !HasBody(method) || len(bytes.TrimSpace(body)) == 0 {
		return ""
	}
	sum := sha256.Sum256(n.normalizeBody(contentType, body))
	return hex.EncodeToString(sum[:])
}

func (n *Normalizer) normalizeBody(contentType string, body []byte) []byte {
	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "application/x-www-form-urlencoded") {
		return []byte(encodeQuery(parseQuery(string(bytes.TrimSpace(body)))))
	}
	// fetch posts JSON.stringify bodies as text/plain
	if strings.Contains(ct, "json") || looksLikeJSON(body) {
		if out, ok := n.normalizeJSON(body); ok {
			return out
		}
	}
	return bytes.TrimSpace(body)
}

func looksLikeJSON(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[')
}

// normalizeJSON re-marshals body; encoding/json writes map keys sorted.
func (n *Normalizer) normalizeJSON(body []byte) ([]byte, bool) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, false
	}
	if len(n.bodyVolatile) > 0 {
		v = n.stripVolatile(v)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return nil, false
	}
	return out, true
}

func (n *Normalizer) stripVolatile(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			if n.bodyKeyVolatile(k) {
				continue
			}
			out[k] = n.stripVolatile(item)
		}
		return out
	case []interface{}:
		for i := range val {
			val[i] = n.stripVolatile(val[i])
		}
		return val
	default:
		return v
	}
}

func (n *Normalizer) bodyKeyVolatile(k string) bool {
	for _, re := range n.bodyVolatile {
		if re.MatchString(k) {
			return true
		}
	}
	return false
}

// ResourcePath derives the flat storage path of a mirrored resource:
// mirror/<host>/<path>, with index.html for directory paths and a
// .__q_<hash> suffix when the URL carries a query string.
func ResourcePath(rawURL string) (string, bool) {
	u, ok := parseAbsolute(string(exact.Normalize(rawURL, Exact)))
	if !ok {
		return "", false
	}

	p := u.Path
	if p == "" || strings.HasSuffix(p, "/") {
		p += "index.html"
	}
	p = path.Clean("/" + p)
	// Clean keeps a leading slash, so ".." can never climb above the host dir
	p = strings.TrimPrefix(p, "/")

	if u.RawQuery != "" {
		sum := sha1.Sum([]byte("?" + u.RawQuery))
		suffix := ".__q_" + hex.EncodeToString(sum[:])[:8]
		dir, file := path.Split(p)
		if ext := path.Ext(file); ext != "" {
			file = strings.TrimSuffix(file, ext) + suffix + ext
		} else {
			file += suffix
		}
		p = dir + file
	}

	host := strings.ReplaceAll(u.Host, ":", "_")
	return path.Join("mirror", host, p), true
}
