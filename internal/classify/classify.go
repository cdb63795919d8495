// Package classify sorts outbound calls into assets, dynamic calls and
// telemetry noise.
package classify

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/funnyzak/replaytap/internal/config"
	"github.com/funnyzak/replaytap/pkg/request"
)

// Kind is the class of an outbound call.
type Kind int

const (
	Asset Kind = iota
	DynamicCall
	Noise
)

func (k Kind) String() string {
	switch k {
	case DynamicCall:
		return "dynamic"
	case Noise:
		return "noise"
	default:
		return "asset"
	}
}

// Rule answers matching noise calls with a fixed response.
type Rule struct {
	Name    string
	Hosts   []string
	Path    *regexp.Regexp
	Status  int
	Body    string
	Headers map[string]string
}

// Matches reports whether the rule covers host and path. A host entry
// matches itself and its subdomains.
func (r *Rule) Matches(host, path string) bool {
	if len(r.Hosts) > 0 {
		matched := false
		for _, h := range r.Hosts {
			if host == h || strings.HasSuffix(host, "."+h) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if r.Path != nil && !r.Path.MatchString(path) {
		return false
	}
	return true
}

// Response builds the inert response of the rule.
func (r *Rule) Response() *request.Response {
	resp := request.Empty(r.Status)
	for key, value := range r.Headers {
		if key == "" {
			continue
		}
		resp.Header.Set(key, value)
	}
	if r.Body != "" {
		resp.Body = []byte(r.Body)
		if resp.Header.Get("Content-Type") == "" {
			resp.Header.Set("Content-Type", "text/plain")
		}
	}
	return resp
}

// Classifier holds the configured noise rules.
type Classifier struct {
	rules []Rule
}

// New compiles noise rules from configuration.
func New(cfgs []config.NoiseRuleConfig) (*Classifier, error) {
	c := &Classifier{}
	for i, cfg := range cfgs {
		rule := Rule{
			Name:    cfg.Name,
			Status:  cfg.Status,
			Body:    cfg.Body,
			Headers: cfg.Headers,
		}
		if rule.Name == "" {
			rule.Name = fmt.Sprintf("noise-%d", i+1)
		}
		if rule.Status == 0 {
			rule.Status = http.StatusOK
		}
		for _, h := range cfg.Hosts {
			if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
				rule.Hosts = append(rule.Hosts, h)
			}
		}
		if cfg.PathPattern != "" {
			re, err := regexp.Compile(cfg.PathPattern)
			if err != nil {
				return nil, fmt.Errorf("noise rule %s: %w", rule.Name, err)
			}
			rule.Path = re
		}
		if len(rule.Hosts) == 0 && rule.Path == nil {
			return nil, fmt.Errorf("noise rule %s needs hosts or a path pattern", rule.Name)
		}
		c.rules = append(c.rules, rule)
	}
	return c, nil
}

// Rules returns the compiled rules in match order.
func (c *Classifier) Rules() []Rule {
	if c == nil {
		return nil
	}
	return c.rules
}

// NoiseRule returns the first rule covering rawURL, or nil.
func (c *Classifier) NoiseRule(rawURL string) *Rule {
	if c == nil || len(c.rules) == 0 {
		return nil
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil
	}
	host := strings.ToLower(u.Hostname())
	for i := range c.rules {
		if c.rules[i].Matches(host, u.Path) {
			return &c.rules[i]
		}
	}
	return nil
}

// Classify returns the class of a call. contentType describes the response
// when known and may be empty.
func (c *Classifier) Classify(method, rawURL, contentType string) Kind {
	if c.NoiseRule(rawURL) != nil {
		return Noise
	}
	if IsProbablyAPI(method, rawURL, contentType) {
		return DynamicCall
	}
	return Asset
}

var apiMarkers = []string{
	"/api/", "/v1/", "/v2/", "/graphql", "/connect", "/token",
	"/interact", "/collect", "/gameapi", "/configuration",
}

var staticJSONMarkers = []string{
	"/assets/", "/renderer/", "/build/", "/manifest",
	"/locale/", "/preload/", "/package.json",
}

var cdnHost = regexp.MustCompile(`(?i)^(static|cdn|assets?)\.`)

// IsStaticJSONPath reports whether a .json path looks like a bundled
// config or layout file rather than an API response.
func IsStaticJSONPath(p string) bool {
	s := strings.ToLower(p)
	if !strings.HasSuffix(s, ".json") {
		return false
	}
	for _, m := range staticJSONMarkers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// IsProbablyAPI guesses whether a call reaches backend logic. Every
// state-changing method does; GETs need an API path marker or a JSON/text
// response from a host that does not look like a CDN.
func IsProbablyAPI(method, rawURL, contentType string) bool {
	if m := strings.ToUpper(method); m != "" && m != http.MethodGet && m != http.MethodHead {
		return true
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	p := strings.ToLower(u.Path)

	for _, marker := range apiMarkers {
		if strings.Contains(p, marker) {
			return !IsStaticJSONPath(p)
		}
	}

	ct := strings.ToLower(contentType)
	if strings.Contains(ct, "application/json") || strings.Contains(ct, "text/plain") {
		if IsStaticJSONPath(p) {
			return false
		}
		return !cdnHost.MatchString(u.Hostname())
	}
	return false
}
