package shim

import (
	"net/http"
	"net/url"
)

// Transport applies a Chain to Go-side requests before handing them to
// Base. Rewritten destinations are resolved against Origin.
type Transport struct {
	Chain *Chain
	// Origin is scheme://host of the local replay server.
	Origin string
	Base   http.RoundTripper
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	d := t.Chain.Apply(&Outbound{
		Method:     req.Method,
		URL:        req.URL.String(),
		PageOrigin: t.Origin,
	})
	if d.Action != Rewrite {
		return base.RoundTrip(req)
	}

	origin, err := url.Parse(t.Origin)
	if err != nil {
		return nil, err
	}
	ref, err := url.Parse(d.URL)
	if err != nil {
		return nil, err
	}
	target := origin.ResolveReference(ref)

	out := req.Clone(req.Context())
	out.URL = target
	out.Host = target.Host
	return base.RoundTrip(out)
}
