package dispatcher

import (
	"net/http"
	"strings"

	"github.com/funnyzak/replaytap/pkg/request"
)

// stripHeaders never survive into a replayed response. Bodies are stored
// decoded, so length and encoding are recomputed by the server.
var stripHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
	"content-length":      true,
	"content-encoding":    true,
}

const allowMethods = "GET,POST,PUT,PATCH,DELETE,OPTIONS"

// sanitizeHeader returns a copy of h without hop-by-hop and framing headers.
func sanitizeHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		if stripHeaders[strings.ToLower(k)] {
			continue
		}
		out[http.CanonicalHeaderKey(k)] = append([]string(nil), vs...)
	}
	return out
}

// applyCORS forces permissive CORS headers for the calling origin.
func applyCORS(h http.Header, call *request.Call) {
	origin := call.Origin
	if origin == "" || origin == "null" {
		origin = "*"
	}
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Expose-Headers", "*")
	if origin != "*" {
		h.Add("Vary", "Origin")
	}
}

// preflight answers a CORS preflight.
func preflight(call *request.Call) *request.Response {
	resp := request.Empty(http.StatusNoContent)
	applyCORS(resp.Header, call)
	allowHeaders := call.Headers.Get("Access-Control-Request-Headers")
	if allowHeaders == "" {
		allowHeaders = "*"
	}
	resp.Header.Set("Access-Control-Allow-Headers", allowHeaders)
	resp.Header.Set("Access-Control-Allow-Methods", allowMethods)
	resp.Header.Set("Access-Control-Max-Age", "86400")
	return resp
}
