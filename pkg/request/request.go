package request

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Call is one intercepted outbound call made by the replayed page.
type Call struct {
	ID          string      `json:"id"`
	Timestamp   time.Time   `json:"timestamp"`
	Method      string      `json:"method"`
	URL         string      `json:"url"`
	Origin      string      `json:"origin,omitempty"`
	RemoteAddr  string      `json:"remote_addr"`
	UserAgent   string      `json:"user_agent"`
	Headers     http.Header `json:"headers"`
	Body        []byte      `json:"body,omitempty"`
	ContentType string      `json:"content_type"`
	IsBinary    bool        `json:"is_binary"`
}

// Response is what the page receives for a Call.
type Response struct {
	Status int         `json:"status"`
	Header http.Header `json:"headers"`
	Body   []byte      `json:"-"`
	// Seekable marks byte-identical stored resources that may be served with Range support.
	Seekable bool `json:"seekable,omitempty"`
}

// NewCall builds a Call from an inbound request. target is the absolute URL
// the page originally addressed, which differs from r.URL for aliased calls.
func NewCall(r *http.Request, target string, body []byte) *Call {
	contentType := r.Header.Get("Content-Type")
	return &Call{
		ID:          NewID(),
		Timestamp:   time.Now(),
		Method:      strings.ToUpper(r.Method),
		URL:         target,
		Origin:      r.Header.Get("Origin"),
		RemoteAddr:  getClientIP(r),
		UserAgent:   r.UserAgent(),
		Headers:     r.Header.Clone(),
		Body:        body,
		ContentType: contentType,
		IsBinary:    IsBinaryContent(contentType, body),
	}
}

// Host returns the lowercased host of the call target, or "" when unparsable.
func (c *Call) Host() string {
	u, err := url.Parse(c.URL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// Path returns the path of the call target.
func (c *Call) Path() string {
	u, err := url.Parse(c.URL)
	if err != nil {
		return ""
	}
	return u.Path
}

// Empty returns a body-less response with the given status.
func Empty(status int) *Response {
	return &Response{Status: status, Header: http.Header{}}
}

// Size returns the body length.
func (r *Response) Size() int64 {
	if r == nil {
		return 0
	}
	return int64(len(r.Body))
}

// NewID returns a random identifier for calls and socket sessions.
func NewID() string {
	return uuid.NewString()
}

// getClientIP gets client real IP address
func getClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.IndexByte(xff, ','); idx >= 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}

	if xri := r.Header.Get("X-Real-IP"); xri != "" {
		return xri
	}

	if idx := len(r.RemoteAddr) - 1; idx >= 0 && r.RemoteAddr[idx] >= '0' && r.RemoteAddr[idx] <= '9' {
		if i := strings.LastIndexByte(r.RemoteAddr, ':'); i >= 0 {
			return r.RemoteAddr[:i]
		}
	}

	return r.RemoteAddr
}

// IsBinaryContent detects if it's binary content
func IsBinaryContent(contentType string, body []byte) bool {
	binaryTypes := []string{
		"image/", "video/", "audio/", "font/",
		"application/octet-stream",
		"application/wasm",
		"application/zip", "application/gzip",
		"application/pdf",
	}

	for _, binaryType := range binaryTypes {
		if strings.HasPrefix(contentType, binaryType) {
			return true
		}
	}

	// More than 10% null bytes
	nullCount := 0
	for _, b := range body {
		if b == 0 {
			nullCount++
		}
	}
	return len(body) > 0 && nullCount > len(body)/10
}
