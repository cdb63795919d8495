package forwarder

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/funnyzak/replaytap/internal/logger"
	"github.com/funnyzak/replaytap/pkg/request"
)

// Client sends unmatched calls to the real network.
type Client interface {
	Forward(ctx context.Context, call *request.Call) (*request.Response, error)
	Close()
}

// Forwarder is the best-effort passthrough for calls with no capture
type Forwarder struct {
	client           *http.Client
	logger           logger.Logger
	timeout          time.Duration
	retries          int
	maxConcurrent    int
	maxResponseBytes int64
	skipHeaders      map[string]bool
	workerPool       chan struct{}
	mu               sync.Mutex
	cond             *sync.Cond
	closed           bool
	activeCalls      int
}

// Options passthrough configuration
type Options struct {
	Timeout               time.Duration
	Retries               int
	MaxConcurrent         int
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
	MaxConnsPerHost       int
	IdleConnTimeout       time.Duration
	ResponseHeaderTimeout time.Duration
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
	TLSInsecureSkipVerify bool
	MaxResponseBytes      int64
	HeaderBlacklist       []string
	// Transport replaces the tuned default transport, mainly for tests.
	Transport http.RoundTripper
}

// ErrForwarderClosed indicates the forwarder has been shut down.
var ErrForwarderClosed = errors.New("forwarder is closed")

// ErrResponseTooLarge indicates the upstream body exceeded MaxResponseBytes.
var ErrResponseTooLarge = errors.New("upstream response exceeds configured limit")

var defaultSkipHeaders = []string{
	"host",
	"connection",
	"keep-alive",
	"proxy-authenticate",
	"proxy-authorization",
	"proxy-connection",
	"te",
	"trailer",
	"trailers",
	"transfer-encoding",
	"upgrade",
	"content-length",
}

// NewForwarder creates new forwarder
func NewForwarder(logger logger.Logger, opts Options) *Forwarder {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 10
	}

	transport := opts.Transport
	if transport == nil {
		transport = &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        positiveOrDefault(opts.MaxIdleConns, 200),
			MaxIdleConnsPerHost: positiveOrDefault(opts.MaxIdleConnsPerHost, opts.MaxConcurrent),
			MaxConnsPerHost:     positiveOrDefault(opts.MaxConnsPerHost, opts.MaxConcurrent*2),
			IdleConnTimeout:     durationOrDefault(opts.IdleConnTimeout, 90*time.Second),
			ResponseHeaderTimeout: durationOrDefault(
				opts.ResponseHeaderTimeout,
				15*time.Second,
			),
			TLSHandshakeTimeout:   durationOrDefault(opts.TLSHandshakeTimeout, 10*time.Second),
			ExpectContinueTimeout: durationOrDefault(opts.ExpectContinueTimeout, 1*time.Second),
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: opts.TLSInsecureSkipVerify,
			},
		}
	}

	skip := make(map[string]bool)
	blacklist := opts.HeaderBlacklist
	if len(blacklist) == 0 {
		blacklist = defaultSkipHeaders
	}
	for _, h := range blacklist {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			skip[h] = true
		}
	}

	f := &Forwarder{
		client: &http.Client{
			Timeout:   opts.Timeout,
			Transport: transport,
			// redirects are handed back to the page untouched
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger:           logger,
		timeout:          opts.Timeout,
		retries:          opts.Retries,
		maxConcurrent:    opts.MaxConcurrent,
		maxResponseBytes: opts.MaxResponseBytes,
		skipHeaders:      skip,
		workerPool:       make(chan struct{}, opts.MaxConcurrent),
	}
	f.cond = sync.NewCond(&f.mu)
	return f
}

// Forward sends the call to its own absolute URL and returns the upstream
// response. Transport failures are retried with exponential backoff.
func (f *Forwarder) Forward(ctx context.Context, call *request.Call) (*request.Response, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, ErrForwarderClosed
	}
	f.activeCalls++
	f.mu.Unlock()
	defer func() {
		f.mu.Lock()
		f.activeCalls--
		if f.activeCalls == 0 {
			f.cond.Broadcast()
		}
		f.mu.Unlock()
	}()

	// Get worker token (control concurrent count)
	select {
	case f.workerPool <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-f.workerPool }()

	var lastErr error
	for attempt := 0; attempt <= f.retries; attempt++ {
		if attempt > 0 {
			// Exponential backoff
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * 250 * time.Millisecond
			if backoff > 5*time.Second {
				backoff = 5 * time.Second
			}

			select {
			case <-ctx.Done():
				f.logger.Info("Passthrough cancelled by context",
					"url", call.URL,
					"attempt", attempt+1,
				)
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		resp, err := f.doForward(ctx, call, attempt)
		if err == nil {
			f.logger.Debug("Passthrough call answered",
				"url", call.URL,
				"method", call.Method,
				"status", resp.Status,
				"attempt", attempt+1,
			)
			return resp, nil
		}

		lastErr = err
		if errors.Is(err, ErrResponseTooLarge) {
			break
		}
		f.logger.Warn("Passthrough attempt failed",
			"url", call.URL,
			"error", err.Error(),
			"attempt", attempt+1,
		)
	}

	f.logger.Warn("All passthrough attempts failed",
		"url", call.URL,
		"final_error", lastErr.Error(),
		"total_attempts", f.retries+1,
	)
	return nil, lastErr
}

// doForward executes single forward
func (f *Forwarder) doForward(ctx context.Context, call *request.Call, attempt int) (*request.Response, error) {
	req, err := http.NewRequestWithContext(ctx, call.Method, call.URL, bytes.NewReader(call.Body))
	if err != nil {
		return nil, fmt.Errorf("create request failed: %w", err)
	}

	// Copy Headers (filter some headers that should not be forwarded)
	for key, values := range call.Headers {
		if f.shouldForwardHeader(key) {
			for _, value := range values {
				req.Header.Add(key, value)
			}
		}
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			f.logger.Warn("Failed to close response body", "error", cerr)
		}
	}()

	reader := io.Reader(resp.Body)
	if f.maxResponseBytes > 0 {
		reader = io.LimitReader(resp.Body, f.maxResponseBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read response failed: %w", err)
	}
	if f.maxResponseBytes > 0 && int64(len(body)) > f.maxResponseBytes {
		return nil, ErrResponseTooLarge
	}

	return &request.Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   body,
	}, nil
}

// shouldForwardHeader determines if specified header should be forwarded
func (f *Forwarder) shouldForwardHeader(key string) bool {
	lowerKey := strings.ToLower(key)
	if f.skipHeaders[lowerKey] {
		return false
	}

	sensitiveHeaders := map[string]bool{
		"authorization": true,
		"cookie":        true,
	}
	if sensitiveHeaders[lowerKey] {
		f.logger.Debug("Forwarding sensitive header", "header", key)
	}

	return true
}

// GetMaxConcurrent gets current maximum concurrent count
func (f *Forwarder) GetMaxConcurrent() int {
	return f.maxConcurrent
}

// Close waits for in-flight calls and releases idle connections
func (f *Forwarder) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	for f.activeCalls > 0 {
		f.cond.Wait()
	}
	f.mu.Unlock()

	// Close idle connections of HTTP client
	if transport, ok := f.client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

func positiveOrDefault(value, def int) int {
	if value > 0 {
		return value
	}
	return def
}

func durationOrDefault(value, def time.Duration) time.Duration {
	if value > 0 {
		return value
	}
	return def
}
