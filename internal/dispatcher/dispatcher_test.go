package dispatcher

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnyzak/replaytap/internal/capture"
	"github.com/funnyzak/replaytap/internal/classify"
	"github.com/funnyzak/replaytap/internal/config"
	"github.com/funnyzak/replaytap/internal/forwarder"
	"github.com/funnyzak/replaytap/internal/index"
	"github.com/funnyzak/replaytap/internal/logger"
	"github.com/funnyzak/replaytap/pkg/request"
)

const assetBody = "0123456789abcdefghij"

func write(t *testing.T, root, rel string, data []byte) {
	t.Helper()
	p := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, data, 0o644))
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func newIndex(t *testing.T) *index.CaptureIndex {
	t.Helper()
	root := t.TempDir()

	mock := capture.MockFile{
		Request: capture.MockRequest{
			Method:  "POST",
			URL:     "https://api.example.com/v1/spin?ts=1",
			Headers: map[string]string{"content-type": "application/json"},
			BodyB64: b64(`{"bet":1}`),
		},
		Response: capture.MockResponse{
			Status: 200,
			Headers: map[string]string{
				"content-type":      "application/json",
				"content-length":    "999",
				"content-encoding":  "gzip",
				"connection":        "keep-alive",
				"transfer-encoding": "chunked",
				"x-served-by":       "origin",
			},
			ContentType: "application/json",
			BodyB64:     b64(`{"win":5}`),
		},
	}
	data, err := json.Marshal(mock)
	require.NoError(t, err)
	write(t, root, "storage/api/0.json", data)
	write(t, root, "storage/assets/app.js", []byte(assetBody))

	m := &capture.Manifest{
		URL: "https://game.example.com/",
		Assets: map[string]capture.AssetEntry{
			"https://cdn.example.com/app.js": {Path: "storage/assets/app.js", Status: 200, ContentType: "application/javascript"},
		},
		API: []capture.APIEntry{
			{Method: "POST", URL: "https://api.example.com/v1/spin?ts=1", File: "storage/api/0.json"},
		},
	}
	idx, _, err := index.Build(context.Background(), root, m, index.BuildOptions{})
	require.NoError(t, err)
	return idx
}

func newClassifier(t *testing.T) *classify.Classifier {
	t.Helper()
	c, err := classify.New([]config.NoiseRuleConfig{{
		Name:    "tag-scripts",
		Hosts:   []string{"www.googletagmanager.com"},
		Body:    "/* offline noop */",
		Headers: map[string]string{"Content-Type": "application/javascript"},
	}})
	require.NoError(t, err)
	return c
}

func newDispatcher(t *testing.T, opts Options) *Dispatcher {
	t.Helper()
	if opts.Index == nil {
		opts.Index = newIndex(t)
	}
	if opts.Classifier == nil {
		opts.Classifier = newClassifier(t)
	}
	return New(opts)
}

func newCall(method, target, origin, body string) *request.Call {
	r := httptest.NewRequest(method, "http://localhost/", strings.NewReader(body))
	if origin != "" {
		r.Header.Set("Origin", origin)
	}
	if body != "" {
		r.Header.Set("Content-Type", "application/json")
	}
	return request.NewCall(r, target, []byte(body))
}

func TestPreflight(t *testing.T) {
	d := newDispatcher(t, Options{})
	call := newCall("OPTIONS", "https://api.example.com/v1/spin", "https://game.example.com", "")
	call.Headers.Set("Access-Control-Request-Headers", "x-token, content-type")

	res := d.Dispatch(context.Background(), call)
	assert.Equal(t, StagePreflight, res.Stage)
	assert.Equal(t, http.StatusNoContent, res.Response.Status)
	h := res.Response.Header
	assert.Equal(t, "https://game.example.com", h.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", h.Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "x-token, content-type", h.Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "GET,POST,PUT,PATCH,DELETE,OPTIONS", h.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "86400", h.Get("Access-Control-Max-Age"))
	assert.Equal(t, []State{Received, Classified, Resolved, Responded}, res.Trace)
}

func TestPreflightWithoutOrigin(t *testing.T) {
	d := newDispatcher(t, Options{})
	res := d.Dispatch(context.Background(), newCall("OPTIONS", "https://api.example.com/x", "", ""))
	assert.Equal(t, "*", res.Response.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "*", res.Response.Header.Get("Access-Control-Allow-Headers"))
}

func TestNoise(t *testing.T) {
	d := newDispatcher(t, Options{})
	res := d.Dispatch(context.Background(), newCall("GET", "https://www.googletagmanager.com/gtm.js?id=1", "", ""))

	assert.Equal(t, StageNoise, res.Stage)
	assert.Equal(t, classify.Noise, res.Kind)
	assert.Equal(t, http.StatusOK, res.Response.Status)
	assert.Equal(t, "/* offline noop */", string(res.Response.Body))
	assert.Equal(t, "application/javascript", res.Response.Header.Get("Content-Type"))
	assert.True(t, res.Terminal())
}

func TestMockExactStripsHopByHop(t *testing.T) {
	d := newDispatcher(t, Options{})
	res := d.Dispatch(context.Background(), newCall("POST", "https://api.example.com/v1/spin?ts=1", "https://game.example.com", `{"bet":1}`))

	require.NoError(t, res.Err)
	assert.Equal(t, StageMockExact, res.Stage)
	assert.Equal(t, index.MatchExact, res.Match)
	assert.Equal(t, classify.DynamicCall, res.Kind)
	assert.Equal(t, `{"win":5}`, string(res.Response.Body))

	h := res.Response.Header
	assert.Equal(t, "application/json", h.Get("Content-Type"))
	assert.Equal(t, "origin", h.Get("X-Served-By"))
	for _, name := range []string{"Content-Length", "Content-Encoding", "Connection", "Transfer-Encoding"} {
		assert.Empty(t, h.Get(name), name)
	}
	assert.Equal(t, "https://game.example.com", h.Get("Access-Control-Allow-Origin"))
}

func TestMockLoose(t *testing.T) {
	d := newDispatcher(t, Options{})
	res := d.Dispatch(context.Background(), newCall("POST", "https://api.example.com/v1/spin?ts=2", "", `{"bet":7}`))

	assert.Equal(t, StageMockLoose, res.Stage)
	assert.Equal(t, index.MatchLooseFallback, res.Match)
	assert.Equal(t, `{"win":5}`, string(res.Response.Body))
}

func TestAssetIsCachedOnce(t *testing.T) {
	idx := newIndex(t)
	d := newDispatcher(t, Options{Index: idx})

	res := d.Dispatch(context.Background(), newCall("GET", "https://cdn.example.com/app.js", "", ""))
	require.NoError(t, res.Err)
	assert.Equal(t, StageAsset, res.Stage)
	assert.True(t, res.Response.Seekable)
	assert.Equal(t, assetBody, string(res.Response.Body))
	assert.Equal(t, 1, d.CachedEntries())

	// the second call is served from the cache
	require.NoError(t, os.Remove(filepath.Join(idx.Root(), "storage", "assets", "app.js")))
	res = d.Dispatch(context.Background(), newCall("GET", "https://cdn.example.com/app.js?cb=3", "", ""))
	require.NoError(t, res.Err)
	assert.Equal(t, assetBody, string(res.Response.Body))
	assert.Equal(t, 1, d.CachedEntries())
}

func TestMissingAssetFileFallsThrough(t *testing.T) {
	idx := newIndex(t)
	require.NoError(t, os.Remove(filepath.Join(idx.Root(), "storage", "assets", "app.js")))
	d := newDispatcher(t, Options{Index: idx})

	res := d.Dispatch(context.Background(), newCall("GET", "https://cdn.example.com/app.js", "", ""))
	assert.Equal(t, StageEmpty, res.Stage)
	assert.Equal(t, http.StatusNoContent, res.Response.Status)
	assert.ErrorIs(t, res.Err, index.ErrMissingCapture)
}

func TestUnmatchedWithoutPassthrough(t *testing.T) {
	d := newDispatcher(t, Options{})
	res := d.Dispatch(context.Background(), newCall("GET", "https://api.example.com/v1/unknown", "", ""))

	assert.Equal(t, StageEmpty, res.Stage)
	assert.Equal(t, http.StatusNoContent, res.Response.Status)
	assert.Empty(t, res.Response.Body)
	assert.ErrorIs(t, res.Err, index.ErrMissingCapture)
	assert.True(t, res.Terminal())
	assert.Equal(t, "*", res.Response.Header.Get("Access-Control-Allow-Origin"))

	cross := d.Dispatch(context.Background(), newCall("POST", "https://api.example.com/v1/unknown", "https://game.example.com", `{"a":1}`))
	assert.Equal(t, StageEmpty, cross.Stage)
	assert.Equal(t, "https://game.example.com", cross.Response.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "true", cross.Response.Header.Get("Access-Control-Allow-Credentials"))
}

func TestPassthroughSuccess(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Keep-Alive", "timeout=5")
		w.Write([]byte("live:" + r.URL.Path))
	}))
	defer upstream.Close()

	fwd := forwarder.NewForwarder(logger.Nop(), forwarder.Options{Timeout: 5 * time.Second})
	d := newDispatcher(t, Options{Forwarder: fwd})
	defer d.Close()

	res := d.Dispatch(context.Background(), newCall("GET", upstream.URL+"/live", "", ""))
	require.NoError(t, res.Err)
	assert.Equal(t, StagePassthrough, res.Stage)
	assert.Equal(t, "live:/live", string(res.Response.Body))
	assert.Empty(t, res.Response.Header.Get("Keep-Alive"))
	assert.Equal(t, "*", res.Response.Header.Get("Access-Control-Allow-Origin"))
}

type failingClient struct{}

func (failingClient) Forward(context.Context, *request.Call) (*request.Response, error) {
	return nil, errors.New("dial tcp: no route to host")
}

func (failingClient) Close() {}

func TestPassthroughFailure(t *testing.T) {
	d := newDispatcher(t, Options{Forwarder: failingClient{}})
	res := d.Dispatch(context.Background(), newCall("GET", "https://api.example.com/v1/unknown", "https://game.example.com", ""))

	assert.Equal(t, StageEmpty, res.Stage)
	assert.Equal(t, http.StatusNoContent, res.Response.Status)
	assert.ErrorIs(t, res.Err, index.ErrNetworkUnavailable)
	assert.Equal(t, "https://game.example.com", res.Response.Header.Get("Access-Control-Allow-Origin"))
}

type panicProvider struct{}

func (panicProvider) Index(context.Context) (*index.CaptureIndex, error) { panic("boom") }

func TestPanicIsRecovered(t *testing.T) {
	d := newDispatcher(t, Options{Index: panicProvider{}})
	res := d.Dispatch(context.Background(), newCall("GET", "https://api.example.com/x", "", ""))

	assert.Equal(t, http.StatusNoContent, res.Response.Status)
	assert.Equal(t, StageEmpty, res.Stage)
	assert.Error(t, res.Err)
	assert.Equal(t, []State{Received, Classified, Resolved, Responded}, res.Trace)
}

type errProvider struct{}

func (errProvider) Index(context.Context) (*index.CaptureIndex, error) {
	return nil, errors.New("manifest unreadable")
}

func TestIndexUnavailable(t *testing.T) {
	d := newDispatcher(t, Options{Index: errProvider{}})
	res := d.Dispatch(context.Background(), newCall("GET", "https://api.example.com/x", "", ""))

	assert.Equal(t, http.StatusNoContent, res.Response.Status)
	assert.ErrorIs(t, res.Err, index.ErrMissingCapture)
}

func TestServeTargetRange(t *testing.T) {
	d := newDispatcher(t, Options{})
	r := httptest.NewRequest("GET", "http://localhost/__ext__/x", nil)
	r.Header.Set("Range", "bytes=0-3")
	w := httptest.NewRecorder()

	d.ServeTarget(w, r, "https://cdn.example.com/app.js")

	assert.Equal(t, http.StatusPartialContent, w.Code)
	assert.Equal(t, "0123", w.Body.String())
	assert.Equal(t, "application/javascript", w.Header().Get("Content-Type"))
}

func TestServeHTTPObserverAndEmptyBody(t *testing.T) {
	seen := make(chan *Result, 1)
	d := newDispatcher(t, Options{
		TargetFunc: func(r *http.Request) string { return "https://api.example.com" + r.URL.RequestURI() },
		Observer: func(call *request.Call, res *Result, latency time.Duration) {
			seen <- res
		},
	})

	r := httptest.NewRequest("GET", "http://localhost/v1/unknown", nil)
	w := httptest.NewRecorder()
	d.ServeHTTP(w, r)
	d.Wait()

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.String())

	select {
	case res := <-seen:
		assert.Equal(t, StageEmpty, res.Stage)
	default:
		t.Fatal("observer was not called")
	}
}

func TestServeHTTPBodyTooLarge(t *testing.T) {
	d := newDispatcher(t, Options{MaxBodyBytes: 4})
	r := httptest.NewRequest("POST", "https://api.example.com/v1/spin", strings.NewReader("too large"))
	w := httptest.NewRecorder()

	d.ServeHTTP(w, r)
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

func TestServeHTTPMockBody(t *testing.T) {
	d := newDispatcher(t, Options{})
	r := httptest.NewRequest("POST", "https://api.example.com/v1/spin?ts=1", strings.NewReader(`{"bet":1}`))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	d.ServeHTTP(w, r)

	resp := w.Result()
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, `{"win":5}`, string(body))
	assert.Equal(t, "9", resp.Header.Get("Content-Length"))
}
