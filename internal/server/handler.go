package server

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/funnyzak/replaytap/internal/capture"
	"github.com/funnyzak/replaytap/internal/dispatcher"
	"github.com/funnyzak/replaytap/internal/index"
	"github.com/funnyzak/replaytap/internal/logger"
	"github.com/funnyzak/replaytap/internal/mirror"
	"github.com/funnyzak/replaytap/internal/shim"
	"github.com/funnyzak/replaytap/internal/static"
)

const (
	contentTypeHTML = "text/html; charset=utf-8"
	contentTypeJS   = "application/javascript; charset=utf-8"
	contentTypeJSON = "application/json"
)

// HandlerConfig configures the local routes.
type HandlerConfig struct {
	// Root is the capture directory served as the site root.
	Root string
	// Origin overrides the captured document origin.
	Origin               string
	ExternalAlias        bool
	InjectRuntime        bool
	CrossOriginIsolation bool
}

// Handler serves the captured document, the shim runtime, files under the
// capture root, and hands everything else to the dispatcher.
type Handler struct {
	config     HandlerConfig
	index      index.Provider
	dispatcher *dispatcher.Dispatcher
	sockets    http.Handler
	logger     logger.Logger

	mu   sync.Mutex
	page *pageState
	docs map[string][]byte
}

// pageState is derived once from the loaded index.
type pageState struct {
	origin  string
	docURL  string
	chain   *shim.Chain
	runtime []byte
	config  []byte
}

// NewHandler creates the local route handler.
func NewHandler(cfg HandlerConfig, idx index.Provider, d *dispatcher.Dispatcher, sockets http.Handler, log logger.Logger) *Handler {
	return &Handler{
		config:     cfg,
		index:      idx,
		dispatcher: d,
		sockets:    sockets,
		logger:     log,
		docs:       make(map[string][]byte),
	}
}

// state builds the shim chain and runtime configuration on first use. A
// failed index load is retried on the next request.
func (h *Handler) state(ctx context.Context) (*pageState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.page != nil {
		return h.page, nil
	}

	idx, err := h.index.Index(ctx)
	if err != nil {
		return nil, err
	}
	docURL := idx.Origin()
	origin := originOf(docURL)
	if h.config.Origin != "" {
		origin = originOf(h.config.Origin)
	}

	opts := shim.Options{Resolver: mirror.New(idx), ExternalAlias: h.config.ExternalAlias}
	rc := shim.NewRuntimeConfig(origin, opts.Resolver, idx.Normalizer(), opts)
	cfgJSON, err := rc.JSON()
	if err != nil {
		return nil, err
	}

	h.page = &pageState{
		origin:  origin,
		docURL:  docURL,
		chain:   shim.DefaultChain(opts),
		runtime: static.Script(cfgJSON),
		config:  cfgJSON,
	}
	return h.page, nil
}

func (h *Handler) serveRuntime(w http.ResponseWriter, r *http.Request) {
	script := static.Script(nil)
	if st, err := h.state(r.Context()); err == nil {
		script = st.runtime
	} else {
		h.logger.Warn("Serving runtime without capture configuration", "error", err)
	}
	w.Header().Set("Content-Type", contentTypeJS)
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(script))
}

func (h *Handler) serveShimConfig(w http.ResponseWriter, r *http.Request) {
	st, err := h.state(r.Context())
	if err != nil {
		http.Error(w, "capture unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", contentTypeJSON)
	w.Header().Set("Content-Length", strconv.Itoa(len(st.config)))
	w.WriteHeader(http.StatusOK)
	w.Write(st.config)
}

func (h *Handler) serveAlias(w http.ResponseWriter, r *http.Request) {
	target, ok := shim.ParseAlias(r.URL.EscapedPath())
	if !ok {
		http.Error(w, "invalid alias target", http.StatusBadRequest)
		return
	}
	if websocket.IsWebSocketUpgrade(r) {
		h.serveSocket(w, r, target)
		return
	}
	h.dispatcher.ServeTarget(w, r, target)
}

// serveProxy answers absolute-form requests from clients using the replay
// server as an HTTP proxy.
func (h *Handler) serveProxy(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		h.sockets.ServeHTTP(w, r)
		return
	}
	h.dispatcher.ServeTarget(w, r, r.URL.String())
}

func (h *Handler) serveDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.document(r)
	if err != nil {
		h.logger.Error("Failed to render captured document", "error", err)
		http.Error(w, "capture unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", contentTypeHTML)
	http.ServeContent(w, r, "", time.Time{}, bytes.NewReader(doc))
}

// document returns the rewritten captured document for the local origin
// the request arrived on.
func (h *Handler) document(r *http.Request) ([]byte, error) {
	st, err := h.state(r.Context())
	if err != nil {
		return nil, err
	}
	local := localOrigin(r)

	h.mu.Lock()
	doc, ok := h.docs[local]
	h.mu.Unlock()
	if ok {
		return doc, nil
	}

	raw, err := h.readDocument(r.Context(), st)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	err = shim.RewriteHTML(bytes.NewReader(raw), &buf, st.chain, shim.RewriteOptions{
		PageOrigin:    local,
		InjectRuntime: h.config.InjectRuntime,
	})
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	h.docs[local] = buf.Bytes()
	h.mu.Unlock()
	return buf.Bytes(), nil
}

// readDocument reads the asset recorded for the document URL, falling back
// to index.html under the capture root.
func (h *Handler) readDocument(ctx context.Context, st *pageState) ([]byte, error) {
	rel := "index.html"
	if idx, err := h.index.Index(ctx); err == nil {
		if rec, _, ok := idx.Asset(st.docURL); ok {
			rel = rec.StoragePath
		}
	}
	path, err := capture.Resolve(h.config.Root, rel)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// serveLocal serves a file under the capture root when one exists and
// dispatches the request against the captured origin otherwise.
func (h *Handler) serveLocal(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		h.serveSocket(w, r, h.captureTarget(r))
		return
	}

	if path, err := capture.Resolve(h.config.Root, r.URL.Path); err == nil {
		if f, err := os.Open(path); err == nil {
			defer f.Close()
			if info, err := f.Stat(); err == nil && info.Mode().IsRegular() {
				http.ServeContent(w, r, info.Name(), info.ModTime(), f)
				return
			}
		}
	}

	h.dispatcher.ServeTarget(w, r, h.captureTarget(r))
}

// captureTarget maps a local request onto the captured origin.
func (h *Handler) captureTarget(r *http.Request) string {
	origin := ""
	if st, err := h.state(r.Context()); err == nil {
		origin = st.origin
	}
	if origin == "" {
		origin = localOrigin(r)
	}
	return origin + r.URL.RequestURI()
}

// serveSocket hands an upgrade request to the socket handler with target as
// the recording URL.
func (h *Handler) serveSocket(w http.ResponseWriter, r *http.Request, target string) {
	r2 := r.Clone(r.Context())
	q := url.Values{}
	q.Set("url", socketURL(target))
	u := *r.URL
	u.RawQuery = q.Encode()
	r2.URL = &u
	h.sockets.ServeHTTP(w, r2)
}

// localHeaders adds the headers every locally served response carries.
func (h *Handler) localHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := w.Header()
		if h.config.CrossOriginIsolation {
			header.Set("Cross-Origin-Opener-Policy", "same-origin")
			header.Set("Cross-Origin-Embedder-Policy", "require-corp")
		}
		header.Set("Accept-Ranges", "bytes")
		header.Set("Cache-Control", "no-cache")
		next.ServeHTTP(w, r)
	})
}

// socketURL maps http and https to ws and wss.
func socketURL(target string) string {
	switch {
	case strings.HasPrefix(target, "http://"):
		return "ws://" + strings.TrimPrefix(target, "http://")
	case strings.HasPrefix(target, "https://"):
		return "wss://" + strings.TrimPrefix(target, "https://")
	}
	return target
}

func localOrigin(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host
}

// originOf reduces a URL to scheme://host.
func originOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return strings.ToLower(u.Scheme) + "://" + u.Host
}
