// Package dispatcher answers every outbound call of a replayed page from the
// capture index. Resolution order is preflight, noise, exact mock, loose
// mock, asset and finally passthrough; a call that matches nothing gets an
// empty 204 so the page keeps running.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/funnyzak/replaytap/internal/cache"
	"github.com/funnyzak/replaytap/internal/capture"
	"github.com/funnyzak/replaytap/internal/classify"
	"github.com/funnyzak/replaytap/internal/forwarder"
	"github.com/funnyzak/replaytap/internal/index"
	"github.com/funnyzak/replaytap/internal/logger"
	"github.com/funnyzak/replaytap/pkg/request"
)

// Observer receives every dispatched call after its response was written.
type Observer func(call *request.Call, res *Result, latency time.Duration)

// Options configures a Dispatcher.
type Options struct {
	Index      index.Provider
	Classifier *classify.Classifier
	Cache      cache.Cache
	// Forwarder enables passthrough for unmatched calls when set.
	Forwarder          forwarder.Client
	PassthroughTimeout time.Duration
	MaxBodyBytes       int64
	Logger             logger.Logger
	Observer           Observer
	// TargetFunc maps an inbound request to the absolute URL the page
	// addressed. The default uses the request URL when it is absolute.
	TargetFunc func(*http.Request) string
}

// Dispatcher resolves calls against the capture index.
type Dispatcher struct {
	index      index.Provider
	classifier *classify.Classifier
	cache      cache.Cache
	forwarder  forwarder.Client
	ptTimeout  time.Duration
	maxBody    int64
	logger     logger.Logger
	observer   Observer
	targetFunc func(*http.Request) string

	loads  singleflight.Group
	procWG sync.WaitGroup
}

// New creates a Dispatcher.
func New(opts Options) *Dispatcher {
	d := &Dispatcher{
		index:      opts.Index,
		classifier: opts.Classifier,
		cache:      opts.Cache,
		forwarder:  opts.Forwarder,
		ptTimeout:  opts.PassthroughTimeout,
		maxBody:    opts.MaxBodyBytes,
		logger:     opts.Logger,
		observer:   opts.Observer,
		targetFunc: opts.TargetFunc,
	}
	if d.cache == nil {
		d.cache = cache.NewMemory(0)
	}
	if d.logger == nil {
		d.logger = logger.Nop()
	}
	if d.ptTimeout <= 0 {
		d.ptTimeout = 5 * time.Second
	}
	if d.targetFunc == nil {
		d.targetFunc = func(r *http.Request) string { return r.URL.String() }
	}
	return d
}

// Dispatch resolves one call. It always returns a Result whose trace ends
// in Responded and whose Response is non-nil.
func (d *Dispatcher) Dispatch(ctx context.Context, call *request.Call) (res *Result) {
	res = &Result{Trace: []State{Received}}
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Recovered panic while dispatching", "url", call.URL, "panic", fmt.Sprint(r))
			res.Response = nil
			res.Err = fmt.Errorf("dispatch panic: %v", r)
		}
		if res.Response == nil {
			res.Response = request.Empty(http.StatusNoContent)
			res.Stage = StageEmpty
			applyCORS(res.Response.Header, call)
		}
		res.advance(Responded)
	}()

	if call.Method == http.MethodOptions {
		res.advance(Resolved)
		res.Stage = StagePreflight
		res.Response = preflight(call)
		return res
	}

	res.Kind = d.classifier.Classify(call.Method, call.URL, "")
	res.advance(Classified)

	if rule := d.classifier.NoiseRule(call.URL); rule != nil {
		res.advance(Resolved)
		res.Stage = StageNoise
		res.Response = rule.Response()
		applyCORS(res.Response.Header, call)
		return res
	}

	idx, err := d.index.Index(ctx)
	if err != nil {
		res.Err = fmt.Errorf("%w: %v", index.ErrMissingCapture, err)
		return res
	}

	if rec, kind, ok := idx.Mock(call.Method, call.URL, call.ContentType, call.Body); ok {
		resp, err := d.mockResponse(ctx, idx, rec)
		if err == nil {
			res.advance(Resolved)
			res.Match = kind
			res.StoragePath = rec.StoragePath
			res.Stage = StageMockExact
			if kind.Loose() {
				res.Stage = StageMockLoose
			}
			applyCORS(resp.Header, call)
			res.Response = resp
			return res
		}
		res.Err = err
		d.logger.Warn("Captured mock unreadable", "url", call.URL, "path", rec.StoragePath, "error", err)
	}

	if call.Method == http.MethodGet || call.Method == http.MethodHead {
		if rec, _, ok := idx.Asset(call.URL); ok {
			resp, err := d.assetResponse(ctx, idx, rec)
			if err == nil {
				res.advance(Resolved)
				res.StoragePath = rec.StoragePath
				res.Stage = StageAsset
				applyCORS(resp.Header, call)
				res.Response = resp
				return res
			}
			res.Err = err
			d.logger.Warn("Captured asset unreadable", "url", call.URL, "path", rec.StoragePath, "error", err)
		}
	}

	if d.forwarder == nil {
		res.advance(Resolved)
		if res.Err == nil {
			res.Err = fmt.Errorf("%w: %s %s", index.ErrMissingCapture, call.Method, call.URL)
		}
		return res
	}

	fctx, cancel := context.WithTimeout(ctx, d.ptTimeout)
	defer cancel()
	resp, err := d.forwarder.Forward(fctx, call)
	res.advance(Resolved)
	if err != nil {
		res.Err = fmt.Errorf("%w: %v", index.ErrNetworkUnavailable, err)
		return res
	}
	resp.Header = sanitizeHeader(resp.Header)
	applyCORS(resp.Header, call)
	res.Stage = StagePassthrough
	res.Response = resp
	return res
}

// mockResponse serves a captured exchange.
func (d *Dispatcher) mockResponse(ctx context.Context, idx *index.CaptureIndex, rec *index.MockRecord) (*request.Response, error) {
	entry, err := d.load(ctx, "mock:"+rec.StoragePath, func() (cache.Entry, error) {
		f, err := capture.ReadMockFile(idx.Root(), rec.StoragePath)
		if err != nil {
			return cache.Entry{}, storageErr(err)
		}
		body, err := f.Response.Body()
		if err != nil {
			return cache.Entry{}, fmt.Errorf("%w: %v", index.ErrMalformedStorage, err)
		}
		return cache.Entry{
			Status:      rec.Status,
			Header:      headerFromMap(rec.Headers),
			ContentType: rec.ContentType,
			Body:        body,
		}, nil
	})
	if err != nil {
		return nil, err
	}
	return entryResponse(entry, false), nil
}

// assetResponse serves a stored body byte for byte.
func (d *Dispatcher) assetResponse(ctx context.Context, idx *index.CaptureIndex, rec *index.AssetRecord) (*request.Response, error) {
	entry, err := d.load(ctx, "asset:"+rec.StoragePath, func() (cache.Entry, error) {
		p, err := capture.Resolve(idx.Root(), rec.StoragePath)
		if err != nil {
			return cache.Entry{}, storageErr(err)
		}
		body, err := os.ReadFile(p)
		if err != nil {
			return cache.Entry{}, storageErr(err)
		}
		return cache.Entry{Body: body}, nil
	})
	if err != nil {
		return nil, err
	}
	// deduplicated assets share a body but keep their own headers
	return entryResponse(cache.Entry{
		Status:      rec.Status,
		Header:      headerFromMap(rec.Headers),
		ContentType: rec.ContentType,
		Body:        entry.Body,
	}, true), nil
}

// load reads key through the cache. A miss is loaded once under
// singleflight, detached from ctx: a caller that goes away stops waiting
// and the completed load still lands in the cache.
func (d *Dispatcher) load(ctx context.Context, key string, fn func() (cache.Entry, error)) (cache.Entry, error) {
	if e, ok := d.cache.Get(key); ok {
		return e, nil
	}
	ch := d.loads.DoChan(key, func() (interface{}, error) {
		e, err := fn()
		if err != nil {
			return nil, err
		}
		stored, _ := d.cache.AddIfAbsent(key, e)
		return stored, nil
	})
	select {
	case r := <-ch:
		if r.Err != nil {
			return cache.Entry{}, r.Err
		}
		return r.Val.(cache.Entry), nil
	case <-ctx.Done():
		return cache.Entry{}, ctx.Err()
	}
}

func entryResponse(e cache.Entry, seekable bool) *request.Response {
	header := sanitizeHeader(e.Header)
	if header.Get("Content-Type") == "" && e.ContentType != "" {
		header.Set("Content-Type", e.ContentType)
	}
	status := e.Status
	if status == 0 {
		status = http.StatusOK
	}
	return &request.Response{
		Status:   status,
		Header:   header,
		Body:     e.Body,
		Seekable: seekable && status == http.StatusOK,
	}
}

func storageErr(err error) error {
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("%w: %v", index.ErrMissingCapture, err)
	}
	return fmt.Errorf("%w: %v", index.ErrMalformedStorage, err)
}

// Wait blocks until every pending observer call has finished.
func (d *Dispatcher) Wait() {
	d.procWG.Wait()
}

// Close releases the passthrough client and the cache.
func (d *Dispatcher) Close() error {
	d.Wait()
	if d.forwarder != nil {
		d.forwarder.Close()
	}
	return d.cache.Close()
}

// CachedEntries reports cache occupancy.
func (d *Dispatcher) CachedEntries() int {
	return d.cache.Len()
}

func headerFromMap(m map[string]string) http.Header {
	h := make(http.Header, len(m))
	for k, v := range m {
		if k == "" || strings.HasPrefix(k, ":") {
			continue
		}
		h.Set(k, v)
	}
	return h
}
