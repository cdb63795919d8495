package index

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime"
	"os"
	"path"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/funnyzak/replaytap/internal/capture"
	"github.com/funnyzak/replaytap/internal/keys"
	"github.com/funnyzak/replaytap/internal/logger"
)

const defaultConcurrency = 8

// BuildOptions configures Build and Load.
type BuildOptions struct {
	Normalizer *keys.Normalizer
	// Overrides maps a URL or canonical key to a storage path. Overrides
	// replace manifest paths and may add assets the manifest lacks.
	Overrides map[string]string
	// Origin replaces the document URL recorded in the manifest.
	Origin      string
	Logger      logger.Logger
	Concurrency int
}

func (o BuildOptions) withDefaults() BuildOptions {
	if o.Normalizer == nil {
		o.Normalizer = keys.Default()
	}
	if o.Logger == nil {
		o.Logger = logger.Nop()
	}
	if o.Concurrency <= 0 {
		o.Concurrency = defaultConcurrency
	}
	return o
}

// Skip describes a record left out of the index.
type Skip struct {
	Kind   string `json:"kind"`
	URL    string `json:"url"`
	Path   string `json:"path,omitempty"`
	Reason string `json:"reason"`
	Err    error  `json:"-"`
}

// BuildReport summarizes a Build.
type BuildReport struct {
	Assets       int    `json:"assets"`
	Mirrored     int    `json:"mirrored"`
	Mocks        int    `json:"mocks"`
	Sockets      int    `json:"sockets"`
	Overridden   int    `json:"overridden"`
	Deduplicated int    `json:"deduplicated"`
	Skipped      []Skip `json:"skipped,omitempty"`
	FromTables   bool   `json:"from_tables"`
}

func (r *BuildReport) skip(log logger.Logger, kind, url, storagePath string, err error) {
	s := Skip{Kind: kind, URL: url, Path: storagePath, Err: err, Reason: err.Error()}
	r.Skipped = append(r.Skipped, s)
	log.Warn("Skipping capture record", "kind", kind, "url", url, "path", storagePath, "error", err)
}

type assetInput struct {
	url        string
	entry      capture.AssetEntry
	overridden bool
}

type assetResult struct {
	digest string
	size   int64
	err    error
}

// Build constructs a CaptureIndex from a manifest. Records whose storage is
// missing or malformed are skipped and reported.
func Build(ctx context.Context, root string, m *capture.Manifest, opts BuildOptions) (*CaptureIndex, *BuildReport, error) {
	opts = opts.withDefaults()
	if m == nil {
		return nil, nil, fmt.Errorf("build index: %w: nil manifest", ErrMissingCapture)
	}
	origin := m.URL
	if opts.Origin != "" {
		origin = opts.Origin
	}
	idx := newCaptureIndex(root, origin, opts.Normalizer)
	report := &BuildReport{}

	if err := buildAssets(ctx, idx, report, m, opts); err != nil {
		return nil, nil, err
	}
	if err := buildMocks(ctx, idx, report, m.API, opts); err != nil {
		return nil, nil, err
	}
	if err := buildSockets(ctx, idx, report, socketInputs(m.WS), opts); err != nil {
		return nil, nil, err
	}
	idx.finish()

	report.Assets = len(idx.assetList)
	report.Mirrored = len(idx.mirror)
	report.Mocks = len(idx.mockList)
	report.Sockets = len(idx.socketList)
	return idx, report, nil
}

// applyOverrides merges overrides into the manifest asset set. An override
// key may be a raw URL, an exact key or a loose key.
func applyOverrides(m *capture.Manifest, norm *keys.Normalizer, overrides map[string]string) ([]assetInput, int) {
	byURL := make(map[string]*assetInput, len(m.Assets))
	byExact := make(map[keys.Key]string, len(m.Assets))
	byLoose := make(map[keys.Key]string, len(m.Assets))
	urls := make([]string, 0, len(m.Assets))
	for u := range m.Assets {
		urls = append(urls, u)
	}
	sort.Strings(urls)
	for _, u := range urls {
		byURL[u] = &assetInput{url: u, entry: m.Assets[u]}
		exact, loose := norm.Both(u)
		if _, ok := byExact[exact]; !ok {
			byExact[exact] = u
		}
		if _, ok := byLoose[loose]; !ok {
			byLoose[loose] = u
		}
	}

	overrideKeys := make([]string, 0, len(overrides))
	for k := range overrides {
		overrideKeys = append(overrideKeys, k)
	}
	sort.Strings(overrideKeys)

	applied := 0
	for _, k := range overrideKeys {
		target := ""
		if _, ok := byURL[k]; ok {
			target = k
		} else if u, ok := byExact[norm.Normalize(k, keys.Exact)]; ok {
			target = u
		} else if u, ok := byLoose[norm.Normalize(k, keys.Loose)]; ok {
			target = u
		}

		storagePath := overrides[k]
		if target == "" {
			if !keys.Valid(k) {
				continue
			}
			target = k
			byURL[k] = &assetInput{url: k, entry: capture.AssetEntry{
				Status:      200,
				ContentType: mime.TypeByExtension(path.Ext(storagePath)),
			}}
		}
		in := byURL[target]
		in.entry.Path = storagePath
		in.entry.SHA256 = ""
		in.entry.Size = 0
		in.overridden = true
		applied++
	}

	inputs := make([]assetInput, 0, len(byURL))
	for _, in := range byURL {
		inputs = append(inputs, *in)
	}
	sort.Slice(inputs, func(i, j int) bool { return inputs[i].url < inputs[j].url })
	return inputs, applied
}

func buildAssets(ctx context.Context, idx *CaptureIndex, report *BuildReport, m *capture.Manifest, opts BuildOptions) error {
	inputs, applied := applyOverrides(m, opts.Normalizer, opts.Overrides)
	report.Overridden = applied

	results := make([]assetResult, len(inputs))
	err := parallel(ctx, opts.Concurrency, len(inputs), func(i int) {
		results[i] = statAsset(idx.root, inputs[i].entry)
	})
	if err != nil {
		return err
	}

	originHost := idx.OriginHost()
	firstPath := make(map[string]string)
	for i, in := range inputs {
		res := results[i]
		if res.err != nil {
			report.skip(opts.Logger, "asset", in.url, in.entry.Path, res.err)
			continue
		}
		if !keys.Valid(in.url) {
			report.skip(opts.Logger, "asset", in.url, in.entry.Path, fmt.Errorf("%w: %s", ErrNormalizationFailure, in.url))
			continue
		}

		storagePath := in.entry.Path
		if prev, ok := firstPath[res.digest]; ok && prev != storagePath {
			storagePath = prev
			report.Deduplicated++
		} else if !ok {
			firstPath[res.digest] = storagePath
		}

		exact, loose := opts.Normalizer.Both(in.url)
		contentType := in.entry.ContentType
		if contentType == "" {
			contentType = capture.HeaderValue(in.entry.Headers, "Content-Type")
		}
		status := in.entry.Status
		if status == 0 {
			status = 200
		}
		idx.addAsset(&AssetRecord{
			Key:           exact,
			LooseKey:      loose,
			URL:           in.url,
			StoragePath:   storagePath,
			ContentDigest: res.digest,
			ByteSize:      res.size,
			Status:        status,
			Headers:       in.entry.Headers,
			ContentType:   contentType,
			Mirrored:      originHost != "" && keys.Host(in.url) != originHost,
		})
	}
	return nil
}

// statAsset checks the stored file and computes its digest when the
// manifest lacks one.
func statAsset(root string, entry capture.AssetEntry) assetResult {
	p, err := capture.Resolve(root, entry.Path)
	if err != nil {
		return assetResult{err: fmt.Errorf("%w: %v", ErrMissingCapture, err)}
	}
	info, err := os.Stat(p)
	if err != nil || info.IsDir() {
		if err == nil {
			err = fmt.Errorf("%s is a directory", entry.Path)
		}
		return assetResult{err: fmt.Errorf("%w: %v", ErrMissingCapture, err)}
	}
	res := assetResult{digest: strings.ToLower(entry.SHA256), size: info.Size()}
	if res.digest != "" {
		return res
	}
	f, err := os.Open(p)
	if err != nil {
		return assetResult{err: fmt.Errorf("%w: %v", ErrMissingCapture, err)}
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return assetResult{err: fmt.Errorf("%w: %v", ErrMalformedStorage, err)}
	}
	res.digest = hex.EncodeToString(h.Sum(nil))
	return res
}

type mockResult struct {
	file *capture.MockFile
	err  error
}

func buildMocks(ctx context.Context, idx *CaptureIndex, report *BuildReport, entries []capture.APIEntry, opts BuildOptions) error {
	results := make([]mockResult, len(entries))
	err := parallel(ctx, opts.Concurrency, len(entries), func(i int) {
		f, err := capture.ReadMockFile(idx.root, entries[i].File)
		results[i] = mockResult{file: f, err: storageError(err)}
	})
	if err != nil {
		return err
	}

	for i, e := range entries {
		res := results[i]
		if res.err != nil {
			report.skip(opts.Logger, "mock", e.URL, e.File, res.err)
			continue
		}
		rec, err := mockRecord(opts.Normalizer, e, res.file, i)
		if err != nil {
			report.skip(opts.Logger, "mock", e.URL, e.File, err)
			continue
		}
		idx.addMock(rec)
	}
	return nil
}

func mockRecord(norm *keys.Normalizer, e capture.APIEntry, f *capture.MockFile, seq int) (*MockRecord, error) {
	method := firstNonEmpty(f.Request.Method, e.Method, "GET")
	rawURL := firstNonEmpty(f.Request.URL, e.URL)
	if !keys.Valid(rawURL) {
		return nil, fmt.Errorf("%w: %q", ErrNormalizationFailure, rawURL)
	}
	body, err := f.Request.Body()
	if err != nil {
		return nil, fmt.Errorf("%w: request body: %v", ErrMalformedStorage, err)
	}
	if _, err := f.Response.Body(); err != nil {
		return nil, fmt.Errorf("%w: response body: %v", ErrMalformedStorage, err)
	}

	method = strings.ToUpper(method)
	digest := norm.BodyDigest(method, f.Request.ContentType(), body)
	exact, loose := norm.Both(rawURL)
	status := f.Response.Status
	if status == 0 {
		status = e.Status
	}
	return &MockRecord{
		Method:      method,
		URL:         rawURL,
		ExactKey:    exact,
		LooseKey:    loose,
		BodyDigest:  digest,
		StoragePath: e.File,
		Status:      status,
		Headers:     f.Response.Headers,
		ContentType: firstNonEmpty(f.Response.ContentType, capture.HeaderValue(f.Response.Headers, "Content-Type"), e.ContentType),
		Seq:         seq,
	}, nil
}

type socketInput struct {
	url, file string
	key       keys.Key
	looseKey  keys.Key
}

func socketInputs(entries []capture.SocketEntry) []socketInput {
	out := make([]socketInput, len(entries))
	for i, e := range entries {
		out[i] = socketInput{url: e.URL, file: e.File}
	}
	return out
}

type socketResult struct {
	file   *capture.SocketFile
	frames []capture.Frame
	err    error
}

func buildSockets(ctx context.Context, idx *CaptureIndex, report *BuildReport, inputs []socketInput, opts BuildOptions) error {
	results := make([]socketResult, len(inputs))
	err := parallel(ctx, opts.Concurrency, len(inputs), func(i int) {
		f, err := capture.ReadSocketFile(idx.root, inputs[i].file)
		if err != nil {
			results[i] = socketResult{err: storageError(err)}
			return
		}
		frames, err := capture.DecodeFrames(f.Frames)
		if err != nil {
			results[i] = socketResult{err: fmt.Errorf("%w: %v", ErrMalformedStorage, err)}
			return
		}
		results[i] = socketResult{file: f, frames: frames}
	})
	if err != nil {
		return err
	}

	for i, in := range inputs {
		res := results[i]
		if res.err != nil {
			report.skip(opts.Logger, "socket", in.url, in.file, res.err)
			continue
		}
		rawURL := firstNonEmpty(in.url, res.file.URL)
		if !keys.Valid(rawURL) {
			report.skip(opts.Logger, "socket", rawURL, in.file, fmt.Errorf("%w: %q", ErrNormalizationFailure, rawURL))
			continue
		}
		exact, loose := in.key, in.looseKey
		if exact == "" {
			exact, loose = opts.Normalizer.Both(rawURL)
		}
		idx.addSocket(&SocketRecording{
			URL:         rawURL,
			Key:         exact,
			LooseKey:    loose,
			StoragePath: in.file,
			Frames:      res.frames,
		})
	}
	return nil
}

// storageError classifies a read failure.
func storageError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: %v", ErrMissingCapture, err)
	}
	return fmt.Errorf("%w: %v", ErrMalformedStorage, err)
}

// parallel runs fn for every index with at most limit goroutines. fn
// writes its own slot, so result order follows input order.
func parallel(ctx context.Context, limit, n int, fn func(i int)) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i := 0; i < n; i++ {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fn(i)
			return nil
		})
	}
	return g.Wait()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
