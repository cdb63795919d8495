package index

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/funnyzak/replaytap/internal/capture"
	"github.com/funnyzak/replaytap/internal/keys"
)

// Provider yields the capture index.
type Provider interface {
	Index(ctx context.Context) (*CaptureIndex, error)
}

// Load reconstructs the index from flattened tables when root carries
// them, otherwise builds it from manifest.json.
func Load(ctx context.Context, root string, opts BuildOptions) (*CaptureIndex, *BuildReport, error) {
	opts = opts.withDefaults()
	if !capture.HasTables(root) {
		m, err := capture.ReadManifest(root)
		if err != nil {
			return nil, nil, fmt.Errorf("read manifest: %w", storageError(err))
		}
		return Build(ctx, root, m, opts)
	}

	t, err := capture.ReadTables(root)
	if err != nil {
		return nil, nil, fmt.Errorf("read tables: %w", storageError(err))
	}
	origin := opts.Origin
	if origin == "" {
		if m, err := capture.ReadManifest(root); err == nil {
			origin = m.URL
		}
	}
	return fromTables(ctx, root, origin, t, opts)
}

func fromTables(ctx context.Context, root, origin string, t *capture.Tables, opts BuildOptions) (*CaptureIndex, *BuildReport, error) {
	idx := newCaptureIndex(root, origin, opts.Normalizer)
	report := &BuildReport{FromTables: true}

	for _, a := range t.Assets {
		idx.addAsset(&AssetRecord{
			Key:           keys.Key(a.Key),
			LooseKey:      keys.Key(a.LooseKey),
			URL:           a.URL,
			StoragePath:   a.Path,
			ContentDigest: a.SHA256,
			ByteSize:      a.Size,
			Status:        a.Status,
			Headers:       a.Headers,
			ContentType:   a.ContentType,
			Mirrored:      a.Mirrored,
		})
	}
	// mirror entries without an asset row still resolve
	for k, p := range t.Mirror {
		key := string(idx.norm.Normalize(k, keys.Exact))
		if _, ok := idx.mirror[key]; !ok {
			idx.mirror[key] = p
		}
	}

	for _, row := range t.API {
		idx.addMock(&MockRecord{
			Method:      row.Method,
			URL:         row.URL,
			ExactKey:    keys.Key(row.Key),
			LooseKey:    keys.Key(row.LooseKey),
			BodyDigest:  row.BodyDigest,
			StoragePath: row.File,
			Status:      row.Status,
			Headers:     row.Headers,
			ContentType: row.ContentType,
			Seq:         row.Seq,
		})
	}

	inputs := make([]socketInput, len(t.WS))
	for i, row := range t.WS {
		inputs[i] = socketInput{url: row.URL, file: row.File, key: keys.Key(row.Key), looseKey: keys.Key(row.LooseKey)}
	}
	if err := buildSockets(ctx, idx, report, inputs, opts); err != nil {
		return nil, nil, err
	}
	idx.finish()

	report.Assets = len(idx.assetList)
	report.Mirrored = len(idx.mirror)
	report.Mocks = len(idx.mockList)
	report.Sockets = len(idx.socketList)
	return idx, report, nil
}

// Loader loads the index on first use and memoizes it. A failed load is
// retried by the next caller.
type Loader struct {
	root   string
	opts   BuildOptions
	mu     sync.Mutex
	idx    atomic.Pointer[CaptureIndex]
	report *BuildReport
}

// NewLoader creates a lazy index loader for a capture directory.
func NewLoader(root string, opts BuildOptions) *Loader {
	return &Loader{root: root, opts: opts.withDefaults()}
}

// Index implements Provider.
func (l *Loader) Index(ctx context.Context) (*CaptureIndex, error) {
	if idx := l.idx.Load(); idx != nil {
		return idx, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if idx := l.idx.Load(); idx != nil {
		return idx, nil
	}
	idx, report, err := Load(ctx, l.root, l.opts)
	if err != nil {
		l.opts.Logger.Error("Failed to load capture index", "root", l.root, "error", err)
		return nil, err
	}
	l.opts.Logger.Info("Capture index loaded",
		"root", l.root,
		"assets", report.Assets,
		"mocks", report.Mocks,
		"sockets", report.Sockets,
		"skipped", len(report.Skipped),
		"from_tables", report.FromTables,
	)
	l.report = report
	l.idx.Store(idx)
	return idx, nil
}

// Report returns the report of the memoized load, or nil before it.
func (l *Loader) Report() *BuildReport {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.report
}
