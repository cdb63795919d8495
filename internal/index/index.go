// Package index holds the immutable lookup tables built from a capture:
// assets by URL key, mocks by (method, key, body digest) and socket
// recordings by URL key.
package index

import (
	"context"
	"sort"
	"strings"

	"github.com/funnyzak/replaytap/internal/capture"
	"github.com/funnyzak/replaytap/internal/keys"
)

// AssetRecord is a stored response body addressed by URL.
type AssetRecord struct {
	Key           keys.Key          `json:"key"`
	LooseKey      keys.Key          `json:"loose_key"`
	URL           string            `json:"url"`
	StoragePath   string            `json:"storage_path"`
	ContentDigest string            `json:"sha256"`
	ByteSize      int64             `json:"size"`
	Status        int               `json:"status"`
	Headers       map[string]string `json:"headers,omitempty"`
	ContentType   string            `json:"content_type,omitempty"`
	Mirrored      bool              `json:"mirrored"`
}

// MockRecord is a captured request/response exchange.
type MockRecord struct {
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	ExactKey    keys.Key          `json:"key"`
	LooseKey    keys.Key          `json:"loose_key"`
	BodyDigest  string            `json:"body_digest,omitempty"`
	StoragePath string            `json:"storage_path"`
	Status      int               `json:"status"`
	Headers     map[string]string `json:"headers,omitempty"`
	ContentType string            `json:"content_type,omitempty"`
	Seq         int               `json:"seq"`
}

// SocketRecording is a captured socket connection.
type SocketRecording struct {
	URL         string          `json:"url"`
	Key         keys.Key        `json:"key"`
	LooseKey    keys.Key        `json:"loose_key"`
	StoragePath string          `json:"storage_path"`
	Frames      []capture.Frame `json:"-"`
}

// Inbound returns the server-to-client frames in recorded order.
func (r *SocketRecording) Inbound() []capture.Frame {
	if r == nil {
		return nil
	}
	out := make([]capture.Frame, 0, len(r.Frames))
	for _, f := range r.Frames {
		if f.Inbound() {
			out = append(out, f)
		}
	}
	return out
}

// MatchKind tells how a mock lookup matched.
type MatchKind int

const (
	MatchNone MatchKind = iota
	MatchExact
	MatchLooseDigest
	// MatchLooseFallback is a best-effort guess: the oldest variant recorded
	// under the loose key, served although no body digest matched.
	MatchLooseFallback
)

func (m MatchKind) String() string {
	switch m {
	case MatchExact:
		return "exact"
	case MatchLooseDigest:
		return "loose_digest"
	case MatchLooseFallback:
		return "loose_fallback"
	default:
		return "none"
	}
}

// Loose reports whether the match came from the loose table.
func (m MatchKind) Loose() bool {
	return m == MatchLooseDigest || m == MatchLooseFallback
}

// CaptureIndex is the immutable aggregate of the asset, mock and socket
// indices. All lookups are safe for concurrent use.
type CaptureIndex struct {
	root   string
	origin string
	norm   *keys.Normalizer

	assets      map[keys.Key]*AssetRecord
	assetsLoose map[keys.Key]*AssetRecord
	assetList   []*AssetRecord

	mocksExact map[keys.MockKey]*MockRecord
	mocksLoose map[keys.MockKey][]*MockRecord
	mockList   []*MockRecord

	sockets      map[keys.Key]*SocketRecording
	socketsLoose map[keys.Key]*SocketRecording
	socketList   []*SocketRecording

	mirror map[string]string
}

func newCaptureIndex(root, origin string, norm *keys.Normalizer) *CaptureIndex {
	return &CaptureIndex{
		root:         root,
		origin:       origin,
		norm:         norm,
		assets:       make(map[keys.Key]*AssetRecord),
		assetsLoose:  make(map[keys.Key]*AssetRecord),
		mocksExact:   make(map[keys.MockKey]*MockRecord),
		mocksLoose:   make(map[keys.MockKey][]*MockRecord),
		sockets:      make(map[keys.Key]*SocketRecording),
		socketsLoose: make(map[keys.Key]*SocketRecording),
		mirror:       make(map[string]string),
	}
}

// addAsset registers rec; the first record for a key wins.
func (c *CaptureIndex) addAsset(rec *AssetRecord) bool {
	if _, exists := c.assets[rec.Key]; exists {
		return false
	}
	c.assets[rec.Key] = rec
	if _, exists := c.assetsLoose[rec.LooseKey]; !exists {
		c.assetsLoose[rec.LooseKey] = rec
	}
	c.assetList = append(c.assetList, rec)
	if rec.Mirrored {
		c.mirror[string(rec.Key)] = rec.StoragePath
	}
	return true
}

func (c *CaptureIndex) addMock(rec *MockRecord) {
	exact := keys.MockKey{Method: rec.Method, URL: rec.ExactKey, BodyDigest: rec.BodyDigest}
	if _, exists := c.mocksExact[exact]; !exists {
		c.mocksExact[exact] = rec
	}
	loose := keys.MockKey{Method: rec.Method, URL: rec.LooseKey}
	c.mocksLoose[loose] = append(c.mocksLoose[loose], rec)
	c.mockList = append(c.mockList, rec)
}

func (c *CaptureIndex) addSocket(rec *SocketRecording) bool {
	if _, exists := c.sockets[rec.Key]; exists {
		return false
	}
	c.sockets[rec.Key] = rec
	if _, exists := c.socketsLoose[rec.LooseKey]; !exists {
		c.socketsLoose[rec.LooseKey] = rec
	}
	c.socketList = append(c.socketList, rec)
	return true
}

// finish orders loose variants oldest first.
func (c *CaptureIndex) finish() {
	for k, variants := range c.mocksLoose {
		sort.SliceStable(variants, func(i, j int) bool { return variants[i].Seq < variants[j].Seq })
		c.mocksLoose[k] = variants
	}
	sort.SliceStable(c.mockList, func(i, j int) bool { return c.mockList[i].Seq < c.mockList[j].Seq })
}

// Index implements Provider.
func (c *CaptureIndex) Index(context.Context) (*CaptureIndex, error) {
	return c, nil
}

// Root returns the capture directory storage paths are relative to.
func (c *CaptureIndex) Root() string { return c.root }

// Origin returns the captured document URL.
func (c *CaptureIndex) Origin() string { return c.origin }

// OriginHost returns the lowercased host of the captured document.
func (c *CaptureIndex) OriginHost() string { return keys.Host(c.origin) }

// Normalizer returns the normalizer lookups are keyed with.
func (c *CaptureIndex) Normalizer() *keys.Normalizer { return c.norm }

// Asset looks an asset up by exact key, then by loose key.
func (c *CaptureIndex) Asset(rawURL string) (*AssetRecord, keys.Mode, bool) {
	exact, loose := c.norm.Both(rawURL)
	if rec, ok := c.assets[exact]; ok {
		return rec, keys.Exact, true
	}
	if rec, ok := c.assetsLoose[loose]; ok {
		return rec, keys.Loose, true
	}
	return nil, keys.Exact, false
}

// MirrorPath looks rawURL up in the mirror table by exact key. The table
// can hold entries with no asset record when it was loaded from disk.
func (c *CaptureIndex) MirrorPath(rawURL string) (string, bool) {
	p, ok := c.mirror[string(c.norm.Normalize(rawURL, keys.Exact))]
	return p, ok
}

// Mock finds the captured exchange for a call.
func (c *CaptureIndex) Mock(method, rawURL, contentType string, body []byte) (*MockRecord, MatchKind, bool) {
	method = strings.ToUpper(method)
	digest := c.norm.BodyDigest(method, contentType, body)
	exact, loose := c.norm.Both(rawURL)

	if rec, ok := c.mocksExact[keys.MockKey{Method: method, URL: exact, BodyDigest: digest}]; ok {
		return rec, MatchExact, true
	}

	variants := c.mocksLoose[keys.MockKey{Method: method, URL: loose}]
	if len(variants) == 0 {
		return nil, MatchNone, false
	}
	for _, v := range variants {
		if v.BodyDigest == digest {
			return v, MatchLooseDigest, true
		}
	}
	return variants[0], MatchLooseFallback, true
}

// Socket looks a socket recording up by exact key, then by loose key.
func (c *CaptureIndex) Socket(rawURL string) (*SocketRecording, bool) {
	exact, loose := c.norm.Both(rawURL)
	if rec, ok := c.sockets[exact]; ok {
		return rec, true
	}
	rec, ok := c.socketsLoose[loose]
	return rec, ok
}

// Assets returns every asset in build order.
func (c *CaptureIndex) Assets() []*AssetRecord { return c.assetList }

// Mocks returns every mock in capture order.
func (c *CaptureIndex) Mocks() []*MockRecord { return c.mockList }

// Sockets returns every socket recording.
func (c *CaptureIndex) Sockets() []*SocketRecording { return c.socketList }

// MirrorTable returns a copy of exact key to storage path for assets served
// from hosts other than the document's.
func (c *CaptureIndex) MirrorTable() map[string]string {
	out := make(map[string]string, len(c.mirror))
	for k, v := range c.mirror {
		out[k] = v
	}
	return out
}

// Summary counts index contents.
type Summary struct {
	Origin        string `json:"origin"`
	Assets        int    `json:"assets"`
	Mirrored      int    `json:"mirrored"`
	Mocks         int    `json:"mocks"`
	MockKeys      int    `json:"mock_keys"`
	LooseMockKeys int    `json:"loose_mock_keys"`
	Sockets       int    `json:"sockets"`
	Hosts         int    `json:"hosts"`
}

// Summary returns index counts for the admin API.
func (c *CaptureIndex) Summary() Summary {
	hosts := make(map[string]struct{})
	for _, a := range c.assetList {
		hosts[keys.Host(a.URL)] = struct{}{}
	}
	for _, m := range c.mockList {
		hosts[keys.Host(m.URL)] = struct{}{}
	}
	return Summary{
		Origin:        c.origin,
		Assets:        len(c.assetList),
		Mirrored:      len(c.mirror),
		Mocks:         len(c.mockList),
		MockKeys:      len(c.mocksExact),
		LooseMockKeys: len(c.mocksLoose),
		Sockets:       len(c.socketList),
		Hosts:         len(hosts),
	}
}

// Tables flattens the index for capture.WriteTables.
func (c *CaptureIndex) Tables() *capture.Tables {
	t := &capture.Tables{Mirror: c.MirrorTable()}
	for _, a := range c.assetList {
		t.Assets = append(t.Assets, capture.AssetRow{
			URL:         a.URL,
			Key:         string(a.Key),
			LooseKey:    string(a.LooseKey),
			Path:        a.StoragePath,
			SHA256:      a.ContentDigest,
			Size:        a.ByteSize,
			Status:      a.Status,
			ContentType: a.ContentType,
			Headers:     a.Headers,
			Mirrored:    a.Mirrored,
		})
	}
	for _, m := range c.mockList {
		t.API = append(t.API, capture.APIRow{
			Method:      m.Method,
			URL:         m.URL,
			Key:         string(m.ExactKey),
			LooseKey:    string(m.LooseKey),
			BodyDigest:  m.BodyDigest,
			File:        m.StoragePath,
			Status:      m.Status,
			ContentType: m.ContentType,
			Headers:     m.Headers,
			Seq:         m.Seq,
		})
	}
	for _, s := range c.socketList {
		t.WS = append(t.WS, capture.WSRow{
			URL:      s.URL,
			Key:      string(s.Key),
			LooseKey: string(s.LooseKey),
			File:     s.StoragePath,
		})
	}
	return t
}
