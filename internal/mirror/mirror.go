// Package mirror maps absolute resource URLs to their local copies.
package mirror

import (
	"github.com/funnyzak/replaytap/internal/index"
)

// Resolver answers "is there a local copy of this URL" from the asset index.
type Resolver struct {
	idx *index.CaptureIndex
}

// New creates a Resolver over idx.
func New(idx *index.CaptureIndex) *Resolver {
	return &Resolver{idx: idx}
}

// Resolve returns the storage path of a local copy, trying the exact key
// before the loose key, then the mirror table.
func (r *Resolver) Resolve(absoluteURL string) (string, bool) {
	if r == nil || r.idx == nil {
		return "", false
	}
	if rec, _, ok := r.idx.Asset(absoluteURL); ok {
		return rec.StoragePath, true
	}
	return r.idx.MirrorPath(absoluteURL)
}

// Table returns canonical key to storage path for every asset captured from
// a host other than the document's.
func (r *Resolver) Table() map[string]string {
	if r == nil || r.idx == nil {
		return map[string]string{}
	}
	return r.idx.MirrorTable()
}

// Copies returns exact and loose key to storage path for every asset. The
// first asset registered under a loose key wins.
func (r *Resolver) Copies() (exact, loose map[string]string) {
	exact, loose = map[string]string{}, map[string]string{}
	if r == nil || r.idx == nil {
		return exact, loose
	}
	for _, a := range r.idx.Assets() {
		exact[string(a.Key)] = a.StoragePath
		if _, ok := loose[string(a.LooseKey)]; !ok {
			loose[string(a.LooseKey)] = a.StoragePath
		}
	}
	return exact, loose
}
