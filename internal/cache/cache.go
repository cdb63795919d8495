// Package cache keeps decoded stored responses so each capture file is read
// once. Entries are written only through AddIfAbsent: content is immutable
// per key, so the first writer wins and later writes are no-ops.
package cache

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net/http"
	"strings"

	"github.com/funnyzak/replaytap/internal/config"
)

// Entry is a cached response body with the headers it is served with.
type Entry struct {
	Status      int
	Header      http.Header
	ContentType string
	Body        []byte
}

// Size approximates the memory held by the entry.
func (e Entry) Size() int64 {
	n := int64(len(e.Body) + len(e.ContentType))
	for k, vs := range e.Header {
		n += int64(len(k))
		for _, v := range vs {
			n += int64(len(v))
		}
	}
	return n
}

// Cache is an add-if-absent key/value store.
type Cache interface {
	Get(key string) (Entry, bool)
	// AddIfAbsent stores e unless key already holds an entry, and returns
	// the entry now associated with key. added is false when an existing
	// entry was kept or when the entry could not be stored.
	AddIfAbsent(key string, e Entry) (stored Entry, added bool)
	Len() int
	Close() error
}

// New opens the cache selected by cfg.Driver.
func New(cfg config.CacheConfig) (Cache, error) {
	maxBytes, err := cfg.MaxMemoryBytes()
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return NewMemory(maxBytes), nil
	case "leveldb":
		return OpenLevelDB(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown cache driver %q", cfg.Driver)
	}
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
