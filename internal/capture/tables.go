package capture

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// Table locations relative to the capture directory.
const (
	APIMapFile      = "mocks/apiMap.json"
	WSMapFile       = "mocks/wsMap.json"
	AssetMapFile    = "mocks/assetMap.json"
	MirrorIndexFile = "mirrorIndex.json"
)

// Tables is the flattened form of a capture index.
type Tables struct {
	API    []APIRow          `json:"api"`
	WS     []WSRow           `json:"ws"`
	Assets []AssetRow        `json:"assets"`
	Mirror map[string]string `json:"mirror"`
}

// APIRow is one mock record.
type APIRow struct {
	Method      string            `json:"method"`
	URL         string            `json:"url"`
	Key         string            `json:"key"`
	LooseKey    string            `json:"looseKey"`
	BodyDigest  string            `json:"bodyDigest,omitempty"`
	File        string            `json:"file"`
	Status      int               `json:"status"`
	ContentType string            `json:"contentType,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Seq         int               `json:"seq"`
}

// WSRow is one socket recording.
type WSRow struct {
	URL      string `json:"url"`
	Key      string `json:"key"`
	LooseKey string `json:"looseKey"`
	File     string `json:"file"`
}

// AssetRow is one asset record.
type AssetRow struct {
	URL         string            `json:"url"`
	Key         string            `json:"key"`
	LooseKey    string            `json:"looseKey"`
	Path        string            `json:"path"`
	SHA256      string            `json:"sha256"`
	Size        int64             `json:"size"`
	Status      int               `json:"status"`
	ContentType string            `json:"contentType,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Mirrored    bool              `json:"mirrored,omitempty"`
}

// HasTables reports whether dir carries a flattened API table.
func HasTables(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, filepath.FromSlash(APIMapFile)))
	return err == nil
}

// ReadTables reads the flattened tables. apiMap.json is required; the
// others default to empty when absent.
func ReadTables(dir string) (*Tables, error) {
	t := &Tables{Mirror: map[string]string{}}
	if err := readJSON(tablePath(dir, APIMapFile), &t.API); err != nil {
		return nil, err
	}
	optional := []struct {
		name string
		v    interface{}
	}{
		{WSMapFile, &t.WS},
		{AssetMapFile, &t.Assets},
		{MirrorIndexFile, &t.Mirror},
	}
	for _, o := range optional {
		if err := readJSON(tablePath(dir, o.name), o.v); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}
	if t.Mirror == nil {
		t.Mirror = map[string]string{}
	}
	return t, nil
}

// WriteTables writes every table under dir, replacing existing files atomically.
func WriteTables(dir string, t *Tables) error {
	files := []struct {
		name string
		v    interface{}
	}{
		{APIMapFile, nonNil(t.API)},
		{WSMapFile, nonNil(t.WS)},
		{AssetMapFile, nonNil(t.Assets)},
		{MirrorIndexFile, t.Mirror},
	}
	for _, f := range files {
		if err := writeJSON(tablePath(dir, f.name), f.v); err != nil {
			return fmt.Errorf("write %s: %w", f.name, err)
		}
	}
	return nil
}

func nonNil[T any](rows []T) []T {
	if rows == nil {
		return []T{}
	}
	return rows
}

func tablePath(dir, name string) string {
	return filepath.Join(dir, filepath.FromSlash(name))
}

func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
