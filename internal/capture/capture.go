// Package capture reads and writes the on-disk artifacts of a recorded
// session: the manifest, per-call mock files, socket files, overrides and
// the flattened lookup tables.
package capture

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ManifestFile is the manifest name inside a capture directory.
const ManifestFile = "manifest.json"

// Manifest lists everything captured for one document.
type Manifest struct {
	CreatedAt string                `json:"createdAt,omitempty"`
	URL       string                `json:"url"`
	Assets    map[string]AssetEntry `json:"assets"`
	API       []APIEntry            `json:"api"`
	WS        []SocketEntry         `json:"ws"`
	Errors    []json.RawMessage     `json:"errors,omitempty"`
}

// AssetEntry describes one stored response body, keyed by absolute URL.
type AssetEntry struct {
	Path        string            `json:"path"`
	SHA256      string            `json:"sha256,omitempty"`
	Size        int64             `json:"size,omitempty"`
	Status      int               `json:"status,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	ContentType string            `json:"contentType,omitempty"`
}

// APIEntry points at a mock file.
type APIEntry struct {
	Method      string `json:"method"`
	URL         string `json:"url"`
	File        string `json:"file"`
	Status      int    `json:"status,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// SocketEntry points at a socket file.
type SocketEntry struct {
	URL  string `json:"url"`
	File string `json:"file"`
}

// MockFile is one captured request/response exchange.
type MockFile struct {
	Request  MockRequest  `json:"request"`
	Response MockResponse `json:"response"`
}

// MockRequest is the request half of a MockFile.
type MockRequest struct {
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
	BodyB64 string            `json:"bodyB64,omitempty"`
}

// MockResponse is the response half of a MockFile.
type MockResponse struct {
	Status      int               `json:"status"`
	Headers     map[string]string `json:"headers,omitempty"`
	ContentType string            `json:"contentType,omitempty"`
	BodyB64     string            `json:"bodyB64,omitempty"`
}

// Body decodes the request body.
func (r MockRequest) Body() ([]byte, error) {
	return decodeB64(r.BodyB64)
}

// ContentType returns the recorded request content type, if any.
func (r MockRequest) ContentType() string {
	return HeaderValue(r.Headers, "Content-Type")
}

// Body decodes the response body.
func (r MockResponse) Body() ([]byte, error) {
	return decodeB64(r.BodyB64)
}

// SocketFile is one recorded socket connection.
type SocketFile struct {
	URL    string     `json:"url"`
	Frames []RawFrame `json:"frames"`
}

// RawFrame is a frame as stored; t is wall-clock milliseconds and binary
// payloads are base64.
type RawFrame struct {
	Dir     string  `json:"dir"`
	T       float64 `json:"t"`
	Opcode  int     `json:"opcode"`
	Payload string  `json:"payload"`
}

// Frame directions.
const (
	DirIn  = "in"
	DirOut = "out"
)

// Frame opcodes.
const (
	OpText   = 1
	OpBinary = 2
)

// Frame is a decoded socket frame. Offset is relative to the first frame.
type Frame struct {
	Dir     string
	Offset  time.Duration
	Opcode  int
	Payload []byte
}

// Inbound reports whether the frame travelled server to client.
func (f Frame) Inbound() bool { return f.Dir == DirIn }

// ReadManifest reads manifest.json from a capture directory.
func ReadManifest(dir string) (*Manifest, error) {
	var m Manifest
	if err := readJSON(filepath.Join(dir, ManifestFile), &m); err != nil {
		return nil, err
	}
	if m.Assets == nil {
		m.Assets = map[string]AssetEntry{}
	}
	return &m, nil
}

// ReadMockFile reads a mock file addressed relative to root.
func ReadMockFile(root, rel string) (*MockFile, error) {
	path, err := Resolve(root, rel)
	if err != nil {
		return nil, err
	}
	var f MockFile
	if err := readJSON(path, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// ReadSocketFile reads a socket file addressed relative to root.
func ReadSocketFile(root, rel string) (*SocketFile, error) {
	path, err := Resolve(root, rel)
	if err != nil {
		return nil, err
	}
	var f SocketFile
	if err := readJSON(path, &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// DecodeFrames converts stored frames into payload bytes and offsets.
func DecodeFrames(raw []RawFrame) ([]Frame, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	frames := make([]Frame, 0, len(raw))
	start := raw[0].T
	for i, rf := range raw {
		dir := strings.ToLower(rf.Dir)
		if dir != DirIn && dir != DirOut {
			return nil, fmt.Errorf("frame %d: unknown direction %q", i, rf.Dir)
		}
		f := Frame{
			Dir:    dir,
			Offset: time.Duration((rf.T - start) * float64(time.Millisecond)),
			Opcode: rf.Opcode,
		}
		switch rf.Opcode {
		case OpBinary:
			b, err := base64.StdEncoding.DecodeString(rf.Payload)
			if err != nil {
				return nil, fmt.Errorf("frame %d: decode binary payload: %w", i, err)
			}
			f.Payload = b
		case OpText, 0:
			f.Opcode = OpText
			f.Payload = []byte(rf.Payload)
		default:
			return nil, fmt.Errorf("frame %d: unsupported opcode %d", i, rf.Opcode)
		}
		frames = append(frames, f)
	}
	return frames, nil
}

// ReadOverrides reads a YAML or JSON map of URL or canonical key to storage path.
func ReadOverrides(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	overrides := map[string]string{}
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse overrides %s: %w", path, err)
	}
	return overrides, nil
}

// Resolve joins a stored relative path onto root, refusing paths that
// would leave it.
func Resolve(root, rel string) (string, error) {
	rel = filepath.FromSlash(strings.TrimPrefix(rel, "/"))
	if rel == "" || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("storage path %q escapes capture root: %w", rel, os.ErrNotExist)
	}
	return filepath.Join(root, rel), nil
}

// HeaderValue looks up a header case-insensitively in a recorded header map.
func HeaderValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

func decodeB64(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode bodyB64: %w", err)
	}
	return b, nil
}

func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	return nil
}
