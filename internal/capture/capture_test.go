package capture

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestReadManifest(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ManifestFile), `{
		"url": "https://game.example.com/play",
		"assets": {
			"https://cdn.example.com/app.js": {"path": "storage/assets/abc.js", "sha256": "abc", "size": 3, "status": 200, "contentType": "application/javascript"}
		},
		"api": [{"method": "POST", "url": "https://api.example.com/v1/spin", "file": "storage/api/1.json", "status": 200}],
		"ws": [{"url": "wss://rt.example.com/socket", "file": "storage/ws/1.json"}],
		"errors": [{"type": "response", "url": "x"}]
	}`)

	m, err := ReadManifest(dir)
	require.NoError(t, err)
	assert.Equal(t, "https://game.example.com/play", m.URL)
	require.Contains(t, m.Assets, "https://cdn.example.com/app.js")
	assert.Equal(t, "storage/assets/abc.js", m.Assets["https://cdn.example.com/app.js"].Path)
	require.Len(t, m.API, 1)
	assert.Equal(t, "POST", m.API[0].Method)
	require.Len(t, m.WS, 1)
	assert.Len(t, m.Errors, 1)
}

func TestReadManifestErrors(t *testing.T) {
	_, err := ReadManifest(t.TempDir())
	assert.ErrorIs(t, err, os.ErrNotExist)

	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, ManifestFile), `{"url":`)
	_, err = ReadManifest(dir)
	require.Error(t, err)
	assert.NotErrorIs(t, err, os.ErrNotExist)
}

func TestReadMockFile(t *testing.T) {
	dir := t.TempDir()
	reqBody := base64.StdEncoding.EncodeToString([]byte(`{"bet":1}`))
	respBody := base64.StdEncoding.EncodeToString([]byte(`{"win":0}`))
	writeFile(t, filepath.Join(dir, "storage", "api", "1.json"), `{
		"request": {"method": "POST", "url": "https://api.example.com/v1/spin", "headers": {"content-type": "application/json"}, "bodyB64": "`+reqBody+`"},
		"response": {"status": 201, "headers": {"x-a": "1"}, "contentType": "application/json", "bodyB64": "`+respBody+`"}
	}`)

	f, err := ReadMockFile(dir, "storage/api/1.json")
	require.NoError(t, err)

	body, err := f.Request.Body()
	require.NoError(t, err)
	assert.Equal(t, `{"bet":1}`, string(body))
	assert.Equal(t, "application/json", f.Request.ContentType())

	resp, err := f.Response.Body()
	require.NoError(t, err)
	assert.Equal(t, `{"win":0}`, string(resp))
	assert.Equal(t, 201, f.Response.Status)
}

func TestReadMockFileNullBody(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "m.json"), `{"request":{"method":"GET","url":"https://x.com/","bodyB64":null},"response":{"status":204}}`)

	f, err := ReadMockFile(dir, "m.json")
	require.NoError(t, err)
	body, err := f.Request.Body()
	require.NoError(t, err)
	assert.Nil(t, body)
}

func TestResolveRejectsEscapes(t *testing.T) {
	root := t.TempDir()

	_, err := Resolve(root, "../outside.json")
	assert.ErrorIs(t, err, os.ErrNotExist)

	_, err = Resolve(root, "")
	assert.Error(t, err)

	p, err := Resolve(root, "/storage/a.js")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "storage", "a.js"), p)
}

func TestDecodeFrames(t *testing.T) {
	bin := base64.StdEncoding.EncodeToString([]byte{0x01, 0x02, 0xff})
	frames, err := DecodeFrames([]RawFrame{
		{Dir: "out", T: 1000, Opcode: 1, Payload: "hello"},
		{Dir: "in", T: 1250, Opcode: 2, Payload: bin},
		{Dir: "IN", T: 1300, Payload: "text"},
	})
	require.NoError(t, err)
	require.Len(t, frames, 3)

	assert.False(t, frames[0].Inbound())
	assert.Equal(t, time.Duration(0), frames[0].Offset)

	assert.True(t, frames[1].Inbound())
	assert.Equal(t, 250*time.Millisecond, frames[1].Offset)
	assert.Equal(t, []byte{0x01, 0x02, 0xff}, frames[1].Payload)
	assert.Equal(t, OpBinary, frames[1].Opcode)

	assert.Equal(t, OpText, frames[2].Opcode)
	assert.Equal(t, "in", frames[2].Dir)
}

func TestDecodeFramesMalformed(t *testing.T) {
	_, err := DecodeFrames([]RawFrame{{Dir: "in", Opcode: 2, Payload: "!!not base64"}})
	assert.Error(t, err)

	_, err = DecodeFrames([]RawFrame{{Dir: "sideways", Opcode: 1}})
	assert.Error(t, err)

	_, err = DecodeFrames([]RawFrame{{Dir: "in", Opcode: 9}})
	assert.Error(t, err)

	frames, err := DecodeFrames(nil)
	require.NoError(t, err)
	assert.Empty(t, frames)
}

func TestReadOverrides(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "overrides.yaml")
	writeFile(t, yamlPath, "https://cdn.example.com/app.js: storage/assets/patched.js\n")
	jsonPath := filepath.Join(dir, "overrides.json")
	writeFile(t, jsonPath, `{"https://cdn.example.com/a.css": "storage/assets/a.css"}`)

	y, err := ReadOverrides(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "storage/assets/patched.js", y["https://cdn.example.com/app.js"])

	j, err := ReadOverrides(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "storage/assets/a.css", j["https://cdn.example.com/a.css"])

	_, err = ReadOverrides(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestTablesRoundTrip(t *testing.T) {
	dir := t.TempDir()
	assert.False(t, HasTables(dir))

	in := &Tables{
		API: []APIRow{{Method: "GET", URL: "https://api.example.com/v1/me", Key: "k", LooseKey: "lk", File: "storage/api/1.json", Status: 200, Seq: 0}},
		WS:  []WSRow{{URL: "wss://rt.example.com/s", Key: "wk", LooseKey: "wk", File: "storage/ws/1.json"}},
		Mirror: map[string]string{
			"https://cdn.example.com/app.js": "storage/assets/abc.js",
		},
	}
	require.NoError(t, WriteTables(dir, in))
	assert.True(t, HasTables(dir))

	out, err := ReadTables(dir)
	require.NoError(t, err)
	assert.Equal(t, in.API, out.API)
	assert.Equal(t, in.WS, out.WS)
	assert.Empty(t, out.Assets)
	assert.Equal(t, in.Mirror, out.Mirror)
}

func TestReadTablesOptionalFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "mocks", "apiMap.json"), `[]`)

	out, err := ReadTables(dir)
	require.NoError(t, err)
	assert.Empty(t, out.API)
	assert.Empty(t, out.WS)
	assert.NotNil(t, out.Mirror)
}
