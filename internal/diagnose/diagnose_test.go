package diagnose

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnyzak/replaytap/internal/capture"
	"github.com/funnyzak/replaytap/internal/classify"
	"github.com/funnyzak/replaytap/internal/config"
	"github.com/funnyzak/replaytap/internal/index"
	"github.com/funnyzak/replaytap/internal/keys"
)

func write(t *testing.T, root, rel string, v interface{}) {
	t.Helper()
	var data []byte
	switch b := v.(type) {
	case string:
		data = []byte(b)
	default:
		var err error
		data, err = json.Marshal(v)
		require.NoError(t, err)
	}
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func newCapture(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	write(t, root, "index.html", "<html></html>")
	write(t, root, "storage/assets/app.js", "console.log(1)")
	write(t, root, "storage/api/0.json", capture.MockFile{
		Request:  capture.MockRequest{Method: "POST", URL: "https://api.example.com/v1/connect"},
		Response: capture.MockResponse{Status: 200, ContentType: "application/json", BodyB64: b64(`{"token":"abcdef1234567890"}`)},
	})
	write(t, root, "storage/api/1.json", capture.MockFile{
		Request:  capture.MockRequest{Method: "GET", URL: "https://www.google-analytics.com/collect"},
		Response: capture.MockResponse{Status: 200},
	})
	write(t, root, "manifest.json", capture.Manifest{
		URL: "https://game.example.com/",
		Assets: map[string]capture.AssetEntry{
			"https://game.example.com/":      {Path: "index.html", ContentType: "text/html"},
			"https://cdn.example.com/app.js": {Path: "storage/assets/app.js", ContentType: "application/javascript"},
		},
		API: []capture.APIEntry{
			{Method: "POST", URL: "https://api.example.com/v1/connect", File: "storage/api/0.json"},
			{Method: "GET", URL: "https://www.google-analytics.com/collect", File: "storage/api/1.json"},
			{Method: "GET", URL: "https://api.example.com/v1/missing", File: "storage/api/9.json"},
		},
	})
	return root
}

func TestRun(t *testing.T) {
	classifier, err := classify.New([]config.NoiseRuleConfig{
		{Name: "analytics", Hosts: []string{"google-analytics.com"}, Status: 204},
	})
	require.NoError(t, err)

	root := newCapture(t)
	r, err := Run(context.Background(), root, Options{
		Build:      index.BuildOptions{Normalizer: keys.Default()},
		Classifier: classifier,
	})
	require.NoError(t, err)

	assert.Equal(t, "https://game.example.com/", r.Source)
	assert.Equal(t, 2, r.Summary.Assets)
	assert.Equal(t, 2, r.Summary.Mocks)
	assert.Equal(t, int64(len("<html></html>")+len("console.log(1)")), r.AssetBytes)

	require.Len(t, r.External, 1)
	assert.Equal(t, "https://cdn.example.com/app.js", r.External[0].URL)
	assert.Equal(t, "storage/assets/app.js", r.External[0].Path)

	assert.Equal(t, Token{Found: true, URL: "https://api.example.com/v1/connect", Prefix: "abcdef12"}, r.Token)

	require.Len(t, r.Skipped, 1)
	assert.Equal(t, "https://api.example.com/v1/missing", r.Skipped[0].URL)

	assert.Contains(t, r.Risks, "1 external assets: they are served from the mirror")
	assert.Contains(t, r.Risks, "no socket recordings: pages that need a socket will stall")
	assert.Contains(t, r.Risks, "1 records skipped while indexing")

	assert.Equal(t, []KindCount{
		{Kind: "dynamic", Count: 1},
		{Kind: "asset", Count: 0},
		{Kind: "noise", Count: 1},
	}, r.Kinds)
}

func TestRunWithoutManifest(t *testing.T) {
	_, err := Run(context.Background(), t.TempDir(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load capture")
}

func TestEmptyCaptureRisks(t *testing.T) {
	root := t.TempDir()
	write(t, root, "manifest.json", capture.Manifest{URL: "https://game.example.com/"})

	r, err := Run(context.Background(), root, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{
		"no assets: the capture is probably a placeholder or a redirect",
		"no API calls: an online page will not get past loading",
		"no socket recordings: pages that need a socket will stall",
	}, r.Risks)
	assert.False(t, r.Token.Found)
}

func TestWriteReport(t *testing.T) {
	root := newCapture(t)
	r, err := Run(context.Background(), root, Options{})
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "report")
	path, err := r.Write(out)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, ReportFile), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	md := string(data)
	assert.Contains(t, md, "# Capture diagnosis")
	assert.Contains(t, md, "- Source URL: https://game.example.com/")
	assert.Contains(t, md, "- External assets (mirrored): 1")
	assert.Contains(t, md, "- connect: found in https://api.example.com/v1/connect (abcdef12...)")
	assert.Contains(t, md, "- https://cdn.example.com/app.js -> `storage/assets/app.js`")
	assert.Contains(t, md, "| dynamic |")
	assert.Contains(t, md, "- mock https://api.example.com/v1/missing:")
	assert.NotContains(t, md, "Loaded from flattened tables")
}

func TestPrintSummary(t *testing.T) {
	color.NoColor = true
	r := &Report{
		Source:  "https://game.example.com/",
		Summary: index.Summary{Assets: 3, Mocks: 2, Sockets: 1},
		Token:   Token{Found: true, Prefix: "abcdef12"},
	}
	var buf bytes.Buffer
	r.PrintSummary(&buf)
	out := buf.String()
	assert.Contains(t, out, "Capture https://game.example.com/")
	assert.Contains(t, out, "assets 3 (0 B), mirrored 0, api 2, ws 1")
	assert.Contains(t, out, "connect token abcdef12...")
	assert.Contains(t, out, "risks: low")

	buf.Reset()
	r.Risks = []string{"no socket recordings"}
	r.PrintSummary(&buf)
	assert.Contains(t, buf.String(), "! no socket recordings")
}
