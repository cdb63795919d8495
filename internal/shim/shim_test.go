package shim

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/funnyzak/replaytap/internal/capture"
	"github.com/funnyzak/replaytap/internal/index"
	"github.com/funnyzak/replaytap/internal/keys"
	"github.com/funnyzak/replaytap/internal/mirror"
)

const page = "http://127.0.0.1:8080"

func newResolver(t *testing.T) *mirror.Resolver {
	t.Helper()
	root := t.TempDir()
	for _, name := range []string{"a.js", "logo.png"} {
		p := filepath.Join(root, "storage", name)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(name), 0o644))
	}
	m := &capture.Manifest{
		URL: "https://game.example.com/",
		Assets: map[string]capture.AssetEntry{
			"https://cdn.example.com/a.js?v=3":  {Path: "storage/a.js"},
			"https://game.example.com/logo.png": {Path: "storage/logo.png"},
		},
	}
	idx, _, err := index.Build(context.Background(), root, m, index.BuildOptions{})
	require.NoError(t, err)
	return mirror.New(idx)
}

func TestDefaultChain(t *testing.T) {
	chain := DefaultChain(Options{Resolver: newResolver(t)})
	assert.Equal(t, []string{"skipScheme", "sameOrigin", "socketRoute", "mirrorGET"}, chain.Names())

	tests := []struct {
		name    string
		method  string
		url     string
		action  Action
		to      string
		matcher string
	}{
		{"data url", "GET", "data:text/plain,hi", Keep, "", "skipScheme"},
		{"blob url", "GET", "blob:https://x/1", Keep, "", "skipScheme"},
		{"relative", "GET", "/api/state", Keep, "", "sameOrigin"},
		{"same origin absolute", "GET", page + "/main.js", Keep, "", "sameOrigin"},
		{"own socket endpoint", "GET", "ws://127.0.0.1:8080/__replay/ws", Keep, "", "sameOrigin"},
		{"socket", "GET", "wss://game.example.com/sock?t=1", Rewrite,
			"/__replay/ws?url=wss%3A%2F%2Fgame.example.com%2Fsock%3Ft%3D1", "socketRoute"},
		{"mirrored GET", "GET", "https://cdn.example.com/a.js?v=3", Rewrite, "/storage/a.js", "mirrorGET"},
		{"mirrored loose", "GET", "https://cdn.example.com/a.js?v=9", Rewrite, "/storage/a.js", "mirrorGET"},
		{"POST never rewritten", "POST", "https://cdn.example.com/a.js?v=3", Keep, "", ""},
		{"unknown cross origin", "GET", "https://other.example.com/x.js", Keep, "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := chain.Apply(&Outbound{Method: tt.method, URL: tt.url, PageOrigin: page})
			assert.Equal(t, tt.action, d.Action)
			assert.Equal(t, tt.to, d.URL)
			assert.Equal(t, tt.matcher, d.Matcher)
		})
	}
}

func TestProtocolRelativeTakesPageScheme(t *testing.T) {
	chain := DefaultChain(Options{Resolver: newResolver(t)})

	d := chain.Apply(&Outbound{Method: "GET", URL: "//cdn.example.com/a.js?v=3", PageOrigin: "https://replay.local"})
	assert.Equal(t, Rewrite, d.Action)
	assert.Equal(t, "/storage/a.js", d.URL)

	d = chain.Apply(&Outbound{Method: "GET", URL: "//cdn.example.com/a.js?v=3", PageOrigin: page})
	assert.Equal(t, Keep, d.Action)
}

func TestExternalAlias(t *testing.T) {
	chain := DefaultChain(Options{Resolver: newResolver(t), ExternalAlias: true, Base: "/capture/"})

	d := chain.Apply(&Outbound{Method: "POST", URL: "https://api.example.com/v1/spin?ts=1", PageOrigin: page})
	assert.Equal(t, Rewrite, d.Action)
	assert.Equal(t, "externalAlias", d.Matcher)

	abs, ok := ParseAlias(d.URL)
	require.True(t, ok)
	assert.Equal(t, "https://api.example.com/v1/spin?ts=1", abs)

	d = chain.Apply(&Outbound{Method: "GET", URL: "https://cdn.example.com/a.js?v=3", PageOrigin: page})
	assert.Equal(t, "/capture/storage/a.js", d.URL)
}

func TestParseAliasRejects(t *testing.T) {
	for _, p := range []string{"/other", AliasPrefix, AliasPrefix + "relative%2Fpath", AliasPrefix + "ftp%3A%2F%2Fx%2Fy", AliasPrefix + "%zz"} {
		_, ok := ParseAlias(p)
		assert.False(t, ok, p)
	}
}

func TestNilChainKeeps(t *testing.T) {
	var c *Chain
	assert.Equal(t, Keep, c.Apply(&Outbound{URL: "https://x.example.com"}).Action)
}

func TestRewriteHTML(t *testing.T) {
	chain := DefaultChain(Options{Resolver: newResolver(t)})
	doc := `<!DOCTYPE html><html><head><title>t</title>` +
		`<script src="https://cdn.example.com/a.js?v=3"></script></head><body>` +
		`<img src="https://game.example.com/logo.png" srcset="https://game.example.com/logo.png 2x, /local.png 1x">` +
		`<a href="https://cdn.example.com/a.js?v=3">x</a>` +
		`<script src="/main.js"></script>` +
		`<script>var u = "https://cdn.example.com/a.js?v=3";</script></body></html>`

	var out bytes.Buffer
	err := RewriteHTML(strings.NewReader(doc), &out, chain, RewriteOptions{PageOrigin: page, InjectRuntime: true})
	require.NoError(t, err)

	want := `<!DOCTYPE html><html><head><script src="/__replay/runtime.js"></script><title>t</title>` +
		`<script src="/storage/a.js"></script></head><body>` +
		`<img src="/storage/logo.png" srcset="/storage/logo.png 2x, /local.png 1x">` +
		`<a href="https://cdn.example.com/a.js?v=3">x</a>` +
		`<script src="/main.js"></script>` +
		`<script>var u = "https://cdn.example.com/a.js?v=3";</script></body></html>`
	assert.Equal(t, want, out.String())
}

func TestRewriteHTMLWithoutHead(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, RewriteHTML(strings.NewReader("<p>hi</p>"), &out, NewChain(), RewriteOptions{InjectRuntime: true}))
	assert.Equal(t, `<script src="/__replay/runtime.js"></script><p>hi</p>`, out.String())

	out.Reset()
	require.NoError(t, RewriteHTML(strings.NewReader(""), &out, NewChain(), RewriteOptions{InjectRuntime: true}))
	assert.Equal(t, `<script src="/__replay/runtime.js"></script>`, out.String())

	out.Reset()
	require.NoError(t, RewriteHTML(strings.NewReader("<p>hi</p>"), &out, NewChain(), RewriteOptions{}))
	assert.Equal(t, "<p>hi</p>", out.String())
}

func TestTransport(t *testing.T) {
	var got string
	local := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.URL.RequestURI()
		w.Write([]byte("local"))
	}))
	defer local.Close()

	client := &http.Client{Transport: &Transport{
		Chain:  DefaultChain(Options{Resolver: newResolver(t)}),
		Origin: local.URL,
	}}

	resp, err := client.Get("https://cdn.example.com/a.js?v=3")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	assert.Equal(t, "local", string(body))
	assert.Equal(t, "/storage/a.js", got)
}

func TestRuntimeConfig(t *testing.T) {
	norm, err := keys.New([]string{"ts"}, nil)
	require.NoError(t, err)

	cfg := NewRuntimeConfig("https://game.example.com", newResolver(t), norm, Options{ExternalAlias: true})
	assert.Equal(t, "storage/a.js", cfg.Mirror["https://cdn.example.com/a.js?v=3"])
	assert.Equal(t, []string{"ts"}, cfg.Volatile)
	assert.Equal(t, SocketPath, cfg.SocketEndpoint)

	script, err := cfg.Script()
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(script, []byte(`self.__REPLAY__ = {"origin":"https://game.example.com"`)))
	assert.Contains(t, string(script), "XMLHttpRequest.prototype.open")
}
