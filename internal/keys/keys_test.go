package keys

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	n := Default()

	tests := []struct {
		name string
		in   string
		mode Mode
		want Key
	}{
		{"lowercases scheme and host", "HTTPS://Example.COM/Path", Exact, "https://example.com/Path"},
		{"empty path becomes slash", "https://example.com", Exact, "https://example.com/"},
		{"drops default https port", "https://cdn.example.com:443/app.js", Exact, "https://cdn.example.com/app.js"},
		{"drops default http port", "http://cdn.example.com:80/app.js", Exact, "http://cdn.example.com/app.js"},
		{"drops default wss port", "wss://rt.example.com:443/socket", Exact, "wss://rt.example.com/socket"},
		{"keeps other ports", "https://cdn.example.com:8443/app.js", Exact, "https://cdn.example.com:8443/app.js"},
		{"drops userinfo", "https://user:pw@cdn.example.com/app.js", Exact, "https://cdn.example.com/app.js"},
		{"sorts query and drops fragment", "https://example.com/?b=2&a=1#frag", Exact, "https://example.com/?a=1&b=2"},
		{"sorts repeated names by value", "https://example.com/x?k=2&k=1", Exact, "https://example.com/x?k=1&k=2"},
		{"pair without equals", "https://example.com/x?flag", Exact, "https://example.com/x?flag="},
		{"re-encodes escapes", "https://example.com/x?q=a%20b", Exact, "https://example.com/x?q=a+b"},
		{"loose drops volatile params", "https://api.example.com/data?id=5&token=abc&_=123", Loose, "https://api.example.com/data?id=5"},
		{"loose matches names case-insensitively", "https://api.example.com/data?TS=1&id=5", Loose, "https://api.example.com/data?id=5"},
		{"loose with only volatile params", "https://api.example.com/data?v=3", Loose, "https://api.example.com/data"},
		{"exact keeps volatile params", "https://api.example.com/data?v=3", Exact, "https://api.example.com/data?v=3"},
		{"relative input is returned unchanged", "/relative/path?b=1&a=2", Exact, "/relative/path?b=1&a=2"},
		{"unparsable input is returned unchanged", "://bad", Loose, "://bad"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, n.Normalize(tt.in, tt.mode))
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	n := Default()
	inputs := []string{
		"https://Example.com/a/b?z=1&y=2&token=x",
		"http://example.com:8080?flag&cb=9",
		"https://example.com/search?q=hello%20world&q=a+b",
		"https://example.com/x?bad=%zz",
		"not a url",
	}

	for _, in := range inputs {
		for _, mode := range []Mode{Exact, Loose} {
			once := n.Normalize(in, mode)
			twice := n.Normalize(string(once), mode)
			assert.Equal(t, once, twice, "%s %s", mode, in)
		}
	}
}

func TestLooseOfExactEqualsLoose(t *testing.T) {
	n := Default()
	in := "https://api.example.com/v1/items?page=2&ts=1700000000&sort=asc&verid=77"

	exact, loose := n.Both(in)
	assert.Equal(t, loose, n.Normalize(string(exact), Loose))
	assert.Equal(t, Key("https://api.example.com/v1/items?page=2&sort=asc"), loose)
}

func TestLooseKeyIgnoresVolatileValues(t *testing.T) {
	n := Default()
	base := n.Normalize("https://api.example.com/spin?game=7&ts=1&_=100", Loose)

	assert.Equal(t, base, n.Normalize("https://api.example.com/spin?game=7&ts=2&_=999", Loose))
	assert.Equal(t, base, n.Normalize("https://api.example.com/spin?_=5&game=7", Loose))
	assert.NotEqual(t, base, n.Normalize("https://api.example.com/spin?game=8&ts=1&_=100", Loose))
	assert.NotEqual(t,
		n.Normalize("https://api.example.com/spin?game=7&ts=1", Exact),
		n.Normalize("https://api.example.com/spin?game=7&ts=2", Exact))
}

func TestCustomVolatile(t *testing.T) {
	n, err := New([]string{" Sig ", ""}, nil)
	require.NoError(t, err)

	assert.True(t, n.IsVolatile("SIG"))
	assert.False(t, n.IsVolatile("token"))
	assert.Equal(t, []string{"sig"}, n.Volatile())
	assert.Equal(t, Key("https://x.com/?token=1"), n.Normalize("https://x.com/?sig=9&token=1", Loose))
}

func TestNewRejectsBadBodyPattern(t *testing.T) {
	_, err := New(nil, []string{"("})
	require.Error(t, err)
}

func TestBodyDigest(t *testing.T) {
	n, err := New(nil, []string{"^nonce$"})
	require.NoError(t, err)

	a := n.BodyDigest("POST", "application/json", []byte(`{"b":1,"a":{"y":2,"x":1}}`))
	b := n.BodyDigest("post", "application/json; charset=utf-8", []byte(` {"a":{"x":1,"y":2},"b":1} `))
	require.NotEmpty(t, a)
	assert.Len(t, a, 64)
	assert.Equal(t, a, b)

	withNonce := n.BodyDigest("POST", "application/json", []byte(`{"a":{"x":1,"y":2,"nonce":"r4nd"},"b":1}`))
	assert.Equal(t, a, withNonce)

	other := n.BodyDigest("POST", "application/json", []byte(`{"a":{"x":1,"y":3},"b":1}`))
	assert.NotEqual(t, a, other)

	sniffed := n.BodyDigest("PUT", "", []byte(`{"a":{"y":2,"x":1},"b":1}`))
	assert.Equal(t, a, sniffed)

	plain := n.BodyDigest("POST", "text/plain;charset=UTF-8", []byte(`{"b":1,"a":{"x":1,"y":2}}`))
	plainReordered := n.BodyDigest("POST", "text/plain;charset=UTF-8", []byte(`{"a":{"y":2,"x":1},"b":1}`))
	assert.Equal(t, plain, plainReordered)
	assert.Equal(t, a, plain)

	// large integers keep their exact text
	big1 := n.BodyDigest("POST", "application/json", []byte(`{"id":12345678901234567890}`))
	big2 := n.BodyDigest("POST", "application/json", []byte(`{"id":12345678901234567891}`))
	assert.NotEqual(t, big1, big2)
}

func TestBodyDigestForm(t *testing.T) {
	n := Default()
	ct := "application/x-www-form-urlencoded"

	a := n.BodyDigest("POST", ct, []byte("b=2&a=1"))
	b := n.BodyDigest("POST", ct, []byte("a=1&b=2\n"))
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, n.BodyDigest("POST", ct, []byte("a=1&b=3")))
}

func TestBodyDigestEmpty(t *testing.T) {
	n := Default()

	assert.Empty(t, n.BodyDigest("GET", "application/json", []byte(`{"a":1}`)))
	assert.Empty(t, n.BodyDigest("DELETE", "", []byte("x")))
	assert.Empty(t, n.BodyDigest("POST", "application/json", nil))
	assert.Empty(t, n.BodyDigest("PATCH", "text/plain", []byte("   ")))
	assert.NotEmpty(t, n.BodyDigest("PATCH", "text/plain", []byte("hello")))
	assert.Equal(t,
		n.BodyDigest("POST", "text/plain", []byte("hello")),
		n.BodyDigest("POST", "text/plain", []byte("  hello\n")))
}

func TestMockKeyIsComparable(t *testing.T) {
	n := Default()
	table := map[MockKey]int{
		n.NewMockKey("post", "https://API.example.com/q?b=1&a=2", Exact, "d1"): 1,
	}

	v, ok := table[n.NewMockKey("POST", "https://api.example.com/q?a=2&b=1", Exact, "d1")]
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = table[n.NewMockKey("POST", "https://api.example.com/q?a=2&b=1", Exact, "d2")]
	assert.False(t, ok)

	k := MockKey{Method: "GET", URL: "https://x.com/"}
	assert.Equal(t, "GET https://x.com/", k.String())
	k.BodyDigest = "abc"
	assert.Equal(t, "GET https://x.com/#abc", k.String())
}

func TestResourcePath(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain file", "https://cdn.example.com/static/app.js", "mirror/cdn.example.com/static/app.js"},
		{"port becomes underscore", "https://cdn.example.com:8443/a.css", "mirror/cdn.example.com_8443/a.css"},
		{"directory gets index", "https://cdn.example.com/docs/", "mirror/cdn.example.com/docs/index.html"},
		{"bare host gets index", "https://CDN.example.com", "mirror/cdn.example.com/index.html"},
		{"dot segments cannot escape", "https://h.example.com/../../etc/passwd", "mirror/h.example.com/etc/passwd"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ResourcePath(tt.in)
			require.True(t, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResourcePathQuery(t *testing.T) {
	withExt := regexp.MustCompile(`^mirror/cdn\.example\.com/app\.__q_[0-9a-f]{8}\.js$`)
	noExt := regexp.MustCompile(`^mirror/cdn\.example\.com/font\.__q_[0-9a-f]{8}$`)

	a, ok := ResourcePath("https://cdn.example.com/app.js?v=1&x=2")
	require.True(t, ok)
	assert.Regexp(t, withExt, a)

	b, _ := ResourcePath("https://cdn.example.com/app.js?x=2&v=1")
	assert.Equal(t, a, b, "parameter order does not matter")

	c, _ := ResourcePath("https://cdn.example.com/app.js?v=2&x=2")
	assert.NotEqual(t, a, c)

	d, _ := ResourcePath("https://cdn.example.com/font?family=Inter")
	assert.Regexp(t, noExt, d)

	_, ok = ResourcePath("/relative.js")
	assert.False(t, ok)
}
