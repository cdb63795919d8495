// Package diagnose inspects a capture and reports what will keep it from
// replaying offline.
package diagnose

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/funnyzak/replaytap/internal/capture"
	"github.com/funnyzak/replaytap/internal/classify"
	"github.com/funnyzak/replaytap/internal/index"
)

var connectPath = regexp.MustCompile(`(?i)/connect`)

const tokenPrefixLen = 8

// Options configures a diagnosis.
type Options struct {
	Build index.BuildOptions
	// Classifier sorts mocks into classes. A classifier without noise
	// rules is used when nil.
	Classifier *classify.Classifier
}

// ExternalAsset is an asset captured from a host other than the document's.
type ExternalAsset struct {
	URL  string `json:"url"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// Token describes the session token found in a connect response.
type Token struct {
	Found  bool   `json:"found"`
	URL    string `json:"url,omitempty"`
	Prefix string `json:"prefix,omitempty"`
}

// KindCount is one row of the mock classification histogram.
type KindCount struct {
	Kind  string `json:"kind"`
	Count int    `json:"count"`
}

// Report is the result of a diagnosis.
type Report struct {
	GeneratedAt time.Time       `json:"generated_at"`
	Root        string          `json:"root"`
	Source      string          `json:"source"`
	Summary     index.Summary   `json:"summary"`
	FromTables  bool            `json:"from_tables"`
	AssetBytes  int64           `json:"asset_bytes"`
	External    []ExternalAsset `json:"external"`
	Risks       []string        `json:"risks"`
	Token       Token           `json:"token"`
	Kinds       []KindCount     `json:"kinds"`
	Skipped     []index.Skip    `json:"skipped"`
}

// Run loads the capture under root and diagnoses it.
func Run(ctx context.Context, root string, opts Options) (*Report, error) {
	idx, build, err := index.Load(ctx, root, opts.Build)
	if err != nil {
		return nil, fmt.Errorf("load capture: %w", err)
	}

	classifier := opts.Classifier
	if classifier == nil {
		if classifier, err = classify.New(nil); err != nil {
			return nil, err
		}
	}

	r := &Report{
		GeneratedAt: time.Now(),
		Root:        root,
		Source:      idx.Origin(),
		Summary:     idx.Summary(),
		FromTables:  build.FromTables,
		Skipped:     build.Skipped,
	}

	for _, a := range idx.Assets() {
		r.AssetBytes += a.ByteSize
		if a.Mirrored {
			r.External = append(r.External, ExternalAsset{URL: a.URL, Path: a.StoragePath, Size: a.ByteSize})
		}
	}
	sort.Slice(r.External, func(i, j int) bool { return r.External[i].URL < r.External[j].URL })

	r.Kinds = histogram(idx.Mocks(), classifier)
	r.Token = findToken(root, idx.Mocks())
	r.Risks = risks(r)
	return r, nil
}

func histogram(mocks []*index.MockRecord, c *classify.Classifier) []KindCount {
	counts := make(map[classify.Kind]int)
	for _, m := range mocks {
		counts[c.Classify(m.Method, m.URL, m.ContentType)]++
	}
	kinds := []classify.Kind{classify.DynamicCall, classify.Asset, classify.Noise}
	out := make([]KindCount, 0, len(kinds))
	for _, k := range kinds {
		out = append(out, KindCount{Kind: k.String(), Count: counts[k]})
	}
	return out
}

// findToken looks for a "token" field in the first connect response that
// carries one.
func findToken(root string, mocks []*index.MockRecord) Token {
	for _, m := range mocks {
		if !connectPath.MatchString(m.URL) {
			continue
		}
		f, err := capture.ReadMockFile(root, m.StoragePath)
		if err != nil {
			continue
		}
		body, err := f.Response.Body()
		if err != nil || len(body) == 0 {
			continue
		}
		var payload struct {
			Token string `json:"token"`
		}
		if json.Unmarshal(body, &payload) != nil || payload.Token == "" {
			continue
		}
		prefix := payload.Token
		if len(prefix) > tokenPrefixLen {
			prefix = prefix[:tokenPrefixLen]
		}
		return Token{Found: true, URL: m.URL, Prefix: prefix}
	}
	return Token{}
}

func risks(r *Report) []string {
	var out []string
	if r.Summary.Assets == 0 {
		out = append(out, "no assets: the capture is probably a placeholder or a redirect")
	}
	if n := len(r.External); n > 0 {
		out = append(out, fmt.Sprintf("%d external assets: they are served from the mirror", n))
	}
	if r.Summary.Mocks == 0 {
		out = append(out, "no API calls: an online page will not get past loading")
	}
	if r.Summary.Sockets == 0 {
		out = append(out, "no socket recordings: pages that need a socket will stall")
	}
	if n := len(r.Skipped); n > 0 {
		out = append(out, fmt.Sprintf("%d records skipped while indexing", n))
	}
	return out
}
