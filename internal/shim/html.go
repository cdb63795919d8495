package shim

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// loadElements are the elements whose URL attributes fetch a resource.
var loadElements = map[atom.Atom]bool{
	atom.Script: true,
	atom.Link:   true,
	atom.Img:    true,
	atom.Source: true,
	atom.Video:  true,
	atom.Audio:  true,
	atom.Iframe: true,
	atom.Embed:  true,
}

var loadAttrs = map[string]bool{
	"src":      true,
	"href":     true,
	"poster":   true,
	"data-src": true,
}

// RewriteOptions configures RewriteHTML.
type RewriteOptions struct {
	// PageOrigin is scheme://host of the page as served locally.
	PageOrigin string
	// InjectRuntime adds the runtime script as the first child of head.
	InjectRuntime bool
}

// RewriteHTML copies doc to w, rewriting resource URLs of load elements
// through chain. Tokens that are not rewritten are copied byte for byte.
func RewriteHTML(doc io.Reader, w io.Writer, chain *Chain, opts RewriteOptions) error {
	bw := bufio.NewWriter(w)
	z := html.NewTokenizer(doc)
	pending := opts.InjectRuntime

	inject := func() error {
		pending = false
		_, err := bw.WriteString(`<script src="` + RuntimePath + `"></script>`)
		return err
	}

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if err := z.Err(); !errors.Is(err, io.EOF) {
				return err
			}
			break
		}
		// TagName and Token modify the tokenizer buffer in place
		raw := append([]byte(nil), z.Raw()...)

		switch tt {
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			a := tok.DataAtom
			if pending && a != atom.Html && a != atom.Head {
				if err := inject(); err != nil {
					return err
				}
			}
			if loadElements[a] {
				if rewriteAttrs(&tok, chain, opts.PageOrigin) {
					raw = []byte(tok.String())
				}
			}
			if _, err := bw.Write(raw); err != nil {
				return err
			}
			if pending && a == atom.Head {
				if err := inject(); err != nil {
					return err
				}
			}
			continue

		case html.TextToken:
			if pending && len(bytes.TrimSpace(raw)) > 0 {
				if err := inject(); err != nil {
					return err
				}
			}

		case html.EndTagToken:
			name, _ := z.TagName()
			if pending && atom.Lookup(name) != atom.Html {
				if err := inject(); err != nil {
					return err
				}
			}
		}

		if _, err := bw.Write(raw); err != nil {
			return err
		}
	}

	if pending {
		if err := inject(); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// rewriteAttrs rewrites URL attributes of tok in place and reports whether
// any changed.
func rewriteAttrs(tok *html.Token, chain *Chain, pageOrigin string) bool {
	changed := false
	for i, attr := range tok.Attr {
		key := strings.ToLower(attr.Key)
		switch {
		case loadAttrs[key]:
			if to, ok := rewriteURL(chain, attr.Val, pageOrigin); ok {
				tok.Attr[i].Val = to
				changed = true
			}
		case key == "srcset":
			if to, ok := rewriteSrcset(chain, attr.Val, pageOrigin); ok {
				tok.Attr[i].Val = to
				changed = true
			}
		}
	}
	return changed
}

func rewriteURL(chain *Chain, raw, pageOrigin string) (string, bool) {
	d := chain.Apply(&Outbound{Method: "GET", URL: raw, PageOrigin: pageOrigin, Element: true})
	if d.Action != Rewrite {
		return "", false
	}
	return d.URL, true
}

// rewriteSrcset rewrites each candidate URL of a srcset list and keeps its
// descriptor.
func rewriteSrcset(chain *Chain, val, pageOrigin string) (string, bool) {
	parts := strings.Split(val, ",")
	changed := false
	for i, part := range parts {
		fields := strings.Fields(part)
		if len(fields) == 0 {
			continue
		}
		if to, ok := rewriteURL(chain, fields[0], pageOrigin); ok {
			fields[0] = to
			changed = true
		}
		parts[i] = strings.Join(fields, " ")
	}
	if !changed {
		return "", false
	}
	return strings.Join(parts, ", "), true
}
