package diagnose

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/template"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
)

// ReportFile is the name of the markdown report written by Write.
const ReportFile = "report.md"

var reportTemplate = template.Must(template.New(ReportFile).Funcs(template.FuncMap{
	"bytes": func(n int64) string { return humanize.Bytes(uint64(n)) },
}).Parse(`# Capture diagnosis

- Source URL: {{.Source}}
- Capture root: ` + "`{{.Root}}`" + `
- Generated: {{.GeneratedAt.Format "2006-01-02 15:04:05"}}
- assets: **{{.Summary.Assets}}** ({{bytes .AssetBytes}}), api: **{{.Summary.Mocks}}**, ws: **{{.Summary.Sockets}}**
- External assets (mirrored): {{len .External}}
{{- if .FromTables}}
- Loaded from flattened tables
{{- end}}

## Risks
{{range .Risks}}- {{.}}
{{else}}- low
{{end}}
## Tokens
- connect: {{if .Token.Found}}found in {{.Token.URL}} ({{.Token.Prefix}}...){{else}}not found{{end}}

## Mock classes
| Class | Mocks |
|---|---|
{{range .Kinds}}| {{.Kind}} | {{.Count}} |
{{end}}
## External assets
{{range .External}}- {{.URL}} -> ` + "`{{.Path}}`" + ` ({{bytes .Size}})
{{else}}- none
{{end}}
## Skipped records
{{range .Skipped}}- {{.Kind}} {{.URL}}: {{.Reason}}
{{else}}- none
{{end}}
## Next steps
1. index: ` + "`replaytap index --root {{.Root}}`" + `
2. serve: ` + "`replaytap serve --root {{.Root}}`" + `
3. open the served page and check the journal for calls answered by the ` + "`empty`" + ` stage
`))

// Render writes the markdown report.
func (r *Report) Render(w io.Writer) error {
	return reportTemplate.Execute(w, r)
}

// Write renders the report into dir and returns the file path.
func (r *Report) Write(dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	var buf bytes.Buffer
	if err := r.Render(&buf); err != nil {
		return "", fmt.Errorf("render report: %w", err)
	}
	path := filepath.Join(dir, ReportFile)
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// PrintSummary prints a short colored summary of the report.
func (r *Report) PrintSummary(w io.Writer) {
	bold := color.New(color.Bold)
	warn := color.New(color.FgYellow)
	ok := color.New(color.FgGreen)

	bold.Fprintf(w, "Capture %s\n", r.Source)
	fmt.Fprintf(w, "  assets %d (%s), mirrored %d, api %d, ws %d\n",
		r.Summary.Assets, humanize.Bytes(uint64(r.AssetBytes)), len(r.External), r.Summary.Mocks, r.Summary.Sockets)

	if r.Token.Found {
		ok.Fprintf(w, "  connect token %s...\n", r.Token.Prefix)
	}
	if len(r.Risks) == 0 {
		ok.Fprintln(w, "  risks: low")
		return
	}
	for _, risk := range r.Risks {
		warn.Fprintf(w, "  ! %s\n", risk)
	}
}
