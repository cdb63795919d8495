package printer

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"golang.org/x/term"

	"github.com/funnyzak/replaytap/internal/logger"
	"github.com/funnyzak/replaytap/internal/storage"
)

// ColorScheme color scheme
type ColorScheme struct {
	MethodGET    *color.Color
	MethodPOST   *color.Color
	MethodPUT    *color.Color
	MethodDELETE *color.Color
	MethodPATCH  *color.Color
	Timestamp    *color.Color
	StageServed  *color.Color
	StageMock    *color.Color
	StageLoose   *color.Color
	StageMissing *color.Color
	StageInert   *color.Color
	StatusOK     *color.Color
	StatusError  *color.Color
	Size         *color.Color
	Latency      *color.Color
	URL          *color.Color
	Error        *color.Color
}

// NewColorScheme creates a new color scheme
func NewColorScheme() *ColorScheme {
	return &ColorScheme{
		MethodGET:    color.New(color.FgBlue, color.Bold),
		MethodPOST:   color.New(color.FgGreen, color.Bold),
		MethodPUT:    color.New(color.FgYellow, color.Bold),
		MethodDELETE: color.New(color.FgRed, color.Bold),
		MethodPATCH:  color.New(color.FgMagenta, color.Bold),
		Timestamp:    color.New(color.FgHiBlack),
		StageServed:  color.New(color.FgGreen),
		StageMock:    color.New(color.FgCyan),
		StageLoose:   color.New(color.FgYellow),
		StageMissing: color.New(color.FgHiRed, color.Bold),
		StageInert:   color.New(color.FgHiBlack),
		StatusOK:     color.New(color.FgWhite),
		StatusError:  color.New(color.FgRed),
		Size:         color.New(color.FgHiBlue),
		Latency:      color.New(color.FgHiMagenta),
		URL:          color.New(color.FgWhite),
		Error:        color.New(color.FgHiRed),
	}
}

// ConsolePrinter prints one line per call.
type ConsolePrinter struct {
	mu          sync.Mutex
	colorScheme *ColorScheme
	logger      logger.Logger
	out         io.Writer
}

// NewConsolePrinter creates a new console printer
func NewConsolePrinter(logger logger.Logger) *ConsolePrinter {
	return &ConsolePrinter{
		colorScheme: NewColorScheme(),
		logger:      logger,
		out:         color.Output,
	}
}

// SetOutput replaces the destination writer.
func (p *ConsolePrinter) SetOutput(w io.Writer) {
	if w == nil {
		w = color.Output
	}
	p.mu.Lock()
	p.out = w
	p.mu.Unlock()
}

// getTerminalWidth gets the current terminal width with fallback
func (p *ConsolePrinter) getTerminalWidth() int {
	if testWidth := os.Getenv("REPLAYTAP_TEST_WIDTH"); testWidth != "" {
		if width, err := strconv.Atoi(testWidth); err == nil {
			return clampWidth(width)
		}
	}

	width, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 120
	}
	return clampWidth(width)
}

func clampWidth(width int) int {
	switch {
	case width < 60:
		return 60
	case width > 200:
		return 200
	default:
		return width
	}
}

// PrintCall prints time, method, stage, status, size, latency and the URL
// truncated to the terminal width.
func (p *ConsolePrinter) PrintCall(rec *storage.CallRecord) error {
	num := nextCallNumber()
	width := p.getTerminalWidth()

	method := strings.ToUpper(rec.Method)
	stage := rec.Stage
	if rec.MatchKind == "loose_fallback" {
		stage += "*"
	}
	status := strconv.Itoa(rec.Status)
	size := humanize.Bytes(uint64(rec.Bytes))
	latency := formatLatency(rec.Latency)

	prefix := fmt.Sprintf("#%-4d %s %-7s %-12s %3s %8s %8s ",
		num, rec.Timestamp.Local().Format("15:04:05.000"), method, stage, status, size, latency)
	available := width - runewidth.StringWidth(prefix)
	if available < 20 {
		available = 20
	}
	target := runewidth.Truncate(rec.URL, available, "…")

	p.mu.Lock()
	defer p.mu.Unlock()
	w := p.out

	p.colorScheme.Timestamp.Fprintf(w, "#%-4d %s ", num, rec.Timestamp.Local().Format("15:04:05.000"))
	p.getMethodColor(method).Fprintf(w, "%-7s ", method)
	p.getStageColor(rec.Stage).Fprintf(w, "%-12s ", stage)
	p.getStatusColor(rec.Status).Fprintf(w, "%3s ", status)
	p.colorScheme.Size.Fprintf(w, "%8s ", size)
	p.colorScheme.Latency.Fprintf(w, "%8s ", latency)
	p.colorScheme.URL.Fprintln(w, target)
	if rec.Error != "" {
		p.colorScheme.Error.Fprintf(w, "      %s\n", runewidth.Truncate(rec.Error, width-6, "…"))
	}
	return nil
}

// PrintSession prints a finished socket session.
func (p *ConsolePrinter) PrintSession(rec *storage.SessionRecord) error {
	width := p.getTerminalWidth()
	d := rec.EndedAt.Sub(rec.StartedAt).Round(time.Millisecond)
	line := fmt.Sprintf("socket %s %s frames=%d/%d %s ",
		shortID(rec.ID), rec.State, rec.FramesSent, rec.FramesReceived, d)
	target := runewidth.Truncate(rec.URL, clampWidth(width)-runewidth.StringWidth(line), "…")

	p.mu.Lock()
	defer p.mu.Unlock()
	p.colorScheme.StageMock.Fprint(p.out, line)
	p.colorScheme.URL.Fprintln(p.out, target)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func formatLatency(d time.Duration) string {
	switch {
	case d <= 0:
		return "0s"
	case d < time.Millisecond:
		return d.Round(time.Microsecond).String()
	case d < time.Second:
		return d.Round(100 * time.Microsecond).String()
	default:
		return d.Round(10 * time.Millisecond).String()
	}
}

// getMethodColor gets the corresponding color based on HTTP method
func (p *ConsolePrinter) getMethodColor(method string) *color.Color {
	switch strings.ToUpper(method) {
	case "GET", "HEAD":
		return p.colorScheme.MethodGET
	case "POST":
		return p.colorScheme.MethodPOST
	case "PUT":
		return p.colorScheme.MethodPUT
	case "DELETE":
		return p.colorScheme.MethodDELETE
	case "PATCH":
		return p.colorScheme.MethodPATCH
	default:
		return color.New(color.FgWhite, color.Bold)
	}
}

func (p *ConsolePrinter) getStageColor(stage string) *color.Color {
	switch stage {
	case "asset", "passthrough":
		return p.colorScheme.StageServed
	case "mock_exact":
		return p.colorScheme.StageMock
	case "mock_loose":
		return p.colorScheme.StageLoose
	case "empty":
		return p.colorScheme.StageMissing
	default:
		return p.colorScheme.StageInert
	}
}

func (p *ConsolePrinter) getStatusColor(status int) *color.Color {
	if status >= 400 {
		return p.colorScheme.StatusError
	}
	return p.colorScheme.StatusOK
}
