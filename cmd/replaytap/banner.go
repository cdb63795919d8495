package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/funnyzak/replaytap/internal/config"
)

func bannerLines(cfg *config.Config) []string {
	var lines []string

	lines = append(lines, fmt.Sprintf("🚀 Listening on:   http://0.0.0.0:%d/", cfg.Server.Port))
	lines = append(lines, fmt.Sprintf("📦 Capture:        %s", cfg.Replay.Root))
	if cfg.Replay.Origin != "" {
		lines = append(lines, fmt.Sprintf("🌐 Origin:         %s", cfg.Replay.Origin))
	}
	lines = append(lines, fmt.Sprintf("📊 Log Level:      %s", cfg.Log.Level))

	lines = append(lines, "")
	passthrough := "Disabled (unmatched calls get 204)"
	if cfg.Passthrough.Enable {
		passthrough = fmt.Sprintf("Enabled (%ds timeout)", cfg.Passthrough.Timeout)
	}
	lines = append(lines, fmt.Sprintf("🔀 Passthrough:    %s", passthrough))
	socket := cfg.Socket.Mode
	if cfg.Socket.Loop {
		socket += ", loop"
	}
	lines = append(lines, fmt.Sprintf("🔌 Sockets:        %s (x%.2g)", socket, cfg.Socket.Speed))
	lines = append(lines, fmt.Sprintf("🗄️ Cache:          %s", cfg.Cache.Driver))

	lines = append(lines, "")
	if cfg.Web.Enable {
		lines = append(lines, "🖥️ Admin API:      Enabled")
		lines = append(lines, fmt.Sprintf("   └─ Path:        %s", cfg.Web.AdminPath))
		exportStatus := "Disabled"
		if cfg.Web.Export.Enable {
			exportStatus = fmt.Sprintf("Enabled (%s)", strings.Join(cfg.Web.Export.Formats, ", "))
		}
		lines = append(lines, fmt.Sprintf("   └─ Export:      %s", exportStatus))
	} else {
		lines = append(lines, "🖥️ Admin API:      Disabled")
	}
	if cfg.Storage.Enable {
		lines = append(lines, fmt.Sprintf("💾 Journal:        %s (%s)", cfg.Storage.Driver, cfg.Storage.Path))
	} else {
		lines = append(lines, "💾 Journal:        memory")
	}

	if cfg.Log.FileLogging.Enable {
		compress := "Disabled"
		if cfg.Log.FileLogging.Compress {
			compress = "Enabled"
		}
		lines = append(lines, fmt.Sprintf("📝 File Logging:   %s (%dMB, %d backups, %d days, compress: %s)",
			cfg.Log.FileLogging.Path,
			cfg.Log.FileLogging.MaxSizeMB,
			cfg.Log.FileLogging.MaxBackups,
			cfg.Log.FileLogging.MaxAgeDays,
			compress))
	}

	lines = append(lines, "")
	lines = append(lines, "(Press Ctrl+C to stop)")
	return lines
}

func printStartupBanner(w io.Writer, cfg *config.Config) {
	titleLine := fmt.Sprintf("ReplayTap v%s", version)
	subtitleLine := "Offline Web Session Replay"
	lines := bannerLines(cfg)

	maxLength := runewidth.StringWidth(subtitleLine)
	for _, line := range append(lines, titleLine) {
		if n := runewidth.StringWidth(line); n > maxLength {
			maxLength = n
		}
	}

	// 2 characters margin on left and right
	boxWidth := maxLength + 4
	if boxWidth < 50 {
		boxWidth = 50
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "┌%s┐\n", strings.Repeat("─", boxWidth-2))
	printBoxContent(w, titleLine, boxWidth, true)
	printBoxContent(w, subtitleLine, boxWidth, true)
	fmt.Fprintf(w, "├%s┤\n", strings.Repeat("─", boxWidth-2))
	for _, line := range lines {
		printBoxContent(w, line, boxWidth, false)
	}
	fmt.Fprintf(w, "└%s┘\n", strings.Repeat("─", boxWidth-2))
	fmt.Fprintln(w)
}

// printBoxContent prints one line of the box, centered or indented by two
// spaces.
func printBoxContent(w io.Writer, content string, boxWidth int, center bool) {
	padding := boxWidth - 2 - runewidth.StringWidth(content)
	if padding < 0 {
		padding = 0
	}

	var leftPad, rightPad string
	if center {
		leftPad = strings.Repeat(" ", padding/2)
		rightPad = strings.Repeat(" ", padding-padding/2)
	} else {
		leftPad = "  "
		rightPad = strings.Repeat(" ", max(padding-2, 0))
	}

	fmt.Fprintf(w, "│%s%s%s│\n", leftPad, content, rightPad)
}
