package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/mattn/go-runewidth"

	"github.com/funnyzak/replaytap/internal/config"
)

func TestValidateAdminPath(t *testing.T) {
	tests := []struct {
		path    string
		wantErr bool
	}{
		{"/__replay/api", false},
		{"/admin/", false},
		{"/", true},
		{"", true},
		{"/__replay/ws", true},
		{"/__ext__/api", true},
		{"/__replay/runtime.js/", true},
	}
	for _, tt := range tests {
		cfg := &config.Config{Web: config.WebConfig{Enable: true, AdminPath: tt.path}}
		err := validateAdminPath(cfg)
		if (err != nil) != tt.wantErr {
			t.Errorf("validateAdminPath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
		}
	}

	disabled := &config.Config{Web: config.WebConfig{Enable: false, AdminPath: "/"}}
	if err := validateAdminPath(disabled); err != nil {
		t.Errorf("disabled admin API should not be validated: %v", err)
	}
}

func TestPathsOverlap(t *testing.T) {
	if !pathsOverlap("/a", "/a/b") || !pathsOverlap("/a/b", "/a") {
		t.Error("expected nested paths to overlap")
	}
	if pathsOverlap("/a", "/ab") {
		t.Error("sibling prefixes must not overlap")
	}
}

func TestStartupBannerIsRectangular(t *testing.T) {
	cfg := &config.Config{
		Server:  config.ServerConfig{Port: 38890},
		Replay:  config.ReplayConfig{Root: "./capture/一个很长的目录"},
		Log:     config.LogConfig{Level: "info"},
		Socket:  config.SocketConfig{Mode: "replay", Speed: 1},
		Cache:   config.CacheConfig{Driver: "memory"},
		Web:     config.WebConfig{Enable: true, AdminPath: "/__replay/api", Export: config.WebExportConfig{Enable: true, Formats: []string{"json", "csv"}}},
		Storage: config.StorageConfig{Enable: true, Driver: "sqlite", Path: "./data/replaytap.db"},
	}
	var buf bytes.Buffer
	printStartupBanner(&buf, cfg)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) < 5 {
		t.Fatalf("banner too short: %q", buf.String())
	}
	width := runewidth.StringWidth(lines[0])
	for _, line := range lines {
		if got := runewidth.StringWidth(line); got != width {
			t.Errorf("line %q has width %d, want %d", line, got, width)
		}
	}
	if !strings.Contains(buf.String(), "Offline Web Session Replay") {
		t.Error("missing subtitle")
	}
}
