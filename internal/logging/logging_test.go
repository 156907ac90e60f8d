package logging

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewWritesJSONToStderrWriter(t *testing.T) {
	var buf bytes.Buffer
	logs, err := New(Config{Level: "debug", Format: "json"}, &buf)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	defer logs.Close()

	logs.App.Debug("poll complete", "opportunities", 1)
	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected json log line, got %q: %v", buf.String(), err)
	}
	if entry["msg"] != "poll complete" {
		t.Fatalf("unexpected entry %#v", entry)
	}
}

func TestAuditLogRotatesIntoFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit", "runs.log")
	logs, err := New(Config{Output: "none", Audit: AuditConfig{Path: path}}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logs.Audit.Info("rebalance run", "run_id", "run_1", "state", "done")
	if err := logs.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	buf, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(buf), `"run_id":"run_1"`) {
		t.Fatalf("unexpected audit content %q", buf)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
