package logx

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestServiceFileSinkWritesJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	svc, log := New(Config{Level: "debug", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	log.Component("ledger").Info("recorded", String("account", "alice"), Int("n", 3))

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := strings.TrimSpace(string(b))
	var m map[string]any
	if err := json.Unmarshal([]byte(line), &m); err != nil {
		t.Fatalf("log line is not JSON: %q: %v", line, err)
	}
	if m["message"] != "recorded" || m["comp"] != "ledger" || m["account"] != "alice" {
		t.Fatalf("unexpected fields: %v", m)
	}
}

func TestServiceApplyRaisesLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	svc, log := New(Config{Level: "info", File: FileConfig{Enabled: true, Path: path}})
	defer svc.Close()

	svc.Apply(Config{Level: "error", File: FileConfig{Enabled: true, Path: path}})
	log.Info("dropped")
	log.Error("kept")

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if strings.Contains(string(b), "dropped") {
		t.Fatalf("info line written after level raised: %s", b)
	}
	if !strings.Contains(string(b), "kept") {
		t.Fatalf("error line missing: %s", b)
	}
}

func TestValidLevel(t *testing.T) {
	t.Parallel()
	for _, lv := range []string{"", "debug", "INFO", "warning"} {
		if !ValidLevel(lv) {
			t.Fatalf("ValidLevel(%q) = false", lv)
		}
	}
	if ValidLevel("loud") {
		t.Fatal("ValidLevel(loud) = true")
	}
}

func TestZeroLoggerIsSafe(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero logger should report IsZero")
	}
	l.With(String("k", "v")).Error("nothing happens")
}
