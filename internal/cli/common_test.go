package cli

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadConfig_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":8080" || cfg.Device != "/dev/ttyUSB0" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.PollInterval() != 100*time.Millisecond {
		t.Fatalf("unexpected poll interval %v", cfg.PollInterval())
	}
}

func TestConfig_SaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ultragdb.json")
	cfg := DefaultConfig()
	cfg.Device = "tcp://127.0.0.1:9001"
	cfg.PollIntervalMS = 20
	if err := cfg.SaveConfig(path); err != nil {
		t.Fatal(err)
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Device != cfg.Device || got.PollInterval() != 20*time.Millisecond {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestLoadConfig_BadJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfig(path); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	l := &Logger{Out: &buf}
	l.Info("hidden %d", 1)
	l.Debug("hidden %d", 2)
	l.Warn("shown %d", 3)
	l.Error("shown %d", 4)
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info/debug should be suppressed: %q", out)
	}
	if !strings.Contains(out, "[WARN]") || !strings.Contains(out, "[ERROR]") {
		t.Fatalf("missing levels: %q", out)
	}

	buf.Reset()
	l.Verbose, l.DebugMode = true, true
	l.Info("a")
	l.Debug("b")
	if !strings.Contains(buf.String(), "[INFO]") || !strings.Contains(buf.String(), "[DEBUG]") {
		t.Fatalf("missing info/debug: %q", buf.String())
	}
}

func TestPrintVersion(t *testing.T) {
	var buf bytes.Buffer
	PrintVersion(&buf, "ultragdb-proxy", false)
	if !strings.HasPrefix(buf.String(), "ultragdb-proxy v"+Version) {
		t.Fatalf("unexpected output %q", buf.String())
	}
	buf.Reset()
	PrintVersion(&buf, "ultragdb-proxy", true)
	if !strings.Contains(buf.String(), `"tool": "ultragdb-proxy"`) {
		t.Fatalf("unexpected json %q", buf.String())
	}
}
