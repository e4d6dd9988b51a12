package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoggerLevels(t *testing.T) {
	tests := []struct {
		name    string
		verbose bool
		debug   bool
		want    []string
		absent  []string
	}{
		{"quiet", false, false, []string{"[WARN]", "[ERROR]"}, []string{"[INFO]", "[DEBUG]"}},
		{"verbose", true, false, []string{"[INFO]", "[WARN]"}, []string{"[DEBUG]"}},
		{"debug", true, true, []string{"[INFO]", "[DEBUG]", "[ERROR]"}, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			l := NewLoggerTo(&buf, tt.verbose, tt.debug)
			l.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

			l.Info("info %d", 1)
			l.Debug("debug")
			l.Warn("warn")
			l.Error("error")

			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("Expected %s in %q", w, out)
				}
			}

			for _, a := range tt.absent {
				if strings.Contains(out, a) {
					t.Errorf("Expected no %s in %q", a, out)
				}
			}

			if strings.Contains(out, "\033[") {
				t.Error("Expected no color codes when writing to a buffer")
			}

			if !strings.Contains(out, "03:04:05") {
				t.Errorf("Expected timestamp 03:04:05 in %q", out)
			}
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()

	yamlPath := filepath.Join(dir, "witgen.yaml")
	if err := os.WriteFile(yamlPath, []byte("manifest: world.yaml\ndb: runs.db\nmax_concurrency: 3\ndebounce: 50ms\nverify: true\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	jsonPath := filepath.Join(dir, "witgen.json")
	if err := os.WriteFile(jsonPath, []byte(`{"manifest": "other.yaml", "watch": true}`), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv(MaxConcurrencyEnv, "")

	c, err := LoadConfig(yamlPath)
	if err != nil {
		t.Fatalf("Expected YAML config to load, got %v", err)
	}

	if c.Manifest != "world.yaml" || c.DB != "runs.db" || c.MaxConcurrency != 3 || c.Debounce != 50*time.Millisecond || !c.Verify {
		t.Errorf("Expected YAML settings, got %+v", c)
	}

	c, err = LoadConfig(jsonPath)
	if err != nil {
		t.Fatalf("Expected JSON config to load, got %v", err)
	}

	if c.Manifest != "other.yaml" || !c.Watch || c.Debounce != 200*time.Millisecond {
		t.Errorf("Expected JSON settings over defaults, got %+v", c)
	}

	c, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	if err != nil || c.WorkDir != "." {
		t.Errorf("Expected defaults for a missing file, got %+v (%v)", c, err)
	}

	bad := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(bad, []byte("max_concurrency: [1"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadConfig(bad); err == nil {
		t.Error("Expected error for malformed YAML")
	}
}

func TestConcurrencyEnvOverride(t *testing.T) {
	t.Setenv(MaxConcurrencyEnv, "7")

	c, err := LoadConfig("")
	if err != nil {
		t.Fatalf("Expected config, got %v", err)
	}

	if c.MaxConcurrency != 7 {
		t.Errorf("Expected 7, got %d", c.MaxConcurrency)
	}

	t.Setenv(MaxConcurrencyEnv, "zero")

	if _, err := LoadConfig(""); err == nil {
		t.Error("Expected error for a non-numeric override")
	}
}

func TestSaveConfigRoundTrip(t *testing.T) {
	t.Setenv(MaxConcurrencyEnv, "")

	for _, name := range []string{"c.yaml", "c.json"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)

			in := DefaultConfig()
			in.Manifest = "m.yaml"
			in.MaxConcurrency = 2

			if err := in.SaveConfig(path); err != nil {
				t.Fatalf("Expected save, got %v", err)
			}

			out, err := LoadConfig(path)
			if err != nil {
				t.Fatalf("Expected load, got %v", err)
			}

			if out.Manifest != in.Manifest || out.MaxConcurrency != 2 || out.Debounce != in.Debounce {
				t.Errorf("Expected %+v, got %+v", in, out)
			}
		})
	}
}

func TestPrintVersion(t *testing.T) {
	var buf bytes.Buffer
	if err := PrintVersion(&buf, "witgen", true); err != nil {
		t.Fatalf("Expected version output, got %v", err)
	}

	var decoded struct {
		Tool string      `json:"tool"`
		Info VersionInfo `json:"version_info"`
	}

	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("Expected JSON, got %v", err)
	}

	if decoded.Tool != "witgen" || decoded.Info.Version != Version {
		t.Errorf("Expected witgen %s, got %+v", Version, decoded)
	}

	buf.Reset()
	PrintVersion(&buf, "witgen", false)

	if !strings.HasPrefix(buf.String(), "witgen v"+Version) {
		t.Errorf("Expected plain version line, got %q", buf.String())
	}
}
