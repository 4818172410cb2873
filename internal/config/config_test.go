package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestApplyDefaults_Worker(t *testing.T) {
	t.Parallel()

	cfg := Config{Worker: &WorkerConfig{}}
	ApplyDefaults(&cfg)

	if cfg.Worker.Dir != DefaultWorkerDir || cfg.Worker.Executable == "" {
		t.Fatalf("worker defaults not set: %+v", cfg.Worker)
	}
	if cfg.Worker.ReconnectInterval != 2*time.Second {
		t.Fatalf("reconnect_interval=%s", cfg.Worker.ReconnectInterval)
	}
	if cfg.Worker.Origin != "http://localhost:3000" {
		t.Fatalf("origin=%q", cfg.Worker.Origin)
	}
	if cfg.LogLevel != DefaultLogLevel {
		t.Fatalf("log_level=%q", cfg.LogLevel)
	}
}

func TestApplyDefaults_Probe(t *testing.T) {
	t.Parallel()

	cfg := Config{Probe: &ProbeConfig{}}
	ApplyDefaults(&cfg)

	if cfg.Probe.PingCount != 50 {
		t.Fatalf("ping_count=%d", cfg.Probe.PingCount)
	}
	if cfg.Probe.Timeout != time.Second {
		t.Fatalf("timeout=%s", cfg.Probe.Timeout)
	}
}

func TestDefaultExecutable(t *testing.T) {
	t.Parallel()

	if got := DefaultExecutable("windows"); got != "flo-worker.exe" {
		t.Fatalf("windows=%q", got)
	}
	if got := DefaultExecutable("linux"); got != "flo-worker" {
		t.Fatalf("linux=%q", got)
	}
}

func TestWorkerPaths(t *testing.T) {
	t.Parallel()

	w := WorkerConfig{Dir: "/opt/launcher/libs", Executable: "flo-worker", LogsDir: "flo-logs"}
	if got := w.ExecutablePath(); got != "/opt/launcher/libs/flo-worker" {
		t.Fatalf("exe=%q", got)
	}
	if got := w.LogsPath(); got != "/opt/launcher/libs/flo-logs" {
		t.Fatalf("logs=%q", got)
	}

	w.Executable = "/usr/bin/flo-worker"
	if got := w.ExecutablePath(); got != "/usr/bin/flo-worker" {
		t.Fatalf("abs exe=%q", got)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	if err := Validate(Config{}); err == nil {
		t.Fatalf("expected error for empty config")
	}

	cfg := Config{Probe: &ProbeConfig{}}
	ApplyDefaults(&cfg)
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected: %v", err)
	}

	cfg.Probe.PingCount = -1
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected ping_count error")
	}

	cfg = Config{Worker: &WorkerConfig{ReconnectMaxAttempts: -1}}
	ApplyDefaults(&cfg)
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected reconnect_max_attempts error")
	}
}

func TestLoad_ParsesDurations(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "flonet.yaml")
	data := []byte("probe:\n  ping_count: 10\n  timeout: 250ms\nworker:\n  dir: /tmp/libs\n  reconnect_interval: 5s\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Probe.PingCount != 10 || cfg.Probe.Timeout != 250*time.Millisecond {
		t.Fatalf("probe=%+v", cfg.Probe)
	}
	if cfg.Worker.ReconnectInterval != 5*time.Second {
		t.Fatalf("worker=%+v", cfg.Worker)
	}
}

func TestSave_Writes0600(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "flonet.yaml")
	cfg := Config{Probe: &ProbeConfig{PingCount: 5}}
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%o", info.Mode().Perm())
	}
}
