package execx

import (
	"bufio"
	"os"
	"path/filepath"
	"runtime"
	"testing"
)

func TestEnsureExecutable_SetsModes(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	exe := filepath.Join(dir, "flo-worker")
	if err := os.WriteFile(exe, []byte("#!/bin/sh\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	logs := filepath.Join(dir, "flo-logs")

	if err := EnsureExecutable(exe, dir, logs); err != nil {
		t.Fatalf("EnsureExecutable: %v", err)
	}
	for _, p := range []string{exe, dir, logs} {
		info, err := os.Stat(p)
		if err != nil {
			t.Fatalf("Stat %s: %v", p, err)
		}
		if info.Mode().Perm() != 0o755 {
			t.Fatalf("%s mode=%o", p, info.Mode().Perm())
		}
	}
}

func TestEnsureExecutable_MissingBinary(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	if err := EnsureExecutable(filepath.Join(dir, "missing"), dir, ""); err == nil {
		t.Fatalf("expected error")
	}
}

func TestOSStarter_StdoutAndExit(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" {
		t.Skip("uses /bin/sh")
	}

	p, err := NewOSStarter().Start("/bin/sh", t.TempDir(), "-c", `echo '{"version":"1","port":1}'; exit 3`)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.Pid() <= 0 {
		t.Fatalf("pid=%d", p.Pid())
	}

	sc := bufio.NewScanner(p.Stdout())
	if !sc.Scan() {
		t.Fatalf("no stdout line")
	}
	if got := sc.Text(); got != `{"version":"1","port":1}` {
		t.Fatalf("line=%q", got)
	}
	if code := ExitCode(p.Wait()); code != 3 {
		t.Fatalf("exit=%d", code)
	}
}

func TestOSStarter_MissingBinary(t *testing.T) {
	t.Parallel()

	if _, err := NewOSStarter().Start(filepath.Join(t.TempDir(), "nope"), ""); err == nil {
		t.Fatalf("expected error")
	}
}
