package store

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modmoto/w3champions-launcher/internal/metrics"
	"github.com/modmoto/w3champions-launcher/internal/model"
)

func TestLoadNodes_MissingFile_ReturnsEmpty(t *testing.T) {
	t.Parallel()

	nodes, err := LoadNodes(filepath.Join(t.TempDir(), "nodes.yaml"))
	if err != nil {
		t.Fatalf("LoadNodes: %v", err)
	}
	if len(nodes) != 0 {
		t.Fatalf("nodes=%d", len(nodes))
	}
}

func TestSaveNodes_RoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "cfg", "nodes.yaml")
	in := []model.RelayNode{
		{ID: "eu-1", Address: "flo-eu.w3champions.com", Port: 3552, Metadata: map[string]string{"region": "eu"}},
		{ID: "us-1", Address: "2001:db8::1", Port: 3552},
	}
	if err := SaveNodes(path, in); err != nil {
		t.Fatalf("SaveNodes: %v", err)
	}

	out, err := LoadNodes(path)
	if err != nil {
		t.Fatalf("LoadNodes: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("nodes=%d", len(out))
	}
	if out[0].ID != "eu-1" || out[0].Port != 3552 || out[0].Metadata["region"] != "eu" {
		t.Fatalf("node0=%+v", out[0])
	}
	if out[1].Address != "2001:db8::1" {
		t.Fatalf("node1=%+v", out[1])
	}
}

func TestLoadNodes_RejectsIncompleteEntries(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		"no id":      "nodes:\n  - address: 10.0.0.1\n    port: 1\n",
		"no address": "nodes:\n  - id: a\n    port: 1\n",
		"bad port":   "nodes:\n  - id: a\n    address: 10.0.0.1\n    port: 70000\n",
	}
	for name, body := range cases {
		name, body := name, body
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			path := filepath.Join(t.TempDir(), "nodes.yaml")
			if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			if _, err := LoadNodes(path); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestSaveReport_WritesWireShape(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "out", "report.json")
	report := model.NetworkTestReport{
		RunID:      "run-1",
		Duration:   10,
		IsComplete: true,
		NodesPingTests: []model.ProbeResult{
			{NodeID: "a", Sent: 10, Received: 5, Loss: 0.5},
		},
	}
	if err := SaveReport(path, report); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	for _, key := range []string{`"duration": 10`, `"isComplete": true`, `"nodesPingTests"`, `"loss": 0.5`} {
		if !strings.Contains(string(data), key) {
			t.Fatalf("missing %s in %s", key, data)
		}
	}

	back, err := LoadReport(path)
	if err != nil {
		t.Fatalf("LoadReport: %v", err)
	}
	if back.Duration != 10 || !back.IsComplete || len(back.NodesPingTests) != 1 {
		t.Fatalf("report=%+v", back)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("leftover temp files: %d", len(entries))
	}
}

func TestLoadReport_KeepsSamplesForJitter(t *testing.T) {
	t.Parallel()

	live := model.ProbeResult{NodeID: "a", Sent: 4, Received: 4, RTTs: []time.Duration{
		10 * time.Millisecond, 14 * time.Millisecond, 12 * time.Millisecond, 16 * time.Millisecond,
	}}
	metrics.FillResult(&live, 4)
	report := model.NetworkTestReport{RunID: "run-2", Duration: 4, IsComplete: true, NodesPingTests: []model.ProbeResult{live}}

	path := filepath.Join(t.TempDir(), "report.json")
	if err := SaveReport(path, report); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}
	back, err := LoadReport(path)
	if err != nil {
		t.Fatalf("LoadReport: %v", err)
	}

	want := metrics.FromReport(report, nil)[0].JitterMs
	got := metrics.FromReport(back, nil)[0].JitterMs
	if want == 0 || got != want {
		t.Fatalf("jitter live=%v loaded=%v", want, got)
	}
}
