package metrics

import (
	"testing"
	"time"

	"github.com/modmoto/w3champions-launcher/internal/model"
)

func TestSummarize_Basic(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	items := []model.Metric{
		{Timestamp: now.Add(-10 * time.Second), Received: 10, AvgRTTMs: 10, MinRTTMs: 8, MaxRTTMs: 12, JitterMs: 1, LossPct: 0},
		{Timestamp: now.Add(-5 * time.Second), Received: 5, AvgRTTMs: 20, MinRTTMs: 15, MaxRTTMs: 30, JitterMs: 2, LossPct: 50},
	}
	s := Summarize(items, now.Add(-1*time.Minute))
	if s.Count != 2 {
		t.Fatalf("count=%d", s.Count)
	}
	if s.AvgRTTMs != 15 {
		t.Fatalf("avg_rtt=%.2f", s.AvgRTTMs)
	}
	if s.MinRTTMs != 8 || s.MaxRTTMs != 30 {
		t.Fatalf("min/max=%.2f/%.2f", s.MinRTTMs, s.MaxRTTMs)
	}
	if s.P95RTTMs != 20 {
		t.Fatalf("p95=%.2f", s.P95RTTMs)
	}
	if s.AvgLossPct != 25 {
		t.Fatalf("loss=%.2f", s.AvgLossPct)
	}
}

func TestSummarize_UnansweredRowsOnlyAffectLoss(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	items := []model.Metric{
		{Timestamp: now, Received: 0, LossPct: 100},
		{Timestamp: now, Received: 4, AvgRTTMs: 40, MinRTTMs: 40, MaxRTTMs: 40, LossPct: 0},
	}
	s := Summarize(items, now.Add(-time.Minute))
	if s.AvgRTTMs != 40 || s.MinRTTMs != 40 {
		t.Fatalf("rtt=%.2f min=%.2f", s.AvgRTTMs, s.MinRTTMs)
	}
	if s.AvgLossPct != 50 {
		t.Fatalf("loss=%.2f", s.AvgLossPct)
	}
}

func TestSummarizeByNode_KeepsFirstSeenOrder(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	items := []model.Metric{
		{Timestamp: now, NodeID: "b", Received: 1, AvgRTTMs: 5},
		{Timestamp: now, NodeID: "a", Received: 1, AvgRTTMs: 7},
		{Timestamp: now, NodeID: "b", Received: 1, AvgRTTMs: 9},
	}
	got := SummarizeByNode(items, now.Add(-time.Minute))
	if len(got) != 2 {
		t.Fatalf("groups=%d", len(got))
	}
	if got[0].NodeID != "b" || got[0].Count != 2 || got[0].AvgRTTMs != 7 {
		t.Fatalf("first=%+v", got[0])
	}
}

func TestSummarizeRTTs(t *testing.T) {
	t.Parallel()

	if got := SummarizeRTTs(nil); got != (RTTStats{}) {
		t.Fatalf("empty=%+v", got)
	}

	s := SummarizeRTTs([]time.Duration{10 * time.Millisecond, 30 * time.Millisecond, 20 * time.Millisecond})
	if s.MinMs != 10 || s.MaxMs != 30 || s.AvgMs != 20 {
		t.Fatalf("stats=%+v", s)
	}
	if s.JitterMs != 15 {
		t.Fatalf("jitter=%.2f", s.JitterMs)
	}
}

func TestFillResult_Loss(t *testing.T) {
	t.Parallel()

	r := model.ProbeResult{NodeID: "c", Sent: 10, Received: 5, RTTs: []time.Duration{time.Millisecond, 3 * time.Millisecond}}
	FillResult(&r, 10)
	if r.Loss != 0.5 {
		t.Fatalf("loss=%v", r.Loss)
	}
	if r.MinMs != 1 || r.MaxMs != 3 || r.AvgMs != 2 {
		t.Fatalf("min/avg/max=%v/%v/%v", r.MinMs, r.AvgMs, r.MaxMs)
	}
	if len(r.RTTsMs) != 2 {
		t.Fatalf("rtts_ms=%v", r.RTTsMs)
	}

	none := model.ProbeResult{NodeID: "a", Sent: 10}
	FillResult(&none, 10)
	if none.Loss != 1 || none.AvgMs != 0 {
		t.Fatalf("none=%+v", none)
	}
}

func TestFromReport_JitterFromStoredSamples(t *testing.T) {
	t.Parallel()

	// A report decoded from JSON carries RTTsMs but no RTTs.
	report := model.NetworkTestReport{
		RunID: "run-1",
		NodesPingTests: []model.ProbeResult{
			{NodeID: "a", Sent: 3, Received: 3, RTTsMs: []float64{10, 30, 20}, MinMs: 10, AvgMs: 20, MaxMs: 30},
			{NodeID: "b", Sent: 3, Loss: 1},
		},
	}
	rows := FromReport(report, []model.RelayNode{{ID: "a", Address: "10.0.0.1"}})
	if len(rows) != 2 {
		t.Fatalf("rows=%d", len(rows))
	}
	if rows[0].JitterMs != 15 || rows[0].Address != "10.0.0.1" {
		t.Fatalf("row=%+v", rows[0])
	}
	if rows[1].JitterMs != 0 || rows[1].LossPct != 100 {
		t.Fatalf("row=%+v", rows[1])
	}

	live := model.ProbeResult{NodeID: "a", Sent: 3, Received: 3, RTTs: []time.Duration{10 * time.Millisecond, 30 * time.Millisecond, 20 * time.Millisecond}}
	FillResult(&live, 3)
	if got := FromReport(model.NetworkTestReport{NodesPingTests: []model.ProbeResult{live}}, nil)[0].JitterMs; got != 15 {
		t.Fatalf("live jitter=%v", got)
	}
}

func TestPercentile_Edges(t *testing.T) {
	t.Parallel()

	values := []float64{1, 2, 3, 4}
	if got := percentile(values, 0); got != 1 {
		t.Fatalf("p0=%v", got)
	}
	if got := percentile(values, 1); got != 4 {
		t.Fatalf("p100=%v", got)
	}
}
