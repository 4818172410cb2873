package metrics

import (
	"math"
	"sort"
	"time"

	"github.com/modmoto/w3champions-launcher/internal/model"
)

// RTTStats summarizes the round-trip samples of a single node.
type RTTStats struct {
	Count    int
	MinMs    float64
	AvgMs    float64
	MaxMs    float64
	P95Ms    float64
	JitterMs float64
}

// SummarizeRTTs computes statistics over received samples. All fields are
// zero when no sample was received.
func SummarizeRTTs(rtts []time.Duration) RTTStats {
	if len(rtts) == 0 {
		return RTTStats{}
	}

	samples := make([]float64, 0, len(rtts))
	var sum float64
	minMs := math.MaxFloat64
	maxMs := 0.0
	for _, rtt := range rtts {
		ms := durationMs(rtt)
		samples = append(samples, ms)
		sum += ms
		if ms < minMs {
			minMs = ms
		}
		if ms > maxMs {
			maxMs = ms
		}
	}
	jitter := JitterMs(samples)

	sort.Float64s(samples)
	return RTTStats{
		Count:    len(rtts),
		MinMs:    minMs,
		AvgMs:    sum / float64(len(rtts)),
		MaxMs:    maxMs,
		P95Ms:    percentile(samples, 0.95),
		JitterMs: jitter,
	}
}

// JitterMs is the mean absolute difference between consecutive samples, in
// arrival order.
func JitterMs(samples []float64) float64 {
	if len(samples) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(samples); i++ {
		sum += math.Abs(samples[i] - samples[i-1])
	}
	return sum / float64(len(samples)-1)
}

// FillResult derives loss and latency fields of r from its raw samples.
func FillResult(r *model.ProbeResult, pingCount int) {
	if pingCount > 0 {
		r.Loss = float64(pingCount-r.Received) / float64(pingCount)
	}
	stats := SummarizeRTTs(r.RTTs)
	r.RTTsMs = make([]float64, 0, len(r.RTTs))
	for _, rtt := range r.RTTs {
		r.RTTsMs = append(r.RTTsMs, durationMs(rtt))
	}
	r.MinMs = stats.MinMs
	r.AvgMs = stats.AvgMs
	r.MaxMs = stats.MaxMs
}

// FromReport flattens a report into one Metric row per node. Jitter is taken
// from the millisecond samples so a report read back from disk yields the
// same rows as the live one.
func FromReport(report model.NetworkTestReport, nodes []model.RelayNode) []model.Metric {
	addrs := make(map[string]string, len(nodes))
	for _, n := range nodes {
		addrs[n.ID] = n.Address
	}

	ts := report.StartedAt
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	items := make([]model.Metric, 0, len(report.NodesPingTests))
	for _, r := range report.NodesPingTests {
		items = append(items, model.Metric{
			Timestamp:  ts,
			RunID:      report.RunID,
			NodeID:     r.NodeID,
			Address:    addrs[r.NodeID],
			Sent:       r.Sent,
			Received:   r.Received,
			LossPct:    r.Loss * 100,
			MinRTTMs:   r.MinMs,
			AvgRTTMs:   r.AvgMs,
			MaxRTTMs:   r.MaxMs,
			JitterMs:   JitterMs(r.RTTsMs),
			NATType:    report.NATType,
			PublicAddr: report.PublicAddr,
		})
	}
	return items
}

// Summary is a basic statistics snapshot over historical rows.
type Summary struct {
	NodeID     string
	Count      int
	From       time.Time
	To         time.Time
	AvgRTTMs   float64
	P95RTTMs   float64
	MinRTTMs   float64
	MaxRTTMs   float64
	AvgJitter  float64
	AvgLossPct float64
}

// Summarize computes summary metrics for items in a time window. Rows whose
// node never answered do not contribute to the RTT figures.
func Summarize(items []model.Metric, since time.Time) Summary {
	filtered := make([]model.Metric, 0, len(items))
	for _, m := range items {
		if m.Timestamp.After(since) || m.Timestamp.Equal(since) {
			filtered = append(filtered, m)
		}
	}

	if len(filtered) == 0 {
		return Summary{Count: 0}
	}

	values := make([]float64, 0, len(filtered))
	var sumRTT, sumJitter, sumLoss float64
	minRTT := math.MaxFloat64
	maxRTT := 0.0
	from := filtered[0].Timestamp
	to := filtered[0].Timestamp

	for _, m := range filtered {
		sumLoss += m.LossPct
		if m.Timestamp.Before(from) {
			from = m.Timestamp
		}
		if m.Timestamp.After(to) {
			to = m.Timestamp
		}
		if m.Received == 0 {
			continue
		}
		values = append(values, m.AvgRTTMs)
		sumRTT += m.AvgRTTMs
		sumJitter += m.JitterMs
		if m.MinRTTMs < minRTT {
			minRTT = m.MinRTTMs
		}
		if m.MaxRTTMs > maxRTT {
			maxRTT = m.MaxRTTMs
		}
	}

	s := Summary{
		NodeID:     filtered[0].NodeID,
		Count:      len(filtered),
		From:       from,
		To:         to,
		AvgLossPct: sumLoss / float64(len(filtered)),
	}
	if len(values) == 0 {
		return s
	}

	sort.Float64s(values)
	answered := float64(len(values))
	s.AvgRTTMs = sumRTT / answered
	s.P95RTTMs = percentile(values, 0.95)
	s.MinRTTMs = minRTT
	s.MaxRTTMs = maxRTT
	s.AvgJitter = sumJitter / answered
	return s
}

// SummarizeByNode groups rows by node and summarizes each group.
func SummarizeByNode(items []model.Metric, since time.Time) []Summary {
	order := []string{}
	groups := map[string][]model.Metric{}
	for _, m := range items {
		if _, ok := groups[m.NodeID]; !ok {
			order = append(order, m.NodeID)
		}
		groups[m.NodeID] = append(groups[m.NodeID], m)
	}

	out := make([]Summary, 0, len(order))
	for _, id := range order {
		s := Summarize(groups[id], since)
		if s.Count == 0 {
			continue
		}
		out = append(out, s)
	}
	return out
}

func durationMs(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000.0
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return values[0]
	}
	if p >= 1 {
		return values[len(values)-1]
	}
	idx := int(math.Ceil(p*float64(len(values)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(values) {
		idx = len(values) - 1
	}
	return values[idx]
}
