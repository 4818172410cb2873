package model

import "time"

// RelayNode describes a candidate relay supplied by the caller.
type RelayNode struct {
	ID       string            `json:"id" yaml:"id"`
	Address  string            `json:"address" yaml:"address"`
	Port     int               `json:"port" yaml:"port"`
	Metadata map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// ProbeResult is the outcome of one node's ping sequence.
type ProbeResult struct {
	NodeID   string          `json:"nodeId" yaml:"node_id"`
	Sent     int             `json:"sent" yaml:"sent"`
	Received int             `json:"received" yaml:"received"`
	RTTs     []time.Duration `json:"-" yaml:"-"`
	RTTsMs   []float64       `json:"rttsMs" yaml:"rtts_ms"`
	Loss     float64         `json:"loss" yaml:"loss"`
	MinMs    float64         `json:"minMs" yaml:"min_ms"`
	AvgMs    float64         `json:"avgMs" yaml:"avg_ms"`
	MaxMs    float64         `json:"maxMs" yaml:"max_ms"`
}

// Lost returns the number of probes that did not come back.
func (r ProbeResult) Lost(pingCount int) int {
	return pingCount - r.Received
}

// NetworkTestReport aggregates one coordinator run. Duration carries the
// requested ping count, which is what launcher consumers expect.
type NetworkTestReport struct {
	RunID          string        `json:"runId" yaml:"run_id"`
	Duration       int           `json:"duration" yaml:"duration"`
	IsComplete     bool          `json:"isComplete" yaml:"is_complete"`
	NodesPingTests []ProbeResult `json:"nodesPingTests" yaml:"nodes_ping_tests"`
	PublicAddr     string        `json:"publicAddr,omitempty" yaml:"public_addr,omitempty"`
	NATType        string        `json:"natType,omitempty" yaml:"nat_type,omitempty"`
	StartedAt      time.Time     `json:"startedAt" yaml:"started_at"`
	Elapsed        time.Duration `json:"elapsed" yaml:"elapsed"`
}

// Metric is a single per-node measurement row, as exported to CSV.
type Metric struct {
	Timestamp  time.Time
	RunID      string
	NodeID     string
	Address    string
	Sent       int
	Received   int
	LossPct    float64
	MinRTTMs   float64
	AvgRTTMs   float64
	MaxRTTMs   float64
	JitterMs   float64
	NATType    string
	PublicAddr string
}
