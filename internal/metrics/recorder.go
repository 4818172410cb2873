package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "flonet"

// Recorder exposes probe and worker session counters to Prometheus.
// A nil *Recorder is valid and records nothing.
type Recorder struct {
	runs              prometheus.Counter
	probesSent        *prometheus.CounterVec
	probesLost        *prometheus.CounterVec
	rtt               prometheus.Histogram
	sessionState      *prometheus.GaugeVec
	reconnectAttempts prometheus.Counter
	workerSpawns      prometheus.Counter
	malformedMessages prometheus.Counter
}

// NewRecorder creates the collectors and registers them with reg.
func NewRecorder(reg prometheus.Registerer) (*Recorder, error) {
	r := &Recorder{
		runs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "runs_total",
			Help:      "Completed network test runs.",
		}),
		probesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "sent_total",
			Help:      "Echo probes sent per relay node.",
		}, []string{"node"}),
		probesLost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "lost_total",
			Help:      "Echo probes that timed out per relay node.",
		}, []string{"node"}),
		rtt: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "probe",
			Name:      "rtt_seconds",
			Help:      "Round-trip time of answered echo probes.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10),
		}),
		sessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "state",
			Help:      "1 for the current worker session state, 0 otherwise.",
		}, []string{"state"}),
		reconnectAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts issued by the session manager.",
		}),
		workerSpawns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "spawns_total",
			Help:      "Helper processes spawned.",
		}),
		malformedMessages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worker",
			Name:      "malformed_messages_total",
			Help:      "Control channel messages rejected as malformed.",
		}),
	}

	for _, c := range []prometheus.Collector{
		r.runs, r.probesSent, r.probesLost, r.rtt,
		r.sessionState, r.reconnectAttempts, r.workerSpawns, r.malformedMessages,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Recorder) RunCompleted() {
	if r == nil {
		return
	}
	r.runs.Inc()
}

func (r *Recorder) ProbeSent(node string) {
	if r == nil {
		return
	}
	r.probesSent.WithLabelValues(node).Inc()
}

func (r *Recorder) ProbeLost(node string) {
	if r == nil {
		return
	}
	r.probesLost.WithLabelValues(node).Inc()
}

func (r *Recorder) ProbeAnswered(rtt time.Duration) {
	if r == nil {
		return
	}
	r.rtt.Observe(rtt.Seconds())
}

// SessionState marks current as the only active state among all.
func (r *Recorder) SessionState(current string, all []string) {
	if r == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == current {
			v = 1
		}
		r.sessionState.WithLabelValues(s).Set(v)
	}
}

func (r *Recorder) ReconnectAttempt() {
	if r == nil {
		return
	}
	r.reconnectAttempts.Inc()
}

func (r *Recorder) WorkerSpawned() {
	if r == nil {
		return
	}
	r.workerSpawns.Inc()
}

func (r *Recorder) MalformedMessage() {
	if r == nil {
		return
	}
	r.malformedMessages.Inc()
}
