package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecorder_CountsAndStates(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	r, err := NewRecorder(reg)
	if err != nil {
		t.Fatalf("NewRecorder: %v", err)
	}

	r.ProbeSent("a")
	r.ProbeSent("a")
	r.ProbeLost("a")
	r.ProbeAnswered(20 * time.Millisecond)
	r.SessionState("connected", []string{"stopped", "connected"})

	if got := testutil.ToFloat64(r.probesSent.WithLabelValues("a")); got != 2 {
		t.Fatalf("sent=%v", got)
	}
	if got := testutil.ToFloat64(r.probesLost.WithLabelValues("a")); got != 1 {
		t.Fatalf("lost=%v", got)
	}
	if got := testutil.ToFloat64(r.sessionState.WithLabelValues("stopped")); got != 0 {
		t.Fatalf("stopped=%v", got)
	}
	if got := testutil.ToFloat64(r.sessionState.WithLabelValues("connected")); got != 1 {
		t.Fatalf("connected=%v", got)
	}

	if _, err := NewRecorder(reg); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}

func TestRecorder_NilIsNoop(t *testing.T) {
	t.Parallel()

	var r *Recorder
	r.RunCompleted()
	r.ProbeSent("x")
	r.ReconnectAttempt()
	r.MalformedMessage()
}
