package agent

import (
	"encoding/json"
	"net/http"
)

// Health is the /healthz payload.
type Health struct {
	WorkerState string `json:"workerState,omitempty"`
	Player      string `json:"player,omitempty"`
	LastRunID   string `json:"lastRunId,omitempty"`
	Nodes       int    `json:"nodes"`
	LastError   string `json:"lastError,omitempty"`
}

// Health reports worker session state and the outcome of the last test.
func (a *Agent) Health() Health {
	var h Health
	if a.mgr != nil {
		h.WorkerState = a.mgr.State().String()
		if s, ok := a.mgr.Session(); ok {
			h.Player = s.PlayerName
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.lastReport != nil {
		h.LastRunID = a.lastReport.RunID
		h.Nodes = len(a.lastReport.NodesPingTests)
	}
	if a.lastErr != nil {
		h.LastError = a.lastErr.Error()
	}
	return h
}

func (a *Agent) healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		h := a.Health()
		w.Header().Set("Content-Type", "application/json")
		if h.LastError != "" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(h)
	})
}
