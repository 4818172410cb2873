package worker

// State is the lifecycle state of the helper process and its backend
// session. Transitions:
//
// stopped       -> starting
// starting      -> connected | stopped
// connected     -> session_active | disconnected | stopped
// session_active-> disconnected | stopped
// disconnected  -> reconnecting | connected | stopped
// reconnecting  -> session_active | disconnected | connected | stopped
//
// Every state may fall back to stopped when the process exits.
type State string

const (
	StateStopped       State = "stopped"
	StateStarting      State = "starting"
	StateConnected     State = "connected"
	StateSessionActive State = "session_active"
	StateDisconnected  State = "disconnected"
	StateReconnecting  State = "reconnecting"
)

// AllStates lists every state in declaration order.
var AllStates = []State{
	StateStopped,
	StateStarting,
	StateConnected,
	StateSessionActive,
	StateDisconnected,
	StateReconnecting,
}

func (s State) String() string { return string(s) }

// recovering reports whether the manager is trying to win back a lost session.
func (s State) recovering() bool {
	return s == StateDisconnected || s == StateReconnecting
}

func stateNames() []string {
	out := make([]string, len(AllStates))
	for i, s := range AllStates {
		out[i] = string(s)
	}
	return out
}
