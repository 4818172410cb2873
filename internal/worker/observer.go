package worker

import "github.com/modmoto/w3champions-launcher/internal/api"

// PlayerSession is the backend session the helper holds on behalf of a player.
type PlayerSession struct {
	// BattleTag is the launcher-side player the session was requested for.
	BattleTag  string
	Token      string
	PlayerID   int
	PlayerName string
}

// Info describes a running helper process.
type Info struct {
	Pid     int
	Version string
	Port    int
}

// Observer receives session notifications. Calls are made outside the
// manager lock and may come from any goroutine.
type Observer interface {
	SessionEstablished(session PlayerSession)
	SessionLost(reason string)
	OnEvent(ev api.Event)
}

// ObserverFuncs adapts plain functions to Observer. Nil fields are skipped.
type ObserverFuncs struct {
	Established func(session PlayerSession)
	Lost        func(reason string)
	Event       func(ev api.Event)
}

func (o ObserverFuncs) SessionEstablished(session PlayerSession) {
	if o.Established != nil {
		o.Established(session)
	}
}

func (o ObserverFuncs) SessionLost(reason string) {
	if o.Lost != nil {
		o.Lost(reason)
	}
}

func (o ObserverFuncs) OnEvent(ev api.Event) {
	if o.Event != nil {
		o.Event(ev)
	}
}
