package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedMessage is returned for control messages that do not follow the protocol.
var ErrMalformedMessage = errors.New("malformed control message")

// EventType discriminates inbound control channel messages.
type EventType string

const (
	EventClientInfo    EventType = "ClientInfo"
	EventListNodes     EventType = "ListNodes"
	EventPlayerSession EventType = "PlayerSession"
	EventPingUpdate    EventType = "PingUpdate"
	EventDisconnect    EventType = "Disconnect"
)

const (
	commandConnect    = "Connect"
	commandDisconnect = "Disconnect"
)

// Known reports whether t is part of the protocol.
func (t EventType) Known() bool {
	switch t {
	case EventClientInfo, EventListNodes, EventPlayerSession, EventPingUpdate, EventDisconnect:
		return true
	}
	return false
}

// ConnectCommand authenticates the worker against the backend.
type ConnectCommand struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// DisconnectCommand ends the backend session without stopping the worker.
type DisconnectCommand struct {
	Type string `json:"type"`
}

// Player identifies the account a session was established for.
type Player struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Event is a decoded inbound message. Raw keeps the full payload for types
// the launcher does not interpret.
type Event struct {
	Type   EventType       `json:"type"`
	Player *Player         `json:"player,omitempty"`
	Reason string          `json:"reason,omitempty"`
	Raw    json.RawMessage `json:"-"`
}

// Announcement is the single line the worker prints on stdout once its
// control channel is listening.
type Announcement struct {
	Version string `json:"version"`
	Port    int    `json:"port"`
}

// ParseEvent decodes one inbound message.
func ParseEvent(data []byte) (Event, error) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return Event{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if ev.Type == "" {
		return Event{}, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	if !ev.Type.Known() {
		return Event{}, fmt.Errorf("%w: unknown type %q", ErrMalformedMessage, ev.Type)
	}
	if ev.Type == EventPlayerSession && ev.Player == nil {
		return Event{}, fmt.Errorf("%w: PlayerSession without player", ErrMalformedMessage)
	}
	ev.Raw = append(json.RawMessage(nil), data...)
	return ev, nil
}

// ParseAnnouncement reports whether line is a well-formed startup
// announcement carrying both a version and a port.
func ParseAnnouncement(line []byte) (Announcement, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 || line[0] != '{' {
		return Announcement{}, false
	}
	var a Announcement
	if err := json.Unmarshal(line, &a); err != nil {
		return Announcement{}, false
	}
	if a.Version == "" || a.Port <= 0 || a.Port > 65535 {
		return Announcement{}, false
	}
	return a, true
}
