package probe

import (
	"net"
	"sync/atomic"

	"go.uber.org/zap"
)

// DropFunc decides whether the responder silently swallows a probe.
type DropFunc func(nodeID string, seq uint32) bool

// Responder is a UDP echo endpoint that speaks the probe wire format. Relays
// run the equivalent; the launcher uses it for local checks and tests.
type Responder struct {
	conn   *net.UDPConn
	log    *zap.Logger
	drop   DropFunc
	echoed atomic.Int64
}

// ResponderOption configures a Responder.
type ResponderOption func(*Responder)

// WithDropFunc makes the responder ignore probes for which fn returns true.
func WithDropFunc(fn DropFunc) ResponderOption {
	return func(r *Responder) { r.drop = fn }
}

// WithResponderLogger sets the responder logger.
func WithResponderLogger(logger *zap.Logger) ResponderOption {
	return func(r *Responder) { r.log = logger }
}

// StartResponder starts a UDP responder on the given address (e.g. ":0").
func StartResponder(addr string, opts ...ResponderOption) (*Responder, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	resp := &Responder{conn: conn, log: zap.NewNop()}
	for _, opt := range opts {
		opt(resp)
	}
	go resp.serve()
	return resp, nil
}

// LocalAddr returns the local address of the responder.
func (r *Responder) LocalAddr() string {
	if r == nil || r.conn == nil {
		return ""
	}
	return r.conn.LocalAddr().String()
}

// Port returns the UDP port the responder is bound to.
func (r *Responder) Port() int {
	if r == nil || r.conn == nil {
		return 0
	}
	return r.conn.LocalAddr().(*net.UDPAddr).Port
}

// Echoed returns how many probes were answered.
func (r *Responder) Echoed() int64 {
	return r.echoed.Load()
}

// Close stops the responder.
func (r *Responder) Close() error {
	if r == nil || r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

func (r *Responder) serve() {
	buf := make([]byte, 2048)
	for {
		n, addr, err := r.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		p, err := decodePacket(buf[:n])
		if err != nil {
			r.log.Debug("ignoring datagram", zap.Stringer("from", addr), zap.Error(err))
			continue
		}
		if r.drop != nil && r.drop(p.NodeID, p.Seq) {
			continue
		}
		if _, err := r.conn.WriteToUDP(buf[:n], addr); err != nil {
			r.log.Warn("echo failed", zap.Stringer("to", addr), zap.Error(err))
			continue
		}
		r.echoed.Add(1)
	}
}
