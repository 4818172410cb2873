package probe

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/stun/v3"
	"go.uber.org/zap"

	"github.com/modmoto/w3champions-launcher/internal/stunutil"
)

var (
	// ErrDuplicateNode is returned when a node id is already routed on a transport.
	ErrDuplicateNode = errors.New("node already registered on transport")
	// ErrTransportClosed is returned for operations on a closed transport.
	ErrTransportClosed = errors.New("transport closed")
)

// reply is an echoed probe routed to the NodeProbe that sent it.
type reply struct {
	Seq  uint32
	RTT  time.Duration
	From *net.UDPAddr
}

// Transport is the single UDP socket shared by every NodeProbe of a run.
// Sends may happen from any goroutine. Inbound echoes are demultiplexed by
// the node id carried in the packet header; STUN responses go to the open
// STUNConn.
type Transport struct {
	conn  *net.UDPConn
	log   *zap.Logger
	runID uuid.UUID
	epoch time.Time

	mu     sync.Mutex
	routes map[string]chan reply
	query  *stunConn
	closed bool

	readDone chan struct{}
}

// Listen opens the shared socket and starts the read loop.
func Listen(addr string, runID uuid.UUID, logger *zap.Logger) (*Transport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, err
	}

	t := &Transport{
		conn:     conn,
		log:      logger,
		runID:    runID,
		epoch:    time.Now(),
		routes:   make(map[string]chan reply),
		readDone: make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

// LocalAddr returns the local address of the shared socket.
func (t *Transport) LocalAddr() string {
	if t == nil || t.conn == nil {
		return ""
	}
	return t.conn.LocalAddr().String()
}

// RunID returns the identifier stamped on every outgoing probe.
func (t *Transport) RunID() uuid.UUID {
	return t.runID
}

// Register reserves the route for nodeID. Replies for the node are delivered
// on the returned channel until the release func is called.
func (t *Transport) Register(nodeID string, buffer int) (<-chan reply, func(), error) {
	if buffer < 1 {
		buffer = 1
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, nil, ErrTransportClosed
	}
	if _, ok := t.routes[nodeID]; ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrDuplicateNode, nodeID)
	}

	ch := make(chan reply, buffer)
	t.routes[nodeID] = ch
	release := func() {
		t.mu.Lock()
		if cur, ok := t.routes[nodeID]; ok && cur == ch {
			delete(t.routes, nodeID)
		}
		t.mu.Unlock()
	}
	return ch, release, nil
}

// Send writes one probe for nodeID to target.
func (t *Transport) Send(nodeID string, seq uint32, target *net.UDPAddr) error {
	payload, err := encodePacket(packet{
		RunID:  t.runID,
		Seq:    seq,
		SentAt: time.Since(t.epoch),
		NodeID: nodeID,
	})
	if err != nil {
		return err
	}
	_, err = t.conn.WriteToUDP(payload, target)
	return err
}

// Close closes the socket and waits for the read loop to exit.
func (t *Transport) Close() error {
	if t == nil || t.conn == nil {
		return nil
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	err := t.conn.Close()
	<-t.readDone
	return err
}

// STUNConn returns a connection that sends to server from the shared socket
// and reads the STUN messages the read loop routes back from it. Only one
// may be open at a time; closing it frees the slot.
func (t *Transport) STUNConn(server string) (stun.Connection, error) {
	if t == nil || t.conn == nil {
		return nil, ErrTransportClosed
	}
	to, err := stunutil.ResolveServer(server)
	if err != nil {
		return nil, err
	}

	c := &stunConn{t: t, to: to, in: make(chan []byte, 8), closed: make(chan struct{})}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrTransportClosed
	}
	if t.query != nil {
		return nil, fmt.Errorf("stun query to %s already in progress", t.query.to)
	}
	t.query = c
	return c, nil
}

type stunConn struct {
	t      *Transport
	to     *net.UDPAddr
	in     chan []byte
	closed chan struct{}
	once   sync.Once
}

func (c *stunConn) Write(b []byte) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	return c.t.conn.WriteToUDP(b, c.to)
}

func (c *stunConn) Read(b []byte) (int, error) {
	select {
	case msg := <-c.in:
		return copy(b, msg), nil
	case <-c.closed:
		return 0, io.EOF
	}
}

func (c *stunConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.t.mu.Lock()
		if c.t.query == c {
			c.t.query = nil
		}
		c.t.mu.Unlock()
	})
	return nil
}

func (c *stunConn) deliver(data []byte, from *net.UDPAddr) {
	if !from.IP.Equal(c.to.IP) || from.Port != c.to.Port {
		c.t.log.Debug("dropping STUN message from unexpected peer", zap.Stringer("from", from))
		return
	}
	select {
	case c.in <- append([]byte(nil), data...):
	case <-c.closed:
	default:
		c.t.log.Debug("STUN queue full", zap.Stringer("from", from))
	}
}

func (t *Transport) readLoop() {
	defer close(t.readDone)

	buf := make([]byte, 2048)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				t.log.Warn("probe socket read failed", zap.Error(err))
			}
			return
		}
		data := buf[:n]

		if isProbePacket(data) {
			t.dispatch(data, addr)
			continue
		}
		if stun.IsMessage(data) {
			t.mu.Lock()
			c := t.query
			t.mu.Unlock()
			if c != nil {
				c.deliver(data, addr)
			}
			continue
		}
		t.log.Debug("dropping unknown datagram", zap.Stringer("from", addr), zap.Int("bytes", n))
	}
}

func (t *Transport) dispatch(data []byte, from *net.UDPAddr) {
	received := time.Since(t.epoch)

	p, err := decodePacket(data)
	if err != nil {
		t.log.Debug("dropping malformed probe", zap.Stringer("from", from), zap.Error(err))
		return
	}
	if p.RunID != t.runID {
		t.log.Debug("dropping probe from another run", zap.String("node", p.NodeID))
		return
	}

	t.mu.Lock()
	ch, ok := t.routes[p.NodeID]
	t.mu.Unlock()
	if !ok {
		t.log.Debug("dropping probe for unrouted node", zap.String("node", p.NodeID))
		return
	}

	r := reply{Seq: p.Seq, RTT: received - p.SentAt, From: from}
	select {
	case ch <- r:
	default:
		t.log.Debug("probe reply queue full", zap.String("node", p.NodeID), zap.Uint32("seq", p.Seq))
	}
}
