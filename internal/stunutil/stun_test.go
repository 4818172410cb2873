package stunutil

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pion/stun/v3"
)

func TestClassify(t *testing.T) {
	t.Parallel()

	if got := Classify([]string{"1.2.3.4:1"}); got != NATTypeUnknown {
		t.Fatalf("got=%q", got)
	}
	if got := Classify([]string{"1.2.3.4:1", "1.2.3.4:1"}); got != NATTypeConeOrRestricted {
		t.Fatalf("got=%q", got)
	}
	if got := Classify([]string{"1.2.3.4:1", "1.2.3.4:2"}); got != NATTypeSymmetric {
		t.Fatalf("got=%q", got)
	}
}

func TestNormalizeURI(t *testing.T) {
	t.Parallel()

	got, err := NormalizeURI(" stun.l.google.com:19302 ")
	if err != nil || got != "stun:stun.l.google.com:19302" {
		t.Fatalf("got=%q err=%v", got, err)
	}
	if _, err := NormalizeURI("  "); err == nil {
		t.Fatalf("expected error")
	}
}

func TestDiscover_NoServers(t *testing.T) {
	t.Parallel()

	m, err := Discover(context.Background(), nil, time.Second, nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if m.NATType != NATTypeUnknown {
		t.Fatalf("nat=%q", m.NATType)
	}
}

func startBindingServer(t *testing.T) *net.UDPConn {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			req := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
			if err := req.Decode(); err != nil {
				continue
			}
			res, err := stun.Build(stun.NewTransactionIDSetter(req.TransactionID), stun.BindingSuccess,
				&stun.XORMappedAddress{IP: from.IP, Port: from.Port}, stun.Fingerprint)
			if err != nil {
				continue
			}
			_, _ = conn.WriteToUDP(res.Raw, from)
		}
	}()
	return conn
}

func TestDiscoverWith_SharedDialer(t *testing.T) {
	t.Parallel()

	one := startBindingServer(t)
	two := startBindingServer(t)

	// Every server is queried from the same local socket.
	local, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer local.Close()
	dial := func(server string) (stun.Connection, error) {
		addr, err := ResolveServer(server)
		if err != nil {
			return nil, err
		}
		return &boundConn{conn: local, to: addr}, nil
	}

	m, err := DiscoverWith(context.Background(), []string{one.LocalAddr().String(), two.LocalAddr().String()}, 2*time.Second, dial, nil)
	if err != nil {
		t.Fatalf("DiscoverWith: %v", err)
	}
	if m.PublicAddr != local.LocalAddr().String() {
		t.Fatalf("public=%q want %q", m.PublicAddr, local.LocalAddr().String())
	}
	if m.NATType != NATTypeConeOrRestricted {
		t.Fatalf("nat=%q", m.NATType)
	}
	if len(m.Servers) != 2 || m.Servers[0].Err != nil || m.Servers[0].RTT <= 0 {
		t.Fatalf("servers=%+v", m.Servers)
	}
}

func TestDiscover_DedicatedSockets(t *testing.T) {
	t.Parallel()

	srv := startBindingServer(t)
	m, err := Discover(context.Background(), []string{"stun:" + srv.LocalAddr().String()}, 2*time.Second, nil)
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if m.PublicAddr == "" || m.NATType != NATTypeUnknown {
		t.Fatalf("mapping=%+v", m)
	}
}

func TestResolveServer(t *testing.T) {
	t.Parallel()

	addr, err := ResolveServer("127.0.0.1")
	if err != nil || addr.Port != stun.DefaultPort {
		t.Fatalf("addr=%v err=%v", addr, err)
	}
	if _, err := ResolveServer("turn:127.0.0.1:3478"); err == nil {
		t.Fatalf("expected error for turn scheme")
	}
}

// boundConn writes to one server from a shared socket. It stops reading
// after close through the socket deadline.
type boundConn struct {
	conn   *net.UDPConn
	to     *net.UDPAddr
	closed atomic.Bool
}

func (c *boundConn) Write(b []byte) (int, error) { return c.conn.WriteToUDP(b, c.to) }

func (c *boundConn) Read(b []byte) (int, error) {
	for {
		if c.closed.Load() {
			return 0, io.EOF
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(20 * time.Millisecond))
		n, from, err := c.conn.ReadFromUDP(b)
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return 0, err
		}
		if from.Port == c.to.Port {
			return n, nil
		}
	}
}

func (c *boundConn) Close() error {
	c.closed.Store(true)
	return nil
}
