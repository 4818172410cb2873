package stunutil

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/pion/stun/v3"
	"go.uber.org/zap"
)

const (
	NATTypeUnknown          = "unknown"
	NATTypeSymmetric        = "symmetric"
	NATTypeConeOrRestricted = "cone_or_restricted"
)

// ServerResult is the answer of one STUN server.
type ServerResult struct {
	Server     string
	MappedAddr string
	RTT        time.Duration
	Err        error
}

// Mapping is the outcome of querying several STUN servers.
type Mapping struct {
	PublicAddr string
	NATType    string
	Servers    []ServerResult
}

// Dialer opens a connection that carries STUN traffic to one server.
type Dialer func(server string) (stun.Connection, error)

// Discover queries every server from a fresh socket per server. The mapping
// reported is the first successful one; NAT type is inferred from all of them.
// Note: each server is dialed from its own socket, so a symmetric verdict here
// is only indicative. The probe transport runs the same check on its own socket.
func Discover(ctx context.Context, servers []string, timeout time.Duration, logger *zap.Logger) (Mapping, error) {
	return DiscoverWith(ctx, servers, timeout, DialUDP, logger)
}

// DiscoverWith queries the servers in order over connections from dial.
func DiscoverWith(ctx context.Context, servers []string, timeout time.Duration, dial Dialer, logger *zap.Logger) (Mapping, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(servers) == 0 {
		return Mapping{NATType: NATTypeUnknown}, fmt.Errorf("no STUN servers provided")
	}

	out := Mapping{NATType: NATTypeUnknown, Servers: make([]ServerResult, 0, len(servers))}
	mapped := make([]string, 0, len(servers))
	var lastErr error
	for _, server := range servers {
		start := time.Now()
		addr, err := query(ctx, dial, server, timeout)
		res := ServerResult{Server: server, MappedAddr: addr, RTT: time.Since(start), Err: err}
		out.Servers = append(out.Servers, res)
		if err != nil {
			logger.Debug("STUN server failed", zap.String("server", server), zap.Error(err))
			lastErr = err
			continue
		}
		logger.Debug("STUN mapping", zap.String("server", server), zap.String("mapped", addr), zap.Duration("rtt", res.RTT))
		mapped = append(mapped, addr)
	}

	if len(mapped) == 0 {
		if lastErr == nil {
			lastErr = fmt.Errorf("STUN probe failed")
		}
		return out, lastErr
	}

	out.PublicAddr = mapped[0]
	out.NATType = Classify(mapped)
	return out, nil
}

// Classify infers NAT type by comparing mapped addresses from multiple servers.
func Classify(addrs []string) string {
	if len(addrs) < 2 {
		return NATTypeUnknown
	}
	first := addrs[0]
	for _, addr := range addrs[1:] {
		if addr != first {
			return NATTypeSymmetric
		}
	}
	return NATTypeConeOrRestricted
}

// NormalizeURI turns "host:port" or "stun:host:port" into a stun: URI.
func NormalizeURI(server string) (string, error) {
	uri := strings.TrimSpace(server)
	if uri == "" {
		return "", fmt.Errorf("empty STUN server")
	}
	if !strings.HasPrefix(uri, "stun:") {
		uri = "stun:" + uri
	}
	return uri, nil
}

// ResolveServer turns "host:port" or a stun: URI into a UDP address. The
// port defaults to 3478.
func ResolveServer(server string) (*net.UDPAddr, error) {
	uriStr, err := NormalizeURI(server)
	if err != nil {
		return nil, err
	}
	uri, err := stun.ParseURI(uriStr)
	if err != nil {
		return nil, err
	}
	if uri.Scheme != stun.SchemeTypeSTUN {
		return nil, fmt.Errorf("unsupported STUN scheme %s", uri.Scheme)
	}
	port := uri.Port
	if port == 0 {
		port = stun.DefaultPort
	}
	return net.ResolveUDPAddr("udp", net.JoinHostPort(uri.Host, strconv.Itoa(port)))
}

// DialUDP opens a dedicated UDP socket to server.
func DialUDP(server string) (stun.Connection, error) {
	addr, err := ResolveServer(server)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func query(ctx context.Context, dial Dialer, server string, timeout time.Duration) (string, error) {
	conn, err := dial(server)
	if err != nil {
		return "", err
	}
	client, err := stun.NewClient(conn)
	if err != nil {
		_ = conn.Close()
		return "", err
	}
	defer client.Close()

	type outcome struct {
		addr string
		err  error
	}
	// Buffered for the callback and a failed Do.
	done := make(chan outcome, 2)
	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	go func() {
		err := client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				done <- outcome{err: res.Error}
				return
			}
			var addr stun.XORMappedAddress
			if err := addr.GetFrom(res.Message); err != nil {
				done <- outcome{err: fmt.Errorf("stun response missing mapped address: %w", err)}
				return
			}
			done <- outcome{addr: addr.String()}
		})
		if err != nil {
			done <- outcome{err: err}
		}
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case o := <-done:
		return o.addr, o.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
