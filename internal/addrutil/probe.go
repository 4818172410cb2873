package addrutil

import (
	"net"
	"strconv"
	"strings"

	"github.com/modmoto/w3champions-launcher/internal/model"
)

// RelayAddr builds the UDP echo target for a relay node.
//
// Node addresses arrive from the backend in several shapes: a bare host, a
// "host:port" pair (the port may belong to another service), or an
// unbracketed IPv6 literal. The echo port advertised on the node always wins;
// when it is missing, a port embedded in the address is used instead.
func RelayAddr(node model.RelayNode) (string, bool) {
	host, embedded := splitAddr(node.Address)
	if host == "" {
		return "", false
	}

	port := node.Port
	if port <= 0 {
		port = embedded
	}
	if port <= 0 || port > 65535 {
		return "", false
	}

	return net.JoinHostPort(host, strconv.Itoa(port)), true
}

func splitAddr(addr string) (string, int) {
	a := strings.TrimSpace(addr)
	if a == "" {
		return "", 0
	}

	// Fast path: "host:port" (IPv4 or bracketed IPv6).
	if h, p, err := net.SplitHostPort(a); err == nil {
		port, _ := strconv.Atoi(p)
		return h, port
	}

	// Handle unbracketed IPv6 "host:port" by peeling off the last ":port".
	// A trailing group that parses as an address part is left alone.
	if strings.Count(a, ":") > 1 && !strings.HasPrefix(a, "[") {
		if net.ParseIP(a) != nil {
			return a, 0
		}
		if last := strings.LastIndexByte(a, ':'); last > 0 && last < len(a)-1 {
			host := a[:last]
			if port, err := strconv.Atoi(a[last+1:]); err == nil && net.ParseIP(host) != nil {
				return host, port
			}
		}
	}

	// If there's no port at all, accept raw IPs/hosts.
	if strings.Contains(a, ":") {
		return strings.Trim(a, "[]"), 0
	}
	return a, 0
}
