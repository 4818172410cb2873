package stubworker

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/modmoto/w3champions-launcher/internal/api"
)

// Authenticator maps a Connect token to the player it belongs to.
type Authenticator func(token string) (api.Player, bool)

// Options configures a Server.
type Options struct {
	Version string
	// AllowedOrigins restricts which Origin headers may open the channel.
	// Empty allows any origin.
	AllowedOrigins []string
	// Authenticate defaults to accepting every non-empty token.
	Authenticate Authenticator
	Logger       *zap.Logger
}

// Server emulates the helper process control channel: it answers Connect
// with PlayerSession (or Disconnect on a rejected token) and Disconnect with
// Disconnect.
type Server struct {
	opts     Options
	log      *zap.Logger
	upgrader websocket.Upgrader

	mu     sync.Mutex
	conns  map[*clientConn]struct{}
	tokens []string
	http   *http.Server
	ln     net.Listener
}

type clientConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
}

func (c *clientConn) writeJSON(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteJSON(v)
}

// New constructs a stub worker server.
func New(opts Options) *Server {
	if opts.Version == "" {
		opts.Version = "stub"
	}
	if opts.Authenticate == nil {
		opts.Authenticate = func(token string) (api.Player, bool) {
			if token == "" {
				return api.Player{}, false
			}
			return api.Player{ID: 1, Name: token}, true
		}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	s := &Server{
		opts:  opts,
		log:   opts.Logger.Named("stubworker"),
		conns: make(map[*clientConn]struct{}),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	return s
}

// Handler returns the websocket endpoint, mountable on any HTTP server.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleWS)
}

// Listen binds addr and serves in the background. It returns the bound port.
func (s *Server) Listen(addr string) (int, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return 0, err
	}
	server := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	s.mu.Lock()
	s.ln = ln
	s.http = server
	s.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("stub worker serve failed", zap.Error(err))
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port, nil
}

// Announce writes the startup line the launcher waits for.
func (s *Server) Announce(w io.Writer, port int) error {
	data, err := json.Marshal(api.Announcement{Version: s.opts.Version, Port: port})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "%s\n", data)
	return err
}

// Tokens returns every token received in a Connect command, in order.
func (s *Server) Tokens() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tokens...)
}

// Clients returns the number of open control channels.
func (s *Server) Clients() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// DropSessions tells every client its backend session ended.
func (s *Server) DropSessions(reason string) {
	s.broadcast(map[string]any{"type": api.EventDisconnect, "reason": reason})
}

// Send pushes an arbitrary message to every client.
func (s *Server) Send(v any) {
	s.broadcast(v)
}

// Close stops the listener and closes every client channel.
func (s *Server) Close() error {
	s.mu.Lock()
	server := s.http
	conns := make([]*clientConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		_ = c.ws.Close()
	}
	if server != nil {
		return server.Close()
	}
	return nil
}

func (s *Server) broadcast(v any) {
	s.mu.Lock()
	conns := make([]*clientConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		if err := c.writeJSON(v); err != nil {
			s.log.Warn("stub worker write failed", zap.Error(err))
		}
	}
}

func (s *Server) checkOrigin(r *http.Request) bool {
	if len(s.opts.AllowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	for _, allowed := range s.opts.AllowedOrigins {
		if origin == allowed {
			return true
		}
	}
	s.log.Warn("rejecting control channel origin", zap.String("origin", origin))
	return false
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &clientConn{ws: ws}

	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		_ = ws.Close()
	}()

	if err := c.writeJSON(map[string]any{"type": api.EventClientInfo, "version": s.opts.Version}); err != nil {
		return
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var cmd api.ConnectCommand
		if err := json.Unmarshal(data, &cmd); err != nil {
			s.log.Warn("stub worker got malformed command", zap.Error(err))
			continue
		}
		s.handleCommand(c, cmd)
	}
}

func (s *Server) handleCommand(c *clientConn, cmd api.ConnectCommand) {
	switch cmd.Type {
	case "Connect":
		s.mu.Lock()
		s.tokens = append(s.tokens, cmd.Token)
		s.mu.Unlock()

		player, ok := s.opts.Authenticate(cmd.Token)
		if !ok {
			_ = c.writeJSON(map[string]any{"type": api.EventDisconnect, "reason": "Unauthorized"})
			return
		}
		_ = c.writeJSON(map[string]any{"type": api.EventPlayerSession, "player": player})
	case "Disconnect":
		_ = c.writeJSON(map[string]any{"type": api.EventDisconnect, "reason": "Requested"})
	default:
		s.log.Warn("stub worker got unknown command", zap.String("type", cmd.Type))
	}
}
