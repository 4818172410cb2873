package api

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const writeTimeout = 5 * time.Second

// ControlClient is the launcher side of the worker control channel.
type ControlClient struct {
	conn *websocket.Conn
	log  *zap.Logger

	writeMu sync.Mutex
}

// DialControl opens the control channel on the worker's loopback port. The
// worker only accepts connections from an allowed Origin.
func DialControl(ctx context.Context, host string, port int, origin string, logger *zap.Logger) (*ControlClient, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	u := "ws://" + net.JoinHostPort(host, strconv.Itoa(port))

	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}

	conn, res, err := websocket.DefaultDialer.DialContext(ctx, u, header)
	if err != nil {
		if res != nil {
			defer res.Body.Close()
			body, _ := io.ReadAll(res.Body)
			msg := strings.TrimSpace(string(body))
			if msg != "" {
				return nil, fmt.Errorf("control channel handshake failed: %s: %s", res.Status, msg)
			}
			return nil, fmt.Errorf("control channel handshake failed: %s", res.Status)
		}
		return nil, fmt.Errorf("dial control channel %s: %w", u, err)
	}

	return &ControlClient{conn: conn, log: logger}, nil
}

// Connect asks the worker to open a backend session with token.
func (c *ControlClient) Connect(token string) error {
	c.log.Debug("sending control command", zap.String("type", commandConnect))
	return c.send(ConnectCommand{Type: commandConnect, Token: token})
}

// Disconnect asks the worker to drop its backend session.
func (c *ControlClient) Disconnect() error {
	c.log.Debug("sending control command", zap.String("type", commandDisconnect))
	return c.send(DisconnectCommand{Type: commandDisconnect})
}

// ReadEvents blocks reading inbound messages until the channel fails or is
// closed. Malformed messages are passed to reject and reading continues.
func (c *ControlClient) ReadEvents(handle func(Event), reject func(data []byte, err error)) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		ev, err := ParseEvent(data)
		if err != nil {
			if reject != nil {
				reject(data, err)
			}
			continue
		}
		handle(ev)
	}
}

// Close sends a close frame and tears the connection down.
func (c *ControlClient) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *ControlClient) send(v any) error {
	if c == nil || c.conn == nil {
		return fmt.Errorf("control channel not open")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	return c.conn.WriteJSON(v)
}
