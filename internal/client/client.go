// Package client implements the relay client used by the send command:
// dial the relay, submit one command packet, wait for its response.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/appbridge/appbridge-go/internal/packet"
)

// DefaultTimeout matches the relay's request timeout: the relay itself
// answers within its own 10s bound, so a client waiting longer than
// that is waiting on a dead connection.
const DefaultTimeout = 10 * time.Second

// Client is a single-flight relay client. One command is in flight at a
// time; the response to a command_packet is the next packet_response on
// the connection.
type Client struct {
	conn    *websocket.Conn
	timeout time.Duration

	mu sync.Mutex
}

// Dial connects to the relay's /ws endpoint. rawURL accepts both
// http(s):// and ws(s):// schemes; a missing path defaults to /ws.
func Dial(rawURL string, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid relay URL %q: %w", rawURL, err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("invalid relay URL %q: unsupported scheme %q", rawURL, u.Scheme)
	}
	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}

	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("connect to relay at %s: %w", u.String(), err)
	}

	return &Client{conn: conn, timeout: timeout}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

// SendCommand submits one command for the named application and blocks
// until the relay's packet_response arrives or the timeout elapses.
// Relay-level failures (not connected, timeout, disconnected) come back
// as packets with StatusFailure; the transport error return is reserved
// for connection problems on this side.
func (c *Client) SendCommand(ctx context.Context, application string, cmd packet.Command) (packet.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	env := packet.Envelope{
		Type:        packet.TypeCommandPacket,
		Application: application,
		Command:     &cmd,
	}
	if err := c.conn.WriteJSON(env); err != nil {
		return packet.Response{}, fmt.Errorf("send command: %w", err)
	}

	// Give the relay its own timeout plus slack to answer; an earlier
	// ctx deadline wins.
	deadline := time.Now().Add(c.timeout + 2*time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetReadDeadline(deadline)

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			return packet.Response{}, fmt.Errorf("waiting for response: %w", err)
		}

		var resp packet.Envelope
		if err := json.Unmarshal(message, &resp); err != nil {
			continue
		}
		if resp.Type != packet.TypePacketResponse || resp.Packet == nil {
			continue
		}
		return *resp.Packet, nil
	}
}
