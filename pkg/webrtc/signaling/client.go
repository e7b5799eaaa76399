// Package signaling is the participant side of the relay connection.
package signaling

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"meshcall/pkg/webrtc/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024

	defaultIncomingBuffer = 64
	defaultOutgoingBuffer = 64
)

// ErrNotConnected is returned by Send once the connection is gone.
var ErrNotConnected = errors.New("signaling: not connected")

// Options configures Dial.
type Options struct {
	// Codec selects the frame encoding; nil means JSON.
	Codec  protocol.Codec
	Logger *slog.Logger
	Dialer *websocket.Dialer
	Header http.Header
}

// Client manages the WebSocket connection to the relay.
type Client struct {
	conn     *websocket.Conn
	codec    protocol.Codec
	logger   *slog.Logger
	incoming chan protocol.OutboundMessage
	outgoing chan []byte
	done     chan struct{}

	closeOnce sync.Once
}

// Dial connects to the relay at serverURL and starts the pumps.
func Dial(ctx context.Context, serverURL string, opts Options) (*Client, error) {
	codec := opts.Codec
	if codec == nil {
		codec = protocol.JSON
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	u, err := url.Parse(serverURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server URL: %w", err)
	}
	if codec != protocol.JSON {
		q := u.Query()
		q.Set("codec", codec.Name())
		u.RawQuery = q.Encode()
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), opts.Header)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c := &Client{
		conn:     conn,
		codec:    codec,
		logger:   logger.With("component", "relay-client"),
		incoming: make(chan protocol.OutboundMessage, defaultIncomingBuffer),
		outgoing: make(chan []byte, defaultOutgoingBuffer),
		done:     make(chan struct{}),
	}
	go c.readPump()
	go c.writePump()
	return c, nil
}

// readPump decodes relay messages until the connection fails or is closed.
func (c *Client) readPump() {
	defer func() {
		close(c.incoming)
		c.Close()
	}()

	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("relay read failed", "err", err)
			}
			return
		}
		var msg protocol.OutboundMessage
		if err := c.codec.Unmarshal(data, &msg); err != nil {
			c.logger.Warn("dropping malformed relay message", "err", err)
			continue
		}
		select {
		case c.incoming <- msg:
		case <-c.done:
			return
		}
	}
}

// writePump writes queued frames and sends periodic pings.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	frameType := websocket.TextMessage
	if c.codec.Binary() {
		frameType = websocket.BinaryMessage
	}

	for {
		select {
		case data := <-c.outgoing:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(frameType, data); err != nil {
				c.logger.Debug("relay write failed", "err", err)
				c.Close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send queues msg for the relay. It is safe for concurrent use.
func (c *Client) Send(msg protocol.InboundMessage) error {
	data, err := c.codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}
	select {
	case c.outgoing <- data:
		return nil
	case <-c.done:
		return ErrNotConnected
	}
}

// SendSignal wraps sig into a signal envelope addressed to the given peer.
func (c *Client) SendSignal(to string, sig protocol.Signal) error {
	data, err := protocol.EncodeSignal(sig)
	if err != nil {
		return err
	}
	return c.Send(protocol.InboundMessage{Type: protocol.TypeSignal, To: to, Data: data})
}

// Incoming returns relay messages in receipt order. It is closed when the
// connection ends.
func (c *Client) Incoming() <-chan protocol.OutboundMessage {
	return c.incoming
}

// Done is closed once the client has been closed locally or by the relay.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close ends the connection. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
