package stream

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sawpanic/callstream/internal/domain"
)

// Source is the transport the supervisor drives. Connect performs the
// whole handshake (dial, auth, subscribe); Next blocks for the next
// channel message; Ping probes liveness. Close from another goroutine
// unblocks a pending Next.
type Source interface {
	Connect(ctx context.Context) error
	Next(ctx context.Context) (domain.Event, error)
	Ping(ctx context.Context) error
	Close() error
}

const (
	handshakeTimeout = 15 * time.Second
	writeWait        = 10 * time.Second

	// pongWait must outlast the supervisor's health interval, or a quiet
	// but healthy connection gets torn down between pings.
	pongWait = 6 * time.Minute
)

// ClientConfig carries the gateway endpoint, the stream credential, and
// the channel ids to subscribe to.
type ClientConfig struct {
	URL         string
	APIID       int
	APIHash     string
	Session     string
	SessionBlob string
	ChannelIDs  []int64
}

// Client is the gorilla/websocket Source used in production.
type Client struct {
	cfg ClientConfig
	log zerolog.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewClient builds a disconnected client. Connect establishes the session.
func NewClient(cfg ClientConfig, logger zerolog.Logger) *Client {
	return &Client{
		cfg: cfg,
		log: logger.With().Str("component", "stream").Logger(),
	}
}

// Connect dials the gateway, authenticates, and subscribes. Credential
// rejections come back as *AuthError, flow control as *FloodWaitError.
func (c *Client) Connect(ctx context.Context) error {
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = handshakeTimeout

	conn, _, err := dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("failed to dial gateway: %w", err)
	}

	auth := frame{
		Op:          opAuth,
		APIID:       c.cfg.APIID,
		APIHash:     c.cfg.APIHash,
		Session:     c.cfg.Session,
		SessionBlob: c.cfg.SessionBlob,
	}
	if err := handshake(conn, auth, opAuthOK); err != nil {
		conn.Close()
		return err
	}

	sub := frame{Op: opSubscribe, ChannelIDs: c.cfg.ChannelIDs}
	if err := handshake(conn, sub, opSubscribed); err != nil {
		conn.Close()
		return err
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
	}
	c.conn = conn
	c.mu.Unlock()

	c.log.Info().
		Str("url", c.cfg.URL).
		Int("channels", len(c.cfg.ChannelIDs)).
		Msg("connected to gateway")
	return nil
}

// handshake sends one frame and waits for the expected ack op.
func handshake(conn *websocket.Conn, send frame, want string) error {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(send); err != nil {
		return fmt.Errorf("failed to send %s frame: %w", send.Op, err)
	}

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	var reply frame
	if err := conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("failed to read %s reply: %w", send.Op, err)
	}

	switch reply.Op {
	case want:
		return nil
	case opError:
		return errorFromFrame(reply)
	default:
		return fmt.Errorf("unexpected %s reply op %q", send.Op, reply.Op)
	}
}

// Next blocks until the gateway delivers the next channel message.
// Non-message frames are consumed in place; error frames surface as the
// typed errors the supervisor branches on.
func (c *Client) Next(ctx context.Context) (domain.Event, error) {
	conn := c.current()
	if conn == nil {
		return domain.Event{}, fmt.Errorf("not connected")
	}

	for {
		if err := ctx.Err(); err != nil {
			return domain.Event{}, err
		}

		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return domain.Event{}, fmt.Errorf("failed to read gateway frame: %w", err)
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		switch f.Op {
		case opMessage:
			if f.Message == nil {
				c.log.Warn().Msg("message frame without payload")
				continue
			}
			return *f.Message, nil
		case opError:
			return domain.Event{}, errorFromFrame(f)
		default:
			// acks and ops this version does not know are skipped
		}
	}
}

// Ping writes a control ping. A broken connection fails here or on the
// read deadline, whichever trips first.
func (c *Client) Ping(ctx context.Context) error {
	conn := c.current()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
		return fmt.Errorf("failed to ping gateway: %w", err)
	}
	return nil
}

// Close tears the connection down and unblocks any pending read.
func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	return conn.Close()
}

func (c *Client) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}
