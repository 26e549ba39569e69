// Package client implements a reconnecting websocket client for the relay
// event protocol. The server keeps no reconnect state; after a drop the
// client re-authenticates, re-joins its rooms, and resends messages that
// never received an ack.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gorilla/websocket"

	"github.com/louisbranch/chatrelay/internal/platform/id"
	"github.com/louisbranch/chatrelay/internal/platform/timeouts"
	"github.com/louisbranch/chatrelay/internal/protocol"
)

// State describes the connection lifecycle reported to OnState.
type State int

const (
	StateConnecting State = iota
	StateOpen
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// ErrClosed reports an operation on a client after Close.
var ErrClosed = errors.New("client: closed")

// PendingMessage is a send that has not been acknowledged yet. It is resent
// verbatim after a reconnect; the nonce keeps the retry idempotent.
type PendingMessage struct {
	RoomID      string
	Content     string
	ClientNonce string
}

// CommittedMessage is a pending send the server acknowledged, carrying the
// id the room assigned to it.
type CommittedMessage struct {
	PendingMessage
	ID int64
}

// Options configures a Client. URL is required; every callback is optional
// and is invoked from the client's read goroutine.
type Options struct {
	// URL is the websocket endpoint, e.g. ws://localhost:8080/ws.
	URL string
	// Token is sent as a bearer token on the handshake when set.
	Token string
	// MaxDialTries caps dial attempts per connection cycle. Zero means
	// defaultMaxDialTries.
	MaxDialTries uint

	OnState          func(State)
	OnMessage        func(protocol.Message)
	OnMessageUpdated func(protocol.Message)
	OnAck            func(CommittedMessage)
	OnReceipt        func(protocol.ReceiptPayload)
	OnPresence       func(protocol.PresencePayload)
	OnServerError    func(protocol.ErrorPayload)
}

const (
	defaultMaxDialTries = 8

	dialInitialInterval = 200 * time.Millisecond
	dialMaxInterval     = 5 * time.Second
)

// Client maintains one logical connection to a relay server. Join, Send,
// MarkRead, Edit, and Leave may be called from any goroutine; when the
// connection is down the intent is recorded and replayed after reconnect.
type Client struct {
	opts   Options
	dialer *websocket.Dialer

	writeMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	rooms   map[string]struct{}
	pending []PendingMessage
	closed  bool
}

// New validates opts and returns a client. Run must be called to connect.
func New(opts Options) (*Client, error) {
	parsed, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
		return nil, fmt.Errorf("unsupported scheme %q", parsed.Scheme)
	}
	if opts.MaxDialTries == 0 {
		opts.MaxDialTries = defaultMaxDialTries
	}
	return &Client{
		opts:   opts,
		dialer: websocket.DefaultDialer,
		rooms:  make(map[string]struct{}),
	}, nil
}

// Run connects and serves events until ctx is canceled, Close is called, or
// dialing gives up. Dropped connections are redialed with exponential
// backoff; on each reconnect the client rejoins its rooms and resends
// unacknowledged messages.
func (c *Client) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			c.notify(StateClosed)
			return err
		}
		c.notify(StateConnecting)

		conn, err := c.dial(ctx)
		if err != nil {
			c.notify(StateClosed)
			return fmt.Errorf("dial: %w", err)
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			c.notify(StateClosed)
			return ErrClosed
		}
		c.conn = conn
		c.mu.Unlock()

		stop := make(chan struct{})
		go func() {
			select {
			case <-ctx.Done():
				_ = conn.Close()
			case <-stop:
			}
		}()

		// Rejoin and resend before reporting open so callers observing
		// StateOpen see a fully restored session.
		err = c.resync(conn)
		if err == nil {
			c.notify(StateOpen)
			err = c.serve(conn)
		}
		close(stop)

		c.mu.Lock()
		c.conn = nil
		closed := c.closed
		c.mu.Unlock()
		_ = conn.Close()

		if closed {
			c.notify(StateClosed)
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			c.notify(StateClosed)
			return ctxErr
		}
		_ = err
	}
}

func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	// The server's x/net/websocket handshake rejects requests without an
	// Origin header, which gorilla's dialer does not send by default.
	header.Set("Origin", "http"+strings.TrimPrefix(c.opts.URL, "ws"))
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}
	attempt := func() (*websocket.Conn, error) {
		conn, _, err := c.dialer.DialContext(ctx, c.opts.URL, header)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", c.opts.URL, err)
		}
		return conn, nil
	}
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = dialInitialInterval
	expo.MaxInterval = dialMaxInterval
	return backoff.Retry(ctx, attempt,
		backoff.WithBackOff(expo),
		backoff.WithMaxTries(c.opts.MaxDialTries))
}

// serve reads frames until the connection fails.
func (c *Client) serve(conn *websocket.Conn) error {
	for {
		var envelope protocol.Envelope
		if err := conn.ReadJSON(&envelope); err != nil {
			return err
		}
		c.dispatch(envelope)
	}
}

func (c *Client) resync(conn *websocket.Conn) error {
	c.mu.Lock()
	rooms := make([]string, 0, len(c.rooms))
	for roomID := range c.rooms {
		rooms = append(rooms, roomID)
	}
	pending := append([]PendingMessage(nil), c.pending...)
	c.mu.Unlock()
	sort.Strings(rooms)

	for _, roomID := range rooms {
		if err := c.write(conn, protocol.TypeJoinRoom, protocol.JoinRoom{RoomID: roomID}); err != nil {
			return err
		}
	}
	for _, p := range pending {
		payload := protocol.SendMessage{RoomID: p.RoomID, Content: p.Content, ClientNonce: p.ClientNonce}
		if err := c.write(conn, protocol.TypeSendMessage, payload); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) dispatch(envelope protocol.Envelope) {
	switch envelope.Type {
	case protocol.TypeNewMessage:
		var msg protocol.Message
		if json.Unmarshal(envelope.Payload, &msg) == nil && c.opts.OnMessage != nil {
			c.opts.OnMessage(msg)
		}
	case protocol.TypeMessageUpdated:
		var msg protocol.Message
		if json.Unmarshal(envelope.Payload, &msg) == nil && c.opts.OnMessageUpdated != nil {
			c.opts.OnMessageUpdated(msg)
		}
	case protocol.TypeAck:
		var ack protocol.AckPayload
		if json.Unmarshal(envelope.Payload, &ack) == nil {
			c.commit(ack)
		}
	case protocol.TypeReceiptUpdated:
		var receipt protocol.ReceiptPayload
		if json.Unmarshal(envelope.Payload, &receipt) == nil && c.opts.OnReceipt != nil {
			c.opts.OnReceipt(receipt)
		}
	case protocol.TypePresenceChanged:
		var presence protocol.PresencePayload
		if json.Unmarshal(envelope.Payload, &presence) == nil && c.opts.OnPresence != nil {
			c.opts.OnPresence(presence)
		}
	case protocol.TypeError:
		var serverErr protocol.ErrorPayload
		if json.Unmarshal(envelope.Payload, &serverErr) == nil && c.opts.OnServerError != nil {
			c.opts.OnServerError(serverErr)
		}
	}
}

// commit resolves the pending entry matching the acked nonce. Acks for
// nonces the client no longer tracks are ignored.
func (c *Client) commit(ack protocol.AckPayload) {
	c.mu.Lock()
	var committed *CommittedMessage
	for i, p := range c.pending {
		if p.ClientNonce != ack.ClientNonce {
			continue
		}
		committed = &CommittedMessage{PendingMessage: p, ID: ack.ID}
		c.pending = append(c.pending[:i], c.pending[i+1:]...)
		break
	}
	c.mu.Unlock()
	if committed != nil && c.opts.OnAck != nil {
		c.opts.OnAck(*committed)
	}
}

// Join subscribes the client to a room. The room is rejoined automatically
// after every reconnect until Leave is called.
func (c *Client) Join(roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return errors.New("room id is required")
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.rooms[roomID] = struct{}{}
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.write(conn, protocol.TypeJoinRoom, protocol.JoinRoom{RoomID: roomID})
}

// Leave unsubscribes the client from a room and destroys its membership.
func (c *Client) Leave(roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return errors.New("room id is required")
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	delete(c.rooms, roomID)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil
	}
	return c.write(conn, protocol.TypeLeaveRoom, protocol.LeaveRoom{RoomID: roomID})
}

// Send queues content for a room and returns the client nonce that will be
// echoed in the ack. The message stays pending, and is resent on reconnect,
// until the ack arrives.
func (c *Client) Send(roomID string, content string) (string, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return "", errors.New("room id is required")
	}
	if strings.TrimSpace(content) == "" {
		return "", errors.New("content is required")
	}
	nonce, err := id.NewID()
	if err != nil {
		return "", fmt.Errorf("new nonce: %w", err)
	}
	p := PendingMessage{RoomID: roomID, Content: content, ClientNonce: nonce}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	c.pending = append(c.pending, p)
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nonce, nil
	}
	payload := protocol.SendMessage{RoomID: p.RoomID, Content: p.Content, ClientNonce: p.ClientNonce}
	if err := c.write(conn, protocol.TypeSendMessage, payload); err != nil {
		// Still pending; the reconnect cycle retries it.
		return nonce, nil
	}
	return nonce, nil
}

// MarkRead advances the client's delivery state for one message to read.
func (c *Client) MarkRead(roomID string, messageID int64) error {
	conn, err := c.liveConn()
	if err != nil {
		return err
	}
	return c.write(conn, protocol.TypeMarkRead, protocol.MarkRead{RoomID: roomID, MessageSeq: messageID})
}

// Edit replaces the content of a message this identity sent.
func (c *Client) Edit(roomID string, messageID int64, content string) error {
	conn, err := c.liveConn()
	if err != nil {
		return err
	}
	payload := protocol.EditMessage{RoomID: roomID, MessageSeq: messageID, Content: content}
	return c.write(conn, protocol.TypeEditMessage, payload)
}

// Pending reports the sends that have not been acknowledged yet, oldest
// first.
func (c *Client) Pending() []PendingMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]PendingMessage(nil), c.pending...)
}

// Close tears down the connection and stops the reconnect loop.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) liveConn() (*websocket.Conn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.conn == nil {
		return nil, errors.New("not connected")
	}
	return c.conn, nil
}

func (c *Client) write(conn *websocket.Conn, eventType string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", eventType, err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(timeouts.WSWrite))
	if err := conn.WriteJSON(protocol.Envelope{Type: eventType, Payload: raw}); err != nil {
		return fmt.Errorf("write %s: %w", eventType, err)
	}
	return nil
}

func (c *Client) notify(state State) {
	if c.opts.OnState != nil {
		c.opts.OnState(state)
	}
}
