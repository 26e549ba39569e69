package app

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/louisbranch/chatrelay/internal/broker"
	"github.com/louisbranch/chatrelay/internal/msglog"
	"github.com/louisbranch/chatrelay/internal/platform/id"
	"github.com/louisbranch/chatrelay/internal/platform/timeouts"
	"github.com/louisbranch/chatrelay/internal/protocol"
	"github.com/louisbranch/chatrelay/internal/storage"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
)

type wsIdentityContextKey struct{}

// wsSink adapts a websocket connection to the broker's sink contract. Writes
// are serialized by the owning connection's writer goroutine; the mutex only
// guards against a close racing a write.
type wsSink struct {
	mu      sync.Mutex
	conn    *websocket.Conn
	encoder *json.Encoder
}

func newWSSink(conn *websocket.Conn) *wsSink {
	return &wsSink{
		conn:    conn,
		encoder: json.NewEncoder(conn),
	}
}

func (s *wsSink) WriteEnvelope(envelope protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(timeouts.WSWrite))
	return s.encoder.Encode(envelope)
}

func (s *wsSink) Close() error {
	return s.conn.Close()
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if token := accessTokenFromRequest(r); token != "" && s.validator != nil {
		identity, err := s.validator.Validate(r.Context(), token)
		if err != nil {
			// An unverifiable token degrades to an anonymous connection
			// rather than rejecting the handshake.
			log.Printf("relay: websocket token rejected for remote=%s: %v", r.RemoteAddr, err)
		} else {
			ctx := context.WithValue(r.Context(), wsIdentityContextKey{}, identity)
			r = r.WithContext(ctx)
		}
	}

	websocket.Handler(s.handleWSConn).ServeHTTP(w, r)
}

func accessTokenFromRequest(r *http.Request) string {
	if r == nil {
		return ""
	}
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		if token = strings.TrimSpace(token); token != "" {
			return token
		}
	}
	cookie, err := r.Cookie(tokenCookieName)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}

// wsClient carries one connection's identity and room attachments. It is
// only touched from the connection's reader goroutine.
type wsClient struct {
	connID   string
	identity storage.Identity
	conn     *broker.Conn
	rooms    map[string]struct{}
}

func (s *Server) handleWSConn(conn *websocket.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	ctx := context.Background()
	if request := conn.Request(); request != nil {
		ctx = request.Context()
	}

	identity, err := s.resolveIdentity(ctx, conn.Request())
	if err != nil {
		log.Printf("relay: resolve connection identity: %v", err)
		return
	}

	connID, err := id.NewID()
	if err != nil {
		log.Printf("relay: generate connection id: %v", err)
		return
	}

	client := &wsClient{
		connID:   connID,
		identity: identity,
		conn:     broker.NewConn(connID, newWSSink(conn), s.queueSize),
		rooms:    make(map[string]struct{}),
	}
	s.trackConn(client.conn)
	s.sessions.Register(connID, identity)

	defer func() {
		offline := s.sessions.Drop(connID)
		s.hub.Drop(client.conn)
		s.forgetConn(connID)
		for _, roomID := range offline {
			s.hub.Publish(roomID, protocol.PresenceChanged(roomID, identity.ID, false))
		}
	}()

	decoder := json.NewDecoder(conn)
	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var envelope protocol.Envelope
		if err := decoder.Decode(&envelope); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			client.conn.Send(protocol.ErrorEvent("INVALID_ARGUMENT", "invalid frame payload"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(envelope.Payload) > maxFramePayloadBytes {
			client.conn.Send(protocol.ErrorEvent("INVALID_ARGUMENT", "payload too large"))
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			client.conn.Send(protocol.ErrorEvent("RESOURCE_EXHAUSTED", "rate limit exceeded"))
			return
		}

		s.handleInbound(ctx, client, envelope)
	}
}

// resolveIdentity binds the connection to its validated identity, or mints a
// fresh anonymous one when the handshake carried no usable credential.
func (s *Server) resolveIdentity(ctx context.Context, r *http.Request) (storage.Identity, error) {
	if r != nil {
		if identity, ok := r.Context().Value(wsIdentityContextKey{}).(storage.Identity); ok {
			return s.registry.EnsureIdentity(ctx, identity)
		}
	}
	return s.registry.EnsureAnonymous(ctx, "")
}

func (s *Server) handleInbound(ctx context.Context, client *wsClient, envelope protocol.Envelope) {
	event, err := protocol.DecodeEnvelope(envelope)
	if err != nil {
		client.conn.Send(protocol.ErrorEvent("INVALID_ARGUMENT", "malformed event"))
		return
	}

	switch event := event.(type) {
	case protocol.SendMessage:
		s.handleSendMessage(ctx, client, event)
	case protocol.JoinRoom:
		s.handleJoinRoom(ctx, client, event)
	case protocol.LeaveRoom:
		s.handleLeaveRoom(ctx, client, event)
	case protocol.MarkRead:
		s.handleMarkRead(ctx, client, event)
	case protocol.EditMessage:
		s.handleEditMessage(ctx, client, event)
	case protocol.Unknown:
		client.conn.Send(protocol.ErrorEvent("INVALID_ARGUMENT", "unsupported event type"))
	default:
		client.conn.Send(protocol.ErrorEvent("INTERNAL", "unhandled event"))
	}
}

func (s *Server) handleSendMessage(ctx context.Context, client *wsClient, event protocol.SendMessage) {
	roomID := strings.TrimSpace(event.RoomID)
	if roomID == "" {
		client.conn.Send(protocol.ErrorEvent("INVALID_ARGUMENT", "roomId is required"))
		return
	}
	if _, joined := client.rooms[roomID]; !joined {
		client.conn.Send(protocol.ErrorEvent("FAILED_PRECONDITION", "must join room before sending"))
		return
	}

	msg, duplicate, err := s.log.Append(ctx, roomID, client.identity, event.Content, strings.TrimSpace(event.ClientNonce))
	if err != nil {
		switch {
		case errors.Is(err, msglog.ErrEmptyContent):
			client.conn.Send(protocol.ErrorEvent("INVALID_ARGUMENT", "content is required"))
		case errors.Is(err, msglog.ErrContentTooLong):
			client.conn.Send(protocol.ErrorEvent("INVALID_ARGUMENT", "content too long"))
		case errors.Is(err, storage.ErrRoomNotFound):
			client.conn.Send(protocol.ErrorEvent("NOT_FOUND", "room not found"))
		default:
			log.Printf("relay: append message room=%s sender=%s: %v", roomID, client.identity.ID, err)
			client.conn.Send(protocol.ErrorEvent("INTERNAL", "message not accepted"))
		}
		return
	}

	client.conn.Send(protocol.Ack(msg.ClientNonce, msg.Seq))
	if duplicate {
		return
	}

	s.hub.Publish(roomID, protocol.NewMessage(protocol.MessageFromStorage(msg)))
	s.markDeliveredToOnline(ctx, msg)
}

// markDeliveredToOnline records delivery for every recipient with a live
// subscription at publish time and announces the state changes.
func (s *Server) markDeliveredToOnline(ctx context.Context, msg storage.Message) {
	for _, identityID := range s.sessions.OnlineIdentities(msg.RoomID) {
		if identityID == msg.SenderID {
			continue
		}
		receipt, err := s.log.MarkDelivered(ctx, msg.RoomID, msg.Seq, identityID)
		if err != nil {
			log.Printf("relay: mark delivered room=%s seq=%d recipient=%s: %v", msg.RoomID, msg.Seq, identityID, err)
			continue
		}
		s.hub.Publish(msg.RoomID, protocol.ReceiptUpdated(receipt))
	}
}

func (s *Server) handleJoinRoom(ctx context.Context, client *wsClient, event protocol.JoinRoom) {
	roomID := strings.TrimSpace(event.RoomID)
	if roomID == "" {
		client.conn.Send(protocol.ErrorEvent("INVALID_ARGUMENT", "roomId is required"))
		return
	}

	if _, err := s.registry.Join(ctx, roomID, client.identity.ID); err != nil {
		if errors.Is(err, storage.ErrRoomNotFound) {
			client.conn.Send(protocol.ErrorEvent("NOT_FOUND", "room not found"))
			return
		}
		log.Printf("relay: join room=%s identity=%s: %v", roomID, client.identity.ID, err)
		client.conn.Send(protocol.ErrorEvent("INTERNAL", "join failed"))
		return
	}

	s.hub.Subscribe(client.conn, roomID)
	client.rooms[roomID] = struct{}{}
	if first, ok := s.sessions.Attach(client.connID, roomID); ok && first {
		s.hub.Publish(roomID, protocol.PresenceChanged(roomID, client.identity.ID, true))
	}
}

func (s *Server) handleLeaveRoom(ctx context.Context, client *wsClient, event protocol.LeaveRoom) {
	roomID := strings.TrimSpace(event.RoomID)
	if roomID == "" {
		client.conn.Send(protocol.ErrorEvent("INVALID_ARGUMENT", "roomId is required"))
		return
	}

	if err := s.registry.Leave(ctx, roomID, client.identity.ID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			client.conn.Send(protocol.ErrorEvent("NOT_FOUND", "not a member of room"))
			return
		}
		log.Printf("relay: leave room=%s identity=%s: %v", roomID, client.identity.ID, err)
		client.conn.Send(protocol.ErrorEvent("INTERNAL", "leave failed"))
		return
	}

	connIDs, offline := s.sessions.DetachIdentity(roomID, client.identity.ID)
	for _, conn := range s.lookupConns(connIDs) {
		s.hub.Unsubscribe(conn, roomID)
	}
	delete(client.rooms, roomID)
	if offline {
		s.hub.Publish(roomID, protocol.PresenceChanged(roomID, client.identity.ID, false))
	}
}

func (s *Server) handleMarkRead(ctx context.Context, client *wsClient, event protocol.MarkRead) {
	roomID := strings.TrimSpace(event.RoomID)
	if roomID == "" || event.MessageSeq < 1 {
		client.conn.Send(protocol.ErrorEvent("INVALID_ARGUMENT", "roomId and messageSeq are required"))
		return
	}

	receipt, err := s.log.MarkRead(ctx, roomID, event.MessageSeq, client.identity.ID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			client.conn.Send(protocol.ErrorEvent("NOT_FOUND", "message not found"))
			return
		}
		log.Printf("relay: mark read room=%s seq=%d identity=%s: %v", roomID, event.MessageSeq, client.identity.ID, err)
		client.conn.Send(protocol.ErrorEvent("INTERNAL", "mark read failed"))
		return
	}
	s.hub.Publish(roomID, protocol.ReceiptUpdated(receipt))
}

func (s *Server) handleEditMessage(ctx context.Context, client *wsClient, event protocol.EditMessage) {
	roomID := strings.TrimSpace(event.RoomID)
	if roomID == "" || event.MessageSeq < 1 {
		client.conn.Send(protocol.ErrorEvent("INVALID_ARGUMENT", "roomId and messageSeq are required"))
		return
	}

	msg, err := s.log.Edit(ctx, roomID, event.MessageSeq, client.identity.ID, event.Content)
	if err != nil {
		switch {
		case errors.Is(err, msglog.ErrEmptyContent):
			client.conn.Send(protocol.ErrorEvent("INVALID_ARGUMENT", "content is required"))
		case errors.Is(err, msglog.ErrContentTooLong):
			client.conn.Send(protocol.ErrorEvent("INVALID_ARGUMENT", "content too long"))
		case errors.Is(err, msglog.ErrNotSender):
			client.conn.Send(protocol.ErrorEvent("FORBIDDEN", "only the sender may edit a message"))
		case errors.Is(err, storage.ErrNotFound):
			client.conn.Send(protocol.ErrorEvent("NOT_FOUND", "message not found"))
		default:
			log.Printf("relay: edit message room=%s seq=%d identity=%s: %v", roomID, event.MessageSeq, client.identity.ID, err)
			client.conn.Send(protocol.ErrorEvent("INTERNAL", "edit failed"))
		}
		return
	}
	s.hub.Publish(roomID, protocol.MessageUpdated(protocol.MessageFromStorage(msg)))
}
