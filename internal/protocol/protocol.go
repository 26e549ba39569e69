// Package protocol defines the wire envelope and the typed event union
// exchanged over relay connections.
//
// Every frame carries exactly one JSON envelope {type, payload}. Decoding is
// forward compatible: unknown payload fields are ignored and unknown event
// types decode into an Unknown event rather than failing, so older servers
// survive newer clients.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/chatrelay/internal/storage"
)

// Inbound event types.
const (
	TypeSendMessage = "send_message"
	TypeJoinRoom    = "join_room"
	TypeLeaveRoom   = "leave_room"
	TypeMarkRead    = "mark_read"
	TypeEditMessage = "edit_message"
)

// Outbound event types.
const (
	TypeNewMessage      = "new_message"
	TypeMessageUpdated  = "message_updated"
	TypeAck             = "ack"
	TypeReceiptUpdated  = "receipt_updated"
	TypePresenceChanged = "presence_changed"
	TypeError           = "error"
)

// ErrMalformedEvent indicates a frame that is not a valid envelope: not
// JSON, missing or blank type, or a payload that does not match its type.
var ErrMalformedEvent = errors.New("malformed event")

// Envelope is the wire frame. Payload is deferred so the type can be
// inspected before the payload is decoded.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Event is one decoded inbound event.
type Event interface {
	isEvent()
}

// SendMessage asks the server to append content to the connection's room.
// ClientNonce makes retries idempotent; it may be empty.
type SendMessage struct {
	RoomID      string `json:"roomId"`
	Content     string `json:"content"`
	ClientNonce string `json:"clientNonce"`
}

// JoinRoom subscribes the connection to a room and records membership.
type JoinRoom struct {
	RoomID string `json:"roomId"`
}

// LeaveRoom destroys the identity's membership and detaches its connections.
type LeaveRoom struct {
	RoomID string `json:"roomId"`
}

// MarkRead advances the sender's delivery state for one message to read.
type MarkRead struct {
	RoomID     string `json:"roomId"`
	MessageSeq int64  `json:"messageSeq"`
}

// EditMessage replaces the content of a message the sender committed.
type EditMessage struct {
	RoomID     string `json:"roomId"`
	MessageSeq int64  `json:"messageSeq"`
	Content    string `json:"content"`
}

// Unknown carries an event type this server does not understand.
type Unknown struct {
	Type string
}

func (SendMessage) isEvent() {}
func (JoinRoom) isEvent()    {}
func (LeaveRoom) isEvent()   {}
func (MarkRead) isEvent()    {}
func (EditMessage) isEvent() {}
func (Unknown) isEvent()     {}

// Decode parses one frame into its typed event.
func Decode(data []byte) (Event, error) {
	var envelope Envelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return DecodeEnvelope(envelope)
}

// DecodeEnvelope resolves an already parsed envelope into its typed event.
func DecodeEnvelope(envelope Envelope) (Event, error) {
	eventType := strings.TrimSpace(envelope.Type)
	if eventType == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}
	payload := envelope.Payload
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	switch eventType {
	case TypeSendMessage:
		var event SendMessage
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedEvent, eventType, err)
		}
		return event, nil
	case TypeJoinRoom:
		var event JoinRoom
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedEvent, eventType, err)
		}
		return event, nil
	case TypeLeaveRoom:
		var event LeaveRoom
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedEvent, eventType, err)
		}
		return event, nil
	case TypeMarkRead:
		var event MarkRead
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedEvent, eventType, err)
		}
		return event, nil
	case TypeEditMessage:
		var event EditMessage
		if err := json.Unmarshal(payload, &event); err != nil {
			return nil, fmt.Errorf("%w: %s payload: %v", ErrMalformedEvent, eventType, err)
		}
		return event, nil
	default:
		return Unknown{Type: eventType}, nil
	}
}

// Message is the wire shape of a committed message. ID is the per-room
// sequence number.
type Message struct {
	RoomID     string     `json:"roomId"`
	ID         int64      `json:"id"`
	SenderID   string     `json:"senderId"`
	SenderName string     `json:"senderName"`
	Content    string     `json:"content"`
	SentAt     time.Time  `json:"sentAt"`
	EditedAt   *time.Time `json:"editedAt,omitempty"`
}

// MessageFromStorage converts a stored message to its wire shape.
func MessageFromStorage(msg storage.Message) Message {
	return Message{
		RoomID:     msg.RoomID,
		ID:         msg.Seq,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Content:    msg.Content,
		SentAt:     msg.SentAt,
		EditedAt:   msg.EditedAt,
	}
}

// AckPayload confirms a send, echoing the client nonce with the assigned id.
type AckPayload struct {
	ClientNonce string `json:"clientNonce"`
	ID          int64  `json:"id"`
}

// ReceiptPayload announces a delivery state change for one message.
type ReceiptPayload struct {
	RoomID      string `json:"roomId"`
	MessageSeq  int64  `json:"messageSeq"`
	RecipientID string `json:"recipientId"`
	State       string `json:"state"`
}

// PresencePayload announces an identity going online or offline in a room.
type PresencePayload struct {
	RoomID     string `json:"roomId"`
	IdentityID string `json:"identityId"`
	Online     bool   `json:"online"`
}

// ErrorPayload reports a failed inbound event to its sender.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// NewMessage builds a new_message broadcast envelope.
func NewMessage(msg Message) Envelope {
	return Envelope{Type: TypeNewMessage, Payload: marshalPayload(msg)}
}

// MessageUpdated builds a message_updated broadcast envelope.
func MessageUpdated(msg Message) Envelope {
	return Envelope{Type: TypeMessageUpdated, Payload: marshalPayload(msg)}
}

// Ack builds the per-sender confirmation envelope for an accepted send.
func Ack(clientNonce string, messageID int64) Envelope {
	return Envelope{Type: TypeAck, Payload: marshalPayload(AckPayload{
		ClientNonce: clientNonce,
		ID:          messageID,
	})}
}

// ReceiptUpdated builds a receipt_updated broadcast envelope.
func ReceiptUpdated(receipt storage.Receipt) Envelope {
	return Envelope{Type: TypeReceiptUpdated, Payload: marshalPayload(ReceiptPayload{
		RoomID:      receipt.RoomID,
		MessageSeq:  receipt.MessageSeq,
		RecipientID: receipt.RecipientID,
		State:       string(receipt.State),
	})}
}

// PresenceChanged builds a presence_changed broadcast envelope.
func PresenceChanged(roomID string, identityID string, online bool) Envelope {
	return Envelope{Type: TypePresenceChanged, Payload: marshalPayload(PresencePayload{
		RoomID:     roomID,
		IdentityID: identityID,
		Online:     online,
	})}
}

// ErrorEvent builds an error envelope addressed to the offending sender.
func ErrorEvent(code string, message string) Envelope {
	return Envelope{Type: TypeError, Payload: marshalPayload(ErrorPayload{
		Code:    code,
		Message: message,
	})}
}

// marshalPayload encodes payload structs whose fields are all
// marshal-safe JSON types.
func marshalPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}
