package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates a requested record is missing.
var ErrNotFound = errors.New("record not found")

// ErrRoomNotFound indicates an operation referenced a room that does not exist.
var ErrRoomNotFound = errors.New("room not found")

// ErrAlreadyExists indicates a uniqueness-constrained record already exists.
var ErrAlreadyExists = errors.New("record already exists")

// ErrDuplicateNonce indicates a message with the same (sender, client nonce)
// pair was already committed for the room.
var ErrDuplicateNonce = errors.New("duplicate client nonce")

// Identity stores one authenticated or anonymous chat identity.
//
// The id is immutable; only the display name may change after creation.
type Identity struct {
	ID          string
	DisplayName string
	Anonymous   bool
	CreatedAt   time.Time
}

// Room stores chat room metadata. Seq is the registry-global creation
// sequence used for stable listing cursors; it is never exposed on the wire.
type Room struct {
	Seq       int64
	ID        string
	Name      string
	CreatedAt time.Time
}

// RoomPage stores one page of rooms in creation order.
type RoomPage struct {
	Rooms         []Room
	NextPageToken string
}

// Membership stores one identity's presence-independent room membership.
type Membership struct {
	RoomID     string
	IdentityID string
	JoinedAt   time.Time
}

// Message stores one committed room message. Seq is strictly increasing per
// room, assigned at commit time, never by the client, and never reused.
type Message struct {
	RoomID      string
	Seq         int64
	SenderID    string
	SenderName  string
	Content     string
	ClientNonce string
	SentAt      time.Time
	EditedAt    *time.Time
}

// MessagePage stores one page of messages, oldest first within the page.
type MessagePage struct {
	Messages      []Message
	NextPageToken string
}

// DeliveryState tracks how far a message has progressed toward a recipient.
type DeliveryState string

const (
	DeliverySent      DeliveryState = "sent"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryRead      DeliveryState = "read"
)

// Rank orders delivery states so transitions can be checked for monotonicity.
// Unknown states rank below sent.
func (s DeliveryState) Rank() int {
	switch s {
	case DeliverySent:
		return 1
	case DeliveryDelivered:
		return 2
	case DeliveryRead:
		return 3
	default:
		return 0
	}
}

// Valid reports whether s is one of the known delivery states.
func (s DeliveryState) Valid() bool {
	return s.Rank() > 0
}

// Receipt stores one (message, recipient) delivery state row.
type Receipt struct {
	RoomID      string
	MessageSeq  int64
	RecipientID string
	State       DeliveryState
	UpdatedAt   time.Time
}

// RoomStore persists room metadata records.
type RoomStore interface {
	CreateRoom(ctx context.Context, room Room) (Room, error)
	GetRoom(ctx context.Context, id string) (Room, error)
	ListRooms(ctx context.Context, pageSize int, pageToken string) (RoomPage, error)
}

// IdentityStore persists chat identities.
type IdentityStore interface {
	PutIdentity(ctx context.Context, identity Identity) error
	GetIdentity(ctx context.Context, id string) (Identity, error)
}

// MembershipStore persists room memberships. PutMembership is idempotent: a
// second join for the same (room, identity) returns the existing row.
type MembershipStore interface {
	PutMembership(ctx context.Context, membership Membership) (Membership, error)
	GetMembership(ctx context.Context, roomID string, identityID string) (Membership, error)
	DeleteMembership(ctx context.Context, roomID string, identityID string) error
	ListRoomMembers(ctx context.Context, roomID string) ([]Membership, error)
}

// MessageStore persists the append-only per-room message log.
//
// AppendMessage assigns the message's Seq inside the insert transaction and
// fails with ErrDuplicateNonce when the (sender, nonce) pair is already
// committed, and with ErrRoomNotFound when the room is absent.
type MessageStore interface {
	AppendMessage(ctx context.Context, message Message) (Message, error)
	GetMessage(ctx context.Context, roomID string, seq int64) (Message, error)
	GetMessageByNonce(ctx context.Context, roomID string, senderID string, nonce string) (Message, error)
	ListMessages(ctx context.Context, roomID string, pageSize int, pageToken string) (MessagePage, error)
	UpdateMessageContent(ctx context.Context, roomID string, seq int64, content string, editedAt time.Time) (Message, error)
}

// ReceiptStore persists delivery state rows. UpsertReceipt only ever advances
// a row's state (monotonic per DeliveryState.Rank) and is idempotent.
type ReceiptStore interface {
	UpsertReceipt(ctx context.Context, receipt Receipt) (Receipt, error)
	GetReceipt(ctx context.Context, roomID string, seq int64, recipientID string) (Receipt, error)
}

// Store aggregates every persistence contract the relay needs.
type Store interface {
	RoomStore
	IdentityStore
	MembershipStore
	MessageStore
	ReceiptStore
}
