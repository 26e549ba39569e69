// Package msglog implements the append-only per-room message log with
// delivery receipts layered over the storage contracts.
//
// Appends to one room are linearized so sequence numbers come out gap-free
// and strictly increasing; distinct rooms append in parallel.
package msglog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/chatrelay/internal/storage"
)

const (
	// maxContentBytes caps message content. Oversized content is rejected
	// before touching storage.
	maxContentBytes = 4096

	defaultPageSize = 50
	maxPageSize     = 200
)

// ErrEmptyContent indicates a message whose content is blank after trimming.
var ErrEmptyContent = errors.New("message content is empty")

// ErrContentTooLong indicates message content above maxContentBytes.
var ErrContentTooLong = errors.New("message content too long")

// ErrNotSender indicates an edit attempted by someone other than the
// original sender.
var ErrNotSender = errors.New("only the sender may edit a message")

// Log provides the ordered message history for every room.
type Log struct {
	store storage.Store

	mu    sync.Mutex
	rooms map[string]*sync.Mutex
}

// NewLog creates a message log over the given store.
func NewLog(store storage.Store) *Log {
	return &Log{
		store: store,
		rooms: make(map[string]*sync.Mutex),
	}
}

func (l *Log) roomLock(roomID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.rooms[roomID]
	if !ok {
		lock = &sync.Mutex{}
		l.rooms[roomID] = lock
	}
	return lock
}

// Append commits a message to the room's log and assigns its sequence
// number. A retry carrying a client nonce already committed for the same
// sender returns the original message with duplicate set instead of
// appending again.
func (l *Log) Append(ctx context.Context, roomID string, sender storage.Identity, content string, clientNonce string) (msg storage.Message, duplicate bool, err error) {
	if l == nil || l.store == nil {
		return storage.Message{}, false, errors.New("message log not initialized")
	}
	if err := ctx.Err(); err != nil {
		return storage.Message{}, false, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return storage.Message{}, false, ErrEmptyContent
	}
	if len(content) > maxContentBytes {
		return storage.Message{}, false, ErrContentTooLong
	}

	lock := l.roomLock(roomID)
	lock.Lock()
	defer lock.Unlock()

	msg, err = l.store.AppendMessage(ctx, storage.Message{
		RoomID:      roomID,
		SenderID:    sender.ID,
		SenderName:  sender.DisplayName,
		Content:     content,
		ClientNonce: clientNonce,
		SentAt:      time.Now().UTC(),
	})
	if errors.Is(err, storage.ErrDuplicateNonce) {
		committed, readErr := l.store.GetMessageByNonce(ctx, roomID, sender.ID, clientNonce)
		if readErr != nil {
			return storage.Message{}, false, fmt.Errorf("read committed duplicate: %w", readErr)
		}
		return committed, true, nil
	}
	if err != nil {
		return storage.Message{}, false, fmt.Errorf("append message: %w", err)
	}
	return msg, false, nil
}

// Page reads one page of the room's history. An empty token yields the most
// recent messages; the returned token walks backward until history is
// exhausted. Messages within a page are oldest first.
func (l *Log) Page(ctx context.Context, roomID string, pageSize int, pageToken string) (storage.MessagePage, error) {
	if l == nil || l.store == nil {
		return storage.MessagePage{}, errors.New("message log not initialized")
	}
	if err := ctx.Err(); err != nil {
		return storage.MessagePage{}, err
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	if _, err := l.store.GetRoom(ctx, roomID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.MessagePage{}, storage.ErrRoomNotFound
		}
		return storage.MessagePage{}, fmt.Errorf("get room: %w", err)
	}
	page, err := l.store.ListMessages(ctx, roomID, pageSize, pageToken)
	if err != nil {
		return storage.MessagePage{}, fmt.Errorf("list messages: %w", err)
	}
	return page, nil
}

// MarkDelivered records that the recipient's client received the message.
func (l *Log) MarkDelivered(ctx context.Context, roomID string, seq int64, recipientID string) (storage.Receipt, error) {
	return l.markState(ctx, roomID, seq, recipientID, storage.DeliveryDelivered)
}

// MarkRead records that the recipient read the message. Read implies
// delivered, and the recorded state never moves backward.
func (l *Log) MarkRead(ctx context.Context, roomID string, seq int64, recipientID string) (storage.Receipt, error) {
	return l.markState(ctx, roomID, seq, recipientID, storage.DeliveryRead)
}

func (l *Log) markState(ctx context.Context, roomID string, seq int64, recipientID string, state storage.DeliveryState) (storage.Receipt, error) {
	if l == nil || l.store == nil {
		return storage.Receipt{}, errors.New("message log not initialized")
	}
	if err := ctx.Err(); err != nil {
		return storage.Receipt{}, err
	}
	if _, err := l.store.GetMessage(ctx, roomID, seq); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Receipt{}, storage.ErrNotFound
		}
		return storage.Receipt{}, fmt.Errorf("get message: %w", err)
	}
	receipt, err := l.store.UpsertReceipt(ctx, storage.Receipt{
		RoomID:      roomID,
		MessageSeq:  seq,
		RecipientID: recipientID,
		State:       state,
		UpdatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return storage.Receipt{}, fmt.Errorf("upsert receipt: %w", err)
	}
	return receipt, nil
}

// Edit replaces a committed message's content and stamps its edit time.
// Only the original sender may edit.
func (l *Log) Edit(ctx context.Context, roomID string, seq int64, editorID string, content string) (storage.Message, error) {
	if l == nil || l.store == nil {
		return storage.Message{}, errors.New("message log not initialized")
	}
	if err := ctx.Err(); err != nil {
		return storage.Message{}, err
	}
	content = strings.TrimSpace(content)
	if content == "" {
		return storage.Message{}, ErrEmptyContent
	}
	if len(content) > maxContentBytes {
		return storage.Message{}, ErrContentTooLong
	}
	msg, err := l.store.GetMessage(ctx, roomID, seq)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Message{}, storage.ErrNotFound
		}
		return storage.Message{}, fmt.Errorf("get message: %w", err)
	}
	if msg.SenderID != editorID {
		return storage.Message{}, ErrNotSender
	}
	edited, err := l.store.UpdateMessageContent(ctx, roomID, seq, content, time.Now().UTC())
	if err != nil {
		return storage.Message{}, fmt.Errorf("update message: %w", err)
	}
	return edited, nil
}
