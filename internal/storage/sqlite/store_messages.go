package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/chatrelay/internal/storage"
	"github.com/louisbranch/chatrelay/internal/storage/cursor"
)

// AppendMessage commits one message to a room's log, assigning the next
// per-room sequence inside the insert transaction. The sequence is gap-free
// and never reused; callers serialize appends to one room (the message log
// layer holds a per-room mutex), so MAX(seq)+1 inside the transaction is
// race-free within the process.
func (s *Store) AppendMessage(ctx context.Context, message storage.Message) (storage.Message, error) {
	if err := ctx.Err(); err != nil {
		return storage.Message{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Message{}, fmt.Errorf("storage is not configured")
	}
	roomID := strings.TrimSpace(message.RoomID)
	senderID := strings.TrimSpace(message.SenderID)
	if roomID == "" {
		return storage.Message{}, fmt.Errorf("room id is required")
	}
	if senderID == "" {
		return storage.Message{}, fmt.Errorf("sender id is required")
	}
	if message.Content == "" {
		return storage.Message{}, fmt.Errorf("content is required")
	}
	sentAt := message.SentAt.UTC()
	if sentAt.IsZero() {
		sentAt = time.Now().UTC()
	}
	nonce := strings.TrimSpace(message.ClientNonce)

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return storage.Message{}, fmt.Errorf("begin append: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM rooms WHERE id = ?`, roomID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Message{}, storage.ErrRoomNotFound
		}
		return storage.Message{}, fmt.Errorf("check room: %w", err)
	}

	if nonce != "" {
		var prior int64
		err := tx.QueryRowContext(
			ctx,
			`SELECT seq FROM messages WHERE room_id = ? AND sender_id = ? AND client_nonce = ?`,
			roomID, senderID, nonce,
		).Scan(&prior)
		if err == nil {
			return storage.Message{}, storage.ErrDuplicateNonce
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return storage.Message{}, fmt.Errorf("check nonce: %w", err)
		}
	}

	var seq int64
	if err := tx.QueryRowContext(
		ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE room_id = ?`,
		roomID,
	).Scan(&seq); err != nil {
		return storage.Message{}, fmt.Errorf("allocate seq: %w", err)
	}

	var nonceValue any
	if nonce != "" {
		nonceValue = nonce
	}
	_, err = tx.ExecContext(
		ctx,
		`INSERT INTO messages (room_id, seq, sender_id, sender_name, content, client_nonce, sent_at, edited_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, NULL)`,
		roomID,
		seq,
		senderID,
		strings.TrimSpace(message.SenderName),
		message.Content,
		nonceValue,
		toMillis(sentAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.Message{}, storage.ErrDuplicateNonce
		}
		return storage.Message{}, fmt.Errorf("append message: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return storage.Message{}, fmt.Errorf("commit append: %w", err)
	}

	message.RoomID = roomID
	message.SenderID = senderID
	message.SenderName = strings.TrimSpace(message.SenderName)
	message.ClientNonce = nonce
	message.Seq = seq
	message.SentAt = sentAt
	message.EditedAt = nil
	return message, nil
}

func scanMessage(row interface{ Scan(...any) error }) (storage.Message, error) {
	var message storage.Message
	var nonce sql.NullString
	var sentAt int64
	var editedAt sql.NullInt64
	err := row.Scan(
		&message.RoomID,
		&message.Seq,
		&message.SenderID,
		&message.SenderName,
		&message.Content,
		&nonce,
		&sentAt,
		&editedAt,
	)
	if err != nil {
		return storage.Message{}, err
	}
	message.ClientNonce = nonce.String
	message.SentAt = fromMillis(sentAt)
	if editedAt.Valid {
		edited := fromMillis(editedAt.Int64)
		message.EditedAt = &edited
	}
	return message, nil
}

const messageColumns = `room_id, seq, sender_id, sender_name, content, client_nonce, sent_at, edited_at`

// GetMessage returns one message by room and sequence.
func (s *Store) GetMessage(ctx context.Context, roomID string, seq int64) (storage.Message, error) {
	if err := ctx.Err(); err != nil {
		return storage.Message{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Message{}, fmt.Errorf("storage is not configured")
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" || seq <= 0 {
		return storage.Message{}, fmt.Errorf("room id and positive seq are required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+messageColumns+` FROM messages WHERE room_id = ? AND seq = ?`,
		roomID, seq,
	)
	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Message{}, storage.ErrNotFound
		}
		return storage.Message{}, fmt.Errorf("get message: %w", err)
	}
	return message, nil
}

// GetMessageByNonce returns the committed message for a (sender, nonce) pair.
func (s *Store) GetMessageByNonce(ctx context.Context, roomID string, senderID string, nonce string) (storage.Message, error) {
	if err := ctx.Err(); err != nil {
		return storage.Message{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Message{}, fmt.Errorf("storage is not configured")
	}
	roomID = strings.TrimSpace(roomID)
	senderID = strings.TrimSpace(senderID)
	nonce = strings.TrimSpace(nonce)
	if roomID == "" || senderID == "" || nonce == "" {
		return storage.Message{}, fmt.Errorf("room id, sender id, and nonce are required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT `+messageColumns+` FROM messages WHERE room_id = ? AND sender_id = ? AND client_nonce = ?`,
		roomID, senderID, nonce,
	)
	message, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Message{}, storage.ErrNotFound
		}
		return storage.Message{}, fmt.Errorf("get message by nonce: %w", err)
	}
	return message, nil
}

// ListMessages returns one page of a room's log.
//
// An empty page token yields the most recent page; each next token walks
// backward in time. Messages within a page are ordered oldest first. Tokens
// are keyed by sequence, so concurrent appends (which only ever add higher
// sequences) never duplicate or skip rows already returned.
func (s *Store) ListMessages(ctx context.Context, roomID string, pageSize int, pageToken string) (storage.MessagePage, error) {
	if err := ctx.Err(); err != nil {
		return storage.MessagePage{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.MessagePage{}, fmt.Errorf("storage is not configured")
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return storage.MessagePage{}, fmt.Errorf("room id is required")
	}
	if pageSize <= 0 {
		return storage.MessagePage{}, fmt.Errorf("page size must be greater than zero")
	}

	var (
		rows *sql.Rows
		err  error
	)
	if token := strings.TrimSpace(pageToken); token != "" {
		c, decodeErr := cursor.Decode(token)
		if decodeErr != nil {
			return storage.MessagePage{}, fmt.Errorf("decode page token: %w", decodeErr)
		}
		if c.Dir != cursor.DirectionBackward {
			return storage.MessagePage{}, fmt.Errorf("invalid page token direction: %q", c.Dir)
		}
		rows, err = s.sqlDB.QueryContext(
			ctx,
			`SELECT `+messageColumns+`
			   FROM messages
			  WHERE room_id = ? AND seq < ?
			  ORDER BY seq DESC
			  LIMIT ?`,
			roomID, c.Seq, pageSize+1,
		)
	} else {
		rows, err = s.sqlDB.QueryContext(
			ctx,
			`SELECT `+messageColumns+`
			   FROM messages
			  WHERE room_id = ?
			  ORDER BY seq DESC
			  LIMIT ?`,
			roomID, pageSize+1,
		)
	}
	if err != nil {
		return storage.MessagePage{}, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	descending := make([]storage.Message, 0, pageSize+1)
	for rows.Next() {
		message, scanErr := scanMessage(rows)
		if scanErr != nil {
			return storage.MessagePage{}, fmt.Errorf("list messages: %w", scanErr)
		}
		descending = append(descending, message)
	}
	if err := rows.Err(); err != nil {
		return storage.MessagePage{}, fmt.Errorf("list messages: %w", err)
	}

	page := storage.MessagePage{}
	if len(descending) > pageSize {
		descending = descending[:pageSize]
		token, encodeErr := cursor.Encode(cursor.NewBackwardCursor(descending[pageSize-1].Seq))
		if encodeErr != nil {
			return storage.MessagePage{}, fmt.Errorf("encode page token: %w", encodeErr)
		}
		page.NextPageToken = token
	}

	page.Messages = make([]storage.Message, 0, len(descending))
	for i := len(descending) - 1; i >= 0; i-- {
		page.Messages = append(page.Messages, descending[i])
	}
	return page, nil
}

// UpdateMessageContent replaces a message's content and stamps its edit time.
func (s *Store) UpdateMessageContent(ctx context.Context, roomID string, seq int64, content string, editedAt time.Time) (storage.Message, error) {
	if err := ctx.Err(); err != nil {
		return storage.Message{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Message{}, fmt.Errorf("storage is not configured")
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" || seq <= 0 {
		return storage.Message{}, fmt.Errorf("room id and positive seq are required")
	}
	if content == "" {
		return storage.Message{}, fmt.Errorf("content is required")
	}
	if editedAt.IsZero() {
		editedAt = time.Now().UTC()
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`UPDATE messages SET content = ?, edited_at = ? WHERE room_id = ? AND seq = ?`,
		content,
		toMillis(editedAt),
		roomID,
		seq,
	)
	if err != nil {
		return storage.Message{}, fmt.Errorf("update message: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return storage.Message{}, fmt.Errorf("update message: %w", err)
	}
	if affected == 0 {
		return storage.Message{}, storage.ErrNotFound
	}

	return s.GetMessage(ctx, roomID, seq)
}
