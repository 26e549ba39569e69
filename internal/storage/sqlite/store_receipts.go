package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/chatrelay/internal/storage"
)

func deliveryStateFromRank(rank int) storage.DeliveryState {
	switch rank {
	case 1:
		return storage.DeliverySent
	case 2:
		return storage.DeliveryDelivered
	case 3:
		return storage.DeliveryRead
	default:
		return ""
	}
}

// UpsertReceipt records a delivery state for one (message, recipient) pair.
// The state only ever advances: writing an equal or lower-ranked state is an
// idempotent no-op that returns the stored row unchanged.
func (s *Store) UpsertReceipt(ctx context.Context, receipt storage.Receipt) (storage.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return storage.Receipt{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Receipt{}, fmt.Errorf("storage is not configured")
	}
	roomID := strings.TrimSpace(receipt.RoomID)
	recipientID := strings.TrimSpace(receipt.RecipientID)
	if roomID == "" || recipientID == "" {
		return storage.Receipt{}, fmt.Errorf("room id and recipient id are required")
	}
	if receipt.MessageSeq <= 0 {
		return storage.Receipt{}, fmt.Errorf("positive message seq is required")
	}
	if !receipt.State.Valid() {
		return storage.Receipt{}, fmt.Errorf("invalid delivery state: %q", receipt.State)
	}
	updatedAt := receipt.UpdatedAt.UTC()
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO receipts (room_id, message_seq, recipient_id, state, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(room_id, message_seq, recipient_id) DO UPDATE
		 SET state = excluded.state, updated_at = excluded.updated_at
		 WHERE excluded.state > receipts.state`,
		roomID,
		receipt.MessageSeq,
		recipientID,
		receipt.State.Rank(),
		toMillis(updatedAt),
	)
	if err != nil {
		return storage.Receipt{}, fmt.Errorf("upsert receipt: %w", err)
	}

	return s.GetReceipt(ctx, roomID, receipt.MessageSeq, recipientID)
}

// GetReceipt returns one delivery state row.
func (s *Store) GetReceipt(ctx context.Context, roomID string, seq int64, recipientID string) (storage.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return storage.Receipt{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Receipt{}, fmt.Errorf("storage is not configured")
	}
	roomID = strings.TrimSpace(roomID)
	recipientID = strings.TrimSpace(recipientID)
	if roomID == "" || recipientID == "" || seq <= 0 {
		return storage.Receipt{}, fmt.Errorf("room id, recipient id, and positive seq are required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT room_id, message_seq, recipient_id, state, updated_at
		   FROM receipts
		  WHERE room_id = ? AND message_seq = ? AND recipient_id = ?`,
		roomID, seq, recipientID,
	)

	var receipt storage.Receipt
	var rank int
	var updatedAt int64
	if err := row.Scan(&receipt.RoomID, &receipt.MessageSeq, &receipt.RecipientID, &rank, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Receipt{}, storage.ErrNotFound
		}
		return storage.Receipt{}, fmt.Errorf("get receipt: %w", err)
	}
	receipt.State = deliveryStateFromRank(rank)
	receipt.UpdatedAt = fromMillis(updatedAt)
	return receipt, nil
}
