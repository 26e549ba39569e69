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

// PutMembership inserts one membership row, or returns the existing row when
// the identity already belongs to the room. Rejoining never duplicates rows
// and never resets the original join time.
func (s *Store) PutMembership(ctx context.Context, membership storage.Membership) (storage.Membership, error) {
	if err := ctx.Err(); err != nil {
		return storage.Membership{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Membership{}, fmt.Errorf("storage is not configured")
	}
	roomID := strings.TrimSpace(membership.RoomID)
	identityID := strings.TrimSpace(membership.IdentityID)
	if roomID == "" {
		return storage.Membership{}, fmt.Errorf("room id is required")
	}
	if identityID == "" {
		return storage.Membership{}, fmt.Errorf("identity id is required")
	}
	joinedAt := membership.JoinedAt.UTC()
	if joinedAt.IsZero() {
		joinedAt = time.Now().UTC()
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO memberships (room_id, identity_id, joined_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(room_id, identity_id) DO NOTHING`,
		roomID,
		identityID,
		toMillis(joinedAt),
	)
	if err != nil {
		return storage.Membership{}, fmt.Errorf("put membership: %w", err)
	}

	return s.GetMembership(ctx, roomID, identityID)
}

// GetMembership returns one membership row.
func (s *Store) GetMembership(ctx context.Context, roomID string, identityID string) (storage.Membership, error) {
	if err := ctx.Err(); err != nil {
		return storage.Membership{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Membership{}, fmt.Errorf("storage is not configured")
	}
	roomID = strings.TrimSpace(roomID)
	identityID = strings.TrimSpace(identityID)
	if roomID == "" || identityID == "" {
		return storage.Membership{}, fmt.Errorf("room id and identity id are required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT room_id, identity_id, joined_at
		   FROM memberships
		  WHERE room_id = ? AND identity_id = ?`,
		roomID,
		identityID,
	)

	var membership storage.Membership
	var joinedAt int64
	if err := row.Scan(&membership.RoomID, &membership.IdentityID, &joinedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Membership{}, storage.ErrNotFound
		}
		return storage.Membership{}, fmt.Errorf("get membership: %w", err)
	}
	membership.JoinedAt = fromMillis(joinedAt)
	return membership, nil
}

// DeleteMembership removes one membership row.
func (s *Store) DeleteMembership(ctx context.Context, roomID string, identityID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	roomID = strings.TrimSpace(roomID)
	identityID = strings.TrimSpace(identityID)
	if roomID == "" || identityID == "" {
		return fmt.Errorf("room id and identity id are required")
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`DELETE FROM memberships WHERE room_id = ? AND identity_id = ?`,
		roomID,
		identityID,
	)
	if err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete membership: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// ListRoomMembers returns every membership row for a room in join order.
func (s *Store) ListRoomMembers(ctx context.Context, roomID string) ([]storage.Membership, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return nil, fmt.Errorf("room id is required")
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT room_id, identity_id, joined_at
		   FROM memberships
		  WHERE room_id = ?
		  ORDER BY joined_at ASC, identity_id ASC`,
		roomID,
	)
	if err != nil {
		return nil, fmt.Errorf("list room members: %w", err)
	}
	defer rows.Close()

	var members []storage.Membership
	for rows.Next() {
		var membership storage.Membership
		var joinedAt int64
		if err := rows.Scan(&membership.RoomID, &membership.IdentityID, &joinedAt); err != nil {
			return nil, fmt.Errorf("list room members: %w", err)
		}
		membership.JoinedAt = fromMillis(joinedAt)
		members = append(members, membership)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list room members: %w", err)
	}
	return members, nil
}
