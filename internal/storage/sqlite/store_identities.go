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

// PutIdentity inserts or updates one identity record. The id and anonymous
// flag are immutable after creation; only the display name may change.
func (s *Store) PutIdentity(ctx context.Context, identity storage.Identity) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	identityID := strings.TrimSpace(identity.ID)
	displayName := strings.TrimSpace(identity.DisplayName)
	if identityID == "" {
		return fmt.Errorf("identity id is required")
	}
	if displayName == "" {
		return fmt.Errorf("display name is required")
	}
	createdAt := identity.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	anonymous := 0
	if identity.Anonymous {
		anonymous = 1
	}

	_, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO identities (id, display_name, anonymous, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name`,
		identityID,
		displayName,
		anonymous,
		toMillis(createdAt),
	)
	if err != nil {
		return fmt.Errorf("put identity: %w", err)
	}
	return nil
}

// GetIdentity returns one identity by id.
func (s *Store) GetIdentity(ctx context.Context, id string) (storage.Identity, error) {
	if err := ctx.Err(); err != nil {
		return storage.Identity{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Identity{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.Identity{}, fmt.Errorf("identity id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT id, display_name, anonymous, created_at FROM identities WHERE id = ?`,
		id,
	)

	var identity storage.Identity
	var anonymous int
	var createdAt int64
	if err := row.Scan(&identity.ID, &identity.DisplayName, &anonymous, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Identity{}, storage.ErrNotFound
		}
		return storage.Identity{}, fmt.Errorf("get identity: %w", err)
	}
	identity.Anonymous = anonymous != 0
	identity.CreatedAt = fromMillis(createdAt)
	return identity, nil
}
