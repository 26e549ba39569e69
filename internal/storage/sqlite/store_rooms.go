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

// CreateRoom inserts one room record and returns it with its creation
// sequence populated.
func (s *Store) CreateRoom(ctx context.Context, room storage.Room) (storage.Room, error) {
	if err := ctx.Err(); err != nil {
		return storage.Room{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Room{}, fmt.Errorf("storage is not configured")
	}
	roomID := strings.TrimSpace(room.ID)
	name := strings.TrimSpace(room.Name)
	if roomID == "" {
		return storage.Room{}, fmt.Errorf("room id is required")
	}
	if name == "" {
		return storage.Room{}, fmt.Errorf("room name is required")
	}
	createdAt := room.CreatedAt.UTC()
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	result, err := s.sqlDB.ExecContext(
		ctx,
		`INSERT INTO rooms (id, name, created_at) VALUES (?, ?, ?)`,
		roomID,
		name,
		toMillis(createdAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return storage.Room{}, storage.ErrAlreadyExists
		}
		return storage.Room{}, fmt.Errorf("create room: %w", err)
	}
	seq, err := result.LastInsertId()
	if err != nil {
		return storage.Room{}, fmt.Errorf("create room seq: %w", err)
	}

	return storage.Room{Seq: seq, ID: roomID, Name: name, CreatedAt: createdAt}, nil
}

// GetRoom returns one room by id.
func (s *Store) GetRoom(ctx context.Context, id string) (storage.Room, error) {
	if err := ctx.Err(); err != nil {
		return storage.Room{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.Room{}, fmt.Errorf("storage is not configured")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return storage.Room{}, fmt.Errorf("room id is required")
	}

	row := s.sqlDB.QueryRowContext(
		ctx,
		`SELECT seq, id, name, created_at FROM rooms WHERE id = ?`,
		id,
	)

	var room storage.Room
	var createdAt int64
	if err := row.Scan(&room.Seq, &room.ID, &room.Name, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.Room{}, storage.ErrNotFound
		}
		return storage.Room{}, fmt.Errorf("get room: %w", err)
	}
	room.CreatedAt = fromMillis(createdAt)
	return room, nil
}

// ListRooms returns one page of rooms in creation order (oldest first).
//
// The page token is an opaque forward cursor over the room creation
// sequence, so concurrently created rooms never shift already-returned rows.
func (s *Store) ListRooms(ctx context.Context, pageSize int, pageToken string) (storage.RoomPage, error) {
	if err := ctx.Err(); err != nil {
		return storage.RoomPage{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.RoomPage{}, fmt.Errorf("storage is not configured")
	}
	if pageSize <= 0 {
		return storage.RoomPage{}, fmt.Errorf("page size must be greater than zero")
	}

	afterSeq := int64(0)
	if token := strings.TrimSpace(pageToken); token != "" {
		c, err := cursor.Decode(token)
		if err != nil {
			return storage.RoomPage{}, fmt.Errorf("decode page token: %w", err)
		}
		if c.Dir != cursor.DirectionForward {
			return storage.RoomPage{}, fmt.Errorf("invalid page token direction: %q", c.Dir)
		}
		afterSeq = c.Seq
	}

	rows, err := s.sqlDB.QueryContext(
		ctx,
		`SELECT seq, id, name, created_at
		   FROM rooms
		  WHERE seq > ?
		  ORDER BY seq ASC
		  LIMIT ?`,
		afterSeq,
		pageSize+1,
	)
	if err != nil {
		return storage.RoomPage{}, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	page := storage.RoomPage{Rooms: make([]storage.Room, 0, pageSize)}
	for rows.Next() {
		var room storage.Room
		var createdAt int64
		if err := rows.Scan(&room.Seq, &room.ID, &room.Name, &createdAt); err != nil {
			return storage.RoomPage{}, fmt.Errorf("list rooms: %w", err)
		}
		room.CreatedAt = fromMillis(createdAt)
		page.Rooms = append(page.Rooms, room)
	}
	if err := rows.Err(); err != nil {
		return storage.RoomPage{}, fmt.Errorf("list rooms: %w", err)
	}

	if len(page.Rooms) > pageSize {
		page.Rooms = page.Rooms[:pageSize]
		token, err := cursor.Encode(cursor.NewForwardCursor(page.Rooms[pageSize-1].Seq))
		if err != nil {
			return storage.RoomPage{}, fmt.Errorf("encode page token: %w", err)
		}
		page.NextPageToken = token
	}

	return page, nil
}
