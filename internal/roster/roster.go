// Package roster implements the room registry: room metadata, durable
// membership, and cursor-paginated listing.
package roster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/louisbranch/chatrelay/internal/platform/id"
	"github.com/louisbranch/chatrelay/internal/storage"
)

const (
	maxRoomNameBytes = 128

	defaultPageSize = 50
	maxPageSize     = 200
)

// ErrEmptyName indicates a room name that is blank after trimming.
var ErrEmptyName = errors.New("room name is empty")

// ErrNameTooLong indicates a room name above maxRoomNameBytes.
var ErrNameTooLong = errors.New("room name too long")

// Registry manages rooms and their durable memberships. Membership is
// independent of live connections; a disconnect never changes it.
type Registry struct {
	store storage.Store
}

// NewRegistry creates a registry over the given store.
func NewRegistry(store storage.Store) *Registry {
	return &Registry{store: store}
}

// Create registers a new room under a freshly generated id.
func (r *Registry) Create(ctx context.Context, name string) (storage.Room, error) {
	if r == nil || r.store == nil {
		return storage.Room{}, errors.New("registry not initialized")
	}
	if err := ctx.Err(); err != nil {
		return storage.Room{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return storage.Room{}, ErrEmptyName
	}
	if len(name) > maxRoomNameBytes {
		return storage.Room{}, ErrNameTooLong
	}
	roomID, err := id.NewID()
	if err != nil {
		return storage.Room{}, fmt.Errorf("generate room id: %w", err)
	}
	room, err := r.store.CreateRoom(ctx, storage.Room{
		ID:        roomID,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return storage.Room{}, fmt.Errorf("create room: %w", err)
	}
	return room, nil
}

// Get returns the room with the given id.
func (r *Registry) Get(ctx context.Context, roomID string) (storage.Room, error) {
	if r == nil || r.store == nil {
		return storage.Room{}, errors.New("registry not initialized")
	}
	if err := ctx.Err(); err != nil {
		return storage.Room{}, err
	}
	room, err := r.store.GetRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Room{}, storage.ErrNotFound
		}
		return storage.Room{}, fmt.Errorf("get room: %w", err)
	}
	return room, nil
}

// List returns one page of rooms in creation order. Previously issued page
// tokens stay valid while new rooms are created.
func (r *Registry) List(ctx context.Context, pageSize int, pageToken string) (storage.RoomPage, error) {
	if r == nil || r.store == nil {
		return storage.RoomPage{}, errors.New("registry not initialized")
	}
	if err := ctx.Err(); err != nil {
		return storage.RoomPage{}, err
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page, err := r.store.ListRooms(ctx, pageSize, pageToken)
	if err != nil {
		return storage.RoomPage{}, fmt.Errorf("list rooms: %w", err)
	}
	return page, nil
}

// Join records the identity's membership in the room. Joining a room the
// identity already belongs to returns the existing membership unchanged.
func (r *Registry) Join(ctx context.Context, roomID string, identityID string) (storage.Membership, error) {
	if r == nil || r.store == nil {
		return storage.Membership{}, errors.New("registry not initialized")
	}
	if err := ctx.Err(); err != nil {
		return storage.Membership{}, err
	}
	if _, err := r.store.GetRoom(ctx, roomID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.Membership{}, storage.ErrRoomNotFound
		}
		return storage.Membership{}, fmt.Errorf("get room: %w", err)
	}
	membership, err := r.store.PutMembership(ctx, storage.Membership{
		RoomID:     roomID,
		IdentityID: identityID,
		JoinedAt:   time.Now().UTC(),
	})
	if err != nil {
		return storage.Membership{}, fmt.Errorf("put membership: %w", err)
	}
	return membership, nil
}

// Leave destroys the identity's membership in the room.
func (r *Registry) Leave(ctx context.Context, roomID string, identityID string) error {
	if r == nil || r.store == nil {
		return errors.New("registry not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := r.store.DeleteMembership(ctx, roomID, identityID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.ErrNotFound
		}
		return fmt.Errorf("delete membership: %w", err)
	}
	return nil
}

// Members returns the room's durable members in join order.
func (r *Registry) Members(ctx context.Context, roomID string) ([]storage.Membership, error) {
	if r == nil || r.store == nil {
		return nil, errors.New("registry not initialized")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	members, err := r.store.ListRoomMembers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return members, nil
}

// EnsureIdentity persists the identity, creating it on first sight and
// refreshing its display name afterwards.
func (r *Registry) EnsureIdentity(ctx context.Context, identity storage.Identity) (storage.Identity, error) {
	if r == nil || r.store == nil {
		return storage.Identity{}, errors.New("registry not initialized")
	}
	if err := ctx.Err(); err != nil {
		return storage.Identity{}, err
	}
	if strings.TrimSpace(identity.ID) == "" {
		return storage.Identity{}, errors.New("identity id is empty")
	}
	if identity.CreatedAt.IsZero() {
		identity.CreatedAt = time.Now().UTC()
	}
	if err := r.store.PutIdentity(ctx, identity); err != nil {
		return storage.Identity{}, fmt.Errorf("put identity: %w", err)
	}
	stored, err := r.store.GetIdentity(ctx, identity.ID)
	if err != nil {
		return storage.Identity{}, fmt.Errorf("get identity: %w", err)
	}
	return stored, nil
}

// EnsureAnonymous creates a fresh anonymous identity for an unauthenticated
// connection. The display name defaults to a generated guest handle.
func (r *Registry) EnsureAnonymous(ctx context.Context, displayName string) (storage.Identity, error) {
	if r == nil || r.store == nil {
		return storage.Identity{}, errors.New("registry not initialized")
	}
	if err := ctx.Err(); err != nil {
		return storage.Identity{}, err
	}
	identityID, err := id.NewID()
	if err != nil {
		return storage.Identity{}, fmt.Errorf("generate identity id: %w", err)
	}
	displayName = strings.TrimSpace(displayName)
	if displayName == "" {
		displayName = "guest-" + identityID[:8]
	}
	identity := storage.Identity{
		ID:          identityID,
		DisplayName: displayName,
		Anonymous:   true,
		CreatedAt:   time.Now().UTC(),
	}
	if err := r.store.PutIdentity(ctx, identity); err != nil {
		return storage.Identity{}, fmt.Errorf("put identity: %w", err)
	}
	return identity, nil
}
