// Package session tracks which identities are live on which connections and
// which rooms each connection is attached to.
//
// State here is purely in-memory and connection-scoped; durable room
// membership lives in the registry and is never touched on disconnect.
package session

import (
	"sort"
	"sync"

	"github.com/louisbranch/chatrelay/internal/storage"
)

type connState struct {
	identity storage.Identity
	rooms    map[string]struct{}
}

// Manager owns the identity/connection/room presence maps. All methods are
// safe for concurrent use.
type Manager struct {
	mu    sync.Mutex
	conns map[string]*connState
	// rooms counts live attachments per identity per room. An identity is
	// online in a room while its count is above zero.
	rooms map[string]map[string]int
}

// NewManager creates an empty session manager.
func NewManager() *Manager {
	return &Manager{
		conns: make(map[string]*connState),
		rooms: make(map[string]map[string]int),
	}
}

// Register records a freshly opened connection for the identity. A
// reconnecting client registers a new connection id; old ids are never
// reused.
func (m *Manager) Register(connID string, identity storage.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[connID] = &connState{
		identity: identity,
		rooms:    make(map[string]struct{}),
	}
}

// Identity returns the identity bound to the connection.
func (m *Manager) Identity(connID string) (storage.Identity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.conns[connID]
	if !ok {
		return storage.Identity{}, false
	}
	return state.identity, true
}

// Attach marks the connection as live in the room. It reports whether this
// attachment brought the identity online in the room, so the caller can
// announce presence exactly once per identity.
func (m *Manager) Attach(connID string, roomID string) (first bool, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, found := m.conns[connID]
	if !found {
		return false, false
	}
	if _, already := state.rooms[roomID]; already {
		return false, true
	}
	state.rooms[roomID] = struct{}{}
	return m.attachIdentityLocked(roomID, state.identity.ID), true
}

// Detach removes the connection from the room. It reports whether the
// identity went offline in the room as a result.
func (m *Manager) Detach(connID string, roomID string) (last bool, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, found := m.conns[connID]
	if !found {
		return false, false
	}
	if _, attached := state.rooms[roomID]; !attached {
		return false, true
	}
	delete(state.rooms, roomID)
	return m.detachIdentityLocked(roomID, state.identity.ID), true
}

// Drop removes the connection entirely and returns the rooms in which its
// identity went offline. Durable membership is untouched.
func (m *Manager) Drop(connID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, found := m.conns[connID]
	if !found {
		return nil
	}
	delete(m.conns, connID)

	var offline []string
	for roomID := range state.rooms {
		if m.detachIdentityLocked(roomID, state.identity.ID) {
			offline = append(offline, roomID)
		}
	}
	sort.Strings(offline)
	return offline
}

// DetachIdentity removes every one of the identity's connections from the
// room, for example when the identity leaves the room. It returns the
// affected connection ids and whether the identity went offline in the room.
func (m *Manager) DetachIdentity(roomID string, identityID string) (connIDs []string, offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for connID, state := range m.conns {
		if state.identity.ID != identityID {
			continue
		}
		if _, attached := state.rooms[roomID]; !attached {
			continue
		}
		delete(state.rooms, roomID)
		if m.detachIdentityLocked(roomID, identityID) {
			offline = true
		}
		connIDs = append(connIDs, connID)
	}
	sort.Strings(connIDs)
	return connIDs, offline
}

// Online reports whether the identity has at least one connection attached
// to the room.
func (m *Manager) Online(roomID string, identityID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rooms[roomID][identityID] > 0
}

// OnlineIdentities returns the ids of every identity currently online in the
// room, sorted for deterministic iteration.
func (m *Manager) OnlineIdentities(roomID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	identities := m.rooms[roomID]
	if len(identities) == 0 {
		return nil
	}
	ids := make([]string, 0, len(identities))
	for identityID, count := range identities {
		if count > 0 {
			ids = append(ids, identityID)
		}
	}
	sort.Strings(ids)
	return ids
}

func (m *Manager) attachIdentityLocked(roomID string, identityID string) (first bool) {
	identities, ok := m.rooms[roomID]
	if !ok {
		identities = make(map[string]int)
		m.rooms[roomID] = identities
	}
	identities[identityID]++
	return identities[identityID] == 1
}

func (m *Manager) detachIdentityLocked(roomID string, identityID string) (last bool) {
	identities, ok := m.rooms[roomID]
	if !ok {
		return false
	}
	count, ok := identities[identityID]
	if !ok {
		return false
	}
	if count <= 1 {
		delete(identities, identityID)
		if len(identities) == 0 {
			delete(m.rooms, roomID)
		}
		return true
	}
	identities[identityID] = count - 1
	return false
}
