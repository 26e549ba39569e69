package session

import (
	"fmt"
	"sync"
	"testing"

	"github.com/louisbranch/chatrelay/internal/storage"
)

var ada = storage.Identity{ID: "id-ada", DisplayName: "Ada"}
var bob = storage.Identity{ID: "id-bob", DisplayName: "Bob"}

func TestAttachReportsFirstPresence(t *testing.T) {
	manager := NewManager()
	manager.Register("conn-1", ada)
	manager.Register("conn-2", ada)

	first, ok := manager.Attach("conn-1", "room-1")
	if !ok || !first {
		t.Fatalf("expected first attachment to report presence, got first=%v ok=%v", first, ok)
	}

	first, ok = manager.Attach("conn-2", "room-1")
	if !ok {
		t.Fatal("expected attach to succeed")
	}
	if first {
		t.Fatal("second connection of the same identity must not re-announce presence")
	}
}

func TestAttachIsIdempotentPerConnection(t *testing.T) {
	manager := NewManager()
	manager.Register("conn-1", ada)

	if first, _ := manager.Attach("conn-1", "room-1"); !first {
		t.Fatal("expected first attach to report presence")
	}
	if first, _ := manager.Attach("conn-1", "room-1"); first {
		t.Fatal("repeated attach must not double-count presence")
	}

	last, _ := manager.Detach("conn-1", "room-1")
	if !last {
		t.Fatal("expected single detach to take the identity offline")
	}
}

func TestAttachUnknownConnection(t *testing.T) {
	manager := NewManager()
	if _, ok := manager.Attach("conn-1", "room-1"); ok {
		t.Fatal("expected attach on unregistered connection to fail")
	}
}

func TestDetachReportsLastPresence(t *testing.T) {
	manager := NewManager()
	manager.Register("conn-1", ada)
	manager.Register("conn-2", ada)
	manager.Attach("conn-1", "room-1")
	manager.Attach("conn-2", "room-1")

	last, ok := manager.Detach("conn-1", "room-1")
	if !ok || last {
		t.Fatalf("identity still has a live connection, got last=%v ok=%v", last, ok)
	}
	if !manager.Online("room-1", ada.ID) {
		t.Fatal("expected identity to remain online")
	}

	last, _ = manager.Detach("conn-2", "room-1")
	if !last {
		t.Fatal("expected final detach to take the identity offline")
	}
	if manager.Online("room-1", ada.ID) {
		t.Fatal("expected identity to be offline")
	}
}

func TestDropReportsOfflineRooms(t *testing.T) {
	manager := NewManager()
	manager.Register("conn-1", ada)
	manager.Register("conn-2", ada)
	manager.Attach("conn-1", "room-1")
	manager.Attach("conn-1", "room-2")
	manager.Attach("conn-2", "room-1")

	offline := manager.Drop("conn-1")
	if len(offline) != 1 || offline[0] != "room-2" {
		t.Fatalf("expected only room-2 to lose presence, got %v", offline)
	}
	if !manager.Online("room-1", ada.ID) {
		t.Fatal("expected identity to stay online in room-1 via conn-2")
	}

	if offline := manager.Drop("conn-1"); offline != nil {
		t.Fatalf("expected dropped connection to be forgotten, got %v", offline)
	}
}

func TestDetachIdentityRemovesAllConnections(t *testing.T) {
	manager := NewManager()
	manager.Register("conn-1", ada)
	manager.Register("conn-2", ada)
	manager.Register("conn-3", bob)
	manager.Attach("conn-1", "room-1")
	manager.Attach("conn-2", "room-1")
	manager.Attach("conn-3", "room-1")

	connIDs, offline := manager.DetachIdentity("room-1", ada.ID)
	if len(connIDs) != 2 {
		t.Fatalf("expected both of ada's connections, got %v", connIDs)
	}
	if !offline {
		t.Fatal("expected ada to go offline in the room")
	}
	if manager.Online("room-1", ada.ID) {
		t.Fatal("expected ada offline after leaving")
	}
	if !manager.Online("room-1", bob.ID) {
		t.Fatal("expected bob unaffected")
	}
}

func TestOnlineIdentities(t *testing.T) {
	manager := NewManager()
	manager.Register("conn-1", ada)
	manager.Register("conn-2", bob)
	manager.Attach("conn-1", "room-1")
	manager.Attach("conn-2", "room-1")

	ids := manager.OnlineIdentities("room-1")
	if len(ids) != 2 || ids[0] != ada.ID || ids[1] != bob.ID {
		t.Fatalf("expected sorted online identities, got %v", ids)
	}
	if ids := manager.OnlineIdentities("room-2"); ids != nil {
		t.Fatalf("expected no identities in an empty room, got %v", ids)
	}
}

func TestConcurrentRegisterAndDrop(t *testing.T) {
	manager := NewManager()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			connID := fmt.Sprintf("conn-%d", i)
			identity := storage.Identity{ID: fmt.Sprintf("id-%d", i%4)}
			manager.Register(connID, identity)
			manager.Attach(connID, "room-1")
			manager.Drop(connID)
		}(i)
	}
	wg.Wait()

	if ids := manager.OnlineIdentities("room-1"); ids != nil {
		t.Fatalf("expected empty room after all drops, got %v", ids)
	}
}
