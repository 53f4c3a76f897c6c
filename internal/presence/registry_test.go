package presence

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_Announce_Lookup(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()

	// Given no user is connected
	_, ok := registry.Lookup("tenant-1")
	req.False(ok)

	// When the tenant announces a connection
	req.NoError(registry.Announce("tenant-1", "conn-1"))

	// Then the connection is the live target
	connID, ok := registry.Lookup("tenant-1")
	req.True(ok)
	req.Equal("conn-1", connID)
	req.Equal(1, registry.Online())
}

func TestRegistry_Announce_LastConnectedWins(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()

	req.NoError(registry.Announce("tenant-1", "conn-1"))
	req.NoError(registry.Announce("tenant-1", "conn-2"))

	connID, ok := registry.Lookup("tenant-1")
	req.True(ok)
	req.Equal("conn-2", connID)
	req.Equal(1, registry.Online())

	// The older connection closing must not evict the newer entry.
	_, removed := registry.Remove("conn-1")
	req.False(removed)
	connID, ok = registry.Lookup("tenant-1")
	req.True(ok)
	req.Equal("conn-2", connID)
}

func TestRegistry_Announce_RejectsEmptyIdentity(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()

	req.ErrorIs(registry.Announce("", "conn-1"), ErrEmptyUserID)
	req.ErrorIs(registry.Announce("tenant-1", ""), ErrEmptyConnectionID)
	req.Equal(0, registry.Online())
}

func TestRegistry_Announce_ConnectionSwitchesUser(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()

	req.NoError(registry.Announce("tenant-1", "conn-1"))
	req.NoError(registry.Announce("tenant-2", "conn-1"))

	_, ok := registry.Lookup("tenant-1")
	req.False(ok)
	connID, ok := registry.Lookup("tenant-2")
	req.True(ok)
	req.Equal("conn-1", connID)
}

func TestRegistry_Remove_Idempotent(t *testing.T) {
	req := require.New(t)
	registry := NewRegistry()

	req.NoError(registry.Announce("landlord-1", "conn-1"))
	req.NoError(registry.Announce("tenant-1", "conn-2"))

	userID, removed := registry.Remove("conn-1")
	req.True(removed)
	req.Equal("landlord-1", userID)
	before := registry.Snapshot()

	// When cleanup runs again for the same connection
	_, removed = registry.Remove("conn-1")

	// Then nothing changes
	req.False(removed)
	req.Equal(before, registry.Snapshot())
	req.Equal(1, registry.Online())
}

func TestRegistry_Snapshot_Sorted(t *testing.T) {
	registry := NewRegistry()
	for _, u := range []string{"c", "a", "b"} {
		require.NoError(t, registry.Announce(u, "conn-"+u))
	}

	snap := registry.Snapshot()
	require.Len(t, snap, 3)
	require.Equal(t, "a", snap[0].UserID)
	require.Equal(t, "c", snap[2].UserID)
	require.False(t, snap[0].ConnectedAt.IsZero())
}

func TestRegistry_ConcurrentAccess(t *testing.T) {
	registry := NewRegistry()
	var wg sync.WaitGroup

	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				user := "user-" + strconv.Itoa(i%50)
				conn := "conn-" + strconv.Itoa(w) + "-" + strconv.Itoa(i)
				_ = registry.Announce(user, conn)
				registry.Lookup(user)
				if i%3 == 0 {
					registry.Remove(conn)
				}
			}
		}(w)
	}
	wg.Wait()

	// Every remaining entry must be reachable through its connection.
	for _, entry := range registry.Snapshot() {
		userID, removed := registry.Remove(entry.ConnectionID)
		if !removed || userID != entry.UserID {
			t.Fatalf("entry %+v not indexed by connection", entry)
		}
	}
	require.Equal(t, 0, registry.Online())
}
