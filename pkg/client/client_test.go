package client

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/automerge/automerge-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-realms/pkg/awareness"
	"github.com/astromechza/automerge-realms/pkg/crdt"
	"github.com/astromechza/automerge-realms/pkg/realm"
	"github.com/astromechza/automerge-realms/pkg/transport"
)

func newShared() *awareness.Shared {
	return awareness.NewShared(awareness.New(crdt.New()))
}

// connect runs c against g over an in-memory pipe and returns a function
// that disconnects it and waits for both sides.
func connect(t *testing.T, g *realm.BroadcastGroup, c *Client) func() {
	t.Helper()
	serverEnd, clientEnd := transport.Pipe(16)
	sub := g.Subscribe(context.Background(), serverEnd, serverEnd, false)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx, clientEnd) }()
	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		cancel()
		_ = clientEnd.Close()
		assert.NoError(t, <-done)
		<-sub.Done()
	}
	t.Cleanup(stop)
	return stop
}

func set(t *testing.T, shared *awareness.Shared, key string, value int) {
	t.Helper()
	require.NoError(t, shared.Write(func(a *awareness.Awareness) error {
		return a.Document().Transact(crdt.OriginLocal, func(doc *automerge.Doc) error {
			return doc.Path(key).Set(value)
		})
	}))
}

func heads(shared *awareness.Shared) []automerge.ChangeHash {
	var out []automerge.ChangeHash
	_ = shared.Read(func(a *awareness.Awareness) error {
		out = a.Document().Heads()
		return nil
	})
	return out
}

func sameHeads(a, b *awareness.Shared) func() bool {
	return func() bool {
		ha, hb := heads(a), heads(b)
		if len(ha) == 0 || len(ha) != len(hb) {
			return false
		}
		seen := make(map[automerge.ChangeHash]bool, len(ha))
		for _, h := range ha {
			seen[h] = true
		}
		for _, h := range hb {
			if !seen[h] {
				return false
			}
		}
		return true
	}
}

func hasPresence(shared *awareness.Shared, id uint64, blob string) func() bool {
	return func() bool {
		var ok bool
		_ = shared.Read(func(a *awareness.Awareness) error {
			p, found := a.Presence(id)
			ok = found && string(p.Blob) == blob
			return nil
		})
		return ok
	}
}

func TestClientsConverge(t *testing.T) {
	server := newShared()
	g := realm.NewBroadcastGroup(server, 8)
	t.Cleanup(g.Close)

	a, b := newShared(), newShared()
	connect(t, g, New(a, 1))
	connect(t, g, New(b, 2))

	set(t, a, "x", 1)
	require.Eventually(t, sameHeads(a, b), 2*time.Second, 10*time.Millisecond)
	set(t, b, "y", 2)
	require.Eventually(t, sameHeads(a, b), 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, sameHeads(a, server), 2*time.Second, 10*time.Millisecond)
}

func TestOfflineChangesSyncOnConnect(t *testing.T) {
	server := newShared()
	set(t, server, "from-server", 1)
	g := realm.NewBroadcastGroup(server, 8)
	t.Cleanup(g.Close)

	local := newShared()
	set(t, local, "offline", 1)
	connect(t, g, New(local, 1))

	require.Eventually(t, sameHeads(local, server), 2*time.Second, 10*time.Millisecond)
	assert.Len(t, heads(server), 2)
}

func TestPresenceSurvivesReconnect(t *testing.T) {
	server := newShared()
	g := realm.NewBroadcastGroup(server, 8)
	t.Cleanup(g.Close)

	c := New(newShared(), 7)
	c.SetPresence([]byte(`{"name":"seven"}`))
	stop := connect(t, g, c)
	require.Eventually(t, hasPresence(server, 7, `{"name":"seven"}`), 2*time.Second, 10*time.Millisecond)

	stop()
	require.Eventually(t, func() bool { return !hasPresence(server, 7, `{"name":"seven"}`)() }, 2*time.Second, 10*time.Millisecond)

	connect(t, g, c)
	require.Eventually(t, hasPresence(server, 7, `{"name":"seven"}`), 2*time.Second, 10*time.Millisecond)

	c.SetPresence([]byte(`{"name":"renamed"}`))
	require.Eventually(t, hasPresence(server, 7, `{"name":"renamed"}`), 2*time.Second, 10*time.Millisecond)
}

func TestPresenceReachesOtherClients(t *testing.T) {
	g := realm.NewBroadcastGroup(newShared(), 8)
	t.Cleanup(g.Close)

	a := New(newShared(), 1)
	bShared := newShared()
	connect(t, g, a)
	connect(t, g, New(bShared, 2))

	a.SetPresence([]byte(`{"cursor":4}`))
	require.Eventually(t, hasPresence(bShared, 1, `{"cursor":4}`), 2*time.Second, 10*time.Millisecond)
}

func clockOf(shared *awareness.Shared, id uint64) uint64 {
	var clock uint64
	_ = shared.Read(func(a *awareness.Awareness) error {
		clock, _ = a.Clock(id)
		return nil
	})
	return clock
}

func TestPresenceReturnsAfterServerPrunesIt(t *testing.T) {
	server := newShared()
	g := realm.NewBroadcastGroup(server, 8, realm.WithPresenceTimeout(100*time.Millisecond))
	t.Cleanup(g.Close)

	c := New(newShared(), 7, WithRenewInterval(0))
	c.SetPresence([]byte(`{"v":1}`))
	connect(t, g, c)
	require.Eventually(t, hasPresence(server, 7, `{"v":1}`), 2*time.Second, 10*time.Millisecond)
	announced := clockOf(server, 7)

	// the prune bumps the clock once and the client answers with a fresh entry
	require.Eventually(t, func() bool {
		return clockOf(server, 7) > announced+1 && hasPresence(server, 7, `{"v":1}`)()
	}, 2*time.Second, 10*time.Millisecond)

	c.SetPresence([]byte(`{"v":2}`))
	require.Eventually(t, hasPresence(server, 7, `{"v":2}`), 2*time.Second, 10*time.Millisecond)
}

func TestRenewalKeepsIdlePresenceAlive(t *testing.T) {
	server := newShared()
	var removals atomic.Int32
	require.NoError(t, server.Write(func(a *awareness.Awareness) error {
		a.Observe(func(ev awareness.Event) {
			for _, id := range ev.Removed {
				if id == 7 {
					removals.Add(1)
				}
			}
		})
		return nil
	}))
	g := realm.NewBroadcastGroup(server, 8, realm.WithPresenceTimeout(200*time.Millisecond))
	t.Cleanup(g.Close)

	c := New(newShared(), 7, WithRenewInterval(40*time.Millisecond))
	c.SetPresence([]byte(`{"idle":true}`))
	connect(t, g, c)
	require.Eventually(t, hasPresence(server, 7, `{"idle":true}`), 2*time.Second, 10*time.Millisecond)

	time.Sleep(600 * time.Millisecond)
	assert.True(t, hasPresence(server, 7, `{"idle":true}`)())
	assert.Zero(t, removals.Load())
}

func TestClearPresenceReachesServer(t *testing.T) {
	server := newShared()
	g := realm.NewBroadcastGroup(server, 8)
	t.Cleanup(g.Close)

	c := New(newShared(), 3)
	connect(t, g, c)
	c.SetPresence([]byte(`{"here":true}`))
	require.Eventually(t, hasPresence(server, 3, `{"here":true}`), 2*time.Second, 10*time.Millisecond)

	c.ClearPresence()
	require.Eventually(t, func() bool {
		var n int
		_ = server.Read(func(a *awareness.Awareness) error {
			n = len(a.Clients())
			return nil
		})
		return n == 0
	}, 2*time.Second, 10*time.Millisecond)

	// a cleared entry is not reclaimed
	time.Sleep(50 * time.Millisecond)
	assert.False(t, hasPresence(server, 3, `{"here":true}`)())
}

func TestConcurrentWritersConverge(t *testing.T) {
	const peers, edits = 6, 20
	server := newShared()
	g := realm.NewBroadcastGroup(server, 1024)
	t.Cleanup(g.Close)

	replicas := make([]*awareness.Shared, peers)
	clients := make([]*Client, peers)
	for i := range replicas {
		replicas[i] = newShared()
		clients[i] = New(replicas[i], uint64(i+1))
		connect(t, g, clients[i])
	}

	wg := new(sync.WaitGroup)
	for i := range clients {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 0; n < edits; n++ {
				set(t, replicas[i], fmt.Sprintf("peer-%d", i), n)
				clients[i].SetPresence([]byte(fmt.Sprintf(`{"edit":%d}`, n)))
			}
		}(i)
	}
	wg.Wait()

	for i, replica := range replicas {
		require.Eventually(t, sameHeads(server, replica), 5*time.Second, 10*time.Millisecond, "replica %d", i)
	}
	for i := range clients {
		id := uint64(i + 1)
		want := fmt.Sprintf(`{"edit":%d}`, edits-1)
		require.Eventually(t, hasPresence(server, id, want), 5*time.Second, 10*time.Millisecond)
		for _, replica := range replicas {
			require.Eventually(t, hasPresence(replica, id, want), 5*time.Second, 10*time.Millisecond)
		}
	}

	for _, replica := range replicas {
		require.NoError(t, replica.Read(func(a *awareness.Awareness) error {
			for i := range clients {
				v, err := a.Document().Value(fmt.Sprintf("peer-%d", i))
				require.NoError(t, err)
				assert.EqualValues(t, edits-1, v)
			}
			return nil
		}))
	}
}
