package hub_test

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/mux"

	"github.com/markpad/markpad/collab"
	"github.com/markpad/markpad/hub"
	"github.com/markpad/markpad/store"
)

func newTestHub(t *testing.T, store hub.RoomStore) (*hub.Hub, string, func()) {
	ctx, cancel := context.WithCancel(context.Background())
	h := hub.NewHub(ctx, store, nil, hub.DefaultHubSettings())

	router := mux.NewRouter()
	router.HandleFunc("/ws/{room}", h.ServeWs)
	server := httptest.NewServer(router)

	wsUrl := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"
	return h, wsUrl, func() {
		server.Close()
		h.Close()
		cancel()
	}
}

func newTestSession(ctx context.Context, wsUrl string, buffer *collab.MemoryBuffer) *collab.Session {
	return collab.NewSession(ctx, buffer, &collab.SessionSettings{
		WsUrl:             wsUrl,
		ActivityTtl:       10 * time.Second,
		ThrottleInterval:  20 * time.Millisecond,
		TransportSettings: collab.DefaultRoomTransportSettings(),
	})
}

func waitFor(t *testing.T, timeout time.Duration, what string, condition func() bool) {
	end := time.Now().Add(timeout)
	for time.Now().Before(end) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestHubTwoSessionsConverge(t *testing.T) {
	_, wsUrl, shutdown := newTestHub(t, nil)
	defer shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bufferA := collab.NewMemoryBuffer("")
	sessionA := newTestSession(ctx, wsUrl, bufferA)
	defer sessionA.Close()
	bufferB := collab.NewMemoryBuffer("")
	sessionB := newTestSession(ctx, wsUrl, bufferB)
	defer sessionB.Close()

	sessionA.Connect("doc1")
	sessionB.Connect("doc1")
	waitFor(t, 5*time.Second, "both sessions synced", func() bool {
		return sessionA.IsSynced() && sessionB.IsSynced()
	})

	bufferA.SetText("hello from a")
	waitFor(t, 5*time.Second, "edit to reach b", func() bool {
		return bufferB.Text() == "hello from a"
	})

	// an edit in the other direction, against the converged state
	bufferB.SetText("hello from a, and b")
	waitFor(t, 5*time.Second, "edit to reach a", func() bool {
		return bufferA.Text() == "hello from a, and b"
	})

	assert.Equal(t, sessionA.Text(), sessionB.Text())
}

func TestHubLocalContentSeedsRoom(t *testing.T) {
	_, wsUrl, shutdown := newTestHub(t, nil)
	defer shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// the first session arrives with content already in its buffer
	bufferA := collab.NewMemoryBuffer("# seeded")
	sessionA := newTestSession(ctx, wsUrl, bufferA)
	defer sessionA.Close()
	sessionA.Connect("doc1")
	waitFor(t, 5*time.Second, "a synced", func() bool {
		return sessionA.IsSynced()
	})

	bufferB := collab.NewMemoryBuffer("")
	sessionB := newTestSession(ctx, wsUrl, bufferB)
	defer sessionB.Close()
	sessionB.Connect("doc1")
	waitFor(t, 5*time.Second, "seed to reach b", func() bool {
		return bufferB.Text() == "# seeded"
	})
}

func TestHubRoomIsolation(t *testing.T) {
	h, wsUrl, shutdown := newTestHub(t, nil)
	defer shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bufferA := collab.NewMemoryBuffer("")
	sessionA := newTestSession(ctx, wsUrl, bufferA)
	defer sessionA.Close()
	bufferC := collab.NewMemoryBuffer("")
	sessionC := newTestSession(ctx, wsUrl, bufferC)
	defer sessionC.Close()

	sessionA.Connect("doc1")
	sessionC.Connect("doc2")
	waitFor(t, 5*time.Second, "both sessions synced", func() bool {
		return sessionA.IsSynced() && sessionC.IsSynced()
	})
	assert.Equal(t, 2, h.RoomCount())

	bufferA.SetText("only for doc1")
	// give the frame time to land anywhere it could
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, "", bufferC.Text())
}

func TestHubPresenceFansOut(t *testing.T) {
	_, wsUrl, shutdown := newTestHub(t, nil)
	defer shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionA := newTestSession(ctx, wsUrl, collab.NewMemoryBuffer(""))
	defer sessionA.Close()
	sessionB := newTestSession(ctx, wsUrl, collab.NewMemoryBuffer(""))
	defer sessionB.Close()

	sessionA.Connect("doc1")
	sessionB.Connect("doc1")
	waitFor(t, 5*time.Second, "sessions see each other", func() bool {
		return len(sessionA.Participants()) == 1 && len(sessionB.Participants()) == 1
	})

	sessionA.TouchEditing(3, 10)
	waitFor(t, 5*time.Second, "line lock visible to b", func() bool {
		return sessionB.IsLineLocked(3)
	})
	assert.Equal(t, false, sessionB.IsLineLocked(4))

	// a's disconnect retracts its presence
	sessionA.Disconnect()
	waitFor(t, 5*time.Second, "b sees a leave", func() bool {
		return len(sessionB.Participants()) == 0
	})
	assert.Equal(t, false, sessionB.IsLineLocked(3))
}

func TestHubLateJoinerSeesPresence(t *testing.T) {
	_, wsUrl, shutdown := newTestHub(t, nil)
	defer shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionA := newTestSession(ctx, wsUrl, collab.NewMemoryBuffer(""))
	defer sessionA.Close()
	sessionA.Connect("doc1")
	waitFor(t, 5*time.Second, "a synced", func() bool {
		return sessionA.IsSynced()
	})
	// wait for a's throttled presence to land on the hub
	time.Sleep(200 * time.Millisecond)

	sessionB := newTestSession(ctx, wsUrl, collab.NewMemoryBuffer(""))
	defer sessionB.Close()
	sessionB.Connect("doc1")
	// the replay must carry a's state without a requiring another publish
	waitFor(t, 5*time.Second, "replayed presence", func() bool {
		for _, state := range sessionB.Participants() {
			if state.User != nil && state.User.Name == sessionA.User().Name {
				return true
			}
		}
		return false
	})
}

func TestHubDropsEmptyRooms(t *testing.T) {
	h, wsUrl, shutdown := newTestHub(t, nil)
	defer shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := newTestSession(ctx, wsUrl, collab.NewMemoryBuffer(""))
	defer session.Close()
	session.Connect("doc1")
	waitFor(t, 5*time.Second, "room open", func() bool {
		return h.RoomCount() == 1
	})

	session.Disconnect()
	waitFor(t, 5*time.Second, "room dropped", func() bool {
		return h.RoomCount() == 0
	})
}

func TestHubRoomStateSurvivesViaStore(t *testing.T) {
	memory := store.NewMemoryStore()
	h, wsUrl, shutdown := newTestHub(t, memory)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buffer := collab.NewMemoryBuffer("persist me")
	session := newTestSession(ctx, wsUrl, buffer)
	session.Connect("doc1")
	waitFor(t, 5*time.Second, "session synced", func() bool {
		return session.IsSynced()
	})
	// wait for the seed to land on the hub
	waitFor(t, 5*time.Second, "hub holds the seed", func() bool {
		return h.RoomCount() == 1
	})
	time.Sleep(200 * time.Millisecond)

	session.Close()
	waitFor(t, 5*time.Second, "checkpoint written", func() bool {
		state, _ := memory.LoadRoomState(ctx, "doc-doc1")
		return state != nil
	})
	shutdown()

	// a fresh hub over the same store restores the room text
	_, wsUrl2, shutdown2 := newTestHub(t, memory)
	defer shutdown2()

	buffer2 := collab.NewMemoryBuffer("")
	session2 := newTestSession(ctx, wsUrl2, buffer2)
	defer session2.Close()
	session2.Connect("doc1")
	waitFor(t, 5*time.Second, "restored text", func() bool {
		return buffer2.Text() == "persist me"
	})
}

func TestHubRoomSwitchLeavesOldRoom(t *testing.T) {
	_, wsUrl, shutdown := newTestHub(t, nil)
	defer shutdown()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sessionA := newTestSession(ctx, wsUrl, collab.NewMemoryBuffer(""))
	defer sessionA.Close()
	sessionB := newTestSession(ctx, wsUrl, collab.NewMemoryBuffer(""))
	defer sessionB.Close()

	sessionA.Connect("doc1")
	sessionB.Connect("doc1")
	waitFor(t, 5*time.Second, "sessions see each other", func() bool {
		return len(sessionB.Participants()) == 1
	})

	sessionA.SwitchDocument("doc2")
	waitFor(t, 5*time.Second, "b alone in doc1", func() bool {
		return len(sessionB.Participants()) == 0
	})
}
