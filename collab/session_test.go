package collab

import (
	"context"
	"testing"

	"github.com/go-playground/assert/v2"
)

// These run without a reachable room server: the transport keeps redialing in
// the background and the session stays in Connecting.

func TestSessionIdleNoops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buffer := NewMemoryBuffer("offline text")
	session := NewSessionWithDefaults(ctx, buffer)
	defer session.Close()

	assert.Equal(t, SessionStateIdle, session.State())
	assert.Equal(t, "", session.DocumentId())
	assert.Equal(t, "offline text", session.Text())
	assert.Equal(t, false, session.IsConnected())
	assert.Equal(t, false, session.IsSynced())

	// every setter is a no-op before connect
	assert.Equal(t, nil, session.ApplyLocalEdit(0, 0, "x"))
	session.UpdateCursor(1, 1, 0)
	session.UpdateSelection(0, 4)
	session.TouchEditing(1, 0)
	session.StopEditing(1, 0)
	assert.Equal(t, false, session.IsLineLocked(1))
	assert.Equal(t, 0, len(session.LockedLines()))
	assert.Equal(t, 0, len(session.Participants()))
}

func TestSessionConnectTransitions(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buffer := NewMemoryBuffer("")
	session := NewSessionWithDefaults(ctx, buffer)
	defer session.Close()

	session.Connect("doc1")
	assert.Equal(t, SessionStateConnecting, session.State())
	assert.Equal(t, "doc1", session.DocumentId())
	assert.Equal(t, true, session.State().IsLive())

	// reconnecting to the same document is a no-op
	session.Connect("doc1")
	assert.Equal(t, "doc1", session.DocumentId())

	// switching documents rebuilds the room wiring
	session.SwitchDocument("doc2")
	assert.Equal(t, "doc2", session.DocumentId())
	assert.Equal(t, SessionStateConnecting, session.State())
}

func TestSessionDisconnectIdempotent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	buffer := NewMemoryBuffer("kept")
	session := NewSessionWithDefaults(ctx, buffer)
	defer session.Close()

	session.Connect("doc1")
	session.Disconnect()
	assert.Equal(t, SessionStateDisconnected, session.State())
	assert.Equal(t, "", session.DocumentId())

	session.Disconnect()
	assert.Equal(t, SessionStateDisconnected, session.State())

	// the buffer survives the room teardown
	assert.Equal(t, "kept", session.Text())

	// a later connect works again
	session.Connect("doc3")
	assert.Equal(t, SessionStateConnecting, session.State())
	assert.Equal(t, "doc3", session.DocumentId())
}

func TestSessionUserStable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := NewSessionWithDefaults(ctx, NewMemoryBuffer(""))
	defer session.Close()

	user := session.User()
	assert.NotEqual(t, "", user.Name)
	assert.NotEqual(t, "", user.Color)

	session.Connect("doc1")
	session.SwitchDocument("doc2")
	// identity is session scoped, not room scoped
	assert.Equal(t, user, session.User())
}

func TestSessionStateIsLive(t *testing.T) {
	assert.Equal(t, false, SessionStateIdle.IsLive())
	assert.Equal(t, true, SessionStateConnecting.IsLive())
	assert.Equal(t, true, SessionStateSynced.IsLive())
	assert.Equal(t, true, SessionStateSwitchingRoom.IsLive())
	assert.Equal(t, false, SessionStateDisconnected.IsLive())
}
