package collab

import (
	"context"
	"fmt"
	"testing"

	"github.com/go-playground/assert/v2"

	"github.com/markpad/markpad/crdt"
)

// newOfflineText returns a handle with an idle transport attached, so that
// outbound frames can be counted by draining the transport queue.
func newOfflineText(ctx context.Context) *ReplicatedText {
	text := NewReplicatedTextWithDefaults(ctx)
	transport := NewRoomTransportWithDefaults(ctx, "ws://unused")
	text.roomLock.Lock()
	text.transport = transport
	text.roomLock.Unlock()
	return text
}

func drainOutbound(text *ReplicatedText) [][]byte {
	frames := [][]byte{}
	for {
		select {
		case frame := <-text.transport.send:
			frames = append(frames, frame)
		default:
			return frames
		}
	}
}

// remoteChange builds a Change frame carrying ops generated by a peer doc.
func remoteChange(peer *crdt.Logoot, mutate func(doc *crdt.Logoot) []crdt.Op) []byte {
	ops := mutate(peer)
	return EncodeFrame(&Change{
		Type:      "Change",
		ReplicaId: ReplicaId(peer.Site()),
		Ops:       ops,
	})
}

func TestBridgeRemoteChangesReachBuffer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	text := newOfflineText(ctx)
	buffer := NewMemoryBuffer("")
	bridge := NewStoreBridge(buffer, text)
	defer bridge.Close()

	// empty room: nothing to reconcile, watching begins
	text.handleMessage(EncodeFrame(&Snapshot{Type: "Snapshot", State: &crdt.State{}}))
	drainOutbound(text)

	peer := crdt.NewLogoot(99)
	text.handleMessage(remoteChange(peer, func(doc *crdt.Logoot) []crdt.Op {
		ops, _ := doc.InsertAt(0, "hello")
		return ops
	}))

	assert.Equal(t, "hello", buffer.Text())
	assert.Equal(t, "hello", text.Text())
}

func TestBridgeLoopFreedom(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	text := newOfflineText(ctx)
	buffer := NewMemoryBuffer("")
	bridge := NewStoreBridge(buffer, text)
	defer bridge.Close()

	text.handleMessage(EncodeFrame(&Snapshot{Type: "Snapshot", State: &crdt.State{}}))
	drainOutbound(text)

	// 100 remote transactions must produce zero outbound frames: a remote
	// change may never echo back as a local replace
	peer := crdt.NewLogoot(99)
	for i := 0; i < 100; i += 1 {
		text.handleMessage(remoteChange(peer, func(doc *crdt.Logoot) []crdt.Op {
			ops, _ := doc.InsertAt(doc.Len(), fmt.Sprintf("%d", i%10))
			return ops
		}))
	}

	assert.Equal(t, 0, len(drainOutbound(text)))
	assert.Equal(t, text.Text(), buffer.Text())
	assert.Equal(t, 100, text.Len())
}

func TestBridgeFirstSyncRoomContentWins(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	text := newOfflineText(ctx)
	buffer := NewMemoryBuffer("B")
	bridge := NewStoreBridge(buffer, text)
	defer bridge.Close()

	// the room already holds "A": it must win over the local buffer
	room := crdt.NewLogoot(1)
	room.InsertAt(0, "A")
	text.handleMessage(EncodeFrame(&Snapshot{Type: "Snapshot", State: room.Snapshot()}))

	assert.Equal(t, "A", buffer.Text())
	assert.Equal(t, "A", text.Text())
}

func TestBridgeFirstSyncLocalSeedsEmptyRoom(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	text := newOfflineText(ctx)
	buffer := NewMemoryBuffer("B")
	bridge := NewStoreBridge(buffer, text)
	defer bridge.Close()

	text.handleMessage(EncodeFrame(&Snapshot{Type: "Snapshot", State: &crdt.State{}}))

	assert.Equal(t, "B", text.Text())
	assert.Equal(t, "B", buffer.Text())

	// the seed must go out as an update
	frames := drainOutbound(text)
	sawUpdate := false
	for _, frame := range frames {
		if FrameType(frame) == "Update" {
			sawUpdate = true
		}
	}
	assert.Equal(t, true, sawUpdate)
}

func TestBridgeBufferEditsPropagate(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	text := newOfflineText(ctx)
	buffer := NewMemoryBuffer("")
	bridge := NewStoreBridge(buffer, text)
	defer bridge.Close()

	text.handleMessage(EncodeFrame(&Snapshot{Type: "Snapshot", State: &crdt.State{}}))
	drainOutbound(text)

	buffer.SetText("typed locally")
	assert.Equal(t, "typed locally", text.Text())

	// identical content must not produce another transaction
	buffer.SetText("typed locally")
	drainOutbound(text)
	buffer.SetText("typed locally")
	assert.Equal(t, 0, len(drainOutbound(text)))
}

func TestBridgeWatchesOnlyAfterFirstSync(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	text := newOfflineText(ctx)
	buffer := NewMemoryBuffer("")
	bridge := NewStoreBridge(buffer, text)
	defer bridge.Close()

	// before the snapshot, buffer edits must not reach the replicated text
	buffer.SetText("too early")
	assert.Equal(t, "", text.Text())
	assert.Equal(t, 0, len(drainOutbound(text)))
}
