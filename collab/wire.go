package collab

import (
	"encoding/json"
	"fmt"

	"github.com/markpad/markpad/crdt"
)

// Room frames are JSON so that browser replicas can speak the same wire.
// Each struct sets Type to its own name.

// RoomPrefix is prepended to a document id to form the wire-visible session
// name, so any two processes editing the same document address the same
// room.
const RoomPrefix = "doc-"

// RoomName returns the session name for a document id.
func RoomName(documentId string) string {
	return RoomPrefix + documentId
}

// For detecting the incoming frame type before a full decode.
type MsgType struct {
	Type string `json:"type"`
}

// Sent from server to client once per connection, before anything else.
type Snapshot struct {
	Type  string      `json:"type"`
	State *crdt.State `json:"state"`
}

// Sent from client to server: ops from one local transaction.
type Update struct {
	Type      string    `json:"type"`
	ReplicaId ReplicaId `json:"replicaId"`
	Ops       []crdt.Op `json:"ops"`
}

// Sent from server to client: ops finalized for the room.
type Change struct {
	Type      string    `json:"type"`
	ReplicaId ReplicaId `json:"replicaId"`
	Ops       []crdt.Op `json:"ops"`
}

// Sent from client to server after a reconnect snapshot, carrying state the
// room may not have seen (offline edits).
type Sync struct {
	Type  string      `json:"type"`
	State *crdt.State `json:"state"`
}

// Broadcast in both directions: one replica's entire ephemeral state.
type Presence struct {
	Type      string            `json:"type"`
	ReplicaId ReplicaId         `json:"replicaId"`
	State     *ParticipantState `json:"state"`
}

// Sent from server to client when a replica's session ends.
type Leave struct {
	Type      string    `json:"type"`
	ReplicaId ReplicaId `json:"replicaId"`
}

// EncodeFrame marshals a frame. Frames are plain data structs; a marshal
// failure is a programming error.
func EncodeFrame(v any) []byte {
	buf, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("encode frame: %s", err))
	}
	return buf
}

// FrameType peeks at the type tag of an encoded frame.
func FrameType(buf []byte) string {
	var mt MsgType
	if err := json.Unmarshal(buf, &mt); err != nil {
		return ""
	}
	return mt.Type
}
