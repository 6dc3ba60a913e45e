// Package collab implements the collaborative synchronization layer for one
// markpad document: a replicated text handle over a room-addressed websocket
// session, a loop-safe bridge to the locally editable buffer, an ephemeral
// presence channel, and a soft per-line lock arbiter derived from presence.
//
// A Session composes all of these per document and is the only type the rest
// of the application talks to.
package collab

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	mathrand "math/rand"

	"github.com/oklog/ulid/v2"
)

// comparable
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func (self Id) String() string {
	return ulid.ULID(self).String()
}

// ReplicaId identifies one connected replica of a document. It is generated
// fresh when a replicated text handle is created and never reused across
// connections or rooms.
type ReplicaId uint32

func newReplicaId() ReplicaId {
	buf := make([]byte, 4)
	if _, err := rand.Read(buf); err != nil {
		return ReplicaId(mathrand.Uint32())
	}
	return ReplicaId(binary.BigEndian.Uint32(buf))
}

// User is the identity shown next to a participant's cursor.
type User struct {
	Id    string `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

var userColors = []string{
	"#e53935", "#d81b60", "#8e24aa", "#5e35b1",
	"#3949ab", "#1e88e5", "#039be5", "#00acc1",
	"#00897b", "#43a047", "#7cb342", "#c0ca33",
	"#fdd835", "#ffb300", "#fb8c00", "#f4511e",
}

var userAdjectives = []string{"happy", "busy", "clever", "gentle", "lively"}

var userNouns = []string{"cat", "dog", "bird", "rabbit", "bear"}

// RandomUser returns a throwaway identity with a readable name and a color
// from the cursor palette.
func RandomUser() *User {
	return &User{
		Id:    NewId().String(),
		Name:  fmt.Sprintf("%s %s", userAdjectives[mathrand.Intn(len(userAdjectives))], userNouns[mathrand.Intn(len(userNouns))]),
		Color: userColors[mathrand.Intn(len(userColors))],
	}
}
