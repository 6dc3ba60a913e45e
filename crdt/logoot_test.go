package crdt

import (
	mathrand "math/rand"
	"testing"

	"github.com/go-playground/assert/v2"
)

func applyAll(doc *Logoot, ops []Op) {
	for _, op := range ops {
		doc.Apply(op)
	}
}

func TestLogootLocalEdits(t *testing.T) {
	doc := NewLogoot(1)

	_, err := doc.InsertAt(0, "hello")
	assert.Equal(t, nil, err)
	assert.Equal(t, "hello", doc.Text())
	assert.Equal(t, 5, doc.Len())

	_, err = doc.InsertAt(5, " world")
	assert.Equal(t, nil, err)
	assert.Equal(t, "hello world", doc.Text())

	_, err = doc.DeleteAt(0, 6)
	assert.Equal(t, nil, err)
	assert.Equal(t, "world", doc.Text())

	_, err = doc.InsertAt(0, "big ")
	assert.Equal(t, nil, err)
	assert.Equal(t, "big world", doc.Text())
}

func TestLogootBounds(t *testing.T) {
	doc := NewLogoot(1)
	doc.InsertAt(0, "abc")

	_, err := doc.InsertAt(4, "x")
	assert.NotEqual(t, nil, err)
	_, err = doc.InsertAt(-1, "x")
	assert.NotEqual(t, nil, err)
	_, err = doc.DeleteAt(1, 3)
	assert.NotEqual(t, nil, err)
	_, err = doc.DeleteAt(-1, 1)
	assert.NotEqual(t, nil, err)

	// failed calls must not corrupt the text
	assert.Equal(t, "abc", doc.Text())
}

func TestLogootConvergenceConcurrentInserts(t *testing.T) {
	a := NewLogoot(1)
	b := NewLogoot(2)

	seedOps, _ := a.InsertAt(0, "base")
	applyAll(b, seedOps)
	assert.Equal(t, a.Text(), b.Text())

	// concurrent edits at the same location, delivered cross-wise
	aOps, _ := a.InsertAt(2, "AA")
	bOps, _ := b.InsertAt(2, "BB")
	applyAll(a, bOps)
	applyAll(b, aOps)

	assert.Equal(t, a.Text(), b.Text())
	assert.Equal(t, 8, a.Len())
}

func TestLogootConvergenceInterleaved(t *testing.T) {
	a := NewLogoot(7)
	b := NewLogoot(11)

	seedOps, _ := a.InsertAt(0, "the quick brown fox")
	applyAll(b, seedOps)

	rng := mathrand.New(mathrand.NewSource(42))
	pendingA := []Op{}
	pendingB := []Op{}
	for i := 0; i < 100; i += 1 {
		if rng.Intn(2) == 0 {
			if 0 < a.Len() && rng.Intn(3) == 0 {
				ops, _ := a.DeleteAt(rng.Intn(a.Len()), 1)
				pendingA = append(pendingA, ops...)
			} else {
				ops, _ := a.InsertAt(rng.Intn(a.Len()+1), "a")
				pendingA = append(pendingA, ops...)
			}
		} else {
			if 0 < b.Len() && rng.Intn(3) == 0 {
				ops, _ := b.DeleteAt(rng.Intn(b.Len()), 1)
				pendingB = append(pendingB, ops...)
			} else {
				ops, _ := b.InsertAt(rng.Intn(b.Len()+1), "b")
				pendingB = append(pendingB, ops...)
			}
		}
		// deliver in bursts with simulated delay
		if rng.Intn(4) == 0 {
			applyAll(b, pendingA)
			applyAll(a, pendingB)
			pendingA = pendingA[:0]
			pendingB = pendingB[:0]
		}
	}
	applyAll(b, pendingA)
	applyAll(a, pendingB)

	assert.Equal(t, a.Text(), b.Text())
}

func TestLogootRedeliveryIsIdempotent(t *testing.T) {
	a := NewLogoot(1)
	b := NewLogoot(2)

	ops, _ := a.InsertAt(0, "abc")
	applyAll(b, ops)
	applyAll(b, ops)
	assert.Equal(t, "abc", b.Text())

	del, _ := a.DeleteAt(1, 1)
	applyAll(b, del)
	applyAll(b, del)
	assert.Equal(t, "ac", b.Text())

	// an insert redelivered after its delete must stay dead
	applyAll(b, ops)
	assert.Equal(t, "ac", b.Text())
}

func TestLogootMerge(t *testing.T) {
	a := NewLogoot(1)
	b := NewLogoot(2)

	seedOps, _ := a.InsertAt(0, "shared")
	applyAll(b, seedOps)

	// a edits offline, b edits online; then a merges b's snapshot
	a.InsertAt(6, "!")
	b.DeleteAt(0, 1)
	b.InsertAt(0, "S")

	a.Merge(b.Snapshot())
	b.Merge(a.Snapshot())

	assert.Equal(t, a.Text(), b.Text())
	assert.Equal(t, "Shared!", a.Text())
}

func TestLogootEncodeDecode(t *testing.T) {
	a := NewLogoot(3)
	a.InsertAt(0, "encode me")
	a.DeleteAt(0, 2)

	buf, err := a.Encode()
	assert.Equal(t, nil, err)

	state, err := DecodeState(buf)
	assert.Equal(t, nil, err)

	b := NewLogoot(4)
	b.Merge(state)
	assert.Equal(t, a.Text(), b.Text())

	// tombstones must survive the round trip
	a.InsertAt(0, "en")
	b.Merge(a.Snapshot())
	a.Merge(b.Snapshot())
	assert.Equal(t, a.Text(), b.Text())
}
