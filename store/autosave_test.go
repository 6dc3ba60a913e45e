package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type editable struct {
	lock    sync.Mutex
	title   string
	content string
}

func (self *editable) set(title string, content string) {
	self.lock.Lock()
	defer self.lock.Unlock()
	self.title = title
	self.content = content
}

func (self *editable) get() (string, string) {
	self.lock.Lock()
	defer self.lock.Unlock()
	return self.title, self.content
}

func TestAutosaverSkipsWhenClean(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	memory := NewMemoryStore()
	document, err := memory.Create(ctx, "notes", "v1")
	assert.Equal(t, nil, err)

	source := &editable{title: "notes", content: "v1"}
	autosaver := NewAutosaver(ctx, memory, document.Id, source.get, &AutosaverSettings{
		Interval: time.Hour,
	})
	defer autosaver.Stop()

	// first check always persists: nothing was persisted by this autosaver yet
	assert.Equal(t, true, autosaver.SaveIfDirty())
	// clean: skipped
	assert.Equal(t, false, autosaver.SaveIfDirty())
	assert.Equal(t, false, autosaver.SaveIfDirty())

	source.set("notes", "v2")
	assert.Equal(t, true, autosaver.SaveIfDirty())
	assert.Equal(t, false, autosaver.SaveIfDirty())

	stored, err := memory.Get(ctx, document.Id)
	assert.Equal(t, nil, err)
	assert.Equal(t, "v2", stored.Content)
}

func TestAutosaverTitleChangeIsDirty(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	memory := NewMemoryStore()
	document, err := memory.Create(ctx, "notes", "v1")
	assert.Equal(t, nil, err)

	source := &editable{title: "notes", content: "v1"}
	autosaver := NewAutosaver(ctx, memory, document.Id, source.get, &AutosaverSettings{
		Interval: time.Hour,
	})
	defer autosaver.Stop()

	autosaver.SaveIfDirty()
	source.set("renamed", "v1")
	assert.Equal(t, true, autosaver.SaveIfDirty())

	stored, err := memory.Get(ctx, document.Id)
	assert.Equal(t, nil, err)
	assert.Equal(t, "renamed", stored.Title)
}

func TestAutosaverStopDoesFinalSave(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	memory := NewMemoryStore()
	document, err := memory.Create(ctx, "notes", "v1")
	assert.Equal(t, nil, err)

	source := &editable{title: "notes", content: "v1"}
	autosaver := NewAutosaver(ctx, memory, document.Id, source.get, &AutosaverSettings{
		Interval: time.Hour,
	})
	autosaver.SaveIfDirty()

	source.set("notes", "final")
	autosaver.Stop()

	stored, err := memory.Get(ctx, document.Id)
	assert.Equal(t, nil, err)
	assert.Equal(t, "final", stored.Content)
}

func TestMemoryStoreCrud(t *testing.T) {
	ctx := context.Background()
	memory := NewMemoryStore()

	_, err := memory.Get(ctx, "missing")
	assert.Equal(t, ErrNotFound, err)

	a, err := memory.Create(ctx, "a", "alpha")
	assert.Equal(t, nil, err)
	assert.NotEqual(t, "", a.Id)

	b, err := memory.Create(ctx, "b", "beta")
	assert.Equal(t, nil, err)
	assert.NotEqual(t, a.Id, b.Id)

	documents, err := memory.List(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, 2, len(documents))

	updated, err := memory.Update(ctx, a.Id, "a2", "alpha2")
	assert.Equal(t, nil, err)
	assert.Equal(t, "a2", updated.Title)
	assert.Equal(t, "alpha2", updated.Content)

	// returned documents are copies, not aliases
	updated.Title = "mutated"
	stored, err := memory.Get(ctx, a.Id)
	assert.Equal(t, nil, err)
	assert.Equal(t, "a2", stored.Title)

	assert.Equal(t, nil, memory.Delete(ctx, b.Id))
	assert.Equal(t, ErrNotFound, memory.Delete(ctx, b.Id))
}

func TestMemoryStoreRoomStates(t *testing.T) {
	ctx := context.Background()
	memory := NewMemoryStore()

	state, err := memory.LoadRoomState(ctx, "doc-1")
	assert.Equal(t, nil, err)
	assert.Equal(t, 0, len(state))

	assert.Equal(t, nil, memory.SaveRoomState(ctx, "doc-1", []byte("snapshot")))
	state, err = memory.LoadRoomState(ctx, "doc-1")
	assert.Equal(t, nil, err)
	assert.Equal(t, "snapshot", string(state))
}
