package store

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

type AutosaverSettings struct {
	Interval time.Duration
}

func DefaultAutosaverSettings() *AutosaverSettings {
	return &AutosaverSettings{
		Interval: 3 * time.Second,
	}
}

// Autosaver periodically persists one document's content, skipping ticks
// where nothing changed since the last save. The content source is polled so
// the caller does not have to push every keystroke.
type Autosaver struct {
	ctx    context.Context
	cancel context.CancelFunc

	store      DocumentStore
	documentId string
	// returns the current (title, content)
	source func() (string, string)

	stateLock   sync.Mutex
	lastTitle   string
	lastContent string
	primed      bool

	settings *AutosaverSettings
}

func NewAutosaverWithDefaults(ctx context.Context, store DocumentStore, documentId string, source func() (string, string)) *Autosaver {
	return NewAutosaver(ctx, store, documentId, source, DefaultAutosaverSettings())
}

func NewAutosaver(ctx context.Context, store DocumentStore, documentId string, source func() (string, string), settings *AutosaverSettings) *Autosaver {
	cancelCtx, cancel := context.WithCancel(ctx)
	autosaver := &Autosaver{
		ctx:        cancelCtx,
		cancel:     cancel,
		store:      store,
		documentId: documentId,
		source:     source,
		settings:   settings,
	}
	go autosaver.run()
	return autosaver
}

func (self *Autosaver) run() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.Interval):
		}
		self.SaveIfDirty()
	}
}

// SaveIfDirty persists immediately when the source differs from the last
// persisted value. Returns whether a save happened.
func (self *Autosaver) SaveIfDirty() bool {
	title, content := self.source()

	self.stateLock.Lock()
	if self.primed && title == self.lastTitle && content == self.lastContent {
		self.stateLock.Unlock()
		return false
	}
	self.stateLock.Unlock()

	if _, err := self.store.Update(self.ctx, self.documentId, title, content); err != nil {
		glog.Infof("[autosave]%s save error = %s\n", self.documentId, err)
		return false
	}
	self.stateLock.Lock()
	self.lastTitle = title
	self.lastContent = content
	self.primed = true
	self.stateLock.Unlock()
	return true
}

// Stop halts the timer after a final dirty check.
func (self *Autosaver) Stop() {
	self.SaveIfDirty()
	self.cancel()
}
