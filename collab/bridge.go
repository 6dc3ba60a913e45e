package collab

import (
	"sync"

	"github.com/golang/glog"
)

// StoreBridge keeps a TextBuffer and a ReplicatedText equal in both
// directions without feedback loops. Two suppression flags mark which
// direction is currently propagating; a change notification that arrives
// while the opposite flag is set is an echo of our own write and is ignored.
// At most one propagation direction is active at any instant.
type StoreBridge struct {
	buffer TextBuffer
	text   *ReplicatedText

	flagLock       sync.Mutex
	applyingRemote bool
	applyingLocal  bool

	// buffer watching starts only after first sync, so the reconciliation
	// step cannot race a local edit notification
	watching bool

	unsubs []func()
}

func NewStoreBridge(buffer TextBuffer, text *ReplicatedText) *StoreBridge {
	bridge := &StoreBridge{
		buffer: buffer,
		text:   text,
	}
	bridge.unsubs = append(bridge.unsubs,
		text.AddChangeCallback(bridge.handleRemoteChange),
		text.AddSyncCallback(bridge.handleFirstSync),
	)
	return bridge
}

func (self *StoreBridge) setFlag(flag *bool) bool {
	self.flagLock.Lock()
	defer self.flagLock.Unlock()
	if self.applyingRemote || self.applyingLocal {
		return false
	}
	*flag = true
	return true
}

func (self *StoreBridge) clearFlag(flag *bool) {
	self.flagLock.Lock()
	defer self.flagLock.Unlock()
	*flag = false
}

func (self *StoreBridge) isApplyingLocal() bool {
	self.flagLock.Lock()
	defer self.flagLock.Unlock()
	return self.applyingLocal
}

func (self *StoreBridge) isApplyingRemote() bool {
	self.flagLock.Lock()
	defer self.flagLock.Unlock()
	return self.applyingRemote
}

// replicated text -> buffer
func (self *StoreBridge) handleRemoteChange(text string) {
	if self.isApplyingLocal() {
		return
	}
	if self.buffer.Text() == text {
		return
	}
	if !self.setFlag(&self.applyingRemote) {
		return
	}
	self.buffer.SetText(text)
	self.clearFlag(&self.applyingRemote)
}

// buffer -> replicated text, the coarse whole-content path
func (self *StoreBridge) handleBufferChange(content string) {
	self.flagLock.Lock()
	watching := self.watching
	self.flagLock.Unlock()
	if !watching {
		return
	}
	if self.isApplyingRemote() {
		return
	}
	if self.text.Text() == content {
		return
	}
	if !self.setFlag(&self.applyingLocal) {
		return
	}
	if err := self.text.Replace(content); err != nil {
		glog.Infof("[bridge]replace error = %s\n", err)
	}
	self.clearFlag(&self.applyingLocal)
}

// handleFirstSync reconciles the two sides once the room's authoritative
// state has arrived. Existing room content wins over the local buffer, so a
// late joiner can never erase collaborative content; an empty room is seeded
// from whatever the buffer holds.
func (self *StoreBridge) handleFirstSync() {
	if 0 < self.text.Len() {
		if self.setFlag(&self.applyingRemote) {
			self.buffer.SetText(self.text.Text())
			self.clearFlag(&self.applyingRemote)
		}
	} else if content := self.buffer.Text(); content != "" {
		if self.setFlag(&self.applyingLocal) {
			if err := self.text.Replace(content); err != nil {
				glog.Infof("[bridge]seed error = %s\n", err)
			}
			self.clearFlag(&self.applyingLocal)
		}
	}

	self.flagLock.Lock()
	alreadyWatching := self.watching
	self.watching = true
	self.flagLock.Unlock()
	if !alreadyWatching {
		self.unsubs = append(self.unsubs, self.buffer.AddChangeCallback(self.handleBufferChange))
	}
}

func (self *StoreBridge) Close() {
	for _, unsub := range self.unsubs {
		unsub()
	}
	self.unsubs = nil
}
