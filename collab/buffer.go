package collab

import (
	"sync"
)

// TextBuffer is the locally editable, UI-facing text that the store bridge
// keeps equal to the replicated text. Implementations fire change callbacks
// synchronously on SetText.
type TextBuffer interface {
	Text() string
	SetText(text string)
	AddChangeCallback(changeCallback ChangeFunction) func()
}

// MemoryBuffer is a plain in-process TextBuffer, used by the CLI and tests.
type MemoryBuffer struct {
	mutex           sync.Mutex
	text            string
	changeCallbacks *CallbackList[ChangeFunction]
}

func NewMemoryBuffer(text string) *MemoryBuffer {
	return &MemoryBuffer{
		text:            text,
		changeCallbacks: NewCallbackList[ChangeFunction](),
	}
}

func (self *MemoryBuffer) Text() string {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.text
}

func (self *MemoryBuffer) SetText(text string) {
	self.mutex.Lock()
	changed := self.text != text
	self.text = text
	self.mutex.Unlock()
	if changed {
		for _, changeCallback := range self.changeCallbacks.Get() {
			changeCallback(text)
		}
	}
}

func (self *MemoryBuffer) AddChangeCallback(changeCallback ChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}
