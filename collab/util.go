package collab

import (
	"sync"
	"time"
)

type callbackEntry[T any] struct {
	callbackId int
	callback   T
}

// CallbackList is a registration list that copies on update, so that firing
// callbacks never holds the lock.
type CallbackList[T any] struct {
	mutex          sync.Mutex
	nextCallbackId int
	entries        []callbackEntry[T]
}

func NewCallbackList[T any]() *CallbackList[T] {
	return &CallbackList[T]{}
}

func (self *CallbackList[T]) Get() []T {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	callbacks := make([]T, len(self.entries))
	for i, entry := range self.entries {
		callbacks[i] = entry.callback
	}
	return callbacks
}

func (self *CallbackList[T]) Add(callback T) int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	callbackId := self.nextCallbackId
	self.nextCallbackId += 1
	nextEntries := make([]callbackEntry[T], len(self.entries), len(self.entries)+1)
	copy(nextEntries, self.entries)
	self.entries = append(nextEntries, callbackEntry[T]{callbackId: callbackId, callback: callback})
	return callbackId
}

func (self *CallbackList[T]) Remove(callbackId int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	nextEntries := []callbackEntry[T]{}
	for _, entry := range self.entries {
		if entry.callbackId != callbackId {
			nextEntries = append(nextEntries, entry)
		}
	}
	self.entries = nextEntries
}

// Reconnect spaces connection attempts so that a failing endpoint is retried
// at most once per timeout window, measured from the start of the attempt.
type Reconnect struct {
	timeout time.Duration
	start   time.Time
}

func NewReconnect(timeout time.Duration) *Reconnect {
	return &Reconnect{
		timeout: timeout,
		start:   time.Now(),
	}
}

func (self *Reconnect) After() <-chan time.Time {
	remaining := self.timeout - time.Since(self.start)
	if remaining < 0 {
		remaining = 0
	}
	return time.After(remaining)
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
