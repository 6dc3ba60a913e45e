package collab

import (
	"sync"
	"time"
)

// Throttle rate-limits calls to fn while guaranteeing the final call is
// delivered. A call invokes fn immediately when at least interval has
// elapsed since the last invocation; otherwise only the most recent args are
// remembered and one trailing invocation is scheduled at the remaining
// delay. Never more than one invocation per interval window.
type Throttle[T any] struct {
	interval time.Duration
	fn       func(T)

	mutex       sync.Mutex
	lastInvoke  time.Time
	pending     bool
	pendingArgs T
	timer       *time.Timer
	stopped     bool
}

func NewThrottle[T any](interval time.Duration, fn func(T)) *Throttle[T] {
	return &Throttle[T]{
		interval: interval,
		fn:       fn,
	}
}

func (self *Throttle[T]) Call(args T) {
	self.mutex.Lock()
	if self.stopped {
		self.mutex.Unlock()
		return
	}
	now := time.Now()
	if !self.pending && self.interval <= now.Sub(self.lastInvoke) {
		self.lastInvoke = now
		self.mutex.Unlock()
		self.fn(args)
		return
	}
	self.pendingArgs = args
	if !self.pending {
		self.pending = true
		remaining := self.interval - now.Sub(self.lastInvoke)
		self.timer = time.AfterFunc(remaining, self.invokeTrailing)
	}
	self.mutex.Unlock()
}

func (self *Throttle[T]) invokeTrailing() {
	self.mutex.Lock()
	if self.stopped || !self.pending {
		self.mutex.Unlock()
		return
	}
	args := self.pendingArgs
	self.pending = false
	self.timer = nil
	self.lastInvoke = time.Now()
	self.mutex.Unlock()
	self.fn(args)
}

// Stop cancels any pending trailing invocation. Subsequent calls are
// dropped.
func (self *Throttle[T]) Stop() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.stopped = true
	self.pending = false
	if self.timer != nil {
		self.timer.Stop()
		self.timer = nil
	}
}
