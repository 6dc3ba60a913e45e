package collab

import (
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

type throttleRecorder struct {
	mutex sync.Mutex
	calls []int
}

func (self *throttleRecorder) record(v int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.calls = append(self.calls, v)
}

func (self *throttleRecorder) snapshot() []int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	out := make([]int, len(self.calls))
	copy(out, self.calls)
	return out
}

func TestThrottleBurstCollapsesToLeadingAndTrailing(t *testing.T) {
	recorder := &throttleRecorder{}
	throttle := NewThrottle[int](100*time.Millisecond, recorder.record)
	defer throttle.Stop()

	for i := 0; i < 10; i += 1 {
		throttle.Call(i)
	}

	// the leading call fires immediately with the first args
	assert.Equal(t, []int{0}, recorder.snapshot())

	// the trailing call fires with the args of the last call
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, []int{0, 9}, recorder.snapshot())
}

func TestThrottleSpacedCallsAllInvoke(t *testing.T) {
	recorder := &throttleRecorder{}
	throttle := NewThrottle[int](20*time.Millisecond, recorder.record)
	defer throttle.Stop()

	throttle.Call(1)
	time.Sleep(50 * time.Millisecond)
	throttle.Call(2)
	time.Sleep(50 * time.Millisecond)
	throttle.Call(3)
	time.Sleep(50 * time.Millisecond)

	assert.Equal(t, []int{1, 2, 3}, recorder.snapshot())
}

func TestThrottleTrailingOverwrite(t *testing.T) {
	recorder := &throttleRecorder{}
	throttle := NewThrottle[int](100*time.Millisecond, recorder.record)
	defer throttle.Stop()

	throttle.Call(1)
	throttle.Call(2)
	throttle.Call(3)
	time.Sleep(40 * time.Millisecond)
	// still inside the window: replaces the pending args, does not add a call
	throttle.Call(4)
	time.Sleep(200 * time.Millisecond)

	assert.Equal(t, []int{1, 4}, recorder.snapshot())
}

func TestThrottleStopCancelsTrailing(t *testing.T) {
	recorder := &throttleRecorder{}
	throttle := NewThrottle[int](50*time.Millisecond, recorder.record)

	throttle.Call(1)
	throttle.Call(2)
	throttle.Stop()
	time.Sleep(150 * time.Millisecond)

	// the pending trailing call must not fire after Stop
	assert.Equal(t, []int{1}, recorder.snapshot())

	// calls after Stop are dropped
	throttle.Call(3)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, []int{1}, recorder.snapshot())
}
