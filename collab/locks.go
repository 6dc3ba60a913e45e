package collab

import (
	"time"
)

// LineLock names the remote participant currently treated as owning a line.
type LineLock struct {
	Line      int
	ReplicaId ReplicaId
	User      *User
}

type LineLockArbiterSettings struct {
	// How long an editing signal stays live without a refresh. Must be
	// comfortably larger than the presence throttle interval so an explicit
	// stopped-editing signal always lands before naive expiry would.
	ActivityTtl time.Duration
}

func DefaultLineLockArbiterSettings() *LineLockArbiterSettings {
	return &LineLockArbiterSettings{
		ActivityTtl: 10 * time.Second,
	}
}

// LineLockArbiter computes, on demand, which remote participant owns a line
// for soft-lock display. It is a heuristic projection of presence state:
// it never blocks or rejects an edit, and ties are broken deterministically
// by the smallest replica id.
type LineLockArbiter struct {
	presence *PresenceChannel

	// overridable for tests
	nowMs func() int64

	settings *LineLockArbiterSettings
}

func NewLineLockArbiterWithDefaults(presence *PresenceChannel) *LineLockArbiter {
	return NewLineLockArbiter(presence, DefaultLineLockArbiterSettings())
}

func NewLineLockArbiter(presence *PresenceChannel, settings *LineLockArbiterSettings) *LineLockArbiter {
	return &LineLockArbiter{
		presence: presence,
		nowMs:    nowMillis,
		settings: settings,
	}
}

// active returns the live (line, replica, state) records from the current
// presence snapshot.
func (self *LineLockArbiter) active() map[int]*LineLock {
	ttlMs := self.settings.ActivityTtl.Milliseconds()
	now := self.nowMs()
	winners := map[int]*LineLock{}
	for replicaId, state := range self.presence.Participants() {
		activity := state.Activity
		if activity == nil || !activity.Editing {
			continue
		}
		if ttlMs < now-activity.TimestampMs {
			continue
		}
		current, present := winners[activity.Line]
		if present && current.ReplicaId <= replicaId {
			continue
		}
		winners[activity.Line] = &LineLock{
			Line:      activity.Line,
			ReplicaId: replicaId,
			User:      state.User,
		}
	}
	return winners
}

// Owner returns the replica currently owning the line, if any.
func (self *LineLockArbiter) Owner(line int) (ReplicaId, bool) {
	if lock, present := self.active()[line]; present {
		return lock.ReplicaId, true
	}
	return 0, false
}

// IsLineLocked reports whether a remote participant owns the line.
func (self *LineLockArbiter) IsLineLocked(line int) bool {
	_, present := self.active()[line]
	return present
}

// LockedLines returns the winning owner for every line with at least one
// active remote editor, keyed by line, so per-line indicators can render in
// one pass.
func (self *LineLockArbiter) LockedLines() map[int]*LineLock {
	return self.active()
}
