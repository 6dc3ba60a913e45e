package collab

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

// Position is a cursor location. Index is the rune offset into the whole
// document; Line and Column are 1-based for display.
type Position struct {
	Line   int `json:"line"`
	Column int `json:"column"`
	Index  int `json:"index"`
}

// Selection is a half-open rune offset range.
type Selection struct {
	StartOffset int `json:"startOffset"`
	EndOffset   int `json:"endOffset"`
}

// Activity is the last known "I am typing here" signal.
type Activity struct {
	Line        int   `json:"line"`
	Index       int   `json:"index"`
	Editing     bool  `json:"editing"`
	TimestampMs int64 `json:"timestampMs"`
}

// ParticipantState is one replica's entire ephemeral state. Every field is
// last-write-wins per replica; the state is always republished atomically,
// never merged field by field across replicas.
type ParticipantState struct {
	User      *User      `json:"user,omitempty"`
	Cursor    *Position  `json:"cursor,omitempty"`
	Selection *Selection `json:"selection,omitempty"`
	Activity  *Activity  `json:"activity,omitempty"`
}

func (self *ParticipantState) clone() *ParticipantState {
	out := &ParticipantState{}
	if self.User != nil {
		user := *self.User
		out.User = &user
	}
	if self.Cursor != nil {
		cursor := *self.Cursor
		out.Cursor = &cursor
	}
	if self.Selection != nil {
		selection := *self.Selection
		out.Selection = &selection
	}
	if self.Activity != nil {
		activity := *self.Activity
		out.Activity = &activity
	}
	return out
}

type ParticipantsFunction = func(participants map[ReplicaId]*ParticipantState)

type PresenceChannelSettings struct {
	// Outbound rate cap for presence broadcasts. The trailing call guarantee
	// of the throttle means the final state of a burst is always sent.
	ThrottleInterval time.Duration
}

func DefaultPresenceChannelSettings() *PresenceChannelSettings {
	return &PresenceChannelSettings{
		ThrottleInterval: 250 * time.Millisecond,
	}
}

// PresenceChannel publishes the local participant state on a room session's
// side channel and tracks every remote replica's last state. Presence is
// session scoped: closing the channel clears all remote state observably.
type PresenceChannel struct {
	replicaId ReplicaId

	stateLock sync.Mutex
	local     *ParticipantState
	remotes   map[ReplicaId]*ParticipantState
	closed    bool

	// nil until attached to a session; setters are no-ops without it
	text   *ReplicatedText
	unsubs []func()

	throttle *Throttle[[]byte]

	participantCallbacks *CallbackList[ParticipantsFunction]

	settings *PresenceChannelSettings
}

func NewPresenceChannelWithDefaults(replicaId ReplicaId) *PresenceChannel {
	return NewPresenceChannel(replicaId, DefaultPresenceChannelSettings())
}

func NewPresenceChannel(replicaId ReplicaId, settings *PresenceChannelSettings) *PresenceChannel {
	channel := &PresenceChannel{
		replicaId:            replicaId,
		local:                &ParticipantState{},
		remotes:              map[ReplicaId]*ParticipantState{},
		participantCallbacks: NewCallbackList[ParticipantsFunction](),
		settings:             settings,
	}
	channel.throttle = NewThrottle[[]byte](settings.ThrottleInterval, func(frame []byte) {
		channel.stateLock.Lock()
		text := channel.text
		channel.stateLock.Unlock()
		if text != nil {
			text.Send(frame)
		}
	})
	return channel
}

// Attach binds the channel to a room session's side channel. Frames
// published before Attach are dropped.
func (self *PresenceChannel) Attach(text *ReplicatedText) {
	self.stateLock.Lock()
	self.text = text
	self.stateLock.Unlock()
	if text != nil {
		unsub := text.AddSideCallback(self.handleMessage)
		statusUnsub := text.AddStatusCallback(self.handleStatus)
		self.stateLock.Lock()
		self.unsubs = append(self.unsubs, unsub, statusUnsub)
		self.stateLock.Unlock()
	}
}

func (self *PresenceChannel) ReplicaId() ReplicaId {
	return self.replicaId
}

func (self *PresenceChannel) SetUser(user *User) {
	self.mutateLocal(func(state *ParticipantState) {
		state.User = user
	})
}

func (self *PresenceChannel) SetCursor(cursor *Position) {
	self.mutateLocal(func(state *ParticipantState) {
		state.Cursor = cursor
	})
}

func (self *PresenceChannel) SetSelection(selection *Selection) {
	self.mutateLocal(func(state *ParticipantState) {
		state.Selection = selection
	})
}

func (self *PresenceChannel) SetActivity(line int, index int, editing bool) {
	self.mutateLocal(func(state *ParticipantState) {
		state.Activity = &Activity{
			Line:        line,
			Index:       index,
			Editing:     editing,
			TimestampMs: nowMillis(),
		}
	})
}

// mutateLocal overwrites one field and republishes the entire local state.
func (self *PresenceChannel) mutateLocal(mutate func(state *ParticipantState)) {
	self.stateLock.Lock()
	if self.closed || self.text == nil {
		self.stateLock.Unlock()
		return
	}
	mutate(self.local)
	frame := EncodeFrame(&Presence{
		Type:      "Presence",
		ReplicaId: self.replicaId,
		State:     self.local.clone(),
	})
	self.stateLock.Unlock()
	self.throttle.Call(frame)
}

// Participants returns the current remote states, excluding the local
// replica.
func (self *PresenceChannel) Participants() map[ReplicaId]*ParticipantState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return maps.Clone(self.remotes)
}

func (self *PresenceChannel) LocalState() *ParticipantState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.local.clone()
}

func (self *PresenceChannel) AddParticipantsCallback(participantsCallback ParticipantsFunction) func() {
	callbackId := self.participantCallbacks.Add(participantsCallback)
	return func() {
		self.participantCallbacks.Remove(callbackId)
	}
}

func (self *PresenceChannel) notifyParticipants() {
	participants := self.Participants()
	for _, participantsCallback := range self.participantCallbacks.Get() {
		participantsCallback(participants)
	}
}

func (self *PresenceChannel) handleMessage(message []byte) {
	switch FrameType(message) {
	case "Presence":
		var presence Presence
		if err := json.Unmarshal(message, &presence); err != nil {
			glog.Infof("[pc]bad presence = %s\n", err)
			return
		}
		if presence.ReplicaId == self.replicaId || presence.State == nil {
			return
		}
		self.stateLock.Lock()
		if self.closed {
			self.stateLock.Unlock()
			return
		}
		self.remotes[presence.ReplicaId] = presence.State
		self.stateLock.Unlock()
		self.notifyParticipants()
	case "Leave":
		var leave Leave
		if err := json.Unmarshal(message, &leave); err != nil {
			return
		}
		self.stateLock.Lock()
		_, present := self.remotes[leave.ReplicaId]
		delete(self.remotes, leave.ReplicaId)
		self.stateLock.Unlock()
		if present {
			self.notifyParticipants()
		}
	}
}

// on reconnect, republish the local state so the new session sees it
func (self *PresenceChannel) handleStatus(connected bool) {
	if !connected {
		return
	}
	self.stateLock.Lock()
	if self.closed || self.text == nil {
		self.stateLock.Unlock()
		return
	}
	frame := EncodeFrame(&Presence{
		Type:      "Presence",
		ReplicaId: self.replicaId,
		State:     self.local.clone(),
	})
	self.stateLock.Unlock()
	self.throttle.Call(frame)
}

// Close retracts the local state, stops the throttle timer, and clears all
// remote state observably.
func (self *PresenceChannel) Close() {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return
	}
	self.closed = true
	text := self.text
	self.text = nil
	unsubs := self.unsubs
	self.unsubs = nil
	hadRemotes := 0 < len(self.remotes)
	self.remotes = map[ReplicaId]*ParticipantState{}
	self.stateLock.Unlock()

	self.throttle.Stop()
	for _, unsub := range unsubs {
		unsub()
	}
	if text != nil {
		// explicit retraction; remotes also expire us via the session close
		text.Send(EncodeFrame(&Leave{
			Type:      "Leave",
			ReplicaId: self.replicaId,
		}))
	}
	if hadRemotes {
		self.notifyParticipants()
	}
}
