package collab

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
)

// session state machine is:
// SessionStateIdle
//
//	-> SessionStateConnecting
//	  -> SessionStateSynced
//	-> SessionStateSwitchingRoom (transient, teardown then Connecting)
//	-> SessionStateDisconnected (terminal until the next Connect)
type SessionState string

const (
	SessionStateIdle          SessionState = "Idle"
	SessionStateConnecting    SessionState = "Connecting"
	SessionStateSynced        SessionState = "Synced"
	SessionStateSwitchingRoom SessionState = "SwitchingRoom"
	SessionStateDisconnected  SessionState = "Disconnected"
)

func (self SessionState) IsLive() bool {
	switch self {
	case SessionStateConnecting, SessionStateSynced, SessionStateSwitchingRoom:
		return true
	default:
		return false
	}
}

type SessionSettings struct {
	// Websocket endpoint serving rooms
	WsUrl string

	ActivityTtl      time.Duration
	ThrottleInterval time.Duration

	TransportSettings *RoomTransportSettings
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		WsUrl:             "ws://localhost:3001/ws",
		ActivityTtl:       10 * time.Second,
		ThrottleInterval:  250 * time.Millisecond,
		TransportSettings: DefaultRoomTransportSettings(),
	}
}

// Session is the collaboration facade: it owns at most one live replicated
// text handle and presence channel at a time, wired to the given buffer, and
// is the only type the rest of the application talks to. Each Session is an
// independent object; two Sessions in one process never share room state.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	buffer TextBuffer
	user   *User

	stateLock  sync.Mutex
	state      SessionState
	documentId string

	text     *ReplicatedText
	presence *PresenceChannel
	bridge   *StoreBridge
	arbiter  *LineLockArbiter
	// unsubscribes bound to the current room
	roomUnsubs []func()

	// session-scoped observers that survive room switches
	statusCallbacks      *CallbackList[StatusFunction]
	participantCallbacks *CallbackList[ParticipantsFunction]

	settings *SessionSettings
}

func NewSessionWithDefaults(ctx context.Context, buffer TextBuffer) *Session {
	return NewSession(ctx, buffer, DefaultSessionSettings())
}

func NewSession(ctx context.Context, buffer TextBuffer, settings *SessionSettings) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &Session{
		ctx:                  cancelCtx,
		cancel:               cancel,
		buffer:               buffer,
		user:                 RandomUser(),
		state:                SessionStateIdle,
		statusCallbacks:      NewCallbackList[StatusFunction](),
		participantCallbacks: NewCallbackList[ParticipantsFunction](),
		settings:             settings,
	}
}

func (self *Session) User() *User {
	return self.user
}

func (self *Session) State() SessionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

func (self *Session) DocumentId() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.documentId
}

// Connect joins the room for the given document. Connecting to the current
// document is a no-op; connecting to a different one switches rooms, tearing
// the old one down completely first.
func (self *Session) Connect(documentId string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.state.IsLive() && self.documentId == documentId {
		return
	}
	if self.state.IsLive() {
		self.state = SessionStateSwitchingRoom
		glog.V(2).Infof("[session]switch %s -> %s\n", self.documentId, documentId)
		self.teardownRoom()
	}
	self.connectRoom(documentId)
}

// SwitchDocument is Connect under its UI-facing name.
func (self *Session) SwitchDocument(documentId string) {
	self.Connect(documentId)
}

// must be called with stateLock
func (self *Session) connectRoom(documentId string) {
	self.documentId = documentId
	self.state = SessionStateConnecting

	// wire everything up before the transport dials, so no observer can
	// miss the first snapshot
	self.text = NewReplicatedText(self.ctx, &ReplicatedTextSettings{
		WsUrl:             self.settings.WsUrl,
		TransportSettings: self.settings.TransportSettings,
	})

	self.presence = NewPresenceChannel(self.text.ReplicaId(), &PresenceChannelSettings{
		ThrottleInterval: self.settings.ThrottleInterval,
	})
	self.presence.Attach(self.text)

	self.arbiter = NewLineLockArbiter(self.presence, &LineLockArbiterSettings{
		ActivityTtl: self.settings.ActivityTtl,
	})

	self.bridge = NewStoreBridge(self.buffer, self.text)

	text := self.text
	self.roomUnsubs = []func(){
		self.text.AddStatusCallback(func(connected bool) {
			for _, statusCallback := range self.statusCallbacks.Get() {
				statusCallback(connected)
			}
		}),
		self.text.AddSyncCallback(func() {
			self.stateLock.Lock()
			if self.text == text && self.state == SessionStateConnecting {
				self.state = SessionStateSynced
			}
			self.stateLock.Unlock()
		}),
		self.presence.AddParticipantsCallback(func(participants map[ReplicaId]*ParticipantState) {
			for _, participantsCallback := range self.participantCallbacks.Get() {
				participantsCallback(participants)
			}
		}),
	}

	self.text.Connect(documentId)
	self.presence.SetUser(self.user)
}

// must be called with stateLock
func (self *Session) teardownRoom() {
	for _, unsub := range self.roomUnsubs {
		unsub()
	}
	self.roomUnsubs = nil
	if self.bridge != nil {
		self.bridge.Close()
		self.bridge = nil
	}
	if self.presence != nil {
		self.presence.Close()
		self.presence = nil
	}
	if self.text != nil {
		self.text.Disconnect()
		self.text = nil
	}
	self.arbiter = nil
	self.documentId = ""
}

// Disconnect tears the current room down fully. Idempotent.
func (self *Session) Disconnect() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if !self.state.IsLive() {
		self.state = SessionStateDisconnected
		return
	}
	self.teardownRoom()
	self.state = SessionStateDisconnected
}

// Close disconnects and releases the session permanently.
func (self *Session) Close() {
	self.Disconnect()
	self.cancel()
}

func (self *Session) IsConnected() bool {
	self.stateLock.Lock()
	text := self.text
	self.stateLock.Unlock()
	return text != nil && text.IsConnected()
}

func (self *Session) IsSynced() bool {
	return self.State() == SessionStateSynced
}

// Text returns the replicated document text, or the buffer text while no
// room is live.
func (self *Session) Text() string {
	self.stateLock.Lock()
	text := self.text
	self.stateLock.Unlock()
	if text != nil {
		return text.Text()
	}
	return self.buffer.Text()
}

// ApplyLocalEdit is the fine-grained edit path for callers that know the
// exact span, e.g. keystroke handling. The coarse buffer path stays correct
// without it.
func (self *Session) ApplyLocalEdit(index int, deleteCount int, insertText string) error {
	self.stateLock.Lock()
	text := self.text
	self.stateLock.Unlock()
	if text == nil {
		return nil
	}
	return text.ApplyLocalEdit(index, deleteCount, insertText)
}

// Presence setters are no-ops while no room is live: UI code may call them
// before connect completes.

func (self *Session) UpdateCursor(line int, column int, index int) {
	self.stateLock.Lock()
	presence := self.presence
	self.stateLock.Unlock()
	if presence != nil {
		presence.SetCursor(&Position{Line: line, Column: column, Index: index})
	}
}

func (self *Session) UpdateSelection(startOffset int, endOffset int) {
	self.stateLock.Lock()
	presence := self.presence
	self.stateLock.Unlock()
	if presence != nil {
		presence.SetSelection(&Selection{StartOffset: startOffset, EndOffset: endOffset})
	}
}

// TouchEditing signals "typing on this line right now".
func (self *Session) TouchEditing(line int, index int) {
	self.stateLock.Lock()
	presence := self.presence
	self.stateLock.Unlock()
	if presence != nil {
		presence.SetActivity(line, index, true)
	}
}

// StopEditing retracts the editing signal without waiting for the TTL.
func (self *Session) StopEditing(line int, index int) {
	self.stateLock.Lock()
	presence := self.presence
	self.stateLock.Unlock()
	if presence != nil {
		presence.SetActivity(line, index, false)
	}
}

func (self *Session) IsLineLocked(line int) bool {
	self.stateLock.Lock()
	arbiter := self.arbiter
	self.stateLock.Unlock()
	if arbiter == nil {
		return false
	}
	return arbiter.IsLineLocked(line)
}

func (self *Session) LockedLines() map[int]*LineLock {
	self.stateLock.Lock()
	arbiter := self.arbiter
	self.stateLock.Unlock()
	if arbiter == nil {
		return map[int]*LineLock{}
	}
	return arbiter.LockedLines()
}

func (self *Session) Participants() map[ReplicaId]*ParticipantState {
	self.stateLock.Lock()
	presence := self.presence
	self.stateLock.Unlock()
	if presence == nil {
		return map[ReplicaId]*ParticipantState{}
	}
	return presence.Participants()
}

// AddStatusCallback observes the boolean connected status across room
// switches. The unsubscribe applies to the session, not to one room.
func (self *Session) AddStatusCallback(statusCallback StatusFunction) func() {
	callbackId := self.statusCallbacks.Add(statusCallback)
	return func() {
		self.statusCallbacks.Remove(callbackId)
	}
}

func (self *Session) AddParticipantsCallback(participantsCallback ParticipantsFunction) func() {
	callbackId := self.participantCallbacks.Add(participantsCallback)
	return func() {
		self.participantCallbacks.Remove(callbackId)
	}
}
