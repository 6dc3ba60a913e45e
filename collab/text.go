package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/golang/glog"

	"github.com/markpad/markpad/crdt"
)

type ChangeFunction = func(text string)

type SyncFunction = func()

type ReplicatedTextSettings struct {
	// Websocket endpoint serving rooms, e.g. ws://host:port/ws
	WsUrl string

	TransportSettings *RoomTransportSettings
}

func DefaultReplicatedTextSettings() *ReplicatedTextSettings {
	return &ReplicatedTextSettings{
		WsUrl:             "ws://localhost:3001/ws",
		TransportSettings: DefaultRoomTransportSettings(),
	}
}

// ReplicatedText owns one replicated text object and the network session
// that synchronizes it with a room. The merge algorithm (crdt.Logoot) is
// treated as a black box: this type only turns local edits into transactions
// and remote frames into applied ops.
//
// Edits are legal while disconnected; they apply locally and are reconciled
// by state merge once the transport reconnects and a fresh snapshot arrives.
type ReplicatedText struct {
	ctx    context.Context
	cancel context.CancelFunc

	replicaId ReplicaId

	docLock sync.Mutex
	doc     *crdt.Logoot
	// set while the current connection has received its snapshot
	synced   bool
	released bool

	roomLock  sync.Mutex
	roomId    string
	transport *RoomTransport
	// registered transport unsubscribes for the current room
	unsubs []func()

	changeCallbacks *CallbackList[ChangeFunction]
	syncCallbacks   *CallbackList[SyncFunction]
	statusCallbacks *CallbackList[StatusFunction]
	// frames the handle itself does not consume (presence side channel)
	sideCallbacks *CallbackList[ReceiveFunction]

	settings *ReplicatedTextSettings
}

func NewReplicatedTextWithDefaults(ctx context.Context) *ReplicatedText {
	return NewReplicatedText(ctx, DefaultReplicatedTextSettings())
}

func NewReplicatedText(ctx context.Context, settings *ReplicatedTextSettings) *ReplicatedText {
	cancelCtx, cancel := context.WithCancel(ctx)
	replicaId := newReplicaId()
	return &ReplicatedText{
		ctx:             cancelCtx,
		cancel:          cancel,
		replicaId:       replicaId,
		doc:             crdt.NewLogoot(uint32(replicaId)),
		changeCallbacks: NewCallbackList[ChangeFunction](),
		syncCallbacks:   NewCallbackList[SyncFunction](),
		statusCallbacks: NewCallbackList[StatusFunction](),
		sideCallbacks:   NewCallbackList[ReceiveFunction](),
		settings:        settings,
	}
}

func (self *ReplicatedText) ReplicaId() ReplicaId {
	return self.replicaId
}

// Connect opens the session for the given document. Calling it again with
// the currently connected document is a no-op.
func (self *ReplicatedText) Connect(documentId string) {
	self.roomLock.Lock()
	defer self.roomLock.Unlock()

	if self.transport != nil && self.roomId == documentId {
		return
	}
	if self.transport != nil {
		self.teardownTransport()
	}

	self.roomId = documentId
	url := fmt.Sprintf("%s/%s", self.settings.WsUrl, RoomName(documentId))
	self.transport = NewRoomTransport(self.ctx, url, self.settings.TransportSettings)
	self.unsubs = []func(){
		self.transport.AddReceiveCallback(self.handleMessage),
		self.transport.AddStatusCallback(self.handleStatus),
	}
	self.transport.Start()
}

func (self *ReplicatedText) IsConnected() bool {
	self.roomLock.Lock()
	transport := self.transport
	self.roomLock.Unlock()
	return transport != nil && transport.IsConnected()
}

// must be called with roomLock
func (self *ReplicatedText) teardownTransport() {
	for _, unsub := range self.unsubs {
		unsub()
	}
	self.unsubs = nil
	self.transport.Close()
	self.transport = nil
	self.docLock.Lock()
	self.synced = false
	self.docLock.Unlock()
}

// Disconnect closes the session and releases the replicated text object.
// Safe to call when already disconnected.
func (self *ReplicatedText) Disconnect() {
	self.roomLock.Lock()
	if self.transport != nil {
		self.teardownTransport()
	}
	self.roomId = ""
	self.roomLock.Unlock()

	self.docLock.Lock()
	self.released = true
	self.docLock.Unlock()

	self.cancel()
}

func (self *ReplicatedText) Text() string {
	self.docLock.Lock()
	defer self.docLock.Unlock()
	return self.doc.Text()
}

func (self *ReplicatedText) Len() int {
	self.docLock.Lock()
	defer self.docLock.Unlock()
	return self.doc.Len()
}

func (self *ReplicatedText) IsSynced() bool {
	self.docLock.Lock()
	defer self.docLock.Unlock()
	return self.synced
}

// ApplyLocalEdit mutates the text as one atomic transaction: deleteCount
// runes removed at index, then insertText inserted there. Remote observers
// see a single combined change. Out-of-range arguments are programming
// errors and are rejected, never clamped.
func (self *ReplicatedText) ApplyLocalEdit(index int, deleteCount int, insertText string) error {
	self.docLock.Lock()
	if self.released {
		self.docLock.Unlock()
		return fmt.Errorf("replicated text released")
	}
	if index < 0 || deleteCount < 0 || self.doc.Len() < index+deleteCount {
		n := self.doc.Len()
		self.docLock.Unlock()
		return fmt.Errorf("edit (%d, %d) out of range for length %d", index, deleteCount, n)
	}
	ops := []crdt.Op{}
	if 0 < deleteCount {
		deleteOps, err := self.doc.DeleteAt(index, deleteCount)
		if err != nil {
			self.docLock.Unlock()
			return err
		}
		ops = append(ops, deleteOps...)
	}
	if 0 < len(insertText) {
		insertOps, err := self.doc.InsertAt(index, insertText)
		if err != nil {
			self.docLock.Unlock()
			return err
		}
		ops = append(ops, insertOps...)
	}
	text := self.doc.Text()
	self.docLock.Unlock()

	if 0 < len(ops) {
		self.sendFrame(EncodeFrame(&Update{
			Type:      "Update",
			ReplicaId: self.replicaId,
			Ops:       ops,
		}))
		self.notifyChange(text)
	}
	return nil
}

// Replace swaps the entire contents in one transaction: the coarse path used
// by the store bridge when the exact edit span is unknown.
func (self *ReplicatedText) Replace(text string) error {
	self.docLock.Lock()
	n := self.doc.Len()
	current := self.doc.Text()
	self.docLock.Unlock()
	if current == text {
		return nil
	}
	return self.ApplyLocalEdit(0, n, text)
}

func (self *ReplicatedText) AddChangeCallback(changeCallback ChangeFunction) func() {
	callbackId := self.changeCallbacks.Add(changeCallback)
	return func() {
		self.changeCallbacks.Remove(callbackId)
	}
}

// AddSyncCallback registers a callback fired exactly once per connection,
// the first time the handle holds the room's authoritative state.
func (self *ReplicatedText) AddSyncCallback(syncCallback SyncFunction) func() {
	callbackId := self.syncCallbacks.Add(syncCallback)
	return func() {
		self.syncCallbacks.Remove(callbackId)
	}
}

func (self *ReplicatedText) AddStatusCallback(statusCallback StatusFunction) func() {
	callbackId := self.statusCallbacks.Add(statusCallback)
	return func() {
		self.statusCallbacks.Remove(callbackId)
	}
}

// AddSideCallback observes frames the handle itself does not consume:
// the presence side channel of the same session.
func (self *ReplicatedText) AddSideCallback(receiveCallback ReceiveFunction) func() {
	callbackId := self.sideCallbacks.Add(receiveCallback)
	return func() {
		self.sideCallbacks.Remove(callbackId)
	}
}

func (self *ReplicatedText) notifyChange(text string) {
	for _, changeCallback := range self.changeCallbacks.Get() {
		changeCallback(text)
	}
}

// Send queues a raw frame on the room session. Dropped while disconnected.
func (self *ReplicatedText) Send(frame []byte) bool {
	self.roomLock.Lock()
	transport := self.transport
	self.roomLock.Unlock()
	if transport == nil {
		return false
	}
	return transport.Send(frame)
}

func (self *ReplicatedText) sendFrame(frame []byte) {
	self.Send(frame)
}

func (self *ReplicatedText) handleStatus(connected bool) {
	for _, statusCallback := range self.statusCallbacks.Get() {
		statusCallback(connected)
	}
}

func (self *ReplicatedText) handleMessage(message []byte) {
	switch FrameType(message) {
	case "Snapshot":
		var snapshot Snapshot
		if err := json.Unmarshal(message, &snapshot); err != nil {
			glog.Infof("[text]bad snapshot = %s\n", err)
			return
		}
		self.handleSnapshot(&snapshot)
	case "Change":
		var change Change
		if err := json.Unmarshal(message, &change); err != nil {
			glog.Infof("[text]bad change = %s\n", err)
			return
		}
		if change.ReplicaId == self.replicaId {
			return
		}
		self.handleChange(&change)
	default:
		for _, receiveCallback := range self.sideCallbacks.Get() {
			receiveCallback(message)
		}
	}
}

// handleSnapshot reconciles the room's authoritative state with any local
// content, then reports the connection synced. Local state that the room has
// not seen (offline edits, a rejoin) is pushed back as a Sync frame.
func (self *ReplicatedText) handleSnapshot(snapshot *Snapshot) {
	self.docLock.Lock()
	if self.released {
		self.docLock.Unlock()
		return
	}
	hadLocal := 0 < self.doc.Len()
	var local *crdt.State
	if hadLocal {
		local = self.doc.Snapshot()
	}
	if snapshot.State != nil {
		self.doc.Merge(snapshot.State)
	}
	firstSync := !self.synced
	self.synced = true
	self.docLock.Unlock()

	if hadLocal {
		self.sendFrame(EncodeFrame(&Sync{
			Type:  "Sync",
			State: local,
		}))
	}
	if firstSync {
		for _, syncCallback := range self.syncCallbacks.Get() {
			syncCallback()
		}
	}
	// sync callbacks may have reconciled the doc; notify with the settled text
	self.docLock.Lock()
	text := self.doc.Text()
	self.docLock.Unlock()
	self.notifyChange(text)
}

func (self *ReplicatedText) handleChange(change *Change) {
	self.docLock.Lock()
	if self.released {
		self.docLock.Unlock()
		return
	}
	before := self.doc.Text()
	for _, op := range change.Ops {
		self.doc.Apply(op)
	}
	text := self.doc.Text()
	self.docLock.Unlock()

	if text != before {
		self.notifyChange(text)
	}
}
