// Package hub is the authoritative room server. Each room owns the merged
// document state and the last presence state per replica; clients exchange
// the collab wire frames over a websocket per room.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/markpad/markpad/collab"
	"github.com/markpad/markpad/crdt"
)

// RoomStore checkpoints room state so a room survives hub restarts.
// Implementations must tolerate rooms they have never seen.
type RoomStore interface {
	SaveRoomState(ctx context.Context, room string, state []byte) error
	// LoadRoomState returns (nil, nil) for an unknown room.
	LoadRoomState(ctx context.Context, room string) ([]byte, error)
}

// Relay fans frames out to the same room on other hub instances.
type Relay interface {
	Publish(ctx context.Context, room string, frame []byte) error
	Subscribe(ctx context.Context, handle func(room string, frame []byte)) error
	Close()
}

type HubSettings struct {
	WriteTimeout time.Duration
	PingInterval time.Duration
	ReadTimeout  time.Duration

	SendBufferSize int

	// how often dirty rooms are checkpointed to the store
	SaveInterval time.Duration
}

func DefaultHubSettings() *HubSettings {
	return &HubSettings{
		WriteTimeout:   5 * time.Second,
		PingInterval:   5 * time.Second,
		ReadTimeout:    15 * time.Second,
		SendBufferSize: 64,
		SaveInterval:   5 * time.Second,
	}
}

// The hub site id for merge-generated state. Client replica ids are random
// non-zero uint32s, so 0 never collides.
const hubSite = 0

type Hub struct {
	ctx    context.Context
	cancel context.CancelFunc

	// optional; nil means rooms are memory only
	store RoomStore
	// optional; nil means single instance
	relay Relay

	roomsLock sync.Mutex
	rooms     map[string]*room

	upgrader websocket.Upgrader

	settings *HubSettings
}

type room struct {
	name string

	lock    sync.Mutex
	doc     *crdt.Logoot
	clients map[*client]bool
	// last presence state per replica, replayed to late joiners
	presence map[collab.ReplicaId]*collab.ParticipantState
	dirty    bool
}

type client struct {
	send chan []byte
	// replica ids seen on this connection, for leave cleanup
	replicaIds map[collab.ReplicaId]bool
}

func NewHubWithDefaults(ctx context.Context, store RoomStore) *Hub {
	return NewHub(ctx, store, nil, DefaultHubSettings())
}

func NewHub(ctx context.Context, store RoomStore, relay Relay, settings *HubSettings) *Hub {
	cancelCtx, cancel := context.WithCancel(ctx)
	hub := &Hub{
		ctx:    cancelCtx,
		cancel: cancel,
		store:  store,
		relay:  relay,
		rooms:  map[string]*room{},
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		settings: settings,
	}
	if relay != nil {
		if err := relay.Subscribe(cancelCtx, hub.handleRelay); err != nil {
			glog.Infof("[hub]relay subscribe error = %s\n", err)
		}
	}
	if store != nil {
		go hub.saveLoop()
	}
	return hub
}

func (self *Hub) Close() {
	self.checkpointAll()
	self.cancel()
	if self.relay != nil {
		self.relay.Close()
	}
}

// ServeWs upgrades the request and runs the connection until it drops.
// The room name is the {room} path variable.
func (self *Hub) ServeWs(w http.ResponseWriter, r *http.Request) {
	roomName := mux.Vars(r)["room"]
	if roomName == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}

	ws, err := self.upgrader.Upgrade(w, r, nil)
	if err != nil {
		glog.Infof("[hub]upgrade error = %s\n", err)
		return
	}

	room := self.openRoom(roomName)
	c := &client{
		send:       make(chan []byte, self.settings.SendBufferSize),
		replicaIds: map[collab.ReplicaId]bool{},
	}
	self.join(room, c)
	glog.V(2).Infof("[hub]%s join\n", roomName)

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	go self.writePump(handleCtx, handleCancel, ws, c)
	self.readPump(handleCtx, ws, room, c)

	self.leave(room, c)
	ws.Close()
	glog.V(2).Infof("[hub]%s leave\n", roomName)
}

func (self *Hub) openRoom(name string) *room {
	self.roomsLock.Lock()
	defer self.roomsLock.Unlock()
	if r, ok := self.rooms[name]; ok {
		return r
	}
	r := &room{
		name:     name,
		doc:      crdt.NewLogoot(hubSite),
		clients:  map[*client]bool{},
		presence: map[collab.ReplicaId]*collab.ParticipantState{},
	}
	if self.store != nil {
		if buf, err := self.store.LoadRoomState(self.ctx, name); err != nil {
			glog.Infof("[hub]%s load error = %s\n", name, err)
		} else if buf != nil {
			if state, err := crdt.DecodeState(buf); err != nil {
				glog.Infof("[hub]%s bad stored state = %s\n", name, err)
			} else {
				r.doc.Merge(state)
			}
		}
	}
	self.rooms[name] = r
	return r
}

// join registers the client and replays room state: a snapshot frame first,
// then one presence frame per known replica.
func (self *Hub) join(r *room, c *client) {
	r.lock.Lock()
	r.clients[c] = true
	snapshot := collab.EncodeFrame(&collab.Snapshot{
		Type:  "Snapshot",
		State: r.doc.Snapshot(),
	})
	replay := [][]byte{}
	for replicaId, state := range r.presence {
		replay = append(replay, collab.EncodeFrame(&collab.Presence{
			Type:      "Presence",
			ReplicaId: replicaId,
			State:     state,
		}))
	}
	r.lock.Unlock()

	c.send <- snapshot
	for _, frame := range replay {
		select {
		case c.send <- frame:
		default:
		}
	}
}

// leave drops the client and broadcasts a leave for every replica id the
// connection carried.
func (self *Hub) leave(r *room, c *client) {
	r.lock.Lock()
	delete(r.clients, c)
	leaves := [][]byte{}
	for replicaId := range c.replicaIds {
		delete(r.presence, replicaId)
		leaves = append(leaves, collab.EncodeFrame(&collab.Leave{
			Type:      "Leave",
			ReplicaId: replicaId,
		}))
	}
	empty := len(r.clients) == 0
	r.lock.Unlock()

	for _, frame := range leaves {
		self.broadcast(r, nil, frame)
		self.publishRelay(r.name, frame)
	}
	if empty {
		self.closeRoomIfEmpty(r)
	}
}

// closeRoomIfEmpty checkpoints and drops a room with no clients. A client
// joining concurrently recreates it from the checkpoint.
func (self *Hub) closeRoomIfEmpty(r *room) {
	self.roomsLock.Lock()
	r.lock.Lock()
	if 0 < len(r.clients) {
		r.lock.Unlock()
		self.roomsLock.Unlock()
		return
	}
	var state []byte
	if r.dirty {
		if buf, err := r.doc.Encode(); err == nil {
			state = buf
		}
		r.dirty = false
	}
	delete(self.rooms, r.name)
	r.lock.Unlock()
	self.roomsLock.Unlock()

	if state != nil && self.store != nil {
		if err := self.store.SaveRoomState(self.ctx, r.name, state); err != nil {
			glog.Infof("[hub]%s save error = %s\n", r.name, err)
		}
	}
}

func (self *Hub) readPump(ctx context.Context, ws *websocket.Conn, r *room, c *client) {
	ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			return
		}
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		if messageType != websocket.TextMessage {
			continue
		}
		self.handleFrame(r, c, message)
	}
}

func (self *Hub) writePump(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn, c *client) {
	defer cancel()
	pings := time.NewTicker(self.settings.PingInterval)
	defer pings.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-c.send:
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-pings.C:
			ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleFrame finalizes one client frame against the room and fans it out.
func (self *Hub) handleFrame(r *room, c *client, message []byte) {
	switch collab.FrameType(message) {
	case "Update":
		var update collab.Update
		if err := json.Unmarshal(message, &update); err != nil {
			glog.Infof("[hub]%s bad update = %s\n", r.name, err)
			return
		}
		r.lock.Lock()
		applied := []crdt.Op{}
		for _, op := range update.Ops {
			if r.doc.Apply(op) {
				applied = append(applied, op)
			}
		}
		if 0 < len(applied) {
			r.dirty = true
		}
		c.replicaIds[update.ReplicaId] = true
		r.lock.Unlock()
		if len(applied) == 0 {
			return
		}
		change := collab.EncodeFrame(&collab.Change{
			Type:      "Change",
			ReplicaId: update.ReplicaId,
			Ops:       applied,
		})
		self.broadcast(r, c, change)
		self.publishRelay(r.name, change)
	case "Sync":
		var sync collab.Sync
		if err := json.Unmarshal(message, &sync); err != nil {
			glog.Infof("[hub]%s bad sync = %s\n", r.name, err)
			return
		}
		if sync.State == nil {
			return
		}
		r.lock.Lock()
		effective := r.doc.Merge(sync.State)
		if 0 < len(effective) {
			r.dirty = true
		}
		r.lock.Unlock()
		if len(effective) == 0 {
			return
		}
		// the sender already holds these ops; everyone else catches up
		change := collab.EncodeFrame(&collab.Change{
			Type:      "Change",
			ReplicaId: hubSite,
			Ops:       effective,
		})
		self.broadcast(r, c, change)
		self.publishRelay(r.name, change)
	case "Presence":
		var presence collab.Presence
		if err := json.Unmarshal(message, &presence); err != nil {
			glog.Infof("[hub]%s bad presence = %s\n", r.name, err)
			return
		}
		r.lock.Lock()
		r.presence[presence.ReplicaId] = presence.State
		c.replicaIds[presence.ReplicaId] = true
		r.lock.Unlock()
		self.broadcast(r, c, message)
		self.publishRelay(r.name, message)
	case "Leave":
		var leave collab.Leave
		if err := json.Unmarshal(message, &leave); err != nil {
			return
		}
		r.lock.Lock()
		delete(r.presence, leave.ReplicaId)
		delete(c.replicaIds, leave.ReplicaId)
		r.lock.Unlock()
		self.broadcast(r, c, message)
		self.publishRelay(r.name, message)
	default:
		glog.V(2).Infof("[hub]%s drop frame type %q\n", r.name, collab.FrameType(message))
	}
}

// broadcast queues the frame for every client in the room except the sender.
// A client with a full queue is skipped; its read deadline will reap it.
func (self *Hub) broadcast(r *room, sender *client, frame []byte) {
	r.lock.Lock()
	clients := make([]*client, 0, len(r.clients))
	for c := range r.clients {
		if c != sender {
			clients = append(clients, c)
		}
	}
	r.lock.Unlock()
	for _, c := range clients {
		select {
		case c.send <- frame:
		default:
			glog.Infof("[hub]%s client queue full, dropping frame\n", r.name)
		}
	}
}

func (self *Hub) publishRelay(roomName string, frame []byte) {
	if self.relay == nil {
		return
	}
	if err := self.relay.Publish(self.ctx, roomName, frame); err != nil {
		glog.Infof("[hub]%s relay publish error = %s\n", roomName, err)
	}
}

// handleRelay applies a frame finalized by another hub instance to the local
// room, if it is open, and fans it out to local clients.
func (self *Hub) handleRelay(roomName string, frame []byte) {
	self.roomsLock.Lock()
	r, open := self.rooms[roomName]
	self.roomsLock.Unlock()
	if !open {
		return
	}
	switch collab.FrameType(frame) {
	case "Change":
		var change collab.Change
		if err := json.Unmarshal(frame, &change); err != nil {
			return
		}
		r.lock.Lock()
		applied := false
		for _, op := range change.Ops {
			if r.doc.Apply(op) {
				applied = true
			}
		}
		if applied {
			r.dirty = true
		}
		r.lock.Unlock()
		if !applied {
			return
		}
	case "Presence":
		var presence collab.Presence
		if err := json.Unmarshal(frame, &presence); err != nil {
			return
		}
		r.lock.Lock()
		r.presence[presence.ReplicaId] = presence.State
		r.lock.Unlock()
	case "Leave":
		var leave collab.Leave
		if err := json.Unmarshal(frame, &leave); err != nil {
			return
		}
		r.lock.Lock()
		delete(r.presence, leave.ReplicaId)
		r.lock.Unlock()
	default:
		return
	}
	self.broadcast(r, nil, frame)
}

func (self *Hub) saveLoop() {
	for {
		select {
		case <-self.ctx.Done():
			return
		case <-time.After(self.settings.SaveInterval):
		}
		self.checkpointAll()
	}
}

// checkpointAll saves every dirty open room.
func (self *Hub) checkpointAll() {
	if self.store == nil {
		return
	}
	self.roomsLock.Lock()
	rooms := make([]*room, 0, len(self.rooms))
	for _, r := range self.rooms {
		rooms = append(rooms, r)
	}
	self.roomsLock.Unlock()

	for _, r := range rooms {
		r.lock.Lock()
		var state []byte
		if r.dirty {
			if buf, err := r.doc.Encode(); err == nil {
				state = buf
			}
			r.dirty = false
		}
		r.lock.Unlock()
		if state == nil {
			continue
		}
		if err := self.store.SaveRoomState(self.ctx, r.name, state); err != nil {
			glog.Infof("[hub]%s save error = %s\n", r.name, err)
			r.lock.Lock()
			r.dirty = true
			r.lock.Unlock()
		}
	}
}

// RoomCount reports the number of open rooms.
func (self *Hub) RoomCount() int {
	self.roomsLock.Lock()
	defer self.roomsLock.Unlock()
	return len(self.rooms)
}
