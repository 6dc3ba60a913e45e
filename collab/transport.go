package collab

import (
	"context"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

const transportBufferSize = 32

type ReceiveFunction = func(message []byte)

type StatusFunction = func(connected bool)

type RoomTransportSettings struct {
	WsHandshakeTimeout time.Duration
	ReconnectTimeout   time.Duration
	PingTimeout        time.Duration
	WriteTimeout       time.Duration
	ReadTimeout        time.Duration
}

func DefaultRoomTransportSettings() *RoomTransportSettings {
	return &RoomTransportSettings{
		WsHandshakeTimeout: 2 * time.Second,
		ReconnectTimeout:   5 * time.Second,
		PingTimeout:        1 * time.Second,
		WriteTimeout:       5 * time.Second,
		ReadTimeout:        15 * time.Second,
	}
}

// RoomTransport maintains one websocket session to a room endpoint. It
// reconnects automatically forever; failures are surfaced only as the
// connected status. Messages sent while disconnected are dropped (the
// document handle reconciles by snapshot merge on reconnect, so nothing is
// lost).
type RoomTransport struct {
	ctx    context.Context
	cancel context.CancelFunc

	url string

	send chan []byte

	receiveCallbacks *CallbackList[ReceiveFunction]
	statusCallbacks  *CallbackList[StatusFunction]

	stateLock sync.Mutex
	connected bool
	started   bool

	settings *RoomTransportSettings
}

func NewRoomTransportWithDefaults(ctx context.Context, url string) *RoomTransport {
	return NewRoomTransport(ctx, url, DefaultRoomTransportSettings())
}

func NewRoomTransport(ctx context.Context, url string, settings *RoomTransportSettings) *RoomTransport {
	cancelCtx, cancel := context.WithCancel(ctx)
	transport := &RoomTransport{
		ctx:              cancelCtx,
		cancel:           cancel,
		url:              url,
		send:             make(chan []byte, transportBufferSize),
		receiveCallbacks: NewCallbackList[ReceiveFunction](),
		statusCallbacks:  NewCallbackList[StatusFunction](),
		settings:         settings,
	}
	return transport
}

// Start begins dialing. Callbacks registered before Start cannot miss
// frames. Calling Start again is a no-op.
func (self *RoomTransport) Start() {
	self.stateLock.Lock()
	started := self.started
	self.started = true
	self.stateLock.Unlock()
	if !started {
		go self.run()
	}
}

func (self *RoomTransport) run() {
	defer self.setConnected(false)

	dialer := &websocket.Dialer{
		HandshakeTimeout: self.settings.WsHandshakeTimeout,
	}

	for {
		reconnect := NewReconnect(self.settings.ReconnectTimeout)
		ws, _, err := dialer.DialContext(self.ctx, self.url, nil)
		if err != nil {
			glog.Infof("[rt]dial %s error = %s\n", self.url, err)
			select {
			case <-self.ctx.Done():
				return
			case <-reconnect.After():
				continue
			}
		}

		self.setConnected(true)
		self.handle(ws)
		self.setConnected(false)

		select {
		case <-self.ctx.Done():
			return
		case <-reconnect.After():
		}
	}
}

// handle pumps one websocket until it fails, then returns for a redial.
func (self *RoomTransport) handle(ws *websocket.Conn) {
	defer ws.Close()

	handleCtx, handleCancel := context.WithCancel(self.ctx)
	defer handleCancel()

	// gorilla reads have no context; closing the socket unblocks them
	go func() {
		<-handleCtx.Done()
		ws.Close()
	}()

	go func() {
		defer handleCancel()

		for {
			select {
			case <-handleCtx.Done():
				return
			case message, ok := <-self.send:
				if !ok {
					return
				}
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.TextMessage, message); err != nil {
					glog.Infof("[rt]-> error = %s\n", err)
					return
				}
				glog.V(2).Infof("[rt]->\n")
			case <-time.After(self.settings.PingTimeout):
				ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
				if err := ws.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			}
		}
	}()

	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	for {
		select {
		case <-handleCtx.Done():
			return
		default:
		}

		ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		messageType, message, err := ws.ReadMessage()
		if err != nil {
			glog.Infof("[rt]<- error = %s\n", err)
			return
		}
		switch messageType {
		case websocket.TextMessage:
			glog.V(2).Infof("[rt]<-\n")
			for _, receiveCallback := range self.receiveCallbacks.Get() {
				receiveCallback(message)
			}
		}
	}
}

func (self *RoomTransport) setConnected(connected bool) {
	self.stateLock.Lock()
	changed := self.connected != connected
	self.connected = connected
	self.stateLock.Unlock()
	if changed {
		for _, statusCallback := range self.statusCallbacks.Get() {
			statusCallback(connected)
		}
	}
}

func (self *RoomTransport) IsConnected() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connected
}

// Send queues one frame. Returns false when the queue is full or the
// transport is closed; the frame is dropped in that case.
func (self *RoomTransport) Send(message []byte) bool {
	select {
	case <-self.ctx.Done():
		return false
	case self.send <- message:
		return true
	default:
		glog.Infof("[rt]drop ->\n")
		return false
	}
}

func (self *RoomTransport) AddReceiveCallback(receiveCallback ReceiveFunction) func() {
	callbackId := self.receiveCallbacks.Add(receiveCallback)
	return func() {
		self.receiveCallbacks.Remove(callbackId)
	}
}

func (self *RoomTransport) AddStatusCallback(statusCallback StatusFunction) func() {
	callbackId := self.statusCallbacks.Add(statusCallback)
	return func() {
		self.statusCallbacks.Remove(callbackId)
	}
}

func (self *RoomTransport) Close() {
	self.cancel()
}
