// Package network provides transport implementations of the ticl
// NetworkChannel contract.
package network

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"ticl.dev/ticl"
)

type WebsocketChannelSettings struct {
	WsHandshakeTimeout      time.Duration
	PingInterval            time.Duration
	WriteTimeout            time.Duration
	ReadTimeout             time.Duration
	ReconnectInitialBackoff time.Duration
	ReconnectMaxBackoff     time.Duration
	SendBufferSize          int
}

func DefaultWebsocketChannelSettings() *WebsocketChannelSettings {
	return &WebsocketChannelSettings{
		WsHandshakeTimeout:      2 * time.Second,
		PingInterval:            15 * time.Second,
		WriteTimeout:            5 * time.Second,
		ReadTimeout:             60 * time.Second,
		ReconnectInitialBackoff: 1 * time.Second,
		ReconnectMaxBackoff:     2 * time.Minute,
		SendBufferSize:          32,
	}
}

// WebsocketChannel is a NetworkChannel over a websocket connection to the
// invalidation service. One frame per websocket binary message. The channel
// reconnects with randomized exponential backoff; frames submitted while
// disconnected wait in the bounded send queue until a connection is up.
// Frames submitted while the send queue is full or after Close are dropped,
// which the core's best-effort send contract tolerates.
type WebsocketChannel struct {
	ctx    context.Context
	cancel context.CancelFunc

	url        string
	settings   *WebsocketChannelSettings
	instanceId string

	sendQueue chan []byte

	stateLock       sync.Mutex
	receiver        func(messageBytes []byte)
	statusReceivers []func(online bool)
}

func NewWebsocketChannelWithDefaults(ctx context.Context, url string) *WebsocketChannel {
	return NewWebsocketChannel(ctx, url, DefaultWebsocketChannelSettings())
}

func NewWebsocketChannel(ctx context.Context, url string, settings *WebsocketChannelSettings) *WebsocketChannel {
	cancelCtx, cancel := context.WithCancel(ctx)
	channel := &WebsocketChannel{
		ctx:        cancelCtx,
		cancel:     cancel,
		url:        url,
		settings:   settings,
		instanceId: uuid.NewString(),
		sendQueue:  make(chan []byte, settings.SendBufferSize),
	}
	go channel.run()
	return channel
}

func (self *WebsocketChannel) run() {
	defer self.cancel()

	backoff := ticl.NewExponentialBackoffDelayGenerator(
		rand.New(rand.NewSource(time.Now().UnixNano())),
		self.settings.ReconnectMaxBackoff,
		self.settings.ReconnectInitialBackoff,
	)

	for {
		select {
		case <-self.ctx.Done():
			return
		default:
		}

		dialer := &websocket.Dialer{
			HandshakeTimeout: self.settings.WsHandshakeTimeout,
		}
		conn, _, err := dialer.DialContext(self.ctx, self.url, nil)
		if err != nil {
			delay := backoff.GetNextDelay()
			glog.Infof("[%s] Connect failed, retrying in %s: %s", self.instanceId, delay, err)
			select {
			case <-self.ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		glog.V(1).Infof("[%s] Connected to %s", self.instanceId, self.url)
		backoff.Reset()
		self.notifyStatus(true)

		handleCtx, handleCancel := context.WithCancel(self.ctx)
		go self.writePump(handleCtx, handleCancel, conn)
		self.readPump(handleCtx, handleCancel, conn)

		handleCancel()
		conn.Close()
		self.notifyStatus(false)
	}
}

func (self *WebsocketChannel) writePump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()

	pingTicker := time.NewTicker(self.settings.PingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case messageBytes := <-self.sendQueue:
			conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, messageBytes); err != nil {
				glog.Infof("[%s] Write failed: %s", self.instanceId, err)
				return
			}
		case <-pingTicker.C:
			conn.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				glog.Infof("[%s] Ping failed: %s", self.instanceId, err)
				return
			}
		}
	}
}

func (self *WebsocketChannel) readPump(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn) {
	defer cancel()

	conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		return nil
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		messageType, messageBytes, err := conn.ReadMessage()
		if err != nil {
			glog.Infof("[%s] Read failed: %s", self.instanceId, err)
			return
		}
		conn.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
		if messageType != websocket.BinaryMessage {
			continue
		}

		self.stateLock.Lock()
		receiver := self.receiver
		self.stateLock.Unlock()
		if receiver != nil {
			receiver(messageBytes)
		}
	}
}

func (self *WebsocketChannel) notifyStatus(online bool) {
	self.stateLock.Lock()
	statusReceivers := make([]func(bool), len(self.statusReceivers))
	copy(statusReceivers, self.statusReceivers)
	self.stateLock.Unlock()

	for _, statusReceiver := range statusReceivers {
		statusReceiver(online)
	}
}

// SendMessage enqueues one outbound frame. Never blocks; the frame is
// dropped with a log line when the queue is full or the channel is closed.
func (self *WebsocketChannel) SendMessage(messageBytes []byte) {
	if self.ctx.Err() != nil {
		glog.Infof("[%s] Dropping frame on closed channel", self.instanceId)
		return
	}
	select {
	case self.sendQueue <- messageBytes:
	default:
		glog.Infof("[%s] Dropping frame, send queue full", self.instanceId)
	}
}

func (self *WebsocketChannel) SetMessageReceiver(receiver func(messageBytes []byte)) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.receiver = receiver
}

func (self *WebsocketChannel) AddNetworkStatusReceiver(statusReceiver func(online bool)) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.statusReceivers = append(self.statusReceivers, statusReceiver)
}

func (self *WebsocketChannel) Close() {
	self.cancel()
}

var _ ticl.NetworkChannel = (*WebsocketChannel)(nil)
