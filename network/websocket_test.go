package network

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// echoServer upgrades each connection and echoes binary messages back.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			messageType, messageBytes, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if messageType != websocket.BinaryMessage {
				continue
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, messageBytes); err != nil {
				return
			}
		}
	}))
}

func wsUrl(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestWebsocketChannelSendReceive(t *testing.T) {
	server := echoServer(t)
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan []byte, 8)
	online := make(chan bool, 8)

	channel := NewWebsocketChannelWithDefaults(ctx, wsUrl(server))
	defer channel.Close()

	channel.SetMessageReceiver(func(messageBytes []byte) {
		received <- messageBytes
	})
	channel.AddNetworkStatusReceiver(func(up bool) {
		online <- up
	})

	select {
	case up := <-online:
		require.True(t, up)
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for connect")
	}

	channel.SendMessage([]byte("frame-1"))

	select {
	case messageBytes := <-received:
		require.Equal(t, []byte("frame-1"), messageBytes)
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for echo")
	}
}

func TestWebsocketChannelDropsWhenClosed(t *testing.T) {
	server := echoServer(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	channel := NewWebsocketChannelWithDefaults(ctx, wsUrl(server))
	channel.Close()
	server.Close()

	// never blocks, even with no connection draining the queue
	for i := 0; i < 100; i += 1 {
		channel.SendMessage([]byte("dropped"))
	}
}
