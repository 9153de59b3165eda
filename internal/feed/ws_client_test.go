package feed

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/mmbot/internal/domain"
)

var upgrader = websocket.Upgrader{}

// wsServer runs handler for every websocket connection and returns the ws://
// endpoint URL.
func wsServer(t *testing.T, handler func(conn *websocket.Conn, connNum int)) string {
	t.Helper()
	var mu sync.Mutex
	connNum := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		connNum++
		n := connNum
		mu.Unlock()
		handler(conn, n)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	return NewClient(Config{
		URL:           url,
		ReconnectWait: 10 * time.Millisecond,
	}, slog.Default())
}

func recvFrame(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case msg, ok := <-ch:
		require.True(t, ok, "messages channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestClientReceivesFrames(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn, _ int) {
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage, []byte("one"))
		_ = conn.WriteMessage(websocket.TextMessage, []byte("two"))
		// Keep the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newTestClient(t, url)
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()

	assert.Equal(t, []byte("one"), recvFrame(t, c.Messages()))
	assert.Equal(t, []byte("two"), recvFrame(t, c.Messages()))

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestSubscriptionReplayedOnEveryConnect(t *testing.T) {
	subs := make(chan string, 4)
	url := wsServer(t, func(conn *websocket.Conn, connNum int) {
		defer conn.Close()
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		subs <- string(msg)
		if connNum == 1 {
			// Drop the first connection to force a reconnect.
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte("after-reconnect"))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := newTestClient(t, url)
	require.NoError(t, c.Subscribe([]byte(`{"method":"SUBSCRIBE"}`)))
	go func() { _ = c.Run(ctx) }()

	for i := 0; i < 2; i++ {
		select {
		case got := <-subs:
			assert.Equal(t, `{"method":"SUBSCRIBE"}`, got)
		case <-time.After(2 * time.Second):
			t.Fatalf("subscription %d not replayed", i+1)
		}
	}

	assert.Equal(t, []byte("after-reconnect"), recvFrame(t, c.Messages()))
}

func TestSendWithoutConnection(t *testing.T) {
	c := newTestClient(t, "ws://127.0.0.1:0")
	err := c.Send([]byte("x"))
	require.ErrorIs(t, err, domain.ErrWSDisconnect)
}

func TestMessagesClosedAfterRunReturns(t *testing.T) {
	url := wsServer(t, func(conn *websocket.Conn, _ int) {
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	c := newTestClient(t, url)
	done := make(chan struct{})
	go func() {
		_ = c.Run(ctx)
		close(done)
	}()

	// Give the client a moment to connect, then cancel.
	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	_, ok := <-c.Messages()
	assert.False(t, ok, "messages channel should be closed")
}
