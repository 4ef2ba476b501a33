package stats

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/floegence/mtrelay/ingress"
)

func TestRejectedFeedPublishReachesConnectedClient(t *testing.T) {
	feed := NewRejectedFeed()
	srv := httptest.NewServer(feed.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	// Give the handler a moment to register the client before publishing;
	// Publish drops silently to clients that haven't registered yet.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		feed.mu.Lock()
		n := len(feed.clients)
		feed.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	feed.Publish(ingress.RejectedEvent{
		ConnID: "test-conn-id",
		Remote: "203.0.113.1:4444",
		Reason: "no matching secret",
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, body, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Contains(t, string(body), "test-conn-id")
	require.Contains(t, string(body), "no matching secret")
}

func TestRejectedFeedPublishWithNoClientsDoesNotBlock(t *testing.T) {
	feed := NewRejectedFeed()
	done := make(chan struct{})
	go func() {
		feed.Publish(ingress.RejectedEvent{ConnID: "x", Reason: "no matching secret"})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked with no connected clients")
	}
}

func TestRejectedFeedDisconnectRemovesClient(t *testing.T) {
	feed := NewRejectedFeed()
	srv := httptest.NewServer(feed.Handler())
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		feed.mu.Lock()
		n := len(feed.clients)
		feed.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	conn.Close()

	// Handler only notices a disconnect when it next tries to write, so
	// keep publishing until the failed write prunes the client.
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		feed.Publish(ingress.RejectedEvent{ConnID: "ping", Reason: "no matching secret"})
		feed.mu.Lock()
		n := len(feed.clients)
		feed.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("expected client to be removed from feed after disconnect")
}
