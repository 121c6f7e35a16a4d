package websocket_test

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"

	transportws "github.com/snehjoshi/epochmq/internal/transport/websocket"
	"github.com/snehjoshi/epochmq/internal/types"
)

func dial(t *testing.T, srv *httptest.Server, query string) *gorillaws.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(srv.URL, "http") + "/events" + query
	conn, _, err := gorillaws.DefaultDialer.Dial(u, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitClients(t *testing.T, f *transportws.Feed, n int) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for f.Clients() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d clients, have %d", n, f.Clients())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFeed_StreamsMatchingEvents(t *testing.T) {
	feed := transportws.NewFeed(nil)
	srv := httptest.NewServer(feed)
	t.Cleanup(srv.Close)

	conn := dial(t, srv, "?ns=shop&kind=message_acknowledged")
	waitClients(t, feed, 1)

	orders := types.QueueRef{Namespace: "shop", Name: "orders"}
	feed.OnEvent(types.Event{Kind: types.EventProduced, Queue: orders, MessageID: "skip-kind"})
	feed.OnEvent(types.Event{Kind: types.EventAcknowledged, Queue: types.QueueRef{Namespace: "other", Name: "x"}, MessageID: "skip-ns"})
	feed.OnEvent(types.Event{Kind: types.EventAcknowledged, Queue: orders, MessageID: "m1", WorkerID: "w1"})

	var ev types.Event
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.MessageID != "m1" || ev.Queue != orders || ev.WorkerID != "w1" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestFeed_DisconnectUnregisters(t *testing.T) {
	feed := transportws.NewFeed(nil)
	srv := httptest.NewServer(feed)
	t.Cleanup(srv.Close)

	conn := dial(t, srv, "")
	waitClients(t, feed, 1)
	conn.Close()
	waitClients(t, feed, 0)
}

func TestFeed_CloseEndsStreams(t *testing.T) {
	feed := transportws.NewFeed(nil)
	srv := httptest.NewServer(feed)
	t.Cleanup(srv.Close)

	conn := dial(t, srv, "")
	waitClients(t, feed, 1)
	feed.Close()

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); !gorillaws.IsCloseError(err, gorillaws.CloseGoingAway) {
		t.Fatalf("expected going-away close, got %v", err)
	}
	// Events after close are dropped without panicking.
	feed.OnEvent(types.Event{Kind: types.EventProduced})
}
