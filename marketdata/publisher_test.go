package marketdata

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/prediqt/clob/events"
)

func TestPublisher_BroadcastsToClients(t *testing.T) {
	p := NewPublisher(nil)
	stream := make(chan events.Event, 16)
	p.Run(stream)
	defer p.Stop()

	srv := httptest.NewServer(p)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for p.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.ClientCount() != 1 {
		t.Fatal("client never registered")
	}

	stream <- events.Event{Type: events.TypeTrade, Timestamp: time.Now(), Data: events.TradeExecuted{}}

	var got events.Event
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&got); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if got.Type != events.TypeTrade {
		t.Errorf("type: got %s, want trade", got.Type)
	}
}

func TestPublisher_SlowClientDisconnected(t *testing.T) {
	p := NewPublisher(nil)
	stream := make(chan events.Event, 1)
	p.Run(stream)
	defer p.Stop()

	srv := httptest.NewServer(p)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for p.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	// The client never reads and its socket buffers fill; flooding far past
	// the per-client queue must evict it rather than stall the publisher.
	ev := events.Event{Type: events.TypeOrderBookUpdate, Timestamp: time.Now()}
	flood := make(chan struct{})
	go func() {
		for i := 0; i < clientBuffer*100; i++ {
			p.broadcast(ev)
		}
		close(flood)
	}()

	select {
	case <-flood:
	case <-time.After(5 * time.Second):
		t.Fatal("broadcast stalled on a slow client")
	}
	deadline = time.Now().Add(2 * time.Second)
	for p.ClientCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if p.ClientCount() != 0 {
		t.Error("slow client was not evicted")
	}
}
