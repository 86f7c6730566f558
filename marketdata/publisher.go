// Package marketdata publishes the engine's domain-event stream to
// WebSocket clients. It is a consumer of the core's event bus: a slow
// client only loses its own messages, never slows the engine.
package marketdata

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/prediqt/clob/events"
)

// clientBuffer is the per-connection send queue depth. A client whose
// queue overflows is disconnected.
const clientBuffer = 128

// Publisher fans domain events out to WebSocket subscribers.
type Publisher struct {
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu      sync.Mutex
	clients map[*client]struct{}

	done chan struct{}
	wg   sync.WaitGroup
}

type client struct {
	conn *websocket.Conn
	send chan events.Event
}

// NewPublisher creates a publisher.
func NewPublisher(logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger:  logger.With("component", "marketdata"),
		clients: make(map[*client]struct{}),
		done:    make(chan struct{}),
	}
}

// Run consumes the event stream until it closes or Stop is called.
func (p *Publisher) Run(stream <-chan events.Event) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		for {
			select {
			case ev, ok := <-stream:
				if !ok {
					return
				}
				p.broadcast(ev)
			case <-p.done:
				return
			}
		}
	}()
}

// Stop halts broadcasting and closes every client.
func (p *Publisher) Stop() {
	close(p.done)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for c := range p.clients {
		close(c.send)
		delete(p.clients, c)
	}
}

// broadcast queues ev on every client, dropping clients that cannot keep up.
func (p *Publisher) broadcast(ev events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for c := range p.clients {
		select {
		case c.send <- ev:
		default:
			// Client buffer full: cut it loose rather than block.
			delete(p.clients, c)
			close(c.send)
			p.logger.Warn("dropping slow market-data client",
				"remote", c.conn.RemoteAddr().String())
		}
	}
}

// ServeHTTP upgrades the connection and streams events until the client
// disconnects.
func (p *Publisher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	c := &client{conn: conn, send: make(chan events.Event, clientBuffer)}
	p.mu.Lock()
	p.clients[c] = struct{}{}
	p.mu.Unlock()

	go p.writeLoop(c)
	p.readLoop(c)
}

// writeLoop drains the client's queue onto the socket.
func (p *Publisher) writeLoop(c *client) {
	for ev := range c.send {
		if err := c.conn.WriteJSON(ev); err != nil {
			break
		}
	}
	_ = c.conn.Close()
}

// readLoop discards inbound frames and detects disconnects.
func (p *Publisher) readLoop(c *client) {
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
	p.mu.Lock()
	if _, ok := p.clients[c]; ok {
		delete(p.clients, c)
		close(c.send)
	}
	p.mu.Unlock()
	_ = c.conn.Close()
}

// ClientCount returns the number of connected subscribers.
func (p *Publisher) ClientCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.clients)
}
