// Package markets provides the market-metadata directory the engine
// consults before accepting an order. The directory is an external
// collaborator: the engine only asks whether a market is open for trading.
package markets

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

// Market is the slice of metadata the engine cares about.
type Market struct {
	ID       string `json:"id"`
	Question string `json:"question"`
	Open     bool   `json:"open"`
}

// Directory answers "is this market open?". Implementations must be safe
// for concurrent use.
type Directory interface {
	IsOpen(ctx context.Context, marketID string) (bool, error)
}

// StaticDirectory is an in-memory directory. A registered market reports its
// own Open flag; an unregistered id is accepted only when AllowAll is set.
// Serves tests and
// standalone runs without a metadata service.
type StaticDirectory struct {
	mu       sync.RWMutex
	AllowAll bool
	markets  map[string]Market
}

// NewStaticDirectory returns a directory that accepts every market.
func NewStaticDirectory() *StaticDirectory {
	return &StaticDirectory{AllowAll: true, markets: make(map[string]Market)}
}

// Set registers or updates a market.
func (d *StaticDirectory) Set(m Market) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.markets[m.ID] = m
}

// IsOpen implements Directory.
func (d *StaticDirectory) IsOpen(_ context.Context, marketID string) (bool, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if m, ok := d.markets[marketID]; ok {
		return m.Open, nil
	}
	return d.AllowAll, nil
}

// HTTPDirectory looks markets up over HTTP and caches answers for a TTL so
// the hot submit path does not block on the metadata service.
type HTTPDirectory struct {
	client *resty.Client
	ttl    time.Duration

	mu    sync.Mutex
	cache map[string]cachedMarket
}

type cachedMarket struct {
	market  Market
	fetched time.Time
}

// NewHTTPDirectory builds a directory client for the given base URL.
func NewHTTPDirectory(baseURL string, timeout, ttl time.Duration) *HTTPDirectory {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2)
	return &HTTPDirectory{
		client: client,
		ttl:    ttl,
		cache:  make(map[string]cachedMarket),
	}
}

// IsOpen implements Directory.
func (d *HTTPDirectory) IsOpen(ctx context.Context, marketID string) (bool, error) {
	d.mu.Lock()
	if c, ok := d.cache[marketID]; ok && time.Since(c.fetched) < d.ttl {
		d.mu.Unlock()
		return c.market.Open, nil
	}
	d.mu.Unlock()

	var m Market
	resp, err := d.client.R().
		SetContext(ctx).
		SetResult(&m).
		ForceContentType("application/json").
		SetPathParam("id", marketID).
		Get("/markets/{id}")
	if err != nil {
		return false, fmt.Errorf("markets: fetching %s: %w", marketID, err)
	}
	if resp.IsError() {
		return false, fmt.Errorf("markets: fetching %s: status %s", marketID, resp.Status())
	}

	d.mu.Lock()
	d.cache[marketID] = cachedMarket{market: m, fetched: time.Now()}
	d.mu.Unlock()
	return m.Open, nil
}
