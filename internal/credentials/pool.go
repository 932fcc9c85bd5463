// Package credentials spreads API calls across the tokens of the users
// who can see an entity. One client exists per distinct token so
// connection and rate-limit state is shared by every pool that selects
// that token.
package credentials

import (
	"errors"
	"math/rand"
	"sync"

	"github.com/realartists/shiphub-sync/internal/api"
)

// ErrNoCredentials means no candidate had a usable token. Callers treat
// this as "no sync possible now" and defer, not fail.
var ErrNoCredentials = errors.New("credentials: no usable credentials")

// Factory builds a client for a token.
type Factory func(token string) *api.Client

// Cache shares one client per distinct token across the process.
type Cache struct {
	mu      sync.Mutex
	factory Factory
	clients map[string]*api.Client
}

// NewCache creates a client cache backed by the given factory.
func NewCache(factory Factory) *Cache {
	return &Cache{
		factory: factory,
		clients: make(map[string]*api.Client),
	}
}

// Client returns the shared client for a token, creating it on first
// use.
func (c *Cache) Client(token string) *api.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	client, ok := c.clients[token]
	if !ok {
		client = c.factory(token)
		c.clients[token] = client
	}
	return client
}

// Pool selects one of several candidate credentials per request.
type Pool struct {
	clients []*api.Client
	pick    func(n int) int
}

// Option customizes pool construction.
type Option func(*Pool)

// WithPicker injects a deterministic selection function (tests).
func WithPicker(pick func(n int) int) Option {
	return func(p *Pool) { p.pick = pick }
}

// NewPool builds a pool from candidate tokens, silently dropping blank
// ones. Returns ErrNoCredentials when nothing usable remains.
func NewPool(cache *Cache, tokens []string, opts ...Option) (*Pool, error) {
	p := &Pool{pick: rand.Intn}
	for _, opt := range opts {
		opt(p)
	}

	seen := make(map[string]bool)
	for _, token := range tokens {
		if token == "" || seen[token] {
			continue
		}
		seen[token] = true
		p.clients = append(p.clients, cache.Client(token))
	}
	if len(p.clients) == 0 {
		return nil, ErrNoCredentials
	}
	return p, nil
}

// Client picks a client for one request.
func (p *Pool) Client() *api.Client {
	if len(p.clients) == 1 {
		return p.clients[0]
	}
	return p.clients[p.pick(len(p.clients))]
}

// Size reports the number of usable credentials.
func (p *Pool) Size() int {
	return len(p.clients)
}
