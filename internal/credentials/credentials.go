// Package credentials resolves the identity used for a server and share.
package credentials

import (
	"context"
	stderr "errors"
	"sync"

	"github.com/sharepool/sharepool/internal/transport"
)

// ErrNotFound is returned when no credentials are stored for a server and share.
var ErrNotFound = stderr.New("credentials not found")

// Lookup returns credentials for server and share, or ErrNotFound.
type Lookup interface {
	Lookup(ctx context.Context, server, share string) (transport.Credentials, error)
}

// Store is a Lookup that can also persist credentials.
// Implementations are safe for concurrent use.
type Store interface {
	Lookup
	Set(server, share string, creds transport.Credentials) error
	Delete(server, share string) error
}

func cacheKey(server, share string) string { return server + "\x00" + share }

// Memory is an in-process Store.
type Memory struct {
	mu    sync.RWMutex
	items map[string]transport.Credentials
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{items: make(map[string]transport.Credentials)}
}

func (m *Memory) Lookup(_ context.Context, server, share string) (transport.Credentials, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.items[cacheKey(server, share)]; ok {
		return c, nil
	}
	return transport.Credentials{}, ErrNotFound
}

func (m *Memory) Set(server, share string, creds transport.Credentials) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[cacheKey(server, share)] = creds
	return nil
}

func (m *Memory) Delete(server, share string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, cacheKey(server, share))
	return nil
}

// Chain consults each Lookup in order and returns the first hit. Errors other
// than ErrNotFound stop the search.
type Chain []Lookup

func (c Chain) Lookup(ctx context.Context, server, share string) (transport.Credentials, error) {
	for _, l := range c {
		if l == nil {
			continue
		}
		creds, err := l.Lookup(ctx, server, share)
		if err == nil {
			return creds, nil
		}
		if !stderr.Is(err, ErrNotFound) {
			return transport.Credentials{}, err
		}
	}
	return transport.Credentials{}, ErrNotFound
}

// Cached memoises a slower Lookup such as the OS keyring. Forget drops an
// entry after the server rejects it.
type Cached struct {
	next  Lookup
	mu    sync.RWMutex
	cache map[string]transport.Credentials
}

// NewCached wraps next with an in-memory cache.
func NewCached(next Lookup) *Cached {
	return &Cached{next: next, cache: make(map[string]transport.Credentials)}
}

func (c *Cached) Lookup(ctx context.Context, server, share string) (transport.Credentials, error) {
	key := cacheKey(server, share)
	c.mu.RLock()
	if creds, ok := c.cache[key]; ok {
		c.mu.RUnlock()
		return creds, nil
	}
	c.mu.RUnlock()

	creds, err := c.next.Lookup(ctx, server, share)
	if err != nil {
		return creds, err
	}

	c.mu.Lock()
	c.cache[key] = creds
	c.mu.Unlock()
	return creds, nil
}

// Forget removes the cached entry for server and share.
func (c *Cached) Forget(server, share string) {
	c.mu.Lock()
	delete(c.cache, cacheKey(server, share))
	c.mu.Unlock()
}

// Forgetter is implemented by lookups that cache and can drop rejected credentials.
type Forgetter interface {
	Forget(server, share string)
}
