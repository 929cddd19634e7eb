package providers

import "sync"

type cacheKey struct {
	provider string
	apiKey   string
	baseURL  string
}

// ClientCache memoizes resolved clients for the lifetime of the process. It
// never evicts; the server is a short-lived desktop helper and the number of
// distinct provider configs a user enters stays small.
type ClientCache struct {
	opts []ResolveOption

	mu      sync.Mutex
	clients map[cacheKey]*Client
}

func NewClientCache(opts ...ResolveOption) *ClientCache {
	return &ClientCache{
		opts:    opts,
		clients: make(map[cacheKey]*Client),
	}
}

// GetOrCreate returns the cached client for (name, cfg) or resolves and stores
// a new one. Configuration errors are returned as-is and never cached.
func (c *ClientCache) GetOrCreate(name string, cfg Config) (*Client, error) {
	key := cacheKey{
		provider: normalizeName(name),
		apiKey:   cfg.APIKey,
		baseURL:  cfg.BaseURL,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[key]; ok {
		return client, nil
	}
	client, err := Resolve(name, cfg, c.opts...)
	if err != nil {
		return nil, err
	}
	c.clients[key] = client
	return client, nil
}

func (c *ClientCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}
