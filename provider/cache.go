package provider

import "sync"

// ClientCache holds one provider-kind API client per provider id for the
// lifetime of the process. Connections are expensive to establish and
// read-mostly after first use, so a lazy get-or-create guard is the only
// locking required.
type ClientCache struct {
	mu      sync.Mutex
	clients map[string]interface{}
}

func NewClientCache() *ClientCache {
	return &ClientCache{
		clients: make(map[string]interface{}),
	}
}

// GetOrCreate returns the cached client for the provider id, invoking
// create exactly once when it is not yet cached
func (c *ClientCache) GetOrCreate(id string, create func() (interface{}, error)) (interface{}, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.clients[id]; ok {
		return existing, nil
	}
	created, err := create()
	if err != nil {
		return nil, err
	}
	c.clients[id] = created
	return created, nil
}
