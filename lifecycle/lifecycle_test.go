package lifecycle

import (
	"context"
	"fmt"
	"sync"

	"github.com/zllovesuki/lighthouse/allocator"
	"github.com/zllovesuki/lighthouse/game"
	"github.com/zllovesuki/lighthouse/provider"
	"github.com/zllovesuki/lighthouse/server"
)

// memoryStore implements ServerStore in memory with the same guarded
// update semantics as the database-backed manager
type memoryStore struct {
	mu      sync.Mutex
	servers map[string]server.Server
}

func newMemoryStore() *memoryStore {
	return &memoryStore{
		servers: make(map[string]server.Server),
	}
}

func (s *memoryStore) Create(ctx context.Context, srv *server.Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.servers[srv.ID]; exists {
		return fmt.Errorf("server %s already exists", srv.ID)
	}
	s.servers[srv.ID] = *srv
	return nil
}

func (s *memoryStore) GetByID(ctx context.Context, id string) (*server.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	srv, ok := s.servers[id]
	if !ok {
		return nil, nil
	}
	return &srv, nil
}

func (s *memoryStore) matches(srv server.Server, opt server.ListOption) bool {
	if opt.ClientID != "" && srv.ClientID != opt.ClientID {
		return false
	}
	if opt.ProviderID != "" && srv.Provider != opt.ProviderID {
		return false
	}
	if opt.Region != "" && srv.Region != opt.Region {
		return false
	}
	if len(opt.Statuses) > 0 {
		found := false
		for _, status := range opt.Statuses {
			if srv.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

func (s *memoryStore) List(ctx context.Context, opt server.ListOption) ([]server.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	results := make([]server.Server, 0)
	for _, srv := range s.servers {
		if s.matches(srv, opt) {
			results = append(results, srv)
		}
	}
	return results, nil
}

func (s *memoryStore) ListActive(ctx context.Context, opt server.ListOption) ([]server.Server, error) {
	opt.Statuses = server.ActiveStatuses
	return s.List(ctx, opt)
}

func (s *memoryStore) CountActive(ctx context.Context, opt server.ListOption) (int, error) {
	results, err := s.ListActive(ctx, opt)
	if err != nil {
		return 0, err
	}
	return len(results), nil
}

func (s *memoryStore) CountActiveByProvider(ctx context.Context, providerID string) (int, error) {
	return s.CountActive(ctx, server.ListOption{ProviderID: providerID})
}

func (s *memoryStore) LambdaUpdate(ctx context.Context, id string, lambda server.LambdaUpdateFunc) (*server.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.servers[id]
	if !ok {
		lambda(nil, nil)
		return nil, nil
	}
	desired := current
	if !lambda(&current, &desired) {
		return nil, nil
	}
	s.servers[id] = desired
	return &desired, nil
}

// memoryRegistry implements ProviderRegistry over a fixed provider set
type memoryRegistry struct {
	providers map[string]provider.Provider
	cache     *provider.ClientCache
}

func newMemoryRegistry(providers ...provider.Provider) *memoryRegistry {
	byID := make(map[string]provider.Provider, len(providers))
	for _, p := range providers {
		byID[p.ID] = p
	}
	return &memoryRegistry{
		providers: byID,
		cache:     provider.NewClientCache(),
	}
}

func (r *memoryRegistry) Get(ctx context.Context, id string) (*provider.Provider, error) {
	p, ok := r.providers[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (r *memoryRegistry) GetByRegion(ctx context.Context, region string) ([]provider.Provider, error) {
	results := make([]provider.Provider, 0)
	for _, p := range r.providers {
		if p.Region == region {
			results = append(results, p)
		}
	}
	return results, nil
}

func (r *memoryRegistry) Resolve(ctx context.Context, p *provider.Provider, counts provider.ActiveCounter) (*provider.Provider, error) {
	if p.Kind != provider.KindLoadBalancer {
		return p, nil
	}
	best := ""
	bestScore := -1
	for _, child := range p.Metadata.Children {
		count, err := counts.CountActiveByProvider(ctx, child.ID)
		if err != nil {
			return nil, err
		}
		score := count * child.Weight
		if bestScore == -1 || score < bestScore {
			bestScore = score
			best = child.ID
		}
	}
	return r.Get(ctx, best)
}

func (r *memoryRegistry) Cache() *provider.ClientCache {
	return r.cache
}

func testGame(slug string) game.Game {
	return game.Game{
		Slug:      slug,
		Name:      slug,
		QueryType: "a2s",
	}
}

// memoryGames implements GameRegistry over a fixed catalog
type memoryGames struct {
	games map[string]game.Game
}

func newMemoryGames(games ...game.Game) *memoryGames {
	bySlug := make(map[string]game.Game, len(games))
	for _, g := range games {
		bySlug[g.Slug] = g
	}
	return &memoryGames{games: bySlug}
}

func (r *memoryGames) GetBySlug(ctx context.Context, slug string) (*game.Game, error) {
	g, ok := r.games[slug]
	if !ok {
		return nil, nil
	}
	return &g, nil
}

// recordingNotifier captures every reported transition
type recordingNotifier struct {
	mu       sync.Mutex
	statuses []server.Status
}

func (n *recordingNotifier) Notify(ctx context.Context, srv *server.Server, extra map[string]interface{}) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, srv.Status)
}

func (n *recordingNotifier) recorded() []server.Status {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]server.Status, len(n.statuses))
	copy(out, n.statuses)
	return out
}

// countingHandler implements provider.Handler with scripted outcomes
type countingHandler struct {
	mu        sync.Mutex
	created   int
	destroyed int
	createErr error
	ip        string
	port      int
}

func (h *countingHandler) CreateInstance(ctx context.Context, srv *server.Server) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.created++
	if h.createErr != nil {
		return h.createErr
	}
	srv.IP = h.ip
	srv.Port = h.port
	return nil
}

func (h *countingHandler) DestroyInstance(ctx context.Context, srv *server.Server) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.destroyed++
	return nil
}

func (h *countingHandler) counts() (int, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.created, h.destroyed
}

// nullPorts satisfies provider.PortAllocator for tests that bypass the
// default-options step entirely
type nullPorts struct{}

func (nullPorts) Allocate(ctx context.Context, providerID string, rng allocator.PortRange) (int, error) {
	return rng.Min, nil
}

func (nullPorts) Release(ctx context.Context, providerID string, port int) {}

// recordingTokens tracks released tokens
type recordingTokens struct {
	mu       sync.Mutex
	released []string
}

func (p *recordingTokens) Reserve(ctx context.Context) (*allocator.Token, error) {
	return &allocator.Token{LoginToken: "TESTTOKEN", InUse: true}, nil
}

func (p *recordingTokens) Release(ctx context.Context, loginToken string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.released = append(p.released, loginToken)
	return nil
}

func (p *recordingTokens) releasedTokens() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.released))
	copy(out, p.released)
	return out
}
