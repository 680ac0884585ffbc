package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/zllovesuki/lighthouse/client"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ActiveCounter reports the live count of non-terminal servers on a provider
type ActiveCounter interface {
	CountActiveByProvider(ctx context.Context, providerID string) (int, error)
}

// Manager handles the database operations relating to Providers and owns
// the process-lifetime cache of provider API clients
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
	cache  *ClientCache
}

// NewManager returns a new Manager for providers
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if err := db.AutoMigrate(&Provider{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize provider.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
		cache:  NewClientCache(),
	}, nil
}

// Cache exposes the provider API client cache for handler construction
func (m *Manager) Cache() *ClientCache {
	return m.cache
}

func (m *Manager) Get(ctx context.Context, id string) (*Provider, error) {
	p := Provider{}

	result := m.db.WithContext(ctx).First(&p, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get provider by id")
	}

	return &p, nil
}

// GetByRegion returns the providers serving a region, highest priority first
func (m *Manager) GetByRegion(ctx context.Context, region string) ([]Provider, error) {
	results := make([]Provider, 0)
	result := m.db.WithContext(ctx).
		Order("priority desc").
		Find(&results, "region = ?", region)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}

// Status is the client-facing availability snapshot of one provider
type Status struct {
	ID     string `json:"id"`
	Region string `json:"region"`
	Limit  int    `json:"limit"`
	InUse  int    `json:"inUse"`
}

// Available returns the providers in the region the client may use and
// that are under capacity. This is client-facing discovery only:
// admission re-checks capacity at request time, since this snapshot can go
// stale immediately.
func (m *Manager) Available(ctx context.Context, c *client.Client, region string, counts ActiveCounter) ([]Status, error) {
	providers, err := m.GetByRegion(ctx, region)
	if err != nil {
		return nil, err
	}
	statuses := make([]Status, 0, len(providers))
	for i := range providers {
		p := &providers[i]
		if !c.HasProviderAccess(p.ID) {
			continue
		}
		count, err := counts.CountActiveByProvider(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		if p.AtCapacity(count) {
			continue
		}
		statuses = append(statuses, Status{
			ID:     p.ID,
			Region: p.Region,
			Limit:  p.Limit,
			InUse:  count,
		})
	}
	return statuses, nil
}

// Resolve returns the concrete provider to provision on. A load balancer
// provider resolves to the child with the lowest activeCount x weight
// score, ties broken by listing order; any other kind resolves to itself.
func (m *Manager) Resolve(ctx context.Context, p *Provider, counts ActiveCounter) (*Provider, error) {
	if p.Kind != KindLoadBalancer {
		return p, nil
	}
	if len(p.Metadata.Children) == 0 {
		return nil, fmt.Errorf("load balancer provider %s has no children", p.ID)
	}

	active := make(map[string]int, len(p.Metadata.Children))
	for _, child := range p.Metadata.Children {
		count, err := counts.CountActiveByProvider(ctx, child.ID)
		if err != nil {
			return nil, err
		}
		active[child.ID] = count
	}
	bestID := lowestScoredChild(p.Metadata.Children, active)

	resolved, err := m.Get(ctx, bestID)
	if err != nil {
		return nil, err
	}
	if resolved == nil {
		return nil, fmt.Errorf("load balancer child %s does not exist", bestID)
	}
	if resolved.Kind == KindLoadBalancer {
		return nil, fmt.Errorf("load balancer child %s is itself a load balancer", bestID)
	}
	m.logger.Debug("Resolved load balancer provider",
		zap.String("ProviderID", p.ID),
		zap.String("ResolvedID", resolved.ID),
	)
	return resolved, nil
}

// lowestScoredChild picks the child with the lowest activeCount x weight
// score. Ties go to the child listed first.
func lowestScoredChild(children []ChildProvider, active map[string]int) string {
	var bestID string
	bestScore := -1
	for _, child := range children {
		score := active[child.ID] * child.Weight
		if bestScore == -1 || score < bestScore {
			bestScore = score
			bestID = child.ID
		}
	}
	return bestID
}
