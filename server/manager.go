package server

import (
	"context"
	"database/sql"
	"errors"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Manager handles the database operations relating to Servers
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for servers
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if err := db.AutoMigrate(&Server{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize server.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

func (m *Manager) Create(ctx context.Context, srv *Server) error {
	result := m.db.WithContext(ctx).Create(srv)
	if result.Error != nil {
		m.logger.Error("Unable to create new server in database",
			zap.Error(result.Error),
		)
		return extErrors.Wrap(result.Error, "Cannot create server")
	}
	return nil
}

func (m *Manager) GetByID(ctx context.Context, id string) (*Server, error) {
	srv := Server{}

	result := m.db.WithContext(ctx).First(&srv, "id = ?", id)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get server by id")
	}

	return &srv, nil
}

func (m *Manager) Update(ctx context.Context, srv *Server) error {
	result := m.db.WithContext(ctx).Save(srv)

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return result.Error
	}
	return nil
}

// ListOption filters server listings. Zero values are ignored.
type ListOption struct {
	ClientID   string
	ProviderID string
	Region     string
	Statuses   []Status
	Limit      int
}

func (m *Manager) List(ctx context.Context, opt ListOption) ([]Server, error) {
	results := make([]Server, 0)
	baseQuery := m.db.WithContext(ctx).Order("created_at desc")
	if opt.ClientID != "" {
		baseQuery = baseQuery.Where("client_id = ?", opt.ClientID)
	}
	if opt.ProviderID != "" {
		baseQuery = baseQuery.Where("provider = ?", opt.ProviderID)
	}
	if opt.Region != "" {
		baseQuery = baseQuery.Where("region = ?", opt.Region)
	}
	if len(opt.Statuses) > 0 {
		baseQuery = baseQuery.Where("status IN ?", opt.Statuses)
	}
	if opt.Limit > 0 {
		baseQuery = baseQuery.Limit(opt.Limit)
	}
	result := baseQuery.Find(&results)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}

// ListActive returns all servers counting against quotas and capacity
func (m *Manager) ListActive(ctx context.Context, opt ListOption) ([]Server, error) {
	opt.Statuses = ActiveStatuses
	return m.List(ctx, opt)
}

// CountActive returns the number of active servers matching the filter
func (m *Manager) CountActive(ctx context.Context, opt ListOption) (int, error) {
	opt.Statuses = ActiveStatuses
	var count int64
	baseQuery := m.db.WithContext(ctx).Model(&Server{}).Where("status IN ?", opt.Statuses)
	if opt.ClientID != "" {
		baseQuery = baseQuery.Where("client_id = ?", opt.ClientID)
	}
	if opt.ProviderID != "" {
		baseQuery = baseQuery.Where("provider = ?", opt.ProviderID)
	}
	if opt.Region != "" {
		baseQuery = baseQuery.Where("region = ?", opt.Region)
	}
	result := baseQuery.Count(&count)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return 0, result.Error
	}
	return int(count), nil
}

// CountActiveByProvider counts active servers on a single provider
func (m *Manager) CountActiveByProvider(ctx context.Context, providerID string) (int, error) {
	return m.CountActive(ctx, ListOption{ProviderID: providerID})
}

// ActivePorts returns the ports currently held by non-terminal servers on
// the given provider, for the allocator's collision check
func (m *Manager) ActivePorts(ctx context.Context, providerID string) ([]int, error) {
	servers, err := m.ListActive(ctx, ListOption{ProviderID: providerID})
	if err != nil {
		return nil, err
	}
	ports := make([]int, 0, len(servers))
	for _, srv := range servers {
		if srv.Port != 0 {
			ports = append(ports, srv.Port)
		}
	}
	return ports, nil
}

// LambdaUpdateFunc is used when a transaction is required for update. The return
// value determines if the Manager should commit the changes. Note that current
// and desired may be nil if no Server with the given id was found, and the
// lambda must return false in that case.
type LambdaUpdateFunc func(current *Server, desired *Server) (shouldSave bool)

// LambdaUpdate will perform a transactional update based on the lambda function.
// The selected Server is locked FOR UPDATE under serializable isolation, so
// concurrent sweeps and a late close request cannot clobber each other's
// status: each writer observes the previous writer's committed state.
func (m *Manager) LambdaUpdate(ctx context.Context, id string, lambda LambdaUpdateFunc) (*Server, error) {
	var desired Server
	var shouldReturn bool
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var current Server
		lookupRes := tx.
			Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&current, "id = ?", id)
		if lookupRes.Error == nil {
			desired = current
			if lambda(&current, &desired) {
				if saveRes := tx.Save(&desired); saveRes.Error != nil {
					return saveRes.Error
				}
				shouldReturn = true
			}
			return nil
		} else if errors.Is(lookupRes.Error, gorm.ErrRecordNotFound) {
			lambda(nil, nil)
			return nil
		}
		return lookupRes.Error
	}, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		// transaction failed, return nil new state
		return nil, err
	}
	if !shouldReturn {
		// shouldSave == false, return nil new state
		return nil, nil
	}
	// transaction succeed and shouldSave == true, return new state
	return &desired, nil
}
