package game

import (
	"context"
	"errors"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Manager handles the database operations relating to the game catalog
type Manager struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewManager returns a new Manager for the game catalog
func NewManager(logger *zap.Logger, db *gorm.DB) (*Manager, error) {
	if err := db.AutoMigrate(&Game{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize game.Manager")
	}
	return &Manager{
		db:     db,
		logger: logger,
	}, nil
}

func (m *Manager) GetBySlug(ctx context.Context, slug string) (*Game, error) {
	g := Game{}

	result := m.db.WithContext(ctx).First(&g, "slug = ?", slug)

	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, nil
	}

	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, extErrors.Wrap(result.Error, "Cannot get game by slug")
	}

	return &g, nil
}

func (m *Manager) List(ctx context.Context) ([]Game, error) {
	results := make([]Game, 0)
	result := m.db.WithContext(ctx).Find(&results)
	if result.Error != nil {
		m.logger.Error("Database returned error",
			zap.Error(result.Error),
		)
		return nil, result.Error
	}
	return results, nil
}
