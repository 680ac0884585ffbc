package allocator

import (
	"context"
	"errors"
	"fmt"

	extErrors "github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxTokenAttempts caps how many banned tokens Reserve will discard
// before giving up
const maxTokenAttempts = 3

// Token is a pooled, externally issued game login credential.
// Reservation is scan-based and best-effort: the in-use flag is the only
// guard, there is no exclusive lock on the pool.
type Token struct {
	LoginToken string `json:"loginToken" gorm:"primaryKey"`
	ExternalID string `json:"externalId"`
	InUse      bool   `json:"inUse"`
}

// TokenIssuer is the external service minting and vetting tokens
type TokenIssuer interface {
	Create(ctx context.Context) (*Token, error)
	Banned(ctx context.Context, loginToken string) (bool, error)
}

// TokenManagerOptions contains the dependencies for the token pool
type TokenManagerOptions struct {
	DB     *gorm.DB
	Issuer TokenIssuer
	Logger *zap.Logger
}

// TokenManager reserves and releases tokens from the shared pool
type TokenManager struct {
	TokenManagerOptions
}

func NewTokenManager(option TokenManagerOptions) (*TokenManager, error) {
	if option.DB == nil {
		return nil, fmt.Errorf("nil DB is invalid")
	}
	if option.Issuer == nil {
		return nil, fmt.Errorf("nil TokenIssuer is invalid")
	}
	if option.Logger == nil {
		return nil, fmt.Errorf("nil Logger is invalid")
	}
	if err := option.DB.AutoMigrate(&Token{}); err != nil {
		return nil, extErrors.Wrap(err, "Cannot initialize allocator.TokenManager")
	}
	return &TokenManager{
		TokenManagerOptions: option,
	}, nil
}

// Reserve finds a free token in the pool, asking the issuer for a new one
// when the pool is exhausted. Tokens the issuer reports banned are removed
// and the scan retried, up to maxTokenAttempts times.
func (m *TokenManager) Reserve(ctx context.Context) (*Token, error) {
	for attempt := 0; attempt < maxTokenAttempts; attempt++ {
		token := Token{}
		result := m.DB.WithContext(ctx).First(&token, "in_use = ?", false)
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			m.Logger.Warn("No free tokens found, attempting to create new one")
			created, err := m.Issuer.Create(ctx)
			if err != nil {
				return nil, extErrors.Wrap(err, "Cannot create new token")
			}
			created.InUse = false
			if createRes := m.DB.WithContext(ctx).Create(created); createRes.Error != nil {
				return nil, extErrors.Wrap(createRes.Error, "Cannot persist new token")
			}
			token = *created
		} else if result.Error != nil {
			return nil, extErrors.Wrap(result.Error, "Cannot scan token pool")
		}

		banned, err := m.Issuer.Banned(ctx, token.LoginToken)
		if err != nil {
			return nil, extErrors.Wrap(err, "Cannot verify token status")
		}
		if banned {
			m.Logger.Error("Token has been banned, removing entry",
				zap.String("LoginToken", token.LoginToken),
			)
			if delRes := m.DB.WithContext(ctx).Delete(&token); delRes.Error != nil {
				return nil, extErrors.Wrap(delRes.Error, "Cannot remove banned token")
			}
			continue
		}

		token.InUse = true
		if saveRes := m.DB.WithContext(ctx).Save(&token); saveRes.Error != nil {
			return nil, extErrors.Wrap(saveRes.Error, "Cannot mark token as in use")
		}

		m.Logger.Info("Marked token as in use",
			zap.String("LoginToken", token.LoginToken),
		)
		return &token, nil
	}
	return nil, fmt.Errorf("token pool yielded banned tokens %d times", maxTokenAttempts)
}

// Release clears the in-use flag. Releasing an unknown or already free
// token is a no-op.
func (m *TokenManager) Release(ctx context.Context, loginToken string) error {
	if loginToken == "" {
		return nil
	}
	token := Token{}
	result := m.DB.WithContext(ctx).First(&token, "login_token = ?", loginToken)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		m.Logger.Warn("Could not find token to release",
			zap.String("LoginToken", loginToken),
		)
		return nil
	}
	if result.Error != nil {
		return extErrors.Wrap(result.Error, "Cannot look up token")
	}
	if !token.InUse {
		return nil
	}
	token.InUse = false
	if saveRes := m.DB.WithContext(ctx).Save(&token); saveRes.Error != nil {
		return extErrors.Wrap(saveRes.Error, "Cannot mark token as free")
	}
	m.Logger.Info("Marked token as not in use",
		zap.String("LoginToken", loginToken),
	)
	return nil
}
