package db

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
	"moul.io/zapgorm2"
)

type quietLogger struct {
	zapgorm2.Logger
}

// ErrRecordNotFound is an expected lookup outcome the managers handle,
// not something to surface through zap/sentry
func (l *quietLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if err == gorm.ErrRecordNotFound {
		return
	}
	l.Logger.Trace(ctx, begin, fc, err)
}

// New opens the PostgreSQL handle shared by the server, client, game,
// provider and token managers. The monitor sweeps fan out one serializable
// transaction per probed server, so the pool carries more headroom than
// the request path alone would need.
func New(logger *zap.Logger, uri string) (*gorm.DB, error) {
	gLogger := zapgorm2.Logger{
		ZapLogger:        logger,
		LogLevel:         gormlogger.Warn,
		SlowThreshold:    500 * time.Millisecond,
		SkipCallerLookup: false,
	}
	db, err := gorm.Open(postgres.Open(uri), &gorm.Config{
		Logger: &quietLogger{
			Logger: gLogger,
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "Cannot connect to PostgreSQL")
	}
	pool, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "Cannot get the connection pool")
	}
	pool.SetMaxIdleConns(4)
	pool.SetMaxOpenConns(64)
	pool.SetConnMaxLifetime(time.Minute * 30)
	return db, nil
}
