// Package factory opens the state.Store selected by configuration.
package factory

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/PipeOpsHQ/execflow/runtimeconfig"
	"github.com/PipeOpsHQ/execflow/state"
	"github.com/PipeOpsHQ/execflow/state/hybrid"
	"github.com/PipeOpsHQ/execflow/state/memory"
	redisstore "github.com/PipeOpsHQ/execflow/state/redis"
	sqlitestore "github.com/PipeOpsHQ/execflow/state/sqlite"
)

// Open builds the backend named by cfg.Backend. The hybrid backend keeps
// working on sqlite alone when redis cannot be reached.
func Open(ctx context.Context, cfg runtimeconfig.StateConfig, logger *zap.Logger) (state.Store, error) {
	_ = ctx
	if logger == nil {
		logger = zap.NewNop()
	}

	backend := strings.ToLower(strings.TrimSpace(cfg.Backend))
	switch backend {
	case "memory":
		return memory.New(), nil

	case "", "sqlite":
		return sqlitestore.New(cfg.SQLitePath)

	case "redis":
		return newRedisStore(cfg)

	case "hybrid":
		durable, err := sqlitestore.New(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		cache, err := newRedisStore(cfg)
		if err != nil {
			logger.Warn("redis cache unavailable, using sqlite only",
				zap.String("redis_addr", cfg.RedisAddr),
				zap.Error(err))
			return hybrid.New(durable, nil, hybrid.WithLogger(logger))
		}
		return hybrid.New(durable, cache, hybrid.WithLogger(logger))

	default:
		return nil, fmt.Errorf("unsupported state backend %q (use memory, sqlite, redis, or hybrid)", backend)
	}
}

func newRedisStore(cfg runtimeconfig.StateConfig) (*redisstore.Store, error) {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		addr = "127.0.0.1:6379"
	}
	return redisstore.New(addr,
		redisstore.WithPassword(cfg.RedisPassword),
		redisstore.WithDB(cfg.RedisDB),
		redisstore.WithTTL(cfg.RedisTTL),
		redisstore.WithPrefix(cfg.RedisPrefix),
	)
}
