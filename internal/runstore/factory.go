package runstore

import (
	"fmt"

	"go.uber.org/zap"
)

type Options struct {
	Type       string
	MemorySize int
	Redis      RedisConfig
}

// NewStore creates a run store based on the store type
func NewStore(opts Options, log *zap.Logger) (Store, error) {
	switch opts.Type {
	case "memory":
		log.Info("Using memory run store", zap.Int("max_runs", opts.MemorySize))
		return NewMemoryStore(opts.MemorySize), nil
	case "redis":
		log.Info("Using redis run store", zap.String("addr", opts.Redis.Addr), zap.Duration("ttl", opts.Redis.TTL))
		store, err := NewRedisStore(opts.Redis)
		if err != nil {
			return nil, err
		}
		return store, nil
	case "disabled":
		log.Info("Run store disabled")
		return NewNoopStore(), nil
	default:
		return nil, fmt.Errorf("unknown run store type: %s (supported: memory, redis, disabled)", opts.Type)
	}
}
