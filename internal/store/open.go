package store

import (
	"context"
	"fmt"
	"io"

	"github.com/aws-solutions-library-samples/guidance-for-payment-systems-using-event-driven-architecture-on-aws/internal/config"
	"github.com/aws-solutions-library-samples/guidance-for-payment-systems-using-event-driven-architecture-on-aws/internal/dedup"
)

// Open builds the dedup store selected by cfg.Backend. The returned closer
// releases the backend's connections; it is never nil.
func Open(ctx context.Context, cfg config.StoreConfig) (dedup.Store, io.Closer, error) {
	switch cfg.Backend {
	case config.BackendMemory, "":
		s := NewMemoryStore()
		return s, s, nil

	case config.BackendPostgres:
		s, err := NewPostgresStore(ctx, cfg.DBURL)
		if err != nil {
			return nil, nil, err
		}
		// Ensure required tables/indexes exist so a fresh database is enough.
		if err := s.EnsureSchema(ctx); err != nil {
			s.Close()
			return nil, nil, fmt.Errorf("postgres schema: %w", err)
		}
		return s, s, nil

	case config.BackendSQLite:
		s, err := NewSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil

	case config.BackendRedis:
		s := NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, cfg.Retention)
		return s, s, nil

	case config.BackendDynamoDB:
		s, err := NewDynamoStore(ctx, DynamoStoreConfig{
			Table:    cfg.DynamoTable,
			Region:   cfg.AWSRegion,
			Endpoint: cfg.DynamoEndpoint,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil

	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}
