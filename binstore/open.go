package binstore

import (
	"fmt"

	"github.com/migadu/sieve/config"
	"github.com/migadu/sieve/db"
	"github.com/migadu/sieve/logger"
)

// Open builds the store selected by cfg, wrapped in a Cache when a cache
// size is configured. database is only needed for the "postgres" type.
func Open(cfg *config.BinaryStoreConfig, s3cfg *config.S3Config, database *db.Database) (Store, error) {
	var (
		st  Store
		err error
	)
	switch cfg.Type {
	case "", "memory":
		st = NewMemory()
	case "file":
		st, err = NewFile(cfg.Path)
	case "sqlite":
		st, err = NewSQLite(cfg.Path)
	case "postgres":
		if database == nil {
			return nil, fmt.Errorf("binary store type postgres requires a database")
		}
		st = NewPostgres(database)
	case "s3":
		var s3 *S3
		s3, err = NewS3(s3cfg.Endpoint, s3cfg.AccessKey, s3cfg.SecretKey, s3cfg.Bucket, cfg.Prefix, !s3cfg.DisableTLS, s3cfg.Debug)
		if err == nil && s3cfg.Encrypt {
			err = s3.EnableEncryption(s3cfg.EncryptionKey)
		}
		st = s3
	default:
		return nil, fmt.Errorf("unknown binary store type %q", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s binary store: %w", cfg.Type, err)
	}

	if cfg.CacheSize > 0 {
		ttl, err := cfg.GetCacheTTL()
		if err != nil {
			return nil, fmt.Errorf("invalid binary_store.cache_ttl: %w", err)
		}
		logger.Info("Binary store: caching enabled", "backend", st.Backend(), "entries", cfg.CacheSize, "ttl", ttl)
		st = NewCache(st, cfg.CacheSize, ttl)
	}
	return st, nil
}
