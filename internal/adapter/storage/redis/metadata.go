package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/cr4342/msearch-sub004/internal/core/port"
	"github.com/gofiber/storage/redis/v3"
	"go.uber.org/zap"
)

type metadataStore struct {
	storage *redis.Storage
	prefix  string
	log     *zap.Logger
}

// NewMetadataStore creates the Redis-backed vector metadata store. It is the
// narrow get/put/delete surface the embedding executors persist results
// through; the vector database itself lives elsewhere.
func NewMetadataStore(storage *redis.Storage, prefix string, log *zap.Logger) port.MetadataStore {
	if prefix == "" {
		prefix = "msearch"
	}
	return &metadataStore{
		storage: storage,
		prefix:  prefix,
		log:     log,
	}
}

func (s *metadataStore) key(k string) string {
	return fmt.Sprintf("%s:meta:%s", s.prefix, k)
}

func (s *metadataStore) Get(_ context.Context, key string) ([]byte, error) {
	return s.storage.Get(s.key(key))
}

func (s *metadataStore) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.storage.Set(s.key(key), value, ttl); err != nil {
		s.log.Error("Failed to store metadata", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

func (s *metadataStore) Delete(_ context.Context, key string) error {
	return s.storage.Delete(s.key(key))
}
