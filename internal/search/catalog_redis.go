package search

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"avisearch/orchestrator/internal/domain"
)

const redisCatalogKey = "avisearch:catalog"

// RedisCatalogStore shares the normalized catalog between instances so a
// restart does not hit the backend's full listing endpoint again.
type RedisCatalogStore struct {
	client *redis.Client
}

func NewRedisCatalogStore(client *redis.Client) *RedisCatalogStore {
	return &RedisCatalogStore{client: client}
}

func (r *RedisCatalogStore) Get(ctx context.Context) ([]domain.SearchResult, bool, error) {
	data, err := r.client.Get(ctx, redisCatalogKey).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, err
	}
	var birds []domain.SearchResult
	if err := json.Unmarshal(data, &birds); err != nil {
		return nil, false, err
	}
	return birds, true, nil
}

func (r *RedisCatalogStore) Set(ctx context.Context, birds []domain.SearchResult, ttl time.Duration) error {
	data, err := json.Marshal(birds)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redisCatalogKey, data, ttl).Err()
}

func (r *RedisCatalogStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
