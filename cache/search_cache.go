package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"syncstream/model"

	"github.com/go-redis/redis/v8"
)

const searchKey = "search:%s" // String: 搜索结果 JSON

// SearchCache 曲库搜索结果缓存
type SearchCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewSearchCache 创建搜索缓存，client 为 nil 时使用全局客户端
func NewSearchCache(client *redis.Client, ttl time.Duration) *SearchCache {
	if client == nil {
		client = RedisClient
	}
	return &SearchCache{client: client, ttl: ttl}
}

// Get 读取缓存，未命中时 ok 为 false
func (c *SearchCache) Get(ctx context.Context, key string) ([]model.Track, bool, error) {
	if c.client == nil {
		return nil, false, fmt.Errorf("Redis client not initialized")
	}

	data, err := c.client.Get(ctx, fmt.Sprintf(searchKey, key)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("failed to get search cache: %w", err)
	}

	var tracks []model.Track
	if err := json.Unmarshal(data, &tracks); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal search cache: %w", err)
	}
	return tracks, true, nil
}

// Set 写入缓存
func (c *SearchCache) Set(ctx context.Context, key string, tracks []model.Track) error {
	if c.client == nil {
		return fmt.Errorf("Redis client not initialized")
	}
	if tracks == nil {
		tracks = []model.Track{}
	}

	data, err := json.Marshal(tracks)
	if err != nil {
		return fmt.Errorf("failed to marshal search cache: %w", err)
	}
	return c.client.Set(ctx, fmt.Sprintf(searchKey, key), data, c.ttl).Err()
}
