package catalog

import (
	"context"
	"strings"
	"sync"

	"syncstream/logger"
	"syncstream/model"
)

// Provider 外部曲库搜索接口
type Provider interface {
	Search(ctx context.Context, query string, limit int) ([]model.Track, error)
	Name() string
}

// SearchCache 搜索结果缓存
type SearchCache interface {
	Get(ctx context.Context, key string) ([]model.Track, bool, error)
	Set(ctx context.Context, key string, tracks []model.Track) error
}

// Sequence 一次性的惰性结果序列：首次读取时才访问 provider，读完不可重来
type Sequence struct {
	once   sync.Once
	fetch  func() []model.Track
	mu     sync.Mutex
	tracks []model.Track
	pos    int
}

func newSequence(fetch func() []model.Track) *Sequence {
	return &Sequence{fetch: fetch}
}

// Empty 空序列
func Empty() *Sequence {
	return newSequence(func() []model.Track { return nil })
}

func (s *Sequence) load() {
	s.once.Do(func() {
		s.tracks = s.fetch()
		s.fetch = nil
	})
}

// Next 取下一首，序列耗尽时 ok 为 false
func (s *Sequence) Next() (model.Track, bool) {
	s.load()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.tracks) {
		return model.Track{}, false
	}
	t := s.tracks[s.pos]
	s.pos++
	return t, true
}

// All 取出剩余全部结果，返回值非 nil
func (s *Sequence) All() []model.Track {
	s.load()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Track, 0, len(s.tracks)-s.pos)
	out = append(out, s.tracks[s.pos:]...)
	s.pos = len(s.tracks)
	return out
}

// Catalog 曲库适配器，provider 失败时降级为空结果
type Catalog struct {
	provider Provider
	cache    SearchCache
	limit    int
}

// Option Catalog 可选配置
type Option func(*Catalog)

// WithCache 启用搜索缓存
func WithCache(cache SearchCache) Option {
	return func(c *Catalog) {
		c.cache = cache
	}
}

// WithLimit 单次搜索的最大结果数
func WithLimit(limit int) Option {
	return func(c *Catalog) {
		if limit > 0 {
			c.limit = limit
		}
	}
}

// New 创建曲库适配器
func New(provider Provider, opts ...Option) *Catalog {
	c := &Catalog{provider: provider, limit: 20}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Search 空查询直接返回空序列，不访问 provider
func (c *Catalog) Search(ctx context.Context, query string) *Sequence {
	q := strings.TrimSpace(query)
	if q == "" || c.provider == nil {
		return Empty()
	}
	return newSequence(func() []model.Track {
		return c.fetch(ctx, q)
	})
}

func cacheKey(query string) string {
	return strings.ToLower(strings.Join(strings.Fields(query), " "))
}

func (c *Catalog) fetch(ctx context.Context, query string) []model.Track {
	key := cacheKey(query)
	if c.cache != nil {
		tracks, ok, err := c.cache.Get(ctx, key)
		if err != nil {
			logger.Warn("[Catalog] 读取搜索缓存失败", logger.String("query", query), logger.ErrorField(err))
		} else if ok {
			return tracks
		}
	}

	tracks, err := c.provider.Search(ctx, query, c.limit)
	if err != nil {
		logger.Warn("[Catalog] 搜索失败，返回空结果",
			logger.String("provider", c.provider.Name()),
			logger.String("query", query),
			logger.ErrorField(err))
		return nil
	}

	if c.cache != nil {
		if err := c.cache.Set(ctx, key, tracks); err != nil {
			logger.Warn("[Catalog] 写入搜索缓存失败", logger.String("query", query), logger.ErrorField(err))
		}
	}
	return tracks
}
