package authz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// CacheConfig holds the access-map snapshot cache settings.
type CacheConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	TTL          time.Duration `yaml:"ttl"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DefaultCacheConfig returns the default cache configuration.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Addr:         "localhost:6379",
		TTL:          5 * time.Minute,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

const cacheKeyPrefix = "threatpipe:authz:"

// CachedProvider fronts an authoritative access-map provider with a
// Redis snapshot cache. Only the serializable part of an entry (criteria
// and org grants) is cached; programmatic predicates are not.
type CachedProvider struct {
	inner  Provider
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedProvider creates a CachedProvider and verifies the Redis
// connection.
func NewCachedProvider(inner Provider, cfg CacheConfig, logger *slog.Logger) (*CachedProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("authz: connect to redis: %w", err)
	}

	return &CachedProvider{inner: inner, client: client, ttl: cfg.TTL, logger: logger}, nil
}

// SourceAccess returns the cached subsource map for a source, falling
// back to the authoritative provider on miss or cache trouble. Cache
// failures degrade to direct fetches, never to resolution errors.
func (p *CachedProvider) SourceAccess(ctx context.Context, source string) (map[string]AccessEntry, error) {
	key := cacheKeyPrefix + source

	raw, err := p.client.Get(ctx, key).Bytes()
	if err == nil {
		var cached map[string]AccessEntry
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
		p.logger.Warn("discarding unreadable cached access map", "source", source)
	} else if !errors.Is(err, redis.Nil) {
		p.logger.Warn("access map cache read failed", "source", source, "error", err)
	}

	access, err := p.inner.SourceAccess(ctx, source)
	if err != nil {
		return nil, err
	}

	if encoded, err := json.Marshal(access); err == nil {
		if err := p.client.Set(ctx, key, encoded, p.ttl).Err(); err != nil {
			p.logger.Warn("access map cache write failed", "source", source, "error", err)
		}
	}
	return access, nil
}

// Invalidate drops the cached snapshot for a source.
func (p *CachedProvider) Invalidate(ctx context.Context, source string) error {
	return p.client.Del(ctx, cacheKeyPrefix+source).Err()
}

// Close releases the Redis connection.
func (p *CachedProvider) Close() error {
	return p.client.Close()
}
