package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"pricefinder/internal/domain"
)

const defaultRedisPrefix = "pricefinder:cache:"

// redisEntry keeps the offer source, which the public Offer JSON drops.
type redisEntry struct {
	Key       string       `json:"key"`
	CreatedAt time.Time    `json:"createdAt"`
	Offers    []redisOffer `json:"offers"`
}

type redisOffer struct {
	domain.Offer
	Source string `json:"source,omitempty"`
}

// RedisBackend stores cache entries in Redis as JSON with a native expiry.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}
}

func (r *RedisBackend) Get(ctx context.Context, key domain.SearchKey) (domain.CacheEntry, bool, error) {
	data, err := r.client.Get(ctx, r.prefix+key.String()).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.CacheEntry{}, false, nil
		}
		return domain.CacheEntry{}, false, err
	}
	var doc redisEntry
	if err := json.Unmarshal(data, &doc); err != nil {
		return domain.CacheEntry{}, false, err
	}
	entry := domain.CacheEntry{
		Key:       domain.SearchKey(doc.Key),
		CreatedAt: doc.CreatedAt,
		Offers:    make([]domain.Offer, len(doc.Offers)),
	}
	for i, item := range doc.Offers {
		offer := item.Offer
		offer.Source = item.Source
		entry.Offers[i] = offer
	}
	return entry, true, nil
}

func (r *RedisBackend) Set(ctx context.Context, entry domain.CacheEntry, ttl time.Duration) error {
	doc := redisEntry{
		Key:       entry.Key.String(),
		CreatedAt: entry.CreatedAt,
		Offers:    make([]redisOffer, len(entry.Offers)),
	}
	for i, offer := range entry.Offers {
		doc.Offers[i] = redisOffer{Offer: offer, Source: offer.Source}
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, r.prefix+entry.Key.String(), data, ttl).Err()
}

func (r *RedisBackend) Delete(ctx context.Context, key domain.SearchKey) error {
	return r.client.Del(ctx, r.prefix+key.String()).Err()
}

// Clear removes every key under the backend prefix.
func (r *RedisBackend) Clear(ctx context.Context) (int, error) {
	removed := 0
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 100).Iterator()
	batch := make([]string, 0, 100)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := r.client.Del(ctx, batch...).Result()
		removed += int(n)
		batch = batch[:0]
		return err
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				return removed, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, err
	}
	return removed, flush()
}

func (r *RedisBackend) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
