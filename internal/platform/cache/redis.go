package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ehr/booking/internal/domain/scheduling"
)

const keyPrefix = "booking:availability"

// NewClient parses a redis:// URL and verifies the server answers.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// generationTTL bounds how long an idle day's generation counter lingers. It
// only has to outlive any single availability computation.
const generationTTL = 24 * time.Hour

// setIfCurrent writes the entry only while the day's generation still equals
// the one the caller read before computing it.
var setIfCurrent = redis.NewScript(`
	local current = redis.call('GET', KEYS[1]) or '0'
	if current ~= ARGV[1] then
		return 0
	end
	redis.call('HSET', KEYS[2], ARGV[2], ARGV[3])
	local ttl_ms = tonumber(ARGV[4])
	if ttl_ms > 0 then
		redis.call('PEXPIRE', KEYS[2], ttl_ms)
	end
	return 1
`)

// SlotCache keeps computed availability in one Redis hash per (resource,
// date), with a field per (duration, step) query. Invalidating a day drops
// the whole hash and bumps the day's generation counter so fills computed
// before the bump are refused. Redis errors degrade to cache misses.
type SlotCache struct {
	client redis.Cmdable
	ttl    time.Duration
	logger zerolog.Logger
}

func NewSlotCache(client redis.Cmdable, ttl time.Duration, logger zerolog.Logger) *SlotCache {
	return &SlotCache{client: client, ttl: ttl, logger: logger}
}

func hashKey(k scheduling.SlotKey) string {
	return keyPrefix + ":" + k.ResourceID.String() + ":" + k.Date.String()
}

func genKey(k scheduling.SlotKey) string {
	return hashKey(k) + ":gen"
}

func field(duration, step int) string {
	return fmt.Sprintf("%d:%d", duration, step)
}

func (c *SlotCache) Get(ctx context.Context, key scheduling.SlotKey, duration, step int) (*scheduling.Availability, bool) {
	raw, err := c.client.HGet(ctx, hashKey(key), field(duration, step)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warn().Err(err).Str("key", key.String()).Msg("availability cache read failed")
		}
		return nil, false
	}
	var a scheduling.Availability
	if err := json.Unmarshal(raw, &a); err != nil {
		c.logger.Warn().Err(err).Str("key", key.String()).Msg("discarding undecodable availability cache entry")
		return nil, false
	}
	return &a, true
}

// Generation returns the day's invalidation counter; a day never invalidated
// is at zero.
func (c *SlotCache) Generation(ctx context.Context, key scheduling.SlotKey) (int64, error) {
	gen, err := c.client.Get(ctx, genKey(key)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key.String()).Msg("availability cache generation read failed")
		return 0, err
	}
	return gen, nil
}

func (c *SlotCache) Set(ctx context.Context, key scheduling.SlotKey, duration, step int, gen int64, a *scheduling.Availability) {
	raw, err := json.Marshal(a)
	if err != nil {
		return
	}
	stored, err := setIfCurrent.Run(ctx, c.client,
		[]string{genKey(key), hashKey(key)},
		strconv.FormatInt(gen, 10), field(duration, step), raw, c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		c.logger.Warn().Err(err).Str("key", key.String()).Msg("availability cache write failed")
		return
	}
	if stored == 0 {
		c.logger.Debug().Str("key", key.String()).Int64("generation", gen).Msg("availability cache fill superseded")
	}
}

func (c *SlotCache) Invalidate(ctx context.Context, keys ...scheduling.SlotKey) {
	if len(keys) == 0 {
		return
	}
	hks := make([]string, len(keys))
	for i, k := range keys {
		hks[i] = hashKey(k)
	}
	_, err := c.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		for _, k := range keys {
			p.Incr(ctx, genKey(k))
			p.Expire(ctx, genKey(k), generationTTL)
		}
		p.Del(ctx, hks...)
		return nil
	})
	if err != nil {
		c.logger.Error().Err(err).Strs("keys", hks).Msg("availability cache invalidation failed")
	}
}
