package storage

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"spendsense/internal/model"
)

const defaultCachePrefix = "spendsense:trace:current:"

// CachedStore fronts a TraceStore with a Redis copy of each user's current
// trace. Redis failures degrade to the backing store.
type CachedStore struct {
	TraceStore

	client redis.Cmdable
	prefix string
	ttl    time.Duration
	logger zerolog.Logger
}

// CacheOptions tunes the Redis cache.
type CacheOptions struct {
	Prefix string
	TTL    time.Duration
}

// NewCachedStore wraps base with a Redis cache.
func NewCachedStore(base TraceStore, client redis.Cmdable, opts CacheOptions, logger zerolog.Logger) *CachedStore {
	prefix := opts.Prefix
	if prefix == "" {
		prefix = defaultCachePrefix
	}
	return &CachedStore{
		TraceStore: base,
		client:     client,
		prefix:     prefix,
		ttl:        opts.TTL,
		logger:     logger.With().Str("component", "trace_cache").Logger(),
	}
}

func (s *CachedStore) key(userID string) string {
	return s.prefix + userID
}

func (s *CachedStore) genKey(userID string) string {
	return s.prefix + userID + ":gen"
}

// fillScript stores the cached trace only while the user's generation is
// still the one observed before the backing store was read.
var fillScript = redis.NewScript(`
local current = redis.call('GET', KEYS[2]) or '0'
if current ~= ARGV[1] then
	return 0
end
if tonumber(ARGV[3]) > 0 then
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
else
	redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// invalidateScript bumps the user's generation and drops the cached trace.
var invalidateScript = redis.NewScript(`
local gen = redis.call('INCR', KEYS[2])
redis.call('PEXPIRE', KEYS[2], ARGV[1])
redis.call('DEL', KEYS[1])
return gen
`)

// generations outlive any single fill.
const generationTTL = 24 * time.Hour

// Append writes through to the backing store and drops the cached copy.
func (s *CachedStore) Append(ctx context.Context, trace model.DecisionTrace) error {
	if err := s.TraceStore.Append(ctx, trace); err != nil {
		return err
	}
	s.invalidate(ctx, trace.UserID)
	return nil
}

// Latest serves the current trace from Redis when cached. A fill is skipped
// when a write or purge for the user lands while the backing store is read.
func (s *CachedStore) Latest(ctx context.Context, userID string) (model.DecisionTrace, error) {
	doc, err := s.client.Get(ctx, s.key(userID)).Bytes()
	switch {
	case err == nil:
		trace, decErr := decodeTrace(doc)
		if decErr == nil {
			return trace, nil
		}
		s.logger.Warn().Err(decErr).Str("user_id", userID).Msg("discarding unreadable cached trace")
	case !errors.Is(err, redis.Nil):
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("trace cache read failed")
	}

	gen, genErr := s.generation(ctx, userID)

	trace, err := s.TraceStore.Latest(ctx, userID)
	if err != nil {
		return model.DecisionTrace{}, err
	}
	if genErr != nil {
		return trace, nil
	}
	rec, err := newRecord(trace)
	if err != nil {
		return trace, nil
	}
	keys := []string{s.key(userID), s.genKey(userID)}
	if err := fillScript.Run(ctx, s.client, keys, gen, rec.Document, s.ttl.Milliseconds()).Err(); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("trace cache write failed")
	}
	return trace, nil
}

func (s *CachedStore) generation(ctx context.Context, userID string) (string, error) {
	gen, err := s.client.Get(ctx, s.genKey(userID)).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return "0", nil
	case err != nil:
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("trace cache generation read failed")
		return "", err
	}
	return gen, nil
}

// Purge deletes the user's traces and the cached copy.
func (s *CachedStore) Purge(ctx context.Context, userID string) (int64, error) {
	removed, err := s.TraceStore.Purge(ctx, userID)
	s.invalidate(ctx, userID)
	return removed, err
}

func (s *CachedStore) invalidate(ctx context.Context, userID string) {
	keys := []string{s.key(userID), s.genKey(userID)}
	if err := invalidateScript.Run(context.WithoutCancel(ctx), s.client, keys, generationTTL.Milliseconds()).Err(); err != nil {
		s.logger.Warn().Err(err).Str("user_id", userID).Msg("trace cache invalidation failed")
	}
}

var _ TraceStore = (*CachedStore)(nil)

// TryAdvisoryLock delegates to the backing store when it supports locking.
func (s *CachedStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	if l, ok := s.TraceStore.(AdvisoryLocker); ok {
		return l.TryAdvisoryLock(ctx, key)
	}
	return func() {}, true, nil
}
