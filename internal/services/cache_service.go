// Package services – CacheService
//
// This file implements the query cache that memoizes recommendation payloads
// by fingerprint. The fingerprint is a deterministic sha256 over the
// normalized query text and the normalized conversation context, so that
// semantically identical requests land on the same row regardless of casing,
// surrounding whitespace, or context field order.
//
// The cache is deliberately failure-transparent on the read path: a store
// error on Get degrades to a miss (logged, never surfaced), and a failed Put
// must not abort an otherwise successful recommendation. Writes are upserts
// so concurrent recomputation of one fingerprint cannot collide.
package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/shopwise/go-recs-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// noContextMarker replaces an absent or blank conversation context during
// fingerprinting, so "no context" and "empty context" hash identically.
const noContextMarker = "no context"

// CacheService stores and retrieves memoized recommendation payloads.
type CacheService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB

	// TTL is the default entry lifetime applied by Put.
	TTL time.Duration

	// Now is a clock seam for tests; defaults to time.Now when nil.
	Now func() time.Time
}

// NewCacheService constructs a CacheService with the given default TTL.
func NewCacheService(db *gorm.DB, ttl time.Duration) *CacheService {
	return &CacheService{DB: db, TTL: ttl}
}

func (s *CacheService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Fingerprint computes the cache key for a query and optional conversation
// context: a lowercase sha256 hex digest over the case-folded, trimmed query
// and the context serialized with sorted keys. A nil or empty context is
// normalized so that omitting it and sending an empty object key the same
// row. The digest is collision-resistant, so distinct queries map to
// distinct rows with overwhelming probability.
func (s *CacheService) Fingerprint(query string, context map[string]any) string {
	q := strings.ToLower(strings.TrimSpace(query))
	h := sha256.Sum256([]byte(q + "\n" + normalizeContext(context)))
	return hex.EncodeToString(h[:])
}

// normalizeContext renders the context deterministically: JSON with sorted
// keys (encoding/json orders map keys), or the no-context marker when the
// context is absent or effectively empty.
func normalizeContext(context map[string]any) string {
	if len(context) == 0 {
		return noContextMarker
	}
	b, err := json.Marshal(context)
	if err != nil || strings.TrimSpace(string(b)) == "" || string(b) == "{}" {
		return noContextMarker
	}
	return string(b)
}

// Get returns the cached payload for fingerprint when a live entry exists.
// Expired entries and store failures both report a miss; failures are logged
// because the caller must never block the recommendation path on the cache.
func (s *CacheService) Get(ctx context.Context, fingerprint string) (string, bool) {
	tr := otel.Tracer("services/CacheService")
	ctx, span := tr.Start(ctx, "Get",
		trace.WithAttributes(attribute.String("cache.fingerprint", fingerprint)),
	)
	defer span.End()

	e, err := repo.GetCacheEntry(ctx, s.DB, fingerprint, s.now())
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			log.Warn().Err(err).Str("fingerprint", fingerprint).Msg("cache read failed; treating as miss")
		}
		cacheMisses.Inc()
		return "", false
	}
	cacheHits.Inc()
	return e.Payload, true
}

// Put stores payload under fingerprint with the service TTL, overwriting any
// existing entry for the same fingerprint.
func (s *CacheService) Put(ctx context.Context, fingerprint, payload string) error {
	return s.PutWithTTL(ctx, fingerprint, payload, s.TTL)
}

// PutWithTTL stores payload with an explicit lifetime. The write is an
// upsert: concurrent misses recomputing the same fingerprint both succeed,
// last writer wins.
func (s *CacheService) PutWithTTL(ctx context.Context, fingerprint, payload string, ttl time.Duration) error {
	tr := otel.Tracer("services/CacheService")
	ctx, span := tr.Start(ctx, "Put",
		trace.WithAttributes(attribute.String("cache.fingerprint", fingerprint)),
	)
	defer span.End()

	if ttl <= 0 {
		ttl = s.TTL
	}
	now := s.now()
	return repo.UpsertCacheEntry(ctx, s.DB, fingerprint, payload, now, now.Add(ttl))
}

// Invalidate removes one entry unconditionally.
func (s *CacheService) Invalidate(ctx context.Context, fingerprint string) error {
	_, err := repo.DeleteCacheEntries(ctx, s.DB, []string{fingerprint})
	return err
}

// InvalidateMany removes the listed fingerprints and returns how many rows
// actually existed.
func (s *CacheService) InvalidateMany(ctx context.Context, fingerprints []string) (int64, error) {
	return repo.DeleteCacheEntries(ctx, s.DB, fingerprints)
}

// PurgeExpired deletes every entry past its expiry and returns the count.
func (s *CacheService) PurgeExpired(ctx context.Context) (int64, error) {
	return repo.PurgeExpiredEntries(ctx, s.DB, s.now())
}

// PurgeOlderThan deletes entries cached more than the given number of days
// ago, regardless of their TTL.
func (s *CacheService) PurgeOlderThan(ctx context.Context, days int) (int64, error) {
	return repo.PurgeEntriesOlderThan(ctx, s.DB, s.now().AddDate(0, 0, -days))
}

// EvictToSize trims the cache to at most maxEntries rows, removing the
// oldest-cached entries first, and returns how many were evicted.
func (s *CacheService) EvictToSize(ctx context.Context, maxEntries int) (int64, error) {
	return repo.EvictCacheToSize(ctx, s.DB, maxEntries)
}

// Size returns the current number of cached entries.
func (s *CacheService) Size(ctx context.Context) (int64, error) {
	return repo.CountCacheEntries(ctx, s.DB)
}
