// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the query
// cache: fingerprint-keyed CacheEntry rows with TTL and bounded growth.
//
// All functions are context-aware and accept a *gorm.DB handle. Writes use
// upsert semantics (ON CONFLICT of the fingerprint PK) so that two requests
// recomputing the same fingerprint concurrently never trip a duplicate-key
// failure; last write wins, which is acceptable because both writers hold
// a freshly computed payload for the same normalized query.
package repo

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/shopwise/go-recs-backend/internal/domain"
)

// GetCacheEntry returns the live (unexpired as of now) entry for fingerprint,
// or ErrNotFound. Expired rows are treated as absent but are left in place
// for the expiry sweep; Get stays a single SELECT.
func GetCacheEntry(ctx context.Context, db *gorm.DB, fingerprint string, now time.Time) (*domain.CacheEntry, error) {
	var e domain.CacheEntry
	err := db.WithContext(ctx).
		Where("fingerprint = ? AND expires_at > ?", fingerprint, now).
		First(&e).Error
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// UpsertCacheEntry inserts the entry or, when the fingerprint already exists,
// overwrites payload/cached_at/expires_at in place.
func UpsertCacheEntry(ctx context.Context, db *gorm.DB, fingerprint, payload string, cachedAt, expiresAt time.Time) error {
	e := &domain.CacheEntry{
		Fingerprint: fingerprint,
		Payload:     payload,
		CachedAt:    cachedAt,
		ExpiresAt:   expiresAt,
	}
	return db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "fingerprint"}},
			DoUpdates: clause.AssignmentColumns([]string{"payload", "cached_at", "expires_at"}),
		}).
		Create(e).Error
}

// DeleteCacheEntries removes the listed fingerprints unconditionally and
// returns how many rows existed. Missing fingerprints are not an error.
func DeleteCacheEntries(ctx context.Context, db *gorm.DB, fingerprints []string) (int64, error) {
	if len(fingerprints) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).
		Where("fingerprint IN ?", fingerprints).
		Delete(&domain.CacheEntry{})
	return res.RowsAffected, res.Error
}

// PurgeExpiredEntries deletes every row whose expires_at is at or before now.
func PurgeExpiredEntries(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("expires_at <= ?", now).
		Delete(&domain.CacheEntry{})
	return res.RowsAffected, res.Error
}

// PurgeEntriesOlderThan deletes rows cached before cutoff regardless of
// their TTL, bounding storage even when expiries are far in the future.
func PurgeEntriesOlderThan(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("cached_at < ?", cutoff).
		Delete(&domain.CacheEntry{})
	return res.RowsAffected, res.Error
}

// CountCacheEntries returns the current cache size.
func CountCacheEntries(ctx context.Context, db *gorm.DB) (int64, error) {
	var total int64
	err := db.WithContext(ctx).Model(&domain.CacheEntry{}).Count(&total).Error
	return total, err
}

// EvictCacheToSize deletes oldest-cached_at rows until at most maxEntries
// remain, returning the number removed. Ties on cached_at break on the
// fingerprint so the same logical set is chosen on every run.
//
// The victims are selected first and deleted by key; both statements run in
// one transaction so a concurrent put cannot land between count and delete
// and push the cache over the cap unnoticed (the next sweep catches it).
func EvictCacheToSize(ctx context.Context, db *gorm.DB, maxEntries int) (int64, error) {
	if maxEntries < 0 {
		maxEntries = 0
	}
	var removed int64
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var total int64
		if err := tx.Model(&domain.CacheEntry{}).Count(&total).Error; err != nil {
			return err
		}
		excess := total - int64(maxEntries)
		if excess <= 0 {
			return nil
		}

		var victims []string
		if err := tx.Model(&domain.CacheEntry{}).
			Select("fingerprint").
			Order("cached_at asc, fingerprint asc").
			Limit(int(excess)).
			Pluck("fingerprint", &victims).Error; err != nil {
			return err
		}

		res := tx.Where("fingerprint IN ?", victims).Delete(&domain.CacheEntry{})
		if res.Error != nil {
			return res.Error
		}
		removed = res.RowsAffected
		return nil
	})
	return removed, err
}
