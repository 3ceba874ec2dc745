// Package maintenance – the fixed cycle actions.
//
// Each action is one bounded store operation (or a short transaction) that
// either fully commits or fully rolls back, so a scheduler stop between
// ticks never leaves a sweep half-applied.
package maintenance

import (
	"context"

	"gorm.io/gorm"

	"github.com/shopwise/go-recs-backend/internal/config"
	"github.com/shopwise/go-recs-backend/internal/repo"
	"github.com/shopwise/go-recs-backend/internal/services"
)

// DefaultCycle assembles the standard maintenance actions in execution
// order: credit reset sweep, cache expiry purge, audit-log retention purge,
// cache age purge, size-bounded eviction, storage compaction.
func DefaultCycle(
	db *gorm.DB,
	credits *services.CreditService,
	cache *services.CacheService,
	cacheCfg config.CacheConfig,
	maintCfg config.MaintenanceConfig,
) []Task {
	return []Task{
		{
			Name: "credit_reset_sweep",
			Fn: func(ctx context.Context) (int64, map[string]any, error) {
				n, err := credits.ResetDue(ctx)
				return int64(n), nil, err
			},
		},
		{
			Name: "purge_expired_cache",
			Fn: func(ctx context.Context) (int64, map[string]any, error) {
				n, err := cache.PurgeExpired(ctx)
				return n, nil, err
			},
		},
		{
			Name: "purge_old_transactions",
			Fn: func(ctx context.Context) (int64, map[string]any, error) {
				n, err := credits.PurgeTransactions(ctx, maintCfg.TxRetentionDays)
				return n, map[string]any{"retention_days": maintCfg.TxRetentionDays}, err
			},
		},
		{
			Name: "purge_aged_cache",
			Fn: func(ctx context.Context) (int64, map[string]any, error) {
				n, err := cache.PurgeOlderThan(ctx, cacheCfg.MaxAgeDays)
				return n, map[string]any{"max_age_days": cacheCfg.MaxAgeDays}, err
			},
		},
		{
			Name: "evict_cache_to_limit",
			Fn: func(ctx context.Context) (int64, map[string]any, error) {
				n, err := cache.EvictToSize(ctx, cacheCfg.MaxEntries)
				size, serr := cache.Size(ctx)
				details := map[string]any{"max_entries": cacheCfg.MaxEntries}
				if serr == nil {
					details["size_after"] = size
				}
				return n, details, err
			},
		},
		{
			Name: "compact_storage",
			Fn: func(ctx context.Context) (int64, map[string]any, error) {
				return 0, nil, repo.Compact(db.WithContext(ctx))
			},
		},
	}
}
