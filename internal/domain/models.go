// Package domain defines the persistence models for the credit ledger and
// the recommendation query cache. These types are mapped with GORM and form
// the core data layer of the shopping-recommendation backend.
package domain

import "time"

// Transaction kinds recorded in the credit ledger audit log.
const (
	TxKindAllocate = "allocate"
	TxKindDeduct   = "deduct"
	TxKindReset    = "reset"
)

// UserCredit holds the spendable recommendation quota for one principal
// (a registered user or a guest session). Exactly one row exists per
// principal; it is created lazily on the first credit check and mutated
// in place by deductions and resets.
//
// Fields:
//   - PrincipalID: stable identifier of the user or guest session (PK).
//   - IsGuest: guests get a smaller allocation and are never auto-reset.
//   - AvailableCredits: remaining quota; the DB check keeps it >= 0 and the
//     deduction path only ever subtracts behind a balance guard.
//   - MaxCredits: allocation ceiling restored by a reset (> 0).
//   - LastResetAt: start of the current allocation period; drives the
//     lazy auto-reset for registered principals.
//   - CreatedAt / UpdatedAt: timestamps managed by GORM.
type UserCredit struct {
	PrincipalID      string    `json:"principal_id"      gorm:"type:varchar(64);primaryKey"`
	IsGuest          bool      `json:"is_guest"          gorm:"not null;index"`
	AvailableCredits int       `json:"available_credits" gorm:"not null;check:available_credits >= 0"`
	MaxCredits       int       `json:"max_credits"       gorm:"not null;check:max_credits > 0"`
	LastResetAt      time.Time `json:"last_reset_at"     gorm:"not null;index"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// TableName returns the database table name for UserCredit.
func (UserCredit) TableName() string { return "user_credits" }

// CreditTransaction is one append-only audit record per balance-changing
// ledger operation. Rows are never updated; old rows are purged by the
// retention-window maintenance task.
//
// Fields:
//   - ID: monotonic surrogate key.
//   - PrincipalID: owning principal (indexed; logically an FK to
//     user_credits, not enforced so the audit trail survives cleanup).
//   - Kind: allocate, deduct, or reset (enforced by DB constraint).
//   - Amount: signed delta applied to the balance; negative for deductions,
//     positive for allocations and resets, never zero.
//   - Description: free-text annotation for operators.
//   - CreatedAt: append time (indexed for retention purges).
type CreditTransaction struct {
	ID          uint      `json:"id"           gorm:"primaryKey;autoIncrement"`
	PrincipalID string    `json:"principal_id" gorm:"type:varchar(64);not null;index:idx_tx_principal"`
	Kind        string    `json:"kind"         gorm:"type:varchar(16);not null;check:kind IN ('allocate','deduct','reset')"`
	Amount      int       `json:"amount"       gorm:"not null;check:amount <> 0"`
	Description string    `json:"description"  gorm:"type:varchar(255)"`
	CreatedAt   time.Time `json:"created_at"   gorm:"index:idx_tx_created"`
}

// TableName returns the database table name for CreditTransaction.
func (CreditTransaction) TableName() string { return "credit_transactions" }

// CacheEntry is a memoized recommendation result keyed by the fingerprint of
// the normalized query plus conversation context. Entries are upserted on
// recomputation and removed by expiry sweeps, size-bounded eviction
// (oldest cached_at first) or explicit invalidation.
//
// Fields:
//   - Fingerprint: sha256 hex over the normalized query/context (PK).
//   - Payload: opaque JSON result blob returned verbatim on a hit.
//   - CachedAt: write time; eviction order (indexed).
//   - ExpiresAt: staleness bound, strictly after CachedAt (indexed for
//     the expiry sweep).
type CacheEntry struct {
	Fingerprint string    `json:"fingerprint" gorm:"type:char(64);primaryKey"`
	Payload     string    `json:"payload"     gorm:"type:text;not null"`
	CachedAt    time.Time `json:"cached_at"   gorm:"not null;index:idx_cache_cached_at"`
	ExpiresAt   time.Time `json:"expires_at"  gorm:"not null;index:idx_cache_expires_at;check:expires_at > cached_at"`
}

// TableName returns the database table name for CacheEntry.
func (CacheEntry) TableName() string { return "cache_entries" }
