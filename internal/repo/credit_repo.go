// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file provides repository functions for the credit
// ledger: the UserCredit balance rows and the append-only CreditTransaction
// audit log.
//
// All functions are context-aware and accept a *gorm.DB handle, making them
// safe for use within transactions or connection-scoped operations.
// They follow the "thin repository" approach: no business logic, only CRUD
// persistence and query composition.
//
// Error semantics:
//   - When a balance row is not found, functions return gorm.ErrRecordNotFound
//     (also exported here as ErrNotFound for convenience).
//   - CreateUserCredit returns ErrDuplicate when the row already exists, so
//     callers can fall back to reading the concurrently created row instead
//     of failing the request.
//   - On other DB errors (constraint violations, connectivity issues, etc.),
//     the raw gorm error is propagated.
//
// Concurrency note: DeductCredits is the only balance-decreasing path and is
// expressed as a single conditional UPDATE guarded by the current balance.
// Two concurrent deductions against the same principal therefore serialize at
// the store; the loser observes zero affected rows and reports failure rather
// than driving the balance negative.
package repo

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/shopwise/go-recs-backend/internal/domain"
)

// ErrNotFound is returned when a requested record does not exist.
// It aliases gorm.ErrRecordNotFound for convenience and consistency
// across the service layer and handlers.
var ErrNotFound = gorm.ErrRecordNotFound

// ErrDuplicate indicates that a balance row already exists for the principal.
var ErrDuplicate = errors.New("duplicate")

// isUniqueViolation reports whether err is a primary-key/unique-index clash.
// glebarez/sqlite often returns plain-text errors for UNIQUE violations.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	low := strings.ToLower(err.Error())
	return strings.Contains(low, "unique constraint failed") ||
		strings.Contains(low, "constraint failed: unique")
}

// GetUserCredit fetches the balance row for principalID, or ErrNotFound.
func GetUserCredit(ctx context.Context, db *gorm.DB, principalID string) (*domain.UserCredit, error) {
	var uc domain.UserCredit
	err := db.WithContext(ctx).
		Where("principal_id = ?", principalID).
		First(&uc).Error
	if err != nil {
		return nil, err
	}
	return &uc, nil
}

// CreateUserCredit inserts a fresh balance row with the full allocation
// available. On a concurrent duplicate insert it returns ErrDuplicate so the
// caller can read back the existing row (insert-or-read-back).
func CreateUserCredit(ctx context.Context, db *gorm.DB, principalID string, isGuest bool, maxCredits int) (*domain.UserCredit, error) {
	now := time.Now().UTC()
	uc := &domain.UserCredit{
		PrincipalID:      principalID,
		IsGuest:          isGuest,
		AvailableCredits: maxCredits,
		MaxCredits:       maxCredits,
		LastResetAt:      now,
		CreatedAt:        now,
	}
	if err := db.WithContext(ctx).Create(uc).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicate
		}
		return nil, err
	}
	return uc, nil
}

// DeductCredits atomically subtracts amount from the principal's balance,
// but only when the balance covers it. It reports whether the deduction
// was applied. amount must be positive; validation happens in the service.
//
// The mutation is one conditional statement so concurrent deductions for the
// same principal cannot both succeed past the remaining balance.
func DeductCredits(ctx context.Context, db *gorm.DB, principalID string, amount int) (bool, error) {
	res := db.WithContext(ctx).
		Model(&domain.UserCredit{}).
		Where("principal_id = ? AND available_credits >= ?", principalID, amount).
		Updates(map[string]any{
			"available_credits": gorm.Expr("available_credits - ?", amount),
			"updated_at":        time.Now().UTC(),
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// RestoreCredits sets the balance back to max_credits and stamps last_reset_at.
// Returns ErrNotFound when the principal has no balance row.
func RestoreCredits(ctx context.Context, db *gorm.DB, principalID string, resetAt time.Time) error {
	res := db.WithContext(ctx).
		Model(&domain.UserCredit{}).
		Where("principal_id = ?", principalID).
		Updates(map[string]any{
			"available_credits": gorm.Expr("max_credits"),
			"last_reset_at":     resetAt,
			"updated_at":        resetAt,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListResetDue returns every registered (non-guest) principal whose
// last_reset_at is at or before cutoff, i.e. whose allocation period has
// elapsed. Guests are excluded by policy: their balances never auto-reset.
func ListResetDue(ctx context.Context, db *gorm.DB, cutoff time.Time) ([]domain.UserCredit, error) {
	var out []domain.UserCredit
	err := db.WithContext(ctx).
		Where("is_guest = ? AND last_reset_at <= ?", false, cutoff).
		Order("principal_id asc").
		Find(&out).Error
	return out, err
}

// BulkRestoreCredits resets the listed principals to max_credits in one
// statement, skipping guests, and returns the number of rows touched.
func BulkRestoreCredits(ctx context.Context, db *gorm.DB, principalIDs []string, resetAt time.Time) (int64, error) {
	if len(principalIDs) == 0 {
		return 0, nil
	}
	res := db.WithContext(ctx).
		Model(&domain.UserCredit{}).
		Where("principal_id IN ? AND is_guest = ?", principalIDs, false).
		Updates(map[string]any{
			"available_credits": gorm.Expr("max_credits"),
			"last_reset_at":     resetAt,
			"updated_at":        resetAt,
		})
	return res.RowsAffected, res.Error
}

// AppendTransaction records one audit row for a balance-changing operation.
// amount carries the applied sign (negative for deductions) and must be
// non-zero; zero deltas are the caller's responsibility to skip.
func AppendTransaction(ctx context.Context, db *gorm.DB, principalID, kind string, amount int, description string) error {
	tx := &domain.CreditTransaction{
		PrincipalID: principalID,
		Kind:        kind,
		Amount:      amount,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	return db.WithContext(ctx).Create(tx).Error
}

// CountTransactions returns the audit-log size for one principal.
func CountTransactions(ctx context.Context, db *gorm.DB, principalID string) (int64, error) {
	var total int64
	err := db.WithContext(ctx).
		Model(&domain.CreditTransaction{}).
		Where("principal_id = ?", principalID).
		Count(&total).Error
	return total, err
}

// ListTransactionsPage returns a page of the principal's audit log, newest
// first. Use CountTransactions to obtain the total for pagination metadata.
func ListTransactionsPage(ctx context.Context, db *gorm.DB, principalID string, offset, limit int) ([]domain.CreditTransaction, error) {
	var out []domain.CreditTransaction
	err := db.WithContext(ctx).
		Where("principal_id = ?", principalID).
		Order("created_at desc, id desc").
		Offset(offset).
		Limit(limit).
		Find(&out).Error
	return out, err
}

// PurgeTransactionsBefore deletes audit rows older than cutoff and returns
// the number removed. Invoked by the retention maintenance task.
func PurgeTransactionsBefore(ctx context.Context, db *gorm.DB, cutoff time.Time) (int64, error) {
	res := db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&domain.CreditTransaction{})
	return res.RowsAffected, res.Error
}

// DeleteUserCredit removes a balance row and its audit trail. Not used on
// any request path; exists for administrative and test cleanup only.
func DeleteUserCredit(ctx context.Context, db *gorm.DB, principalID string) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("principal_id = ?", principalID).Delete(&domain.CreditTransaction{}).Error; err != nil {
			return err
		}
		return tx.Where("principal_id = ?", principalID).Delete(&domain.UserCredit{}).Error
	})
}
