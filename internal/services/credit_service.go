// Package services – CreditService
//
// This file implements the CreditService, which owns the per-principal credit
// ledger gating expensive recommendation calls. It enforces the allocation
// policy (guests get a smaller, non-renewing allocation), applies the lazy
// auto-reset for registered principals, and keeps the balance row and its
// append-only transaction log consistent by mutating both inside one store
// transaction.
//
// Insufficient balance is not an error here: Deduct reports false and the
// orchestration layer decides how to surface the rejection. Store failures
// propagate as errors after the enclosing transaction has rolled back.
//
// Observability: public methods are OpenTelemetry-instrumented; spans include
// the principal identifier and guest flag.
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/shopwise/go-recs-backend/internal/domain"
	"github.com/shopwise/go-recs-backend/internal/repo"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CreditStatus is the caller-facing summary of one principal's quota.
type CreditStatus struct {
	PrincipalID string     `json:"principal_id"`
	Available   int        `json:"available_credits"`
	Max         int        `json:"max_credits"`
	IsGuest     bool       `json:"is_guest"`
	CanReset    bool       `json:"can_reset"`
	NextResetAt *time.Time `json:"next_reset_at,omitempty"`
}

// CreditService coordinates balance lookups, deductions, and resets against
// the persistent ledger. All cross-request visibility goes through the store;
// the service holds no per-principal state in memory.
type CreditService struct {
	// DB is the GORM handle used for persistence.
	DB *gorm.DB

	// GuestAllocation / UserAllocation are the max_credits assigned on lazy
	// creation for guest and registered principals respectively.
	GuestAllocation int
	UserAllocation  int

	// ResetInterval is the period after which a registered principal's
	// balance is restored to max_credits. Guests never reset.
	ResetInterval time.Duration

	// Now is a clock seam for tests; defaults to time.Now when nil.
	Now func() time.Time
}

// NewCreditService constructs a CreditService with the given policy.
func NewCreditService(db *gorm.DB, guestAllocation, userAllocation int, resetInterval time.Duration) *CreditService {
	return &CreditService{
		DB:              db,
		GuestAllocation: guestAllocation,
		UserAllocation:  userAllocation,
		ResetInterval:   resetInterval,
	}
}

func (s *CreditService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s *CreditService) allocationFor(isGuest bool) int {
	if isGuest {
		return s.GuestAllocation
	}
	return s.UserAllocation
}

// GetOrCreate returns the balance row for principalID, creating it with a
// full allocation on first sight. Creation appends an allocate transaction
// and tolerates a concurrent duplicate insert by falling back to reading the
// row the other request created.
func (s *CreditService) GetOrCreate(ctx context.Context, principalID string, isGuest bool) (*domain.UserCredit, error) {
	tr := otel.Tracer("services/CreditService")
	ctx, span := tr.Start(ctx, "GetOrCreate",
		trace.WithAttributes(
			attribute.String("principal.id", principalID),
			attribute.Bool("principal.guest", isGuest),
		),
	)
	defer span.End()

	uc, err := repo.GetUserCredit(ctx, s.DB, principalID)
	if err == nil {
		return uc, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	alloc := s.allocationFor(isGuest)
	var created *domain.UserCredit
	txErr := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		c, err := repo.CreateUserCredit(ctx, tx, principalID, isGuest, alloc)
		if err != nil {
			return err
		}
		created = c
		return repo.AppendTransaction(ctx, tx, principalID, domain.TxKindAllocate, alloc, "initial allocation")
	})
	if txErr == nil {
		return created, nil
	}
	if errors.Is(txErr, repo.ErrDuplicate) {
		// Lost the creation race; the winner's row is authoritative.
		return repo.GetUserCredit(ctx, s.DB, principalID)
	}
	return nil, txErr
}

// Check returns the currently available credits for the principal after
// applying the lazy auto-reset (registered principals only).
func (s *CreditService) Check(ctx context.Context, principalID string, isGuest bool) (int, error) {
	tr := otel.Tracer("services/CreditService")
	ctx, span := tr.Start(ctx, "Check",
		trace.WithAttributes(attribute.String("principal.id", principalID)),
	)
	defer span.End()

	uc, err := s.GetOrCreate(ctx, principalID, isGuest)
	if err != nil {
		return 0, err
	}
	if err := s.maybeAutoReset(ctx, uc); err != nil {
		return 0, err
	}
	return uc.AvailableCredits, nil
}

// Deduct atomically subtracts amount from the principal's balance if and only
// if the balance covers it, and reports whether the deduction was applied.
//
// A negative amount is rejected (false, no mutation); zero is a no-op
// success. The conditional update and the audit append commit together, so
// the balance and its log never diverge.
func (s *CreditService) Deduct(ctx context.Context, principalID string, isGuest bool, amount int) (bool, error) {
	tr := otel.Tracer("services/CreditService")
	ctx, span := tr.Start(ctx, "Deduct",
		trace.WithAttributes(
			attribute.String("principal.id", principalID),
			attribute.Int("credits.amount", amount),
		),
	)
	defer span.End()

	if amount < 0 {
		return false, nil
	}
	if amount == 0 {
		return true, nil
	}

	uc, err := s.GetOrCreate(ctx, principalID, isGuest)
	if err != nil {
		return false, err
	}
	if err := s.maybeAutoReset(ctx, uc); err != nil {
		return false, err
	}

	deducted := false
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ok, err := repo.DeductCredits(ctx, tx, principalID, amount)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		deducted = true
		return repo.AppendTransaction(ctx, tx, principalID, domain.TxKindDeduct, -amount, "recommendation request")
	})
	if err != nil {
		return false, err
	}

	if deducted {
		creditsDeducted.WithLabelValues(principalClass(isGuest)).Add(float64(amount))
	} else {
		creditsRejected.WithLabelValues(principalClass(isGuest)).Inc()
	}
	return deducted, nil
}

// Reset unconditionally restores a registered principal's balance to
// max_credits, stamps last_reset_at, and appends a reset transaction sized to
// the applied delta. Guests are refused with ErrGuestNotResettable; unknown
// principals with ErrPrincipalNotFound.
func (s *CreditService) Reset(ctx context.Context, principalID string) error {
	tr := otel.Tracer("services/CreditService")
	ctx, span := tr.Start(ctx, "Reset",
		trace.WithAttributes(attribute.String("principal.id", principalID)),
	)
	defer span.End()

	uc, err := repo.GetUserCredit(ctx, s.DB, principalID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrPrincipalNotFound
		}
		return err
	}
	if uc.IsGuest {
		return ErrGuestNotResettable
	}

	if err := s.applyReset(ctx, uc, "manual reset"); err != nil {
		return err
	}
	creditResets.WithLabelValues("manual").Inc()
	return nil
}

// ResetDue bulk-restores every registered principal whose allocation period
// has elapsed and returns how many were reset. Guests are excluded by the
// query itself. One reset transaction is appended per affected principal.
func (s *CreditService) ResetDue(ctx context.Context) (int, error) {
	tr := otel.Tracer("services/CreditService")
	ctx, span := tr.Start(ctx, "ResetDue")
	defer span.End()

	now := s.now()
	due, err := repo.ListResetDue(ctx, s.DB, now.Add(-s.ResetInterval))
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	ids := make([]string, 0, len(due))
	for _, uc := range due {
		ids = append(ids, uc.PrincipalID)
	}

	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := repo.BulkRestoreCredits(ctx, tx, ids, now); err != nil {
			return err
		}
		for _, uc := range due {
			delta := uc.MaxCredits - uc.AvailableCredits
			if delta == 0 {
				continue
			}
			if err := repo.AppendTransaction(ctx, tx, uc.PrincipalID, domain.TxKindReset, delta, "scheduled reset"); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	creditResets.WithLabelValues("sweep").Add(float64(len(due)))
	return len(due), nil
}

// Status reports the principal's quota summary, applying the lazy auto-reset
// first so the numbers reflect the current allocation period.
func (s *CreditService) Status(ctx context.Context, principalID string, isGuest bool) (CreditStatus, error) {
	tr := otel.Tracer("services/CreditService")
	ctx, span := tr.Start(ctx, "Status",
		trace.WithAttributes(attribute.String("principal.id", principalID)),
	)
	defer span.End()

	uc, err := s.GetOrCreate(ctx, principalID, isGuest)
	if err != nil {
		return CreditStatus{}, err
	}
	if err := s.maybeAutoReset(ctx, uc); err != nil {
		return CreditStatus{}, err
	}

	st := CreditStatus{
		PrincipalID: uc.PrincipalID,
		Available:   uc.AvailableCredits,
		Max:         uc.MaxCredits,
		IsGuest:     uc.IsGuest,
		CanReset:    !uc.IsGuest,
	}
	if !uc.IsGuest {
		next := uc.LastResetAt.Add(s.ResetInterval)
		st.NextResetAt = &next
	}
	return st, nil
}

// ListTransactions returns a page of the principal's audit log (newest first)
// together with the total count for pagination metadata.
func (s *CreditService) ListTransactions(ctx context.Context, principalID string, page, pageSize int) ([]domain.CreditTransaction, int64, error) {
	tr := otel.Tracer("services/CreditService")
	ctx, span := tr.Start(ctx, "ListTransactions",
		trace.WithAttributes(
			attribute.String("principal.id", principalID),
			attribute.Int("page", page),
			attribute.Int("page_size", pageSize),
		),
	)
	defer span.End()

	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = 20
	}
	offset := (page - 1) * pageSize

	total, err := repo.CountTransactions(ctx, s.DB, principalID)
	if err != nil {
		return nil, 0, err
	}
	if total == 0 {
		return []domain.CreditTransaction{}, 0, nil
	}

	items, err := repo.ListTransactionsPage(ctx, s.DB, principalID, offset, pageSize)
	return items, total, err
}

// PurgeTransactions deletes audit rows older than the retention window and
// returns the number removed. Invoked by the maintenance scheduler.
func (s *CreditService) PurgeTransactions(ctx context.Context, retentionDays int) (int64, error) {
	cutoff := s.now().AddDate(0, 0, -retentionDays)
	return repo.PurgeTransactionsBefore(ctx, s.DB, cutoff)
}

// maybeAutoReset applies the time-triggered RESET transition when the
// registered principal's allocation period has elapsed, updating uc in place.
// Guests have no reset transition and pass through untouched.
func (s *CreditService) maybeAutoReset(ctx context.Context, uc *domain.UserCredit) error {
	if uc.IsGuest {
		return nil
	}
	if s.now().Sub(uc.LastResetAt) < s.ResetInterval {
		return nil
	}
	if err := s.applyReset(ctx, uc, "automatic reset"); err != nil {
		return err
	}
	creditResets.WithLabelValues("lazy").Inc()
	return nil
}

// applyReset restores uc to max_credits in one store transaction, appending a
// reset record sized to the delta (skipped when the balance was already
// full, as zero-amount transactions are forbidden). uc is refreshed in place.
func (s *CreditService) applyReset(ctx context.Context, uc *domain.UserCredit, description string) error {
	now := s.now()
	delta := uc.MaxCredits - uc.AvailableCredits
	err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := repo.RestoreCredits(ctx, tx, uc.PrincipalID, now); err != nil {
			return err
		}
		if delta == 0 {
			return nil
		}
		return repo.AppendTransaction(ctx, tx, uc.PrincipalID, domain.TxKindReset,
			delta, fmt.Sprintf("%s (+%d)", description, delta))
	})
	if err != nil {
		return err
	}
	uc.AvailableCredits = uc.MaxCredits
	uc.LastResetAt = now
	return nil
}
