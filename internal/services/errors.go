// Package services defines the business logic for the credit ledger, the
// query cache, and recommendation orchestration. This file centralizes common
// service-level error values so that they can be consistently returned by
// service methods and checked by callers.
//
// These errors are intended for internal use by the service layer and translation
// into user-facing messages or HTTP status codes should be performed at the
// handler/controller layer.
package services

import "errors"

var (
	// ErrPrincipalNotFound indicates that no balance row exists for the
	// requested principal (and the caller asked for a strict lookup rather
	// than lazy creation).
	ErrPrincipalNotFound = errors.New("principal not found")

	// ErrGuestNotResettable is returned when a reset is requested for a
	// guest principal. Guest balances are never restored by policy; once
	// exhausted they stay exhausted.
	ErrGuestNotResettable = errors.New("guest credits cannot be reset")

	// ErrQuotaExhausted indicates the principal had insufficient credits to
	// pay for a recommendation. Within the ledger itself an insufficient
	// balance is a normal false result; this error exists for the
	// orchestration layer to signal the rejection upward.
	ErrQuotaExhausted = errors.New("credit quota exhausted")

	// ErrEmptyQuery is returned when a recommendation request contains an
	// empty or whitespace-only query.
	ErrEmptyQuery = errors.New("query is empty")

	// ErrQueryTooLong is returned when a recommendation query exceeds the
	// maximum configured length limit.
	ErrQueryTooLong = errors.New("query too long")

	// ErrGeneratorFailed wraps failures of the external recommendation
	// generator so handlers can distinguish them from store failures.
	ErrGeneratorFailed = errors.New("recommendation generator failed")
)
