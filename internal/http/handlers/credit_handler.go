// Credit ledger HTTP handlers.
//
// This file exposes the quota endpoints:
//   - GET  /credits/status                      (caller's quota summary)
//   - GET  /credits/transactions?page&page_size (caller's audit log)
//   - POST /admin/credits/{principal}/reset     (operator reset)
//
// Status and transactions act on the authenticated principal resolved by the
// Identity middleware; the admin reset names an arbitrary principal in the
// path and only applies to registered users.
package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/shopwise/go-recs-backend/internal/domain"
	"github.com/shopwise/go-recs-backend/internal/http/middleware"
	"github.com/shopwise/go-recs-backend/internal/services"
)

// TransactionsResponse is the paginated audit-log envelope.
type TransactionsResponse struct {
	Transactions []domain.CreditTransaction `json:"transactions"`
	Pagination   Pagination                 `json:"pagination"`
}

// CreditStatus godoc
// @ID          creditStatus
// @Summary     Get credit status
// @Description Reports the caller's available and maximum credits, plus reset eligibility.
// @Tags        Credits
// @Produce     json
//
// @Param       X-User-ID   header  string  false "Registered user ID"  example(user123)
// @Param       X-Guest-ID  header  string  false "Guest session ID"    example(guest-1f2e3d)
//
// @Success     200  {object}  services.CreditStatus
// @Failure     503  {object}  handlers.ErrorResponse "Store unavailable"
// @Router      /credits/status [get]
func (h *Handlers) CreditStatus(c *gin.Context) {
	st, err := h.creditSvc.Status(c.Request.Context(), middleware.PrincipalFrom(c), middleware.IsGuestFrom(c))
	if err != nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "could not read credit status")
		return
	}
	ok(c, http.StatusOK, st)
}

// ListTransactions godoc
// @ID          listCreditTransactions
// @Summary     List credit transactions
// @Description Returns the caller's credit audit log, newest first, paginated.
// @Tags        Credits
// @Produce     json
//
// @Param       X-User-ID   header  string  false "Registered user ID"  example(user123)
// @Param       X-Guest-ID  header  string  false "Guest session ID"    example(guest-1f2e3d)
// @Param       page        query   int     false "Page number (1-based)"       default(1)
// @Param       page_size   query   int     false "Page size (max 100)"         default(20)
//
// @Success     200  {object}  handlers.TransactionsResponse
// @Failure     503  {object}  handlers.ErrorResponse "Store unavailable"
// @Router      /credits/transactions [get]
func (h *Handlers) ListTransactions(c *gin.Context) {
	page, pageSize := clampPagination(c)

	txs, total, err := h.creditSvc.ListTransactions(c.Request.Context(), middleware.PrincipalFrom(c), page, pageSize)
	if err != nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeListFailed, "could not list transactions")
		return
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))
	ok(c, http.StatusOK, TransactionsResponse{
		Transactions: txs,
		Pagination: Pagination{
			Page:       page,
			PageSize:   pageSize,
			Total:      total,
			TotalPages: totalPages,
			HasNext:    page < totalPages,
		},
	})
}

// AdminResetCredits godoc
// @ID          adminResetCredits
// @Summary     Reset a principal's credits
// @Description Restores a registered principal's balance to its maximum and restarts the reset clock. Guests are not resettable.
// @Tags        Admin
// @Produce     json
//
// @Param       principal  path  string  true  "Principal ID"  example(user123)
//
// @Success     204  "Reset applied"
// @Failure     400  {object}  handlers.ErrorResponse "Missing principal"
// @Failure     404  {object}  handlers.ErrorResponse "Unknown principal"
// @Failure     409  {object}  handlers.ErrorResponse "Principal is a guest"
// @Failure     503  {object}  handlers.ErrorResponse "Store unavailable"
// @Router      /admin/credits/{principal}/reset [post]
func (h *Handlers) AdminResetCredits(c *gin.Context) {
	principal := strings.TrimSpace(c.Param("principal"))
	if principal == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "principal is required")
		return
	}

	err := h.creditSvc.Reset(c.Request.Context(), principal)
	switch {
	case err == nil:
		noContent(c)
	case errors.Is(err, services.ErrPrincipalNotFound):
		fail(c, http.StatusNotFound, ErrCodeNotFound, "unknown principal")
	case errors.Is(err, services.ErrGuestNotResettable):
		fail(c, http.StatusConflict, ErrCodeConflict, "guest credits cannot be reset")
	default:
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "could not reset credits")
	}
}
