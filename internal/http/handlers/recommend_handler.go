// Recommendation HTTP handlers.
//
// This file exposes the primary product endpoint:
//   - POST /recommendations   (query + optional conversation context)
//
// Handlers are transport-thin: they validate input, call application services,
// and translate results into HTTP responses. The quota/billing outcome mapping
// lives here: cache hits and misses both return 200 (distinguished by the
// X-Cache header), an exhausted quota maps to 429 with reset guidance, a
// generator failure to 502, and a store failure to 503 with a retry hint.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shopwise/go-recs-backend/internal/domain"
	"github.com/shopwise/go-recs-backend/internal/http/middleware"
	"github.com/shopwise/go-recs-backend/internal/maintenance"
	"github.com/shopwise/go-recs-backend/internal/services"
	"github.com/shopwise/go-recs-backend/internal/utils"
)

//
// Service contracts (context-aware)
//

// RecommendationService defines the orchestration operation consumed by the
// recommendation endpoint.
//
// Implementations should be safe for concurrent use and must honor the
// provided context for cancellation and timeouts.
type RecommendationService interface {
	// Recommend serves one query for the principal, consulting the cache
	// and charging the ledger on a miss.
	Recommend(ctx context.Context, principalID string, isGuest bool, query string, convContext map[string]any) (*services.Recommendation, error)
}

// CreditService defines the ledger operations consumed by HTTP handlers.
type CreditService interface {
	// Status reports the principal's quota summary.
	Status(ctx context.Context, principalID string, isGuest bool) (services.CreditStatus, error)
	// Reset restores a registered principal's balance to its maximum.
	Reset(ctx context.Context, principalID string) error
	// ListTransactions returns a page of the principal's audit log.
	ListTransactions(ctx context.Context, principalID string, page, pageSize int) ([]domain.CreditTransaction, int64, error)
}

// CacheAdminService defines the cache operations exposed to operators.
type CacheAdminService interface {
	// InvalidateMany removes the listed fingerprints unconditionally.
	InvalidateMany(ctx context.Context, fingerprints []string) (int64, error)
}

// MaintenanceRunner defines the scheduler surface exposed to operators.
type MaintenanceRunner interface {
	// RunCycle executes the full maintenance cycle synchronously.
	RunCycle(ctx context.Context) []maintenance.TaskResult
	// History returns retained task results, most recent first.
	History() []maintenance.TaskResult
	// Status reports the runner state and registered tasks.
	Status() maintenance.Status
}

//
// Handler wiring
//

// Handlers groups HTTP endpoints for recommendations, credits, and
// maintenance. It depends on abstract service interfaces to keep transport
// concerns separate from business logic.
type Handlers struct {
	recSvc    RecommendationService
	creditSvc CreditService
	cacheSvc  CacheAdminService
	maint     MaintenanceRunner
}

// New constructs and returns a Handlers instance bound to the given services.
func New(recSvc RecommendationService, creditSvc CreditService, cacheSvc CacheAdminService, maint MaintenanceRunner) *Handlers {
	return &Handlers{recSvc: recSvc, creditSvc: creditSvc, cacheSvc: cacheSvc, maint: maint}
}

//
// DTOs
//

// RecommendRequest is the JSON payload for a recommendation query.
type RecommendRequest struct {
	// Query is the shopping request in natural language.
	Query string `json:"query" binding:"required" example:"Find me a laptop under 50000"`
	// Context optionally carries prior conversation state; field order
	// never affects caching.
	Context map[string]any `json:"context,omitempty"`
}

// RecommendResponse wraps the generator payload with cache metadata.
type RecommendResponse struct {
	Payload     json.RawMessage `json:"payload"`
	Cached      bool            `json:"cached"`
	Fingerprint string          `json:"fingerprint"`
}

// QuotaExhaustedResponse is the 429 envelope returned when the principal has
// no credits left. NextResetAt is present for registered principals only.
type QuotaExhaustedResponse struct {
	RequestID   string     `json:"request_id,omitempty"`
	Code        string     `json:"code" example:"quota_exhausted"`
	Message     string     `json:"message"`
	Available   int        `json:"available_credits"`
	Max         int        `json:"max_credits"`
	NextResetAt *time.Time `json:"next_reset_at,omitempty"`
}

// Pagination carries pagination metadata for list responses.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasNext    bool  `json:"has_next"`
}

//
// Helpers
//

// clampPagination parses and bounds page and page_size query params to sane
// defaults and limits, returning (page, pageSize).
func clampPagination(c *gin.Context) (page, pageSize int) {
	const (
		defaultPage     = 1
		defaultPageSize = 20
		maxPageSize     = 100
	)
	page = utils.AtoiDefault(c.Query("page"), defaultPage)
	if page < 1 {
		page = 1
	}
	pageSize = utils.AtoiDefault(c.Query("page_size"), defaultPageSize)
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	return
}

//
// Handlers
//

// Recommend godoc
// @ID          recommend
// @Summary     Get shopping recommendations
// @Description Serves a recommendation for the query, from cache when possible. A cache miss costs one credit.
// @Tags        Recommendations
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID   header  string  false "Registered user ID"   example(user123)
// @Param       X-Guest-ID  header  string  false "Guest session ID"     example(guest-1f2e3d)
// @Param       body        body    handlers.RecommendRequest  true  "Recommendation query"
//
// @Success     200  {object}  handlers.RecommendResponse
// @Header      200  {string}  X-Cache "HIT or MISS"
// @Failure     400  {object}  handlers.ErrorResponse          "Bad request"
// @Failure     429  {object}  handlers.QuotaExhaustedResponse "Quota exhausted"
// @Failure     502  {object}  handlers.ErrorResponse          "Generator failure"
// @Failure     503  {object}  handlers.ErrorResponse          "Store unavailable"
// @Router      /recommendations [post]
func (h *Handlers) Recommend(c *gin.Context) {
	var req RecommendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "invalid JSON body")
		return
	}

	ctx := c.Request.Context()
	principal := middleware.PrincipalFrom(c)
	isGuest := middleware.IsGuestFrom(c)

	rec, err := h.recSvc.Recommend(ctx, principal, isGuest, req.Query, req.Context)
	switch {
	case err == nil:
		// fallthrough to success below
	case errors.Is(err, services.ErrEmptyQuery):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "query is empty")
		return
	case errors.Is(err, services.ErrQueryTooLong):
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "query too long")
		return
	case errors.Is(err, services.ErrQuotaExhausted):
		h.quotaExhausted(c, principal, isGuest)
		return
	case errors.Is(err, services.ErrGeneratorFailed):
		fail(c, http.StatusBadGateway, ErrCodeRecommendationFailed, "recommendation generator failed")
		return
	default:
		c.Header("Retry-After", "5")
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "temporarily unavailable, try again later")
		return
	}

	if rec.Cached {
		c.Header("X-Cache", "HIT")
	} else {
		c.Header("X-Cache", "MISS")
	}
	ok(c, http.StatusOK, RecommendResponse{
		Payload:     rec.Payload,
		Cached:      rec.Cached,
		Fingerprint: rec.Fingerprint,
	})
}

// quotaExhausted writes the structured 429 envelope with the current balance
// and reset guidance. Status is fetched best-effort; the envelope degrades
// to the bare code/message when the ledger read fails too.
func (h *Handlers) quotaExhausted(c *gin.Context, principal string, isGuest bool) {
	resp := QuotaExhaustedResponse{
		RequestID: c.Writer.Header().Get("X-Request-ID"),
		Code:      ErrCodeQuotaExhausted,
		Message:   "credit quota exhausted",
	}
	if st, err := h.creditSvc.Status(c.Request.Context(), principal, isGuest); err == nil {
		resp.Available = st.Available
		resp.Max = st.Max
		resp.NextResetAt = st.NextResetAt
	}
	c.AbortWithStatusJSON(http.StatusTooManyRequests, resp)
}
