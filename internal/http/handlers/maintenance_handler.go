// Maintenance and cache administration HTTP handlers.
//
// This file exposes the operator surface:
//   - POST /admin/maintenance/run       (run the full cycle now, synchronously)
//   - GET  /admin/maintenance/history   (retained task results, newest first)
//   - GET  /admin/maintenance/status    (runner state and registered tasks)
//   - POST /admin/cache/invalidate      (drop specific cache fingerprints)
//
// The on-demand run executes the same task set as the scheduled cycle and
// returns per-task results so operators see failures immediately instead of
// digging through logs.
package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/shopwise/go-recs-backend/internal/maintenance"
)

// MaintenanceRunResponse wraps the per-task results of an on-demand cycle.
type MaintenanceRunResponse struct {
	Results []maintenance.TaskResult `json:"results"`
}

// MaintenanceHistoryResponse wraps retained task results, newest first.
type MaintenanceHistoryResponse struct {
	History []maintenance.TaskResult `json:"history"`
}

// InvalidateCacheRequest names the cache fingerprints to drop.
type InvalidateCacheRequest struct {
	Fingerprints []string `json:"fingerprints" binding:"required,min=1"`
}

// InvalidateCacheResponse reports how many entries were removed.
type InvalidateCacheResponse struct {
	Removed int64 `json:"removed"`
}

// RunMaintenance godoc
// @ID          runMaintenance
// @Summary     Run maintenance cycle
// @Description Executes every maintenance task synchronously and returns per-task results.
// @Tags        Admin
// @Produce     json
//
// @Success     200  {object}  handlers.MaintenanceRunResponse
// @Router      /admin/maintenance/run [post]
func (h *Handlers) RunMaintenance(c *gin.Context) {
	results := h.maint.RunCycle(c.Request.Context())
	ok(c, http.StatusOK, MaintenanceRunResponse{Results: results})
}

// MaintenanceHistory godoc
// @ID          maintenanceHistory
// @Summary     Get maintenance history
// @Description Returns retained task results, most recent first.
// @Tags        Admin
// @Produce     json
//
// @Success     200  {object}  handlers.MaintenanceHistoryResponse
// @Router      /admin/maintenance/history [get]
func (h *Handlers) MaintenanceHistory(c *gin.Context) {
	ok(c, http.StatusOK, MaintenanceHistoryResponse{History: h.maint.History()})
}

// MaintenanceStatus godoc
// @ID          maintenanceStatus
// @Summary     Get maintenance status
// @Description Reports whether the runner is active, the registered tasks, and the last cycle time.
// @Tags        Admin
// @Produce     json
//
// @Success     200  {object}  maintenance.Status
// @Router      /admin/maintenance/status [get]
func (h *Handlers) MaintenanceStatus(c *gin.Context) {
	ok(c, http.StatusOK, h.maint.Status())
}

// AdminInvalidateCache godoc
// @ID          adminInvalidateCache
// @Summary     Invalidate cache entries
// @Description Removes the listed fingerprints from the query cache regardless of expiry.
// @Tags        Admin
// @Accept      json
// @Produce     json
//
// @Param       body  body  handlers.InvalidateCacheRequest  true  "Fingerprints to drop"
//
// @Success     200  {object}  handlers.InvalidateCacheResponse
// @Failure     400  {object}  handlers.ErrorResponse "Bad request"
// @Failure     503  {object}  handlers.ErrorResponse "Store unavailable"
// @Router      /admin/cache/invalidate [post]
func (h *Handlers) AdminInvalidateCache(c *gin.Context) {
	var req InvalidateCacheRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "fingerprints are required")
		return
	}

	removed, err := h.cacheSvc.InvalidateMany(c.Request.Context(), req.Fingerprints)
	if err != nil {
		fail(c, http.StatusServiceUnavailable, ErrCodeUnavailable, "could not invalidate cache entries")
		return
	}
	ok(c, http.StatusOK, InvalidateCacheResponse{Removed: removed})
}
