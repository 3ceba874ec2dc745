package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/shopwise/go-recs-backend/internal/domain"
	"github.com/shopwise/go-recs-backend/internal/http/middleware"
	"github.com/shopwise/go-recs-backend/internal/maintenance"
	"github.com/shopwise/go-recs-backend/internal/services"
)

//
// Stubs
//

type stubRecSvc struct {
	rec *services.Recommendation
	err error
}

func (s *stubRecSvc) Recommend(_ context.Context, _ string, _ bool, _ string, _ map[string]any) (*services.Recommendation, error) {
	return s.rec, s.err
}

type stubCreditSvc struct {
	status   services.CreditStatus
	statErr  error
	resetErr error
	txs      []domain.CreditTransaction
	total    int64
	listErr  error
}

func (s *stubCreditSvc) Status(context.Context, string, bool) (services.CreditStatus, error) {
	return s.status, s.statErr
}
func (s *stubCreditSvc) Reset(context.Context, string) error { return s.resetErr }
func (s *stubCreditSvc) ListTransactions(context.Context, string, int, int) ([]domain.CreditTransaction, int64, error) {
	return s.txs, s.total, s.listErr
}

type stubCacheSvc struct {
	removed int64
	err     error
	got     []string
}

func (s *stubCacheSvc) InvalidateMany(_ context.Context, fps []string) (int64, error) {
	s.got = fps
	return s.removed, s.err
}

type stubMaint struct {
	results []maintenance.TaskResult
	status  maintenance.Status
}

func (s *stubMaint) RunCycle(context.Context) []maintenance.TaskResult { return s.results }
func (s *stubMaint) History() []maintenance.TaskResult                 { return s.results }
func (s *stubMaint) Status() maintenance.Status                        { return s.status }

func newTestRouter(h *Handlers) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(middleware.Identity())
	r.POST("/recommendations", h.Recommend)
	r.GET("/credits/status", h.CreditStatus)
	r.GET("/credits/transactions", h.ListTransactions)
	r.POST("/admin/credits/:principal/reset", h.AdminResetCredits)
	r.POST("/admin/cache/invalidate", h.AdminInvalidateCache)
	r.POST("/admin/maintenance/run", h.RunMaintenance)
	r.GET("/admin/maintenance/status", h.MaintenanceStatus)
	return r
}

func doJSON(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

//
// Recommend
//

func TestRecommend_MissSetsXCacheMiss(t *testing.T) {
	h := New(&stubRecSvc{rec: &services.Recommendation{
		Payload:     json.RawMessage(`{"items":[1]}`),
		Fingerprint: "abc",
		Cached:      false,
	}}, &stubCreditSvc{}, &stubCacheSvc{}, &stubMaint{})
	r := newTestRouter(h)

	w := doJSON(r, http.MethodPost, "/recommendations", `{"query":"find me a laptop"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Cache") != "MISS" {
		t.Fatalf("X-Cache = %q", w.Header().Get("X-Cache"))
	}

	var resp RecommendResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Cached || resp.Fingerprint != "abc" || string(resp.Payload) != `{"items":[1]}` {
		t.Fatalf("unexpected body: %+v", resp)
	}
}

func TestRecommend_HitSetsXCacheHit(t *testing.T) {
	h := New(&stubRecSvc{rec: &services.Recommendation{
		Payload: json.RawMessage(`{}`), Fingerprint: "abc", Cached: true,
	}}, &stubCreditSvc{}, &stubCacheSvc{}, &stubMaint{})
	r := newTestRouter(h)

	w := doJSON(r, http.MethodPost, "/recommendations", `{"query":"q"}`)
	if w.Code != http.StatusOK || w.Header().Get("X-Cache") != "HIT" {
		t.Fatalf("status=%d X-Cache=%q", w.Code, w.Header().Get("X-Cache"))
	}
}

func TestRecommend_BadJSONBody(t *testing.T) {
	h := New(&stubRecSvc{}, &stubCreditSvc{}, &stubCacheSvc{}, &stubMaint{})
	r := newTestRouter(h)

	w := doJSON(r, http.MethodPost, "/recommendations", `{broken`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestRecommend_ValidationErrors(t *testing.T) {
	for _, svcErr := range []error{services.ErrEmptyQuery, services.ErrQueryTooLong} {
		h := New(&stubRecSvc{err: svcErr}, &stubCreditSvc{}, &stubCacheSvc{}, &stubMaint{})
		r := newTestRouter(h)

		w := doJSON(r, http.MethodPost, "/recommendations", `{"query":"x"}`)
		if w.Code != http.StatusBadRequest {
			t.Fatalf("%v: status = %d", svcErr, w.Code)
		}
	}
}

func TestRecommend_QuotaExhaustedEnvelope(t *testing.T) {
	next := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	h := New(
		&stubRecSvc{err: services.ErrQuotaExhausted},
		&stubCreditSvc{status: services.CreditStatus{Available: 0, Max: 50, NextResetAt: &next}},
		&stubCacheSvc{}, &stubMaint{},
	)
	r := newTestRouter(h)

	w := doJSON(r, http.MethodPost, "/recommendations", `{"query":"q"}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", w.Code)
	}

	var resp QuotaExhaustedResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Code != ErrCodeQuotaExhausted || resp.Max != 50 || resp.NextResetAt == nil {
		t.Fatalf("unexpected envelope: %+v", resp)
	}
}

func TestRecommend_GeneratorFailureIs502(t *testing.T) {
	h := New(&stubRecSvc{err: services.ErrGeneratorFailed}, &stubCreditSvc{}, &stubCacheSvc{}, &stubMaint{})
	r := newTestRouter(h)

	w := doJSON(r, http.MethodPost, "/recommendations", `{"query":"q"}`)
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestRecommend_StoreFailureIs503WithRetryAfter(t *testing.T) {
	h := New(&stubRecSvc{err: context.DeadlineExceeded}, &stubCreditSvc{}, &stubCacheSvc{}, &stubMaint{})
	r := newTestRouter(h)

	w := doJSON(r, http.MethodPost, "/recommendations", `{"query":"q"}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Fatalf("missing Retry-After header")
	}
}

//
// Credits
//

func TestCreditStatus_OK(t *testing.T) {
	h := New(&stubRecSvc{}, &stubCreditSvc{status: services.CreditStatus{
		PrincipalID: "u1", Available: 42, Max: 50, CanReset: true,
	}}, &stubCacheSvc{}, &stubMaint{})
	r := newTestRouter(h)

	w := doJSON(r, http.MethodGet, "/credits/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var st services.CreditStatus
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.Available != 42 || st.Max != 50 {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestListTransactions_PaginationMeta(t *testing.T) {
	h := New(&stubRecSvc{}, &stubCreditSvc{
		txs:   []domain.CreditTransaction{{PrincipalID: "u1", Kind: domain.TxKindDeduct, Amount: -1}},
		total: 45,
	}, &stubCacheSvc{}, &stubMaint{})
	r := newTestRouter(h)

	w := doJSON(r, http.MethodGet, "/credits/transactions?page=2&page_size=20", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp TransactionsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	p := resp.Pagination
	if p.Page != 2 || p.PageSize != 20 || p.Total != 45 || p.TotalPages != 3 || !p.HasNext {
		t.Fatalf("unexpected pagination: %+v", p)
	}
}

func TestListTransactions_ClampsAbsurdParams(t *testing.T) {
	h := New(&stubRecSvc{}, &stubCreditSvc{}, &stubCacheSvc{}, &stubMaint{})
	r := newTestRouter(h)

	w := doJSON(r, http.MethodGet, "/credits/transactions?page=-3&page_size=5000", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp TransactionsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Pagination.Page != 1 || resp.Pagination.PageSize != 100 {
		t.Fatalf("params not clamped: %+v", resp.Pagination)
	}
}

func TestAdminResetCredits_StatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusNoContent},
		{services.ErrPrincipalNotFound, http.StatusNotFound},
		{services.ErrGuestNotResettable, http.StatusConflict},
		{context.DeadlineExceeded, http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		h := New(&stubRecSvc{}, &stubCreditSvc{resetErr: tc.err}, &stubCacheSvc{}, &stubMaint{})
		r := newTestRouter(h)

		w := doJSON(r, http.MethodPost, "/admin/credits/u1/reset", "")
		if w.Code != tc.want {
			t.Fatalf("err=%v: status = %d, want %d", tc.err, w.Code, tc.want)
		}
	}
}

//
// Admin: cache + maintenance
//

func TestAdminInvalidateCache(t *testing.T) {
	cacheSvc := &stubCacheSvc{removed: 2}
	h := New(&stubRecSvc{}, &stubCreditSvc{}, cacheSvc, &stubMaint{})
	r := newTestRouter(h)

	w := doJSON(r, http.MethodPost, "/admin/cache/invalidate", `{"fingerprints":["a","b"]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d body=%s", w.Code, w.Body.String())
	}
	var resp InvalidateCacheResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Removed != 2 || len(cacheSvc.got) != 2 {
		t.Fatalf("unexpected result: %+v passed=%v", resp, cacheSvc.got)
	}
}

func TestAdminInvalidateCache_EmptyListRejected(t *testing.T) {
	h := New(&stubRecSvc{}, &stubCreditSvc{}, &stubCacheSvc{}, &stubMaint{})
	r := newTestRouter(h)

	w := doJSON(r, http.MethodPost, "/admin/cache/invalidate", `{"fingerprints":[]}`)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestRunMaintenance_ReturnsResults(t *testing.T) {
	h := New(&stubRecSvc{}, &stubCreditSvc{}, &stubCacheSvc{}, &stubMaint{
		results: []maintenance.TaskResult{{Task: "purge_expired_cache", Success: true, ItemsProcessed: 3}},
	})
	r := newTestRouter(h)

	w := doJSON(r, http.MethodPost, "/admin/maintenance/run", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp MaintenanceRunResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Results) != 1 || resp.Results[0].Task != "purge_expired_cache" {
		t.Fatalf("unexpected results: %+v", resp.Results)
	}
}

func TestMaintenanceStatus(t *testing.T) {
	h := New(&stubRecSvc{}, &stubCreditSvc{}, &stubCacheSvc{}, &stubMaint{
		status: maintenance.Status{Running: true, Tasks: []string{"credit_reset_sweep"}},
	})
	r := newTestRouter(h)

	w := doJSON(r, http.MethodGet, "/admin/maintenance/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var st maintenance.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !st.Running || len(st.Tasks) != 1 {
		t.Fatalf("unexpected status: %+v", st)
	}
}
