package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// countingGenerator records calls and optionally fails or stalls, so tests
// can observe exactly how many paid generations a request pattern causes.
type countingGenerator struct {
	calls int32
	fail  error
	delay time.Duration
}

func (g *countingGenerator) Generate(ctx context.Context, query string, _ map[string]any) (json.RawMessage, error) {
	atomic.AddInt32(&g.calls, 1)
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if g.fail != nil {
		return nil, g.fail
	}
	return json.Marshal(map[string]string{"echo": query})
}

func (g *countingGenerator) count() int32 { return atomic.LoadInt32(&g.calls) }

func newRecommendStack(t *testing.T, guestAlloc int) (*RecommendationService, *CreditService, *countingGenerator) {
	t.Helper()
	db := newTestDB(t)
	credits := NewCreditService(db, guestAlloc, 50, 24*time.Hour)
	cache := NewCacheService(db, time.Hour)
	gen := &countingGenerator{}
	return NewRecommendationService(credits, cache, gen), credits, gen
}

func TestRecommend_MissChargesThenHitIsFree(t *testing.T) {
	svc, credits, gen := newRecommendStack(t, 10)
	ctx := context.Background()

	rec, err := svc.Recommend(ctx, "g1", true, "Find me a laptop", nil)
	if err != nil {
		t.Fatalf("first Recommend: %v", err)
	}
	if rec.Cached {
		t.Fatalf("first request must be a miss")
	}
	if gen.count() != 1 {
		t.Fatalf("expected 1 generator call, got %d", gen.count())
	}
	if left, _ := credits.Check(ctx, "g1", true); left != 9 {
		t.Fatalf("miss must cost one credit, balance=%d", left)
	}

	// Identical request: served from cache, generator idle, balance untouched.
	rec2, err := svc.Recommend(ctx, "g1", true, "Find me a laptop", nil)
	if err != nil {
		t.Fatalf("second Recommend: %v", err)
	}
	if !rec2.Cached {
		t.Fatalf("second request must be a hit")
	}
	if string(rec2.Payload) != string(rec.Payload) {
		t.Fatalf("hit served different payload:\n%s\n%s", rec.Payload, rec2.Payload)
	}
	if gen.count() != 1 {
		t.Fatalf("hit invoked the generator")
	}
	if left, _ := credits.Check(ctx, "g1", true); left != 9 {
		t.Fatalf("hit was billed, balance=%d", left)
	}
}

func TestRecommend_NormalizationSharesCacheRows(t *testing.T) {
	svc, _, gen := newRecommendStack(t, 10)
	ctx := context.Background()

	if _, err := svc.Recommend(ctx, "g1", true, "Find me a laptop", nil); err != nil {
		t.Fatalf("seed: %v", err)
	}
	rec, err := svc.Recommend(ctx, "g1", true, "  find me a LAPTOP  ", map[string]any{})
	if err != nil {
		t.Fatalf("variant: %v", err)
	}
	if !rec.Cached || gen.count() != 1 {
		t.Fatalf("normalized variant missed the cache: cached=%v calls=%d", rec.Cached, gen.count())
	}
}

func TestRecommend_CacheIsSharedAcrossPrincipals(t *testing.T) {
	svc, credits, gen := newRecommendStack(t, 10)
	ctx := context.Background()

	if _, err := svc.Recommend(ctx, "g1", true, "query", nil); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// A different principal rides the same cached row without paying.
	rec, err := svc.Recommend(ctx, "g2", true, "query", nil)
	if err != nil {
		t.Fatalf("other principal: %v", err)
	}
	if !rec.Cached || gen.count() != 1 {
		t.Fatalf("cache must be shared: cached=%v calls=%d", rec.Cached, gen.count())
	}
	if left, _ := credits.Check(ctx, "g2", true); left != 10 {
		t.Fatalf("cache hit billed the second principal: %d", left)
	}
}

func TestRecommend_InputValidation(t *testing.T) {
	svc, _, gen := newRecommendStack(t, 10)
	ctx := context.Background()

	if _, err := svc.Recommend(ctx, "g1", true, "   ", nil); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("expected ErrEmptyQuery, got %v", err)
	}

	svc.MaxQueryRunes = 5
	if _, err := svc.Recommend(ctx, "g1", true, "much too long", nil); !errors.Is(err, ErrQueryTooLong) {
		t.Fatalf("expected ErrQueryTooLong, got %v", err)
	}
	if gen.count() != 0 {
		t.Fatalf("rejected input reached the generator")
	}
}

func TestRecommend_QuotaExhausted(t *testing.T) {
	svc, credits, gen := newRecommendStack(t, 1)
	ctx := context.Background()

	if _, err := svc.Recommend(ctx, "g1", true, "first", nil); err != nil {
		t.Fatalf("first: %v", err)
	}

	// Out of credits: a fresh query is refused before the generator runs.
	_, err := svc.Recommend(ctx, "g1", true, "second", nil)
	if !errors.Is(err, ErrQuotaExhausted) {
		t.Fatalf("expected ErrQuotaExhausted, got %v", err)
	}
	if gen.count() != 1 {
		t.Fatalf("exhausted principal reached the generator")
	}

	// But cached content stays available at zero balance.
	rec, err := svc.Recommend(ctx, "g1", true, "first", nil)
	if err != nil {
		t.Fatalf("cached repeat: %v", err)
	}
	if !rec.Cached {
		t.Fatalf("expected hit for previously paid query")
	}
	if left, _ := credits.Check(ctx, "g1", true); left != 0 {
		t.Fatalf("balance drifted: %d", left)
	}
}

func TestRecommend_GeneratorFailureIsWrappedAndBilled(t *testing.T) {
	svc, credits, gen := newRecommendStack(t, 10)
	gen.fail = errors.New("upstream 500")
	ctx := context.Background()

	_, err := svc.Recommend(ctx, "g1", true, "query", nil)
	if !errors.Is(err, ErrGeneratorFailed) {
		t.Fatalf("expected ErrGeneratorFailed, got %v", err)
	}

	// The deduction committed before the generator ran; no automatic refund.
	if left, _ := credits.Check(ctx, "g1", true); left != 9 {
		t.Fatalf("expected 9 credits after failed generation, got %d", left)
	}

	// Nothing was cached, so a retry pays and generates again.
	gen.fail = nil
	rec, err := svc.Recommend(ctx, "g1", true, "query", nil)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if rec.Cached {
		t.Fatalf("failed generation must not populate the cache")
	}
}

func TestRecommend_ConcurrentDuplicatesCollapse(t *testing.T) {
	svc, credits, gen := newRecommendStack(t, 10)
	gen.delay = 100 * time.Millisecond
	ctx := context.Background()

	const callers = 4
	var wg sync.WaitGroup
	errs := make([]error, callers)
	recs := make([]*Recommendation, callers)

	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recs[i], errs[i] = svc.Recommend(ctx, "g1", true, "same query", nil)
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
	}
	if gen.count() != 1 {
		t.Fatalf("duplicate burst caused %d generator calls", gen.count())
	}
	if left, _ := credits.Check(ctx, "g1", true); left != 9 {
		t.Fatalf("duplicate burst spent %d credits", 10-left)
	}

	// All callers received the leader's payload.
	for i := 1; i < callers; i++ {
		if string(recs[i].Payload) != string(recs[0].Payload) {
			t.Fatalf("caller %d got a different payload", i)
		}
	}
}
