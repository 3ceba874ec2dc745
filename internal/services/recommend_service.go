// Package services – RecommendationService
//
// This file implements the request orchestration over the credit ledger and
// the query cache: fingerprint the request, serve a cache hit for free,
// otherwise charge one credit and invoke the external generator, then store
// the result for the next caller.
//
// Billing contract: a cache hit never costs a credit. Only a miss that
// actually reaches the generator deducts, and the deduction commits before
// the generator runs (a failed generation is not refunded automatically; the
// wrapped error lets the handler decide).
//
// Concurrent identical misses from the same principal are collapsed by a
// single-flight group keyed by (principal, fingerprint), so a rapid
// double-submission spends one credit and triggers one generator call while
// both callers receive the same payload.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/shopwise/go-recs-backend/internal/recs"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Recommendation is the orchestration result handed to the HTTP layer.
type Recommendation struct {
	// Payload is the opaque generator output, served verbatim.
	Payload json.RawMessage `json:"payload"`
	// Fingerprint is the cache key the payload is stored under.
	Fingerprint string `json:"fingerprint"`
	// Cached reports whether the payload came from the cache (no charge).
	Cached bool `json:"cached"`
}

// RecommendationService wires the ledger, the cache, and the external
// generator into the per-request flow.
type RecommendationService struct {
	Credits   *CreditService
	Cache     *CacheService
	Generator recs.Generator

	// MaxQueryRunes caps accepted query length; 0 disables the check.
	MaxQueryRunes int

	// group collapses concurrent identical misses per principal.
	group singleflight.Group
}

// NewRecommendationService constructs the orchestrator.
func NewRecommendationService(credits *CreditService, cache *CacheService, gen recs.Generator) *RecommendationService {
	return &RecommendationService{
		Credits:       credits,
		Cache:         cache,
		Generator:     gen,
		MaxQueryRunes: 2000,
	}
}

// Recommend serves one recommendation request for the given principal.
//
// Flow: normalize and fingerprint the query, consult the cache (hit returns
// immediately, unbilled), otherwise deduct one credit — ErrQuotaExhausted on
// an insufficient balance — call the generator, and store the result with
// the default TTL. Cache write failures are logged and swallowed: the caller
// already paid and must receive the payload.
func (s *RecommendationService) Recommend(ctx context.Context, principalID string, isGuest bool, query string, convContext map[string]any) (*Recommendation, error) {
	tr := otel.Tracer("services/RecommendationService")
	ctx, span := tr.Start(ctx, "Recommend",
		trace.WithAttributes(
			attribute.String("principal.id", principalID),
			attribute.Bool("principal.guest", isGuest),
		),
	)
	defer span.End()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}
	if s.MaxQueryRunes > 0 && utf8.RuneCountInString(query) > s.MaxQueryRunes {
		return nil, ErrQueryTooLong
	}

	fp := s.Cache.Fingerprint(query, convContext)
	span.SetAttributes(attribute.String("cache.fingerprint", fp))

	if payload, ok := s.Cache.Get(ctx, fp); ok {
		return &Recommendation{
			Payload:     json.RawMessage(payload),
			Fingerprint: fp,
			Cached:      true,
		}, nil
	}

	// Miss: charge and generate, collapsing concurrent identical requests
	// from this principal into one paid flight.
	key := principalID + ":" + fp
	v, err, shared := s.group.Do(key, func() (any, error) {
		ok, err := s.Credits.Deduct(ctx, principalID, isGuest, 1)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, ErrQuotaExhausted
		}

		payload, err := s.Generator.Generate(ctx, query, convContext)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrGeneratorFailed, err)
		}

		if err := s.Cache.Put(ctx, fp, string(payload)); err != nil {
			log.Warn().Err(err).Str("fingerprint", fp).Msg("cache write failed; serving uncached result")
		}
		return payload, nil
	})
	if err != nil {
		return nil, err
	}

	return &Recommendation{
		Payload:     v.(json.RawMessage),
		Fingerprint: fp,
		Cached:      shared, // a collapsed duplicate rode along unbilled
	}, nil
}
