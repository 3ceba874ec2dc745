// Package recs defines the contract with the external recommendation
// generator: the expensive, LLM-backed call that the credit ledger gates and
// the query cache memoizes. The backend treats the generator as an opaque,
// potentially slow and unreliable collaborator; everything it returns is
// stored and served verbatim.
package recs

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Generator produces a structured recommendation payload for a query and an
// optional conversation context. Implementations must honor ctx for
// cancellation and timeouts and should be safe for concurrent use.
type Generator interface {
	Generate(ctx context.Context, query string, convContext map[string]any) (json.RawMessage, error)
}

// StaticGenerator is a deterministic, dependency-free Generator used for
// local development and tests. It echoes the query into a fixed payload
// shape so round-trips through the cache are verifiable byte-for-byte.
type StaticGenerator struct{}

// Generate returns a canned payload derived only from the inputs.
func (StaticGenerator) Generate(_ context.Context, query string, convContext map[string]any) (json.RawMessage, error) {
	resp := map[string]any{
		"query": strings.TrimSpace(query),
		"recommendations": []map[string]any{
			{"rank": 1, "reason": fmt.Sprintf("top pick for %q", strings.TrimSpace(query))},
		},
	}
	if len(convContext) > 0 {
		resp["context_used"] = true
	}
	return json.Marshal(resp)
}
