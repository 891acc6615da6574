// Package aggregate merges face search candidates with their resolved identities.
package aggregate

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/example/face-lookup/internal/facematch"
	"github.com/example/face-lookup/internal/identity"
)

// Outcome separates "nothing matched" from "matched faces nobody is bound to".
type Outcome string

const (
	OutcomeNoMatch         Outcome = "no_match"
	OutcomeUnknownIdentity Outcome = "unknown_identity"
	OutcomeRecognized      Outcome = "recognized"
)

// Match pairs a candidate with its identity, which is nil when none is bound.
type Match struct {
	Candidate facematch.Candidate `json:"candidate"`
	Identity  *identity.Record    `json:"identity"`
}

// Result is the outcome of one lookup. NotFound is true iff no candidate resolved to an identity.
type Result struct {
	Matches  []Match `json:"matches"`
	NotFound bool    `json:"not_found"`
	Outcome  Outcome `json:"outcome"`
}

// ResolveFunc resolves one face id; (nil, nil) means no identity.
type ResolveFunc func(ctx context.Context, faceID string) (*identity.Record, error)

// Aggregate resolves every candidate and keeps them in input order. With concurrency above one,
// up to that many resolutions run at once. The first resolver error is returned.
func Aggregate(ctx context.Context, candidates []facematch.Candidate, resolve ResolveFunc, concurrency int) (*Result, error) {
	identities := make([]*identity.Record, len(candidates))

	if concurrency <= 1 || len(candidates) <= 1 {
		for i, candidate := range candidates {
			record, err := resolve(ctx, candidate.FaceID)
			if err != nil {
				return nil, err
			}
			identities[i] = record
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(concurrency)
		for i, candidate := range candidates {
			g.Go(func() error {
				record, err := resolve(gctx, candidate.FaceID)
				if err != nil {
					return err
				}
				identities[i] = record
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	return compose(candidates, identities), nil
}

func compose(candidates []facematch.Candidate, identities []*identity.Record) *Result {
	result := &Result{Matches: make([]Match, len(candidates)), NotFound: true, Outcome: OutcomeNoMatch}
	if len(candidates) > 0 {
		result.Outcome = OutcomeUnknownIdentity
	}
	for i, candidate := range candidates {
		result.Matches[i] = Match{Candidate: candidate, Identity: identities[i]}
		if identities[i] != nil {
			result.NotFound = false
			result.Outcome = OutcomeRecognized
		}
	}
	return result
}

// ResolvedCount returns how many matches carry an identity.
func (r *Result) ResolvedCount() int {
	n := 0
	for _, m := range r.Matches {
		if m.Identity != nil {
			n++
		}
	}
	return n
}

// TopConfidence returns the confidence of the first candidate, or zero when there is none.
func (r *Result) TopConfidence() float64 {
	if len(r.Matches) == 0 {
		return 0
	}
	return r.Matches[0].Candidate.Confidence
}
