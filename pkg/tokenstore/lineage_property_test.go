//go:build property
// +build property

// Package tokenstore_test contains property-based tests for revocation
// monotonicity and cascade cycle safety.
package tokenstore_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/Volant-Labs/warrant/pkg/tokenstore"
)

func seedForest(s *tokenstore.MemoryStore, parents []int) []string {
	now := time.Now().UTC()
	ids := make([]string, len(parents))
	for i := range parents {
		ids[i] = fmt.Sprintf("tok-%d", i)
	}
	for i, p := range parents {
		parentID := ""
		if p >= 0 && p < i {
			parentID = ids[p]
		}
		_ = s.Persist(context.Background(), &tokenstore.Token{
			TokenID:         ids[i],
			ClientID:        "client-1",
			AccessTokenHash: fmt.Sprintf("ah-%d", i),
			Scope:           []string{"read:web"},
			TaskID:          fmt.Sprintf("task-%d", i),
			ParentTokenID:   parentID,
			Inheritance:     tokenstore.InheritanceRestricted,
			IssuedAt:        now,
			ExpiresAt:       now.Add(time.Hour),
		})
	}
	return ids
}

// TestRevocationMonotone verifies a revoked token stays revoked with its
// original reason no matter how many further revocations run.
func TestRevocationMonotone(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("revocation never reverses and keeps first reason", prop.ForAll(
		func(reasons []string) bool {
			if len(reasons) == 0 {
				return true
			}
			s := tokenstore.NewMemoryStore()
			ids := seedForest(s, []int{-1})

			first := ""
			for i, reason := range reasons {
				if reason == "" {
					reason = "r"
				}
				if i == 0 {
					first = reason
				}
				if _, err := s.Revoke(context.Background(), ids[0], reason); err != nil {
					return false
				}
				got, err := s.GetByID(context.Background(), ids[0])
				if err != nil || !got.IsRevoked || got.RevocationReason != first {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestCascadeRevokesExactlyDescendants verifies cascades cover the full
// subtree and nothing outside it, on arbitrary forests.
func TestCascadeRevokesExactlyDescendants(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("cascade covers the subtree and only the subtree", prop.ForAll(
		func(parents []int, rootIdx int) bool {
			if len(parents) == 0 {
				return true
			}
			s := tokenstore.NewMemoryStore()
			ids := seedForest(s, parents)
			root := rootIdx % len(parents)
			if root < 0 {
				root = -root
			}

			// expected: reflexive-transitive descendants of root
			expected := map[string]bool{ids[root]: true}
			changedAny := true
			for changedAny {
				changedAny = false
				for i, p := range parents {
					if p >= 0 && p < i && expected[ids[p]] && !expected[ids[i]] {
						expected[ids[i]] = true
						changedAny = true
					}
				}
			}

			if _, err := tokenstore.CascadeRevoke(context.Background(), s, ids[root], "test"); err != nil {
				return false
			}
			for _, id := range ids {
				got, err := s.GetByID(context.Background(), id)
				if err != nil {
					return false
				}
				if got.IsRevoked != expected[id] {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(12, gen.IntRange(-3, 11)),
		gen.IntRange(0, 11),
	))

	properties.TestingRun(t)
}

// TestCascadeTerminatesOnCycles verifies relinked lineage loops do not hang
// the walk and every node on the loop ends revoked.
func TestCascadeTerminatesOnCycles(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("cycles terminate with the whole loop revoked", prop.ForAll(
		func(n int) bool {
			size := 2 + n%6
			parents := make([]int, size)
			for i := range parents {
				parents[i] = i - 1
			}
			s := tokenstore.NewMemoryStore()
			ids := seedForest(s, parents)
			// close the chain into a ring
			s.Relink(ids[0], ids[size-1])

			done := make(chan bool, 1)
			go func() {
				_, err := tokenstore.CascadeRevoke(context.Background(), s, ids[0], "loop")
				done <- err == nil
			}()
			select {
			case ok := <-done:
				if !ok {
					return false
				}
			case <-time.After(2 * time.Second):
				return false
			}

			for _, id := range ids {
				got, err := s.GetByID(context.Background(), id)
				if err != nil || !got.IsRevoked {
					return false
				}
			}
			return true
		},
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}
