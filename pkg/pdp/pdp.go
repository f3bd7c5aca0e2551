// Package pdp defines the Policy Decision Gateway.
//
// The token authority routes security-relevant decisions through a gateway
// which either consults an external decision service (OPA-style HTTP API) or
// falls through to the local policy engine. The remote contract is
// asymmetric on purpose:
//   - an undefined rule (missing result key) allows — the rule simply is not
//     deployed remotely and the local engine remains authoritative;
//   - a transport failure or timeout denies — an unreachable decision
//     service must never widen access.
//
// Every decision carries a deterministic hash (JCS canonical JSON, SHA-256)
// for audit binding.
package pdp

import (
	"context"
	"fmt"
	"time"

	"github.com/Volant-Labs/warrant/pkg/canonicalize"
)

// Decision is the gateway's answer for a single rule query.
type Decision struct {
	Allow        bool   `json:"allow"`
	Rule         string `json:"rule"`
	ReasonCode   string `json:"reason_code"`
	DecisionHash string `json:"decision_hash"`
}

// Gateway is the decision-point abstraction consulted by the token authority.
type Gateway interface {
	// Check queries the named rule with the given input document.
	Check(ctx context.Context, rule string, input map[string]any) Decision

	// PutData mirrors a document to the remote data store so the external
	// evaluator sees current state. Best effort: errors are logged, never
	// returned to block the write path.
	PutData(ctx context.Context, path string, doc any)

	// DeleteData removes a mirrored document. Best effort.
	DeleteData(ctx context.Context, path string)
}

// finalize stamps the decision hash. Hash failures downgrade to an empty
// hash rather than changing the decision.
func finalize(d Decision) Decision {
	hashInput := struct {
		Allow      bool   `json:"allow"`
		Rule       string `json:"rule"`
		ReasonCode string `json:"reason_code"`
	}{d.Allow, d.Rule, d.ReasonCode}

	if hash, err := canonicalize.CanonicalHash(hashInput); err == nil {
		d.DecisionHash = "sha256:" + hash
	}
	return d
}

// Disabled is the gateway used when no decision service is configured:
// every rule allows and decisions are delegated fully to the local engine.
type Disabled struct{}

func (Disabled) Check(ctx context.Context, rule string, input map[string]any) Decision {
	return finalize(Decision{Allow: true, Rule: rule, ReasonCode: "ALLOW_PDP_DISABLED"})
}

func (Disabled) PutData(ctx context.Context, path string, doc any)  {}
func (Disabled) DeleteData(ctx context.Context, path string)        {}

// DefaultTimeout bounds a single remote decision call.
const DefaultTimeout = 1 * time.Second

func reasonHTTP(status int) string {
	return fmt.Sprintf("DENY_REMOTE_HTTP_%d", status)
}
