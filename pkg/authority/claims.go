package authority

import (
	"github.com/golang-jwt/jwt/v5"
)

// Launch reasons, carried as the launch_reason claim.
const (
	LaunchUserInteractive = "user_interactive"
	LaunchSystemJob       = "system_job"
	LaunchAgentDelegated  = "agent_delegated"
)

// Claims is the OIDC-A claim set minted into access tokens. jti carries the
// token id, sub the client id.
type Claims struct {
	jwt.RegisteredClaims
	Scope         []string `json:"scope"`
	GrantedTools  []string `json:"granted_tools"`
	TaskID        string   `json:"task_id"`
	ParentTaskID  string   `json:"parent_task_id,omitempty"`
	ParentTokenID string   `json:"parent_token_id,omitempty"`
	DelegatorSub  string   `json:"delegator_sub,omitempty"`

	AgentType         string   `json:"agent_type,omitempty"`
	AgentModel        string   `json:"agent_model,omitempty"`
	AgentProvider     string   `json:"agent_provider,omitempty"`
	AgentInstanceID   string   `json:"agent_instance_id,omitempty"`
	AgentTrustLevel   string   `json:"agent_trust_level,omitempty"`
	AgentCapabilities []string `json:"agent_capabilities,omitempty"`

	DelegationChain       []string       `json:"delegation_chain,omitempty"`
	DelegationPurpose     string         `json:"delegation_purpose,omitempty"`
	DelegationConstraints map[string]any `json:"delegation_constraints,omitempty"`

	LaunchReason string `json:"launch_reason,omitempty"`
}

func validLaunchReason(reason string) bool {
	switch reason {
	case LaunchUserInteractive, LaunchSystemJob, LaunchAgentDelegated:
		return true
	}
	return false
}
