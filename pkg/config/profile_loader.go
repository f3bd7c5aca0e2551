package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/Volant-Labs/warrant/pkg/client"
	"github.com/Volant-Labs/warrant/pkg/policy"
	"github.com/Volant-Labs/warrant/pkg/scope"
)

// Profile is a bootstrap document seeding the scope catalog, client
// registry, policy engine, and expansion policy on startup.
type Profile struct {
	Name            string                  `yaml:"name" json:"name"`
	Scopes          []ScopeDef              `yaml:"scopes,omitempty" json:"scopes,omitempty"`
	Clients         []ClientDef             `yaml:"clients,omitempty" json:"clients,omitempty"`
	Policies        []PolicyDef             `yaml:"policies,omitempty" json:"policies,omitempty"`
	ExpansionPolicy *policy.ExpansionPolicy `yaml:"expansion_policy,omitempty" json:"expansion_policy,omitempty"`
}

// ScopeDef declares one catalog scope.
type ScopeDef struct {
	Name             string `yaml:"name" json:"name"`
	Description      string `yaml:"description,omitempty" json:"description,omitempty"`
	Category         string `yaml:"category" json:"category"`
	IsSensitive      bool   `yaml:"is_sensitive,omitempty" json:"is_sensitive,omitempty"`
	RequiresApproval bool   `yaml:"requires_approval,omitempty" json:"requires_approval,omitempty"`
	IsDefault        bool   `yaml:"is_default,omitempty" json:"is_default,omitempty"`
}

// ClientDef declares one registered client. The secret is plaintext here
// and hashed at registration.
type ClientDef struct {
	ClientID     string   `yaml:"client_id,omitempty" json:"client_id,omitempty"`
	Name         string   `yaml:"name" json:"name"`
	Secret       string   `yaml:"secret,omitempty" json:"secret,omitempty"`
	RedirectURIs []string `yaml:"redirect_uris,omitempty" json:"redirect_uris,omitempty"`
	GrantTypes   []string `yaml:"grant_types" json:"grant_types"`
	Scopes       []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
	Tools        []string `yaml:"tools,omitempty" json:"tools,omitempty"`

	AgentType       string `yaml:"agent_type,omitempty" json:"agent_type,omitempty"`
	AgentModel      string `yaml:"agent_model,omitempty" json:"agent_model,omitempty"`
	AgentProvider   string `yaml:"agent_provider,omitempty" json:"agent_provider,omitempty"`
	AgentTrustLevel string `yaml:"agent_trust_level,omitempty" json:"agent_trust_level,omitempty"`
}

// PolicyDef declares one access policy.
type PolicyDef struct {
	ID          string         `yaml:"id,omitempty" json:"id,omitempty"`
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Effect      string         `yaml:"effect" json:"effect"`
	Conditions  map[string]any `yaml:"conditions,omitempty" json:"conditions,omitempty"`
	Expression  string         `yaml:"expression,omitempty" json:"expression,omitempty"`
	Priority    int            `yaml:"priority,omitempty" json:"priority,omitempty"`
	IsActive    *bool          `yaml:"is_active,omitempty" json:"is_active,omitempty"`
	Scopes      []string       `yaml:"scopes,omitempty" json:"scopes,omitempty"`
}

// profileSchema constrains bootstrap documents before any of their content
// reaches the engines.
const profileSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": {"type": "string", "minLength": 1},
    "scopes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "category"],
        "properties": {
          "name": {"type": "string", "minLength": 3},
          "category": {"enum": ["read", "write", "admin", "tool"]}
        }
      }
    },
    "clients": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "grant_types"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "grant_types": {
            "type": "array",
            "minItems": 1,
            "items": {"enum": ["authorization_code", "client_credentials", "refresh_token"]}
          }
        }
      }
    },
    "policies": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name", "effect"],
        "properties": {
          "name": {"type": "string", "minLength": 1},
          "effect": {"enum": ["allow", "deny", "consent_required"]}
        }
      }
    },
    "expansion_policy": {"type": "object"}
  }
}`

// LoadProfile reads, schema-validates, and decodes a bootstrap profile.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile: %w", err)
	}
	return ParseProfile(data)
}

// ParseProfile decodes a bootstrap profile from YAML bytes.
func ParseProfile(data []byte) (*Profile, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}

	// round-trip through JSON so the schema validator sees json types
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("normalize profile: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, fmt.Errorf("normalize profile: %w", err)
	}
	if err := compiledProfileSchema.Validate(normalized); err != nil {
		return nil, fmt.Errorf("profile schema validation failed: %w", err)
	}

	var profile Profile
	if err := json.Unmarshal(raw, &profile); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	return &profile, nil
}

var compiledProfileSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://warrant.schemas.local/profile.schema.json"
	if err := c.AddResource(url, strings.NewReader(profileSchema)); err != nil {
		panic(err)
	}
	return c.MustCompile(url)
}

// Scope converts the definition into a catalog scope.
func (s ScopeDef) Scope() scope.Scope {
	return scope.Scope{
		Name:             s.Name,
		Description:      s.Description,
		Category:         scope.Category(s.Category),
		IsSensitive:      s.IsSensitive,
		RequiresApproval: s.RequiresApproval,
		IsDefault:        s.IsDefault,
		IsActive:         true,
	}
}

// RegisterParams converts the definition into registration inputs.
func (c ClientDef) RegisterParams() client.RegisterParams {
	grants := make([]client.GrantType, len(c.GrantTypes))
	for i, g := range c.GrantTypes {
		grants[i] = client.GrantType(g)
	}
	tools := make([]client.Tool, len(c.Tools))
	for i, name := range c.Tools {
		tools[i] = client.Tool{Name: name}
	}
	return client.RegisterParams{
		ClientID:        c.ClientID,
		Name:            c.Name,
		Secret:          c.Secret,
		RedirectURIs:    c.RedirectURIs,
		GrantTypes:      grants,
		Scopes:          c.Scopes,
		Tools:           tools,
		AgentType:       c.AgentType,
		AgentModel:      c.AgentModel,
		AgentProvider:   c.AgentProvider,
		AgentTrustLevel: c.AgentTrustLevel,
	}
}

// Policy converts the definition into an engine policy. IsActive defaults
// to true when omitted.
func (p PolicyDef) Policy() policy.Policy {
	active := true
	if p.IsActive != nil {
		active = *p.IsActive
	}
	return policy.Policy{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		Effect:      policy.Effect(p.Effect),
		Conditions:  p.Conditions,
		Expression:  p.Expression,
		Priority:    p.Priority,
		IsActive:    active,
		Scopes:      p.Scopes,
	}
}
