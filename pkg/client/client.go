// Package client is the registry of OAuth clients: the autonomous agents
// (and the occasional interactive app) allowed to request tokens. Secrets
// are stored as bcrypt hashes; plaintext secrets exist only at registration.
package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNotFound      = errors.New("client not found")
	ErrInactive      = errors.New("client is inactive")
	ErrBadSecret     = errors.New("client secret verification failed")
	ErrDuplicateID   = errors.New("client id already registered")
	ErrInvalidParams = errors.New("invalid client parameters")
)

// GrantType enumerates the token grants a client may use.
type GrantType string

const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantClientCredentials GrantType = "client_credentials"
	GrantRefreshToken      GrantType = "refresh_token"
)

// Tool is a named capability a client may be granted on its tokens.
type Tool struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Client is a registered agent or application.
type Client struct {
	ClientID     string      `json:"client_id"`
	Name         string      `json:"name"`
	SecretHash   []byte      `json:"-"`
	RedirectURIs []string    `json:"redirect_uris,omitempty"`
	GrantTypes   []GrantType `json:"grant_types"`
	Scopes       []string    `json:"scopes,omitempty"`
	Tools        []Tool      `json:"tools,omitempty"`
	IsActive     bool        `json:"is_active"`
	CreatedAt    time.Time   `json:"created_at"`

	AgentType       string `json:"agent_type,omitempty"`
	AgentModel      string `json:"agent_model,omitempty"`
	AgentProvider   string `json:"agent_provider,omitempty"`
	AgentTrustLevel string `json:"agent_trust_level,omitempty"`
}

// AllowsGrant reports whether the client may use the grant type.
func (c *Client) AllowsGrant(gt GrantType) bool {
	for _, g := range c.GrantTypes {
		if g == gt {
			return true
		}
	}
	return false
}

// AllowsRedirect reports whether the exact redirect URI is registered.
func (c *Client) AllowsRedirect(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// ToolNames returns the registered tool name set.
func (c *Client) ToolNames() []string {
	names := make([]string, 0, len(c.Tools))
	for _, tool := range c.Tools {
		names = append(names, tool.Name)
	}
	return names
}

// Registry holds registered clients in memory.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[string]*Client)}
}

// RegisterParams carries registration inputs. ClientID may be empty, in
// which case one is generated.
type RegisterParams struct {
	ClientID     string
	Name         string
	Secret       string
	RedirectURIs []string
	GrantTypes   []GrantType
	Scopes       []string
	Tools        []Tool

	AgentType       string
	AgentModel      string
	AgentProvider   string
	AgentTrustLevel string
}

// Register creates a client. The secret is hashed with bcrypt and the
// plaintext discarded.
func (r *Registry) Register(ctx context.Context, p RegisterParams) (*Client, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("%w: name required", ErrInvalidParams)
	}
	if len(p.GrantTypes) == 0 {
		return nil, fmt.Errorf("%w: at least one grant type required", ErrInvalidParams)
	}
	for _, gt := range p.GrantTypes {
		switch gt {
		case GrantAuthorizationCode, GrantClientCredentials, GrantRefreshToken:
		default:
			return nil, fmt.Errorf("%w: unknown grant type %q", ErrInvalidParams, gt)
		}
	}

	var secretHash []byte
	if p.Secret != "" {
		hash, err := bcrypt.GenerateFromPassword([]byte(p.Secret), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("hash client secret: %w", err)
		}
		secretHash = hash
	}

	clientID := p.ClientID
	if clientID == "" {
		clientID = uuid.New().String()
	}

	c := &Client{
		ClientID:        clientID,
		Name:            p.Name,
		SecretHash:      secretHash,
		RedirectURIs:    append([]string(nil), p.RedirectURIs...),
		GrantTypes:      append([]GrantType(nil), p.GrantTypes...),
		Scopes:          append([]string(nil), p.Scopes...),
		Tools:           append([]Tool(nil), p.Tools...),
		IsActive:        true,
		CreatedAt:       time.Now().UTC(),
		AgentType:       p.AgentType,
		AgentModel:      p.AgentModel,
		AgentProvider:   p.AgentProvider,
		AgentTrustLevel: p.AgentTrustLevel,
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.byID[clientID]; exists {
		return nil, ErrDuplicateID
	}
	r.byID[clientID] = c
	return cloneClient(c), nil
}

// Get returns the client by id, active or not.
func (r *Registry) Get(ctx context.Context, clientID string) (*Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[clientID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneClient(c), nil
}

// Authenticate resolves an active client and verifies its secret.
func (r *Registry) Authenticate(ctx context.Context, clientID, secret string) (*Client, error) {
	c, err := r.Get(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !c.IsActive {
		return nil, ErrInactive
	}
	if err := bcrypt.CompareHashAndPassword(c.SecretHash, []byte(secret)); err != nil {
		return nil, ErrBadSecret
	}
	return c, nil
}

// SetActive toggles a client.
func (r *Registry) SetActive(ctx context.Context, clientID string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[clientID]
	if !ok {
		return ErrNotFound
	}
	c.IsActive = active
	return nil
}

// List returns every registered client.
func (r *Registry) List(ctx context.Context) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, cloneClient(c))
	}
	return out
}

// ScopeReferenced implements the scope catalog's reference check: a scope
// still assigned to a client blocks its deletion.
func (r *Registry) ScopeReferenced(ctx context.Context, name string) (bool, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, c := range r.byID {
		for _, s := range c.Scopes {
			if s == name {
				return true, fmt.Sprintf("client %s", c.ClientID), nil
			}
		}
	}
	return false, "", nil
}

func cloneClient(c *Client) *Client {
	out := *c
	out.RedirectURIs = append([]string(nil), c.RedirectURIs...)
	out.GrantTypes = append([]GrantType(nil), c.GrantTypes...)
	out.Scopes = append([]string(nil), c.Scopes...)
	out.Tools = append([]Tool(nil), c.Tools...)
	out.SecretHash = append([]byte(nil), c.SecretHash...)
	return &out
}
