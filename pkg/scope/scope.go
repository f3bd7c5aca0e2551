// Package scope implements the scope catalog: named permission atoms of the
// form resource:action[:qualifier...], their lifecycle, and the declarative
// implied-scope expansion used during token issuance.
package scope

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("scope not found")
	ErrDuplicateName   = errors.New("scope name already exists")
	ErrInvalidName     = errors.New("invalid scope name")
	ErrUnknownCategory = errors.New("unknown scope category")
	ErrReferenced      = errors.New("scope is referenced and cannot be deleted")
)

// namePattern enforces resource:action[:qualifier...] with lowercase
// snake-case segments.
var namePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(:[a-z0-9_]+)+$`)

// Category classifies a scope.
type Category string

const (
	CategoryRead  Category = "read"
	CategoryWrite Category = "write"
	CategoryAdmin Category = "admin"
	CategoryTool  Category = "tool"
)

func (c Category) valid() bool {
	switch c {
	case CategoryRead, CategoryWrite, CategoryAdmin, CategoryTool:
		return true
	}
	return false
}

// Scope is a named permission atom.
type Scope struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Description      string   `json:"description,omitempty"`
	Category         Category `json:"category"`
	IsSensitive      bool     `json:"is_sensitive"`
	RequiresApproval bool     `json:"requires_approval"`
	IsDefault        bool     `json:"is_default"`
	IsActive         bool     `json:"is_active"`
}

// Entry is the flattened registry view of a scope name.
type Entry struct {
	Name       string   `json:"name"`
	Resource   string   `json:"resource"`
	Action     string   `json:"action"`
	Qualifiers []string `json:"qualifiers,omitempty"`
}

// ReferenceChecker reports whether a scope name is still referenced by some
// other entity (policy, tool grant, user assignment). Delete consults every
// registered checker before removing a scope.
type ReferenceChecker interface {
	ScopeReferenced(ctx context.Context, name string) (bool, string, error)
}

// Catalog is the in-memory scope catalog. Safe for concurrent use.
type Catalog struct {
	mu       sync.RWMutex
	byName   map[string]*Scope
	implied  map[string][]string
	checkers []ReferenceChecker
}

// NewCatalog creates an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{
		byName:  make(map[string]*Scope),
		implied: make(map[string][]string),
	}
}

// AddReferenceChecker registers a checker consulted on Delete.
func (c *Catalog) AddReferenceChecker(rc ReferenceChecker) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checkers = append(c.checkers, rc)
}

// ValidateName checks a scope name against the naming grammar.
func ValidateName(name string) error {
	if !namePattern.MatchString(name) {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Create registers a new scope. Names are globally unique.
func (c *Catalog) Create(s Scope) (*Scope, error) {
	if err := ValidateName(s.Name); err != nil {
		return nil, err
	}
	if !s.Category.valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, s.Category)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.byName[s.Name]; exists {
		return nil, fmt.Errorf("%w: %q", ErrDuplicateName, s.Name)
	}
	if s.ID == "" {
		s.ID = uuid.New().String()
	}
	stored := s
	c.byName[s.Name] = &stored
	out := stored
	return &out, nil
}

// Get returns the scope with the given name.
func (c *Catalog) Get(name string) (*Scope, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	out := *s
	return &out, nil
}

// List returns all scopes, optionally filtered by category, sorted by name.
func (c *Catalog) List(category Category) []Scope {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Scope, 0, len(c.byName))
	for _, s := range c.byName {
		if category != "" && s.Category != category {
			continue
		}
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Update replaces the scope identified by name. A rename re-checks name
// validity and uniqueness.
func (c *Catalog) Update(name string, updated Scope) (*Scope, error) {
	if updated.Name != name {
		if err := ValidateName(updated.Name); err != nil {
			return nil, err
		}
	}
	if !updated.Category.valid() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCategory, updated.Category)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	existing, ok := c.byName[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	if updated.Name != name {
		if _, taken := c.byName[updated.Name]; taken {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateName, updated.Name)
		}
		delete(c.byName, name)
		// carry implications under the new name
		if implied, ok := c.implied[name]; ok {
			c.implied[updated.Name] = implied
			delete(c.implied, name)
		}
	}
	updated.ID = existing.ID
	stored := updated
	c.byName[updated.Name] = &stored
	out := stored
	return &out, nil
}

// Delete removes a scope unless a reference checker still reports usage.
func (c *Catalog) Delete(ctx context.Context, name string) error {
	c.mu.RLock()
	_, ok := c.byName[name]
	checkers := c.checkers
	c.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	for _, rc := range checkers {
		referenced, by, err := rc.ScopeReferenced(ctx, name)
		if err != nil {
			return fmt.Errorf("reference check failed for %q: %w", name, err)
		}
		if referenced {
			return fmt.Errorf("%w: %q referenced by %s", ErrReferenced, name, by)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byName, name)
	delete(c.implied, name)
	return nil
}

// SetImplied installs the declarative implication table
// (holding scope -> implied scopes), replacing any previous table.
func (c *Catalog) SetImplied(table map[string][]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.implied = make(map[string][]string, len(table))
	for k, v := range table {
		c.implied[k] = append([]string(nil), v...)
	}
}

// Expand returns the transitive closure of the input set under the
// implication table. The result always contains the input set.
func (c *Catalog) Expand(scopes []string) []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]struct{}, len(scopes))
	queue := append([]string(nil), scopes...)
	for len(queue) > 0 {
		s := queue[0]
		queue = queue[1:]
		if _, done := seen[s]; done {
			continue
		}
		seen[s] = struct{}{}
		queue = append(queue, c.implied[s]...)
	}

	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Registry returns the flattened view of every scope name split into
// resource, action and qualifiers.
func (c *Catalog) Registry() []Entry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Entry, 0, len(c.byName))
	for name := range c.byName {
		out = append(out, splitName(name))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func splitName(name string) Entry {
	parts := strings.Split(name, ":")
	e := Entry{Name: name, Resource: parts[0]}
	if len(parts) > 1 {
		e.Action = parts[1]
	}
	if len(parts) > 2 {
		e.Qualifiers = parts[2:]
	}
	return e
}

// Subset reports whether every element of sub appears in super.
func Subset(sub, super []string) bool {
	set := make(map[string]struct{}, len(super))
	for _, s := range super {
		set[s] = struct{}{}
	}
	for _, s := range sub {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}

// Difference returns the elements of a not present in b, sorted.
func Difference(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := set[s]; !ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

// Intersect returns the elements present in both a and b, sorted.
func Intersect(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := set[s]; ok {
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
