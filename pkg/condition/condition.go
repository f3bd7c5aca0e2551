// Package condition implements the attribute-based condition tree evaluator.
//
// A condition tree is a recursive sum of logical nodes (and / or / not) over
// comparison leaves. Leaves resolve a dotted attribute path against a nested
// context map and apply one of the enumerated operators. Evaluation is
// deterministic and never surfaces errors: any failure inside a leaf counts
// as false, a missing attribute yields an absent sentinel that fails every
// comparison.
package condition

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnknownOperator = errors.New("unknown operator")
	ErrMalformedNode   = errors.New("malformed condition node")
)

// Node is one node in a condition tree.
// Exactly one of And, Or, Not, Leaf is set.
type Node struct {
	And  []Node
	Or   []Node
	Not  *Node
	Leaf *Leaf
}

// Leaf is a single comparison against the attribute context.
type Leaf struct {
	// Attribute is a dotted path into the context (e.g. "agent.trust_level").
	Attribute string
	Operator  Operator
	// Value is the literal right-hand side. Ignored when ValueFrom is set.
	Value any
	// ValueFrom resolves the right-hand side from another context path.
	ValueFrom string
}

// Evaluator evaluates condition trees. The zero value is usable; Clock
// defaults to time.Now and exists so temporal operators are testable.
type Evaluator struct {
	Clock func() time.Time
}

// New returns an Evaluator using the real clock.
func New() *Evaluator {
	return &Evaluator{Clock: time.Now}
}

func (e *Evaluator) now() time.Time {
	if e.Clock == nil {
		return time.Now().UTC()
	}
	return e.Clock().UTC()
}

// Evaluate walks the tree against ctx. Logical "and" over zero children is
// vacuously true, "or" vacuously false.
func (e *Evaluator) Evaluate(n *Node, ctx map[string]any) bool {
	if n == nil {
		return true
	}
	switch {
	case n.And != nil:
		for i := range n.And {
			if !e.Evaluate(&n.And[i], ctx) {
				return false
			}
		}
		return true
	case n.Or != nil:
		for i := range n.Or {
			if e.Evaluate(&n.Or[i], ctx) {
				return true
			}
		}
		return false
	case n.Not != nil:
		return !e.Evaluate(n.Not, ctx)
	case n.Leaf != nil:
		return e.evalLeaf(n.Leaf, ctx)
	}
	return false
}

// EvaluateDocument parses and evaluates a raw condition document in one step.
// Unparseable documents evaluate to false.
func (e *Evaluator) EvaluateDocument(doc map[string]any, ctx map[string]any) bool {
	node, err := Parse(doc)
	if err != nil {
		return false
	}
	return e.Evaluate(node, ctx)
}

func (e *Evaluator) evalLeaf(l *Leaf, ctx map[string]any) bool {
	lhs := Lookup(ctx, l.Attribute)

	rhs := l.Value
	if l.ValueFrom != "" {
		v := Lookup(ctx, l.ValueFrom)
		if v == Absent {
			return false
		}
		rhs = v
	}

	ok, err := e.apply(l.Operator, lhs, rhs)
	if err != nil {
		return false
	}
	return ok
}

// Parse converts a raw JSON-shaped document into a Node.
//
// Recognized shapes:
//
//	{"and": [ ... ]}
//	{"or":  [ ... ]}
//	{"not": { ... }}
//	{"attribute": "a.b", "operator": "eq", "value": 1}
//	{"attribute": "a.b", "operator": "eq", "value_from": "c.d"}
//
// A top-level {"custom": {...}} wrapper is transparently unwrapped.
func Parse(doc map[string]any) (*Node, error) {
	if inner, ok := doc["custom"].(map[string]any); ok && len(doc) == 1 {
		doc = inner
	}
	return parseNode(doc)
}

func parseNode(doc map[string]any) (*Node, error) {
	if raw, ok := doc["and"]; ok {
		children, err := parseChildren(raw)
		if err != nil {
			return nil, err
		}
		return &Node{And: children}, nil
	}
	if raw, ok := doc["or"]; ok {
		children, err := parseChildren(raw)
		if err != nil {
			return nil, err
		}
		return &Node{Or: children}, nil
	}
	if raw, ok := doc["not"]; ok {
		inner, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: not operand must be an object", ErrMalformedNode)
		}
		child, err := parseNode(inner)
		if err != nil {
			return nil, err
		}
		return &Node{Not: child}, nil
	}

	attr, _ := doc["attribute"].(string)
	opName, _ := doc["operator"].(string)
	if attr == "" || opName == "" {
		return nil, fmt.Errorf("%w: leaf requires attribute and operator", ErrMalformedNode)
	}
	op := Operator(opName)
	if !op.Known() {
		return nil, fmt.Errorf("%w: %q", ErrUnknownOperator, opName)
	}
	leaf := &Leaf{Attribute: attr, Operator: op, Value: doc["value"]}
	if vf, ok := doc["value_from"].(string); ok {
		leaf.ValueFrom = vf
	}
	return &Node{Leaf: leaf}, nil
}

func parseChildren(raw any) ([]Node, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%w: logical operand must be an array", ErrMalformedNode)
	}
	children := make([]Node, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: child must be an object", ErrMalformedNode)
		}
		child, err := parseNode(m)
		if err != nil {
			return nil, err
		}
		children = append(children, *child)
	}
	// Distinguish empty logical nodes from unset branches.
	if children == nil {
		children = []Node{}
	}
	return children, nil
}
