package condition

import (
	"encoding/json"
	"fmt"
	"net"
	"regexp"
	"strings"
	"time"

	"golang.org/x/text/cases"
)

// Operator is the tagged comparison kind carried by a Leaf. Modeling the
// operator as a named variant (rather than per-operator callables) keeps
// policy dumps and audit traces readable.
type Operator string

const (
	// comparison
	OpEq Operator = "eq"
	OpNe Operator = "ne"
	OpLt Operator = "lt"
	OpLe Operator = "le"
	OpGt Operator = "gt"
	OpGe Operator = "ge"

	// containment
	OpIn          Operator = "in"
	OpContains    Operator = "contains"
	OpOneOf       Operator = "one_of"
	OpContainsAny Operator = "contains_any"
	OpContainsAll Operator = "contains_all"

	// string
	OpStartsWith Operator = "startswith"
	OpEndsWith   Operator = "endswith"
	OpRegex      Operator = "regex"
	OpRegexNot   Operator = "regex_not"
	OpILike      Operator = "ilike"
	OpNotILike   Operator = "not_ilike"
	OpWildcard   Operator = "wildcard"

	// collection size
	OpLenEq    Operator = "len_eq"
	OpLenLt    Operator = "len_lt"
	OpLenGt    Operator = "len_gt"
	OpEmpty    Operator = "empty"
	OpNotEmpty Operator = "not_empty"

	// range
	OpBetween    Operator = "between"
	OpNotBetween Operator = "not_between"

	// network
	OpIPInCIDR    Operator = "ip_in_cidr"
	OpIPNotInCIDR Operator = "ip_not_in_cidr"

	// temporal
	OpBefore Operator = "before"
	OpAfter  Operator = "after"
	OpWithin Operator = "within"
)

var knownOperators = map[Operator]struct{}{
	OpEq: {}, OpNe: {}, OpLt: {}, OpLe: {}, OpGt: {}, OpGe: {},
	OpIn: {}, OpContains: {}, OpOneOf: {}, OpContainsAny: {}, OpContainsAll: {},
	OpStartsWith: {}, OpEndsWith: {}, OpRegex: {}, OpRegexNot: {},
	OpILike: {}, OpNotILike: {}, OpWildcard: {},
	OpLenEq: {}, OpLenLt: {}, OpLenGt: {}, OpEmpty: {}, OpNotEmpty: {},
	OpBetween: {}, OpNotBetween: {},
	OpIPInCIDR: {}, OpIPNotInCIDR: {},
	OpBefore: {}, OpAfter: {}, OpWithin: {},
}

// Known reports whether op is part of the enumerated operator set.
func (op Operator) Known() bool {
	_, ok := knownOperators[op]
	return ok
}

// apply dispatches on the operator tag. The absent sentinel fails every
// operator except empty, which treats a missing attribute as empty.
func (e *Evaluator) apply(op Operator, lhs, rhs any) (bool, error) {
	if lhs == Absent {
		return op == OpEmpty, nil
	}

	switch op {
	case OpEq:
		return looseEqual(lhs, rhs), nil
	case OpNe:
		return !looseEqual(lhs, rhs), nil
	case OpLt, OpLe, OpGt, OpGe:
		c, err := compare(lhs, rhs)
		if err != nil {
			return false, err
		}
		switch op {
		case OpLt:
			return c < 0, nil
		case OpLe:
			return c <= 0, nil
		case OpGt:
			return c > 0, nil
		default:
			return c >= 0, nil
		}

	case OpIn, OpOneOf:
		items, ok := toSlice(rhs)
		if !ok {
			return false, fmt.Errorf("%s requires a list value", op)
		}
		return sliceContains(items, lhs), nil
	case OpContains:
		items, ok := toSlice(lhs)
		if ok {
			return sliceContains(items, rhs), nil
		}
		ls, lok := toString(lhs)
		rs, rok := toString(rhs)
		if lok && rok {
			return strings.Contains(ls, rs), nil
		}
		return false, fmt.Errorf("contains requires a list or string attribute")
	case OpContainsAny:
		return containsN(lhs, rhs, false)
	case OpContainsAll:
		return containsN(lhs, rhs, true)

	case OpStartsWith:
		return stringPair(lhs, rhs, strings.HasPrefix)
	case OpEndsWith:
		return stringPair(lhs, rhs, strings.HasSuffix)
	case OpRegex, OpRegexNot:
		matched, err := regexMatch(lhs, rhs)
		if err != nil {
			return false, err
		}
		if op == OpRegexNot {
			return !matched, nil
		}
		return matched, nil
	case OpILike, OpNotILike:
		matched, err := likeMatch(lhs, rhs)
		if err != nil {
			return false, err
		}
		if op == OpNotILike {
			return !matched, nil
		}
		return matched, nil
	case OpWildcard:
		return wildcardMatch(lhs, rhs)

	case OpLenEq, OpLenLt, OpLenGt:
		n, ok := lengthOf(lhs)
		if !ok {
			return false, fmt.Errorf("%s requires a sized attribute", op)
		}
		want, ok := toFloat(rhs)
		if !ok {
			return false, fmt.Errorf("%s requires a numeric value", op)
		}
		switch op {
		case OpLenEq:
			return float64(n) == want, nil
		case OpLenLt:
			return float64(n) < want, nil
		default:
			return float64(n) > want, nil
		}
	case OpEmpty:
		n, ok := lengthOf(lhs)
		return ok && n == 0, nil
	case OpNotEmpty:
		n, ok := lengthOf(lhs)
		return ok && n > 0, nil

	case OpBetween, OpNotBetween:
		inside, err := betweenMatch(lhs, rhs)
		if err != nil {
			return false, err
		}
		if op == OpNotBetween {
			return !inside, nil
		}
		return inside, nil

	case OpIPInCIDR, OpIPNotInCIDR:
		inside, err := cidrMatch(lhs, rhs)
		if err != nil {
			return false, err
		}
		if op == OpIPNotInCIDR {
			return !inside, nil
		}
		return inside, nil

	case OpBefore, OpAfter:
		lt, err := toTime(lhs)
		if err != nil {
			return false, err
		}
		rt, err := toTime(rhs)
		if err != nil {
			return false, err
		}
		if op == OpBefore {
			return lt.Before(rt), nil
		}
		return lt.After(rt), nil
	case OpWithin:
		return e.withinWindow(rhs)
	}

	return false, fmt.Errorf("%w: %q", ErrUnknownOperator, op)
}

// withinWindow checks the current UTC wall clock against {"start":"HH:MM","end":"HH:MM"}.
// A window whose start is after its end wraps midnight.
func (e *Evaluator) withinWindow(rhs any) (bool, error) {
	window, ok := rhs.(map[string]any)
	if !ok {
		return false, fmt.Errorf("within requires an object value")
	}
	startRaw, _ := window["start"].(string)
	endRaw, _ := window["end"].(string)
	start, err := parseClock(startRaw)
	if err != nil {
		return false, err
	}
	end, err := parseClock(endRaw)
	if err != nil {
		return false, err
	}

	now := e.now()
	minute := now.Hour()*60 + now.Minute()
	if start <= end {
		return minute >= start && minute <= end, nil
	}
	// wraps midnight
	return minute >= start || minute <= end, nil
}

func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("bad clock value %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func toString(v any) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func toSlice(v any) ([]any, bool) {
	switch s := v.(type) {
	case []any:
		return s, true
	case []string:
		out := make([]any, len(s))
		for i, e := range s {
			out[i] = e
		}
		return out, true
	}
	return nil, false
}

func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, nil
		}
		if parsed, err := time.Parse("2006-01-02", t); err == nil {
			return parsed, nil
		}
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", t)
	}
	if f, ok := toFloat(v); ok {
		return time.Unix(int64(f), 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unsupported timestamp type %T", v)
}

// looseEqual compares after normalizing numbers, so 2 == 2.0 across
// JSON decodings.
func looseEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		if bf, ok := toFloat(b); ok {
			return af == bf
		}
		return false
	}
	return a == b
}

// compare orders two values: numerically when both sides are numeric,
// temporally when both parse as timestamps, lexically for strings.
func compare(a, b any) (int, error) {
	if af, aok := toFloat(a); aok {
		bf, bok := toFloat(b)
		if !bok {
			return 0, fmt.Errorf("mixed-type comparison")
		}
		switch {
		case af < bf:
			return -1, nil
		case af > bf:
			return 1, nil
		default:
			return 0, nil
		}
	}
	as, aok := toString(a)
	bs, bok := toString(b)
	if !aok || !bok {
		return 0, fmt.Errorf("unorderable types %T and %T", a, b)
	}
	if at, err := toTime(as); err == nil {
		if bt, err := toTime(bs); err == nil {
			return at.Compare(bt), nil
		}
	}
	return strings.Compare(as, bs), nil
}

func sliceContains(items []any, v any) bool {
	for _, item := range items {
		if looseEqual(item, v) {
			return true
		}
	}
	return false
}

// containsN implements contains_any / contains_all over list attributes.
func containsN(lhs, rhs any, all bool) (bool, error) {
	haystack, ok := toSlice(lhs)
	if !ok {
		return false, fmt.Errorf("contains_any/contains_all require a list attribute")
	}
	needles, ok := toSlice(rhs)
	if !ok {
		return false, fmt.Errorf("contains_any/contains_all require a list value")
	}
	for _, needle := range needles {
		found := sliceContains(haystack, needle)
		if all && !found {
			return false, nil
		}
		if !all && found {
			return true, nil
		}
	}
	return all, nil
}

func stringPair(lhs, rhs any, fn func(string, string) bool) (bool, error) {
	ls, lok := toString(lhs)
	rs, rok := toString(rhs)
	if !lok || !rok {
		return false, fmt.Errorf("string operator requires string operands")
	}
	return fn(ls, rs), nil
}

func regexMatch(lhs, rhs any) (bool, error) {
	ls, lok := toString(lhs)
	pattern, rok := toString(rhs)
	if !lok || !rok {
		return false, fmt.Errorf("regex requires string operands")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false, fmt.Errorf("bad pattern %q: %w", pattern, err)
	}
	return re.MatchString(ls), nil
}

// likeMatch implements SQL LIKE semantics (% and _) with Unicode case folding.
func likeMatch(lhs, rhs any) (bool, error) {
	ls, lok := toString(lhs)
	pattern, rok := toString(rhs)
	if !lok || !rok {
		return false, fmt.Errorf("ilike requires string operands")
	}
	folder := cases.Fold()
	re, err := regexp.Compile("^" + likeToRegexp(folder.String(pattern)) + "$")
	if err != nil {
		return false, err
	}
	return re.MatchString(folder.String(ls)), nil
}

func likeToRegexp(pattern string) string {
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '%':
			b.WriteString(".*")
		case '_':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	return b.String()
}

// wildcardMatch implements glob semantics (* and ?).
func wildcardMatch(lhs, rhs any) (bool, error) {
	ls, lok := toString(lhs)
	pattern, rok := toString(rhs)
	if !lok || !rok {
		return false, fmt.Errorf("wildcard requires string operands")
	}
	var b strings.Builder
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	re, err := regexp.Compile("^" + b.String() + "$")
	if err != nil {
		return false, err
	}
	return re.MatchString(ls), nil
}

func lengthOf(v any) (int, bool) {
	switch t := v.(type) {
	case string:
		return len(t), true
	case []any:
		return len(t), true
	case []string:
		return len(t), true
	case map[string]any:
		return len(t), true
	}
	return 0, false
}

// betweenMatch checks lhs against an inclusive [lo, hi] pair.
func betweenMatch(lhs, rhs any) (bool, error) {
	bounds, ok := toSlice(rhs)
	if !ok || len(bounds) != 2 {
		return false, fmt.Errorf("between requires a [lo, hi] value")
	}
	lo, err := compare(lhs, bounds[0])
	if err != nil {
		return false, err
	}
	hi, err := compare(lhs, bounds[1])
	if err != nil {
		return false, err
	}
	return lo >= 0 && hi <= 0, nil
}

// cidrMatch checks an IP attribute against a CIDR (or list of CIDRs).
// A bare IP on the right-hand side is treated as a host route.
func cidrMatch(lhs, rhs any) (bool, error) {
	ls, ok := toString(lhs)
	if !ok {
		return false, fmt.Errorf("ip_in_cidr requires a string attribute")
	}
	ip := net.ParseIP(ls)
	if ip == nil {
		return false, fmt.Errorf("bad IP %q", ls)
	}

	blocks, ok := toSlice(rhs)
	if !ok {
		blocks = []any{rhs}
	}
	for _, block := range blocks {
		cidr, ok := toString(block)
		if !ok {
			continue
		}
		if !strings.Contains(cidr, "/") {
			if host := net.ParseIP(cidr); host != nil && host.Equal(ip) {
				return true, nil
			}
			continue
		}
		_, network, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if network.Contains(ip) {
			return true, nil
		}
	}
	return false, nil
}
