package condition

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evalDoc(t *testing.T, doc string, ctx map[string]any) bool {
	t.Helper()
	var raw map[string]any
	require.NoError(t, json.Unmarshal([]byte(doc), &raw))
	return New().EvaluateDocument(raw, ctx)
}

func TestComparisonOperators(t *testing.T) {
	ctx := map[string]any{
		"agent": map[string]any{"trust_level": 7.0, "model": "sonnet"},
	}

	assert.True(t, evalDoc(t, `{"attribute":"agent.trust_level","operator":"eq","value":7}`, ctx))
	assert.True(t, evalDoc(t, `{"attribute":"agent.trust_level","operator":"ne","value":3}`, ctx))
	assert.True(t, evalDoc(t, `{"attribute":"agent.trust_level","operator":"gt","value":5}`, ctx))
	assert.True(t, evalDoc(t, `{"attribute":"agent.trust_level","operator":"ge","value":7}`, ctx))
	assert.True(t, evalDoc(t, `{"attribute":"agent.trust_level","operator":"lt","value":10}`, ctx))
	assert.False(t, evalDoc(t, `{"attribute":"agent.trust_level","operator":"le","value":6}`, ctx))
	assert.True(t, evalDoc(t, `{"attribute":"agent.model","operator":"eq","value":"sonnet"}`, ctx))
}

func TestAbsentAttributeFailsComparisons(t *testing.T) {
	ctx := map[string]any{"a": map[string]any{"b": 1.0}}

	for _, op := range []string{"eq", "ne", "lt", "gt", "in", "contains", "regex", "before"} {
		doc := `{"attribute":"a.missing.deep","operator":"` + op + `","value":1}`
		assert.False(t, evalDoc(t, doc, ctx), "operator %s", op)
	}
	// empty is the one operator where a missing attribute counts as empty
	assert.True(t, evalDoc(t, `{"attribute":"nope","operator":"empty"}`, ctx))
}

func TestLookupDistinguishesNullFromAbsent(t *testing.T) {
	ctx := map[string]any{"k": nil}
	assert.Equal(t, nil, Lookup(ctx, "k"))
	assert.Equal(t, Absent, Lookup(ctx, "missing"))
	assert.Equal(t, Absent, Lookup(ctx, ""))
}

func TestContainmentOperators(t *testing.T) {
	ctx := map[string]any{
		"scopes": []any{"read:web", "write:web"},
		"role":   "editor",
	}

	assert.True(t, evalDoc(t, `{"attribute":"role","operator":"in","value":["viewer","editor"]}`, ctx))
	assert.True(t, evalDoc(t, `{"attribute":"role","operator":"one_of","value":["viewer","editor"]}`, ctx))
	assert.True(t, evalDoc(t, `{"attribute":"scopes","operator":"contains","value":"read:web"}`, ctx))
	assert.True(t, evalDoc(t, `{"attribute":"scopes","operator":"contains_any","value":["admin:web","write:web"]}`, ctx))
	assert.False(t, evalDoc(t, `{"attribute":"scopes","operator":"contains_all","value":["read:web","admin:web"]}`, ctx))
	assert.True(t, evalDoc(t, `{"attribute":"scopes","operator":"contains_all","value":["read:web","write:web"]}`, ctx))
	// string containment
	assert.True(t, evalDoc(t, `{"attribute":"role","operator":"contains","value":"dit"}`, ctx))
}

func TestStringOperators(t *testing.T) {
	ctx := map[string]any{"host": "api.example.com"}

	assert.True(t, evalDoc(t, `{"attribute":"host","operator":"startswith","value":"api."}`, ctx))
	assert.True(t, evalDoc(t, `{"attribute":"host","operator":"endswith","value":".com"}`, ctx))
	assert.True(t, evalDoc(t, `{"attribute":"host","operator":"regex","value":"^api\\..*\\.com$"}`, ctx))
	assert.True(t, evalDoc(t, `{"attribute":"host","operator":"regex_not","value":"internal"}`, ctx))
	assert.True(t, evalDoc(t, `{"attribute":"host","operator":"ilike","value":"API.%.COM"}`, ctx))
	assert.True(t, evalDoc(t, `{"attribute":"host","operator":"not_ilike","value":"%.internal"}`, ctx))
	assert.True(t, evalDoc(t, `{"attribute":"host","operator":"wildcard","value":"api.*.com"}`, ctx))
	assert.True(t, evalDoc(t, `{"attribute":"host","operator":"ilike","value":"api_example%"}`, ctx))
}

func TestBadRegexIsFalseNotError(t *testing.T) {
	ctx := map[string]any{"host": "x"}
	assert.False(t, evalDoc(t, `{"attribute":"host","operator":"regex","value":"("}`, ctx))
}

func TestCollectionSizeOperators(t *testing.T) {
	ctx := map[string]any{"tools": []any{"search", "fetch"}, "none": []any{}}

	assert.True(t, evalDoc(t, `{"attribute":"tools","operator":"len_eq","value":2}`, ctx))
	assert.True(t, evalDoc(t, `{"attribute":"tools","operator":"len_lt","value":3}`, ctx))
	assert.True(t, evalDoc(t, `{"attribute":"tools","operator":"len_gt","value":1}`, ctx))
	assert.True(t, evalDoc(t, `{"attribute":"none","operator":"empty"}`, ctx))
	assert.True(t, evalDoc(t, `{"attribute":"tools","operator":"not_empty"}`, ctx))
}

func TestRangeOperators(t *testing.T) {
	ctx := map[string]any{"level": 5.0}
	assert.True(t, evalDoc(t, `{"attribute":"level","operator":"between","value":[1,10]}`, ctx))
	assert.True(t, evalDoc(t, `{"attribute":"level","operator":"between","value":[5,5]}`, ctx))
	assert.False(t, evalDoc(t, `{"attribute":"level","operator":"between","value":[6,10]}`, ctx))
	assert.True(t, evalDoc(t, `{"attribute":"level","operator":"not_between","value":[6,10]}`, ctx))
}

func TestNetworkOperators(t *testing.T) {
	ctx := map[string]any{"ip": "10.1.2.3"}

	assert.True(t, evalDoc(t, `{"attribute":"ip","operator":"ip_in_cidr","value":"10.0.0.0/8"}`, ctx))
	assert.False(t, evalDoc(t, `{"attribute":"ip","operator":"ip_in_cidr","value":"192.168.0.0/16"}`, ctx))
	assert.True(t, evalDoc(t, `{"attribute":"ip","operator":"ip_in_cidr","value":["192.168.0.0/16","10.0.0.0/8"]}`, ctx))
	assert.True(t, evalDoc(t, `{"attribute":"ip","operator":"ip_in_cidr","value":"10.1.2.3"}`, ctx))
	assert.True(t, evalDoc(t, `{"attribute":"ip","operator":"ip_not_in_cidr","value":"172.16.0.0/12"}`, ctx))
}

func TestTemporalOperators(t *testing.T) {
	ctx := map[string]any{"issued": "2026-01-01T00:00:00Z"}

	assert.True(t, evalDoc(t, `{"attribute":"issued","operator":"before","value":"2026-06-01T00:00:00Z"}`, ctx))
	assert.True(t, evalDoc(t, `{"attribute":"issued","operator":"after","value":"2025-06-01T00:00:00Z"}`, ctx))

	// native timestamps
	e := New()
	ok, err := e.apply(OpBefore, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), "2026-02-01T00:00:00Z")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWithinWindow(t *testing.T) {
	at := func(hour, minute int) *Evaluator {
		return &Evaluator{Clock: func() time.Time {
			return time.Date(2026, 3, 1, hour, minute, 0, 0, time.UTC)
		}}
	}
	window := map[string]any{"start": "09:00", "end": "17:00"}

	ok, err := at(12, 0).apply(OpWithin, "x", window)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = at(18, 0).apply(OpWithin, "x", window)
	require.NoError(t, err)
	assert.False(t, ok)

	// start > end wraps midnight
	night := map[string]any{"start": "22:00", "end": "06:00"}
	ok, err = at(23, 30).apply(OpWithin, "x", night)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = at(3, 0).apply(OpWithin, "x", night)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = at(12, 0).apply(OpWithin, "x", night)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLogicalNodes(t *testing.T) {
	ctx := map[string]any{"a": 1.0, "b": 2.0}

	assert.True(t, evalDoc(t, `{"and":[
		{"attribute":"a","operator":"eq","value":1},
		{"attribute":"b","operator":"eq","value":2}]}`, ctx))
	assert.False(t, evalDoc(t, `{"and":[
		{"attribute":"a","operator":"eq","value":1},
		{"attribute":"b","operator":"eq","value":99}]}`, ctx))
	assert.True(t, evalDoc(t, `{"or":[
		{"attribute":"a","operator":"eq","value":99},
		{"attribute":"b","operator":"eq","value":2}]}`, ctx))
	assert.True(t, evalDoc(t, `{"not":{"attribute":"a","operator":"eq","value":99}}`, ctx))

	// vacuous truth values
	assert.True(t, evalDoc(t, `{"and":[]}`, ctx))
	assert.False(t, evalDoc(t, `{"or":[]}`, ctx))
}

func TestCustomWrapperUnwrapped(t *testing.T) {
	ctx := map[string]any{"a": 1.0}
	assert.True(t, evalDoc(t, `{"custom":{"attribute":"a","operator":"eq","value":1}}`, ctx))
}

func TestValueFrom(t *testing.T) {
	ctx := map[string]any{
		"request": map[string]any{"client_id": "c1"},
		"token":   map[string]any{"client_id": "c1"},
	}
	assert.True(t, evalDoc(t, `{"attribute":"request.client_id","operator":"eq","value_from":"token.client_id"}`, ctx))
	assert.False(t, evalDoc(t, `{"attribute":"request.client_id","operator":"eq","value_from":"token.missing"}`, ctx))
}

func TestParseRejectsUnknownOperator(t *testing.T) {
	_, err := Parse(map[string]any{"attribute": "a", "operator": "bogus"})
	assert.ErrorIs(t, err, ErrUnknownOperator)
}

func TestParseRejectsMalformedNodes(t *testing.T) {
	_, err := Parse(map[string]any{"and": "not-a-list"})
	assert.ErrorIs(t, err, ErrMalformedNode)
	_, err = Parse(map[string]any{"operator": "eq"})
	assert.ErrorIs(t, err, ErrMalformedNode)
}
