package condition

import "strings"

// absent is the sentinel returned when a dotted path cannot be resolved.
// It is distinct from nil so an explicit null attribute can still be compared.
type absent struct{}

// Absent is the sentinel value for missing attributes. Every comparison
// operator returns false when either side is Absent.
var Absent any = absent{}

// Lookup resolves a dotted path against a nested context map.
// Missing intermediate keys or non-map intermediates yield Absent.
func Lookup(ctx map[string]any, path string) any {
	if path == "" {
		return Absent
	}
	var current any = ctx
	for _, segment := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return Absent
		}
		current, ok = m[segment]
		if !ok {
			return Absent
		}
	}
	return current
}
