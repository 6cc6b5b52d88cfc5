package resolver

import (
	"encoding/json"
	"math/big"
	"reflect"
	"strings"
)

// Merge deep-merges src over dst into a new value. Objects union with src
// winning, arrays and scalars are replaced. Neither input is modified.
func Merge(dst, src map[string]any) map[string]any {
	out := Clone(dst)
	if out == nil {
		out = map[string]any{}
	}
	for k, sv := range src {
		if sm, ok := sv.(map[string]any); ok {
			if dm, ok := out[k].(map[string]any); ok {
				out[k] = Merge(dm, sm)
				continue
			}
		}
		out[k] = cloneValue(sv)
	}
	return out
}

// Clone deep-copies a JSON object.
func Clone(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Clone(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

// Reduce drops the keys of payload whose values already equal the inherited
// ones. Nested objects reduce recursively; an object that reduces to nothing
// is dropped.
func Reduce(payload, inherited map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range payload {
		iv, ok := inherited[k]
		if !ok {
			out[k] = cloneValue(v)
			continue
		}
		vm, vIsMap := v.(map[string]any)
		im, iIsMap := iv.(map[string]any)
		if vIsMap && iIsMap {
			if r := Reduce(vm, im); len(r) > 0 {
				out[k] = r
			}
			continue
		}
		if !Equal(v, iv) {
			out[k] = cloneValue(v)
		}
	}
	return out
}

// Equal compares two JSON values. Numbers compare by value whether they were
// decoded as json.Number or float64.
func Equal(a, b any) bool {
	if ra, ok := number(a); ok {
		rb, ok := number(b)
		return ok && ra.Cmp(rb) == 0
	}
	switch ta := a.(type) {
	case map[string]any:
		tb, ok := b.(map[string]any)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for k, v := range ta {
			w, ok := tb[k]
			if !ok || !Equal(v, w) {
				return false
			}
		}
		return true
	case []any:
		tb, ok := b.([]any)
		if !ok || len(ta) != len(tb) {
			return false
		}
		for i := range ta {
			if !Equal(ta[i], tb[i]) {
				return false
			}
		}
		return true
	}
	return reflect.DeepEqual(a, b)
}

func number(v any) (*big.Rat, bool) {
	switch t := v.(type) {
	case json.Number:
		return new(big.Rat).SetString(string(t))
	case float64:
		r := new(big.Rat)
		if r.SetFloat64(t) == nil {
			return nil, false
		}
		return r, true
	case int:
		return new(big.Rat).SetInt64(int64(t)), true
	case int64:
		return new(big.Rat).SetInt64(t), true
	}
	return nil, false
}

// SubstituteTokens replaces every token key found in the strings of v.
func SubstituteTokens(v any, tokens map[string]string) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = SubstituteTokens(e, tokens)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = SubstituteTokens(e, tokens)
		}
		return out
	case string:
		if !strings.Contains(t, "<") {
			return t
		}
		for tok, val := range tokens {
			t = strings.ReplaceAll(t, tok, val)
		}
		return t
	default:
		return v
	}
}
