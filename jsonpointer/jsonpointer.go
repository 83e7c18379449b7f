// Package jsonpointer implements the JMAP-flavoured variant of RFC 6901
// used to resolve back-references: a leading "/" is mandatory, "*" at an
// array position maps the remaining path over every element and flattens
// one level, and the RFC's "-" (append) token is rejected outright.
package jsonpointer

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// Error is a resolution failure. It carries the path walked so far and, for
// a "*" expansion, the indices visited (outermost last) so a caller can
// report exactly where resolution went wrong.
type Error struct {
	Path    string
	Indices []int
	Reason  string
}

func (e *Error) Error() string {
	if len(e.Indices) > 0 {
		return e.Reason + " at " + e.Path + " (indices " + joinInts(e.Indices) + ")"
	}
	return e.Reason + " at " + e.Path
}

func joinInts(is []int) string {
	parts := make([]string, len(is))
	for i, v := range is {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func newErr(path, reason string, indices ...int) *Error {
	return &Error{Path: path, Reason: reason, Indices: indices}
}

// Resolve walks pointer against doc and returns the value it names.
//
// pointer must start with "/", so an empty string is rejected; "/" alone
// resolves to doc itself (the root). A "*" token flattens: if the current value is an
// array, the remaining pointer is resolved against every element and the
// results are flattened one level, i.e. []any rather than [][]any.
func Resolve(doc any, pointer string) (any, error) {
	if pointer == "" {
		return nil, newErr(pointer, "pointer must begin with /")
	}
	if pointer == "/" {
		return doc, nil
	}
	if !strings.HasPrefix(pointer, "/") {
		return nil, newErr(pointer, "pointer must begin with /")
	}
	tokens := strings.Split(pointer[1:], "/")
	for i, t := range tokens {
		tokens[i] = unescape(t)
	}
	return resolveTokens(doc, tokens, "", nil)
}

func unescape(tok string) string {
	tok = strings.ReplaceAll(tok, "~1", "/")
	tok = strings.ReplaceAll(tok, "~0", "~")
	return tok
}

func resolveTokens(cur any, tokens []string, walked string, indices []int) (any, error) {
	cur = indirect(cur)
	if len(tokens) == 0 {
		return cur, nil
	}

	tok := tokens[0]
	rest := tokens[1:]
	path := walked + "/" + tok

	if tok == "-" {
		return nil, newErr(path, "\"-\" array token is not supported", indices...)
	}

	// Traversal uses reflection rather than literal map[string]any/[]any
	// type switches so a handler's concretely-typed wire maps (e.g.
	// map[string]map[string]any, []string) resolve the same way a value
	// freshly decoded from JSON (always map[string]any/[]any) would.
	if tok == "*" {
		rv := reflect.ValueOf(cur)
		if !isSliceLike(rv) {
			return nil, newErr(path, "\"*\" requires an array", indices...)
		}
		n := rv.Len()
		out := make([]any, 0, n)
		for i := 0; i < n; i++ {
			v, err := resolveTokens(rv.Index(i).Interface(), rest, path, append([]int{i}, indices...))
			if err != nil {
				return nil, err
			}
			// Flatten one level: whenever an element's result is itself an
			// array — a nested "*" mapped over a further array, or a
			// property that is naturally array-typed (including a
			// concretely-typed slice like []string, not just literal
			// []any) — splice its elements into out instead of nesting
			// (array-of-array -> array).
			sv := reflect.ValueOf(v)
			if isSliceLike(sv) {
				for j := 0; j < sv.Len(); j++ {
					out = append(out, sv.Index(j).Interface())
				}
			} else {
				out = append(out, v)
			}
		}
		return out, nil
	}

	rv := reflect.ValueOf(cur)
	switch {
	case isMapLike(rv):
		val := rv.MapIndex(reflect.ValueOf(tok))
		if !val.IsValid() {
			return nil, newErr(path, "no such property \""+tok+"\"", indices...)
		}
		return resolveTokens(val.Interface(), rest, path, indices)
	case isSliceLike(rv):
		idx, err := strconv.Atoi(tok)
		if err != nil || idx < 0 || idx >= rv.Len() {
			return nil, newErr(path, "index out of range", indices...)
		}
		return resolveTokens(rv.Index(idx).Interface(), rest, path, indices)
	default:
		return nil, errors.Newf("jsonpointer: cannot descend into %T at %s", cur, path)
	}
}

// indirect unwraps pointer values, so a wire map holding *map[string]any
// entries (K/set's updated map) descends the same as a plain one.
func indirect(v any) any {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr && !rv.IsNil() {
		rv = rv.Elem()
	}
	if !rv.IsValid() {
		return v
	}
	return rv.Interface()
}

func isMapLike(rv reflect.Value) bool {
	return rv.IsValid() && rv.Kind() == reflect.Map && rv.Type().Key().Kind() == reflect.String
}

func isSliceLike(rv reflect.Value) bool {
	return rv.IsValid() && (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array)
}
