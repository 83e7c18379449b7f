package dispatch

import (
	"strings"

	"github.com/forbearing/ix/jsonpointer"
	"github.com/forbearing/ix/result"
)

// expandBackRefs implements the back-reference expansion step of the
// dispatcher's per-call loop: every "#foo" key in args is resolved against the first matching
// sentence in collection and replaces "#foo" with "foo"; it mutates args
// in place.
func expandBackRefs(args map[string]any, collection Collection) *result.Error {
	for key, val := range args {
		if !strings.HasPrefix(key, "#") {
			continue
		}
		plain := key[1:]
		if _, exists := args[plain]; exists {
			return result.ResultReference("argument present both as \"" + plain + "\" and \"" + key + "\"")
		}

		ref, ok := val.(map[string]any)
		if !ok {
			return result.ResultReference("malformed ResultReference")
		}
		resultOf, _ := ref["resultOf"].(string)
		name, _ := ref["name"].(string)
		path, _ := ref["path"].(string)
		if resultOf == "" || name == "" || path == "" {
			return result.ResultReference("malformed ResultReference")
		}

		sentenceArgs, found := collection.FindFirst(resultOf, name)
		if !found {
			return result.ResultReference("no result of " + name + " for call " + resultOf)
		}

		resolved, err := jsonpointer.Resolve(sentenceArgs, path)
		if err != nil {
			return result.ResultReference(err.Error())
		}

		args[plain] = deepCopy(resolved)
		delete(args, key)
	}
	return nil
}

// deepCopy recursively copies the JSON-shaped value a back-reference
// resolves to, so later mutation of the resolved argument can never alias
// the original sentence.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, vv := range t {
			out[k] = deepCopy(vv)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, vv := range t {
			out[i] = deepCopy(vv)
		}
		return out
	default:
		return v
	}
}
