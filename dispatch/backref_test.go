package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forbearing/ix/result"
)

func TestExpandBackRefsCoexistenceIsRejected(t *testing.T) {
	args := map[string]any{
		"ids":  []any{"x"},
		"#ids": map[string]any{"resultOf": "a", "name": "Foo/set", "path": "/id"},
	}
	rerr := expandBackRefs(args, nil)
	require.NotNil(t, rerr)
	require.Equal(t, result.TypeResultReference, rerr.Type)
}

func TestExpandBackRefsDanglingReference(t *testing.T) {
	args := map[string]any{
		"#ids": map[string]any{"resultOf": "missing", "name": "Foo/set", "path": "/id"},
	}
	rerr := expandBackRefs(args, nil)
	require.NotNil(t, rerr)
	require.Equal(t, result.TypeResultReference, rerr.Type)
}

func TestExpandBackRefsFirstMatchWins(t *testing.T) {
	collection := Collection{
		{Name: "Foo/set", Args: map[string]any{"id": "first"}, ClientID: "a"},
		{Name: "Foo/set", Args: map[string]any{"id": "second"}, ClientID: "a"},
	}
	args := map[string]any{
		"#id": map[string]any{"resultOf": "a", "name": "Foo/set", "path": "/id"},
	}
	rerr := expandBackRefs(args, collection)
	require.Nil(t, rerr)
	require.Equal(t, "first", args["id"])
	_, stillHasHash := args["#id"]
	require.False(t, stillHasHash)
}

func TestExpandBackRefsDeepCopyDoesNotAliasSource(t *testing.T) {
	sourceArgs := map[string]any{"nested": map[string]any{"k": "v"}}
	collection := Collection{{Name: "Foo/get", Args: sourceArgs, ClientID: "a"}}
	args := map[string]any{
		"#nested": map[string]any{"resultOf": "a", "name": "Foo/get", "path": "/nested"},
	}
	rerr := expandBackRefs(args, collection)
	require.Nil(t, rerr)

	resolved := args["nested"].(map[string]any)
	resolved["k"] = "mutated"
	require.Equal(t, "v", sourceArgs["nested"].(map[string]any)["k"])
}
