package result_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forbearing/ix/result"
)

func TestErrorSentenceShape(t *testing.T) {
	s := result.UnknownMethod().Sentence("c1")
	require.Equal(t, "error", s.Name)
	require.Equal(t, "c1", s.ClientID)
	require.Equal(t, result.TypeUnknownMethod, s.Args["type"])
	require.True(t, s.IsError())
}

func TestInvalidPropertiesCarriesMap(t *testing.T) {
	e := result.InvalidProperties(map[string]any{"delicious": "required"})
	s := e.Sentence("a")
	props := s.Args["invalidProperties"].(map[string]any)
	require.Equal(t, "required", props["delicious"])
}

func TestInternalErrorOnlyExposesGUID(t *testing.T) {
	e := result.InternalError("guid-123")
	s := e.Sentence("a")
	require.Equal(t, "guid-123", s.Args["guid"])
	_, hasDescription := s.Args["description"]
	require.False(t, hasDescription)
}

func TestTryAgainHasFixedDescription(t *testing.T) {
	e := result.TryAgain()
	require.Equal(t, "blocked by another client", e.Description)
}
