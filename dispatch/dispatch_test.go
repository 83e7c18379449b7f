package dispatch_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/forbearing/ix/dispatch"
	"github.com/forbearing/ix/engine"
	"github.com/forbearing/ix/internal/exceptionreport"
	"github.com/forbearing/ix/recordclass"
	"github.com/forbearing/ix/result"
	"github.com/forbearing/ix/state"
)

func newDispatchTestEngine(t *testing.T, mayCall engine.MayCallFunc, handlers map[string]recordclass.HandlerFunc) (*engine.Context, *dispatch.Dispatcher) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&state.Row{}))

	reg := recordclass.NewRegistry()
	reg.Register(handlers)
	d := dispatch.New(reg)

	ctx := engine.New(nil, db, "acct-dispatch", mayCall, exceptionreport.New(nil))
	return ctx, d
}

func echoHandlers() map[string]recordclass.HandlerFunc {
	return map[string]recordclass.HandlerFunc{
		"Echo/echo": func(_ *engine.Context, args map[string]any) ([]result.Result, error) {
			return []result.Result{{Name: "Echo/echo", Args: args}}, nil
		},
	}
}

func TestMissingClientIDIsRejected(t *testing.T) {
	ctx, d := newDispatchTestEngine(t, nil, echoHandlers())

	col, err := d.Run(ctx, []dispatch.Item{
		dispatch.Call{Method: "Echo/echo", Args: map[string]any{}},
	})
	require.NoError(t, err)
	require.Len(t, col, 1)
	require.Equal(t, "error", col[0].Name)
	require.Equal(t, result.TypeInvalidArguments, col[0].Args["type"])
}

func TestMissingClientIDIsSynthesizedWhenConfigured(t *testing.T) {
	ctx, d := newDispatchTestEngine(t, nil, echoHandlers())
	d.SynthesizeClientID = true

	col, err := d.Run(ctx, []dispatch.Item{
		dispatch.Call{Method: "Echo/echo", Args: map[string]any{}},
	})
	require.NoError(t, err)
	require.Len(t, col, 1)
	require.Equal(t, "Echo/echo", col[0].Name)
	require.True(t, strings.HasPrefix(col[0].ClientID, "x"), "synthesized ids are \"x\"+guid")
	require.Greater(t, len(col[0].ClientID), 1)
}

func TestTooManyMethodsIsFatalNotPerCall(t *testing.T) {
	ctx, d := newDispatchTestEngine(t, nil, echoHandlers())

	items := make([]dispatch.Item, dispatch.MaxCalls+1)
	for i := range items {
		items[i] = dispatch.Call{Method: "Echo/echo", ClientID: "c", Args: map[string]any{}}
	}
	col, err := d.Run(ctx, items)
	require.NoError(t, err)
	require.Len(t, col, 1)
	require.Equal(t, result.TypeTooManyMethods, col[0].Args["type"])
}

func TestForbiddenWhenMayCallDenies(t *testing.T) {
	deny := func(method string, _ map[string]any) bool { return method != "Echo/echo" }
	ctx, d := newDispatchTestEngine(t, deny, echoHandlers())

	col, err := d.Run(ctx, []dispatch.Item{
		dispatch.Call{Method: "Echo/echo", ClientID: "a", Args: map[string]any{}},
	})
	require.NoError(t, err)
	require.Len(t, col, 1)
	require.Equal(t, result.TypeForbidden, col[0].Args["type"])
	require.Equal(t, "a", col[0].ClientID)
}

func TestHandlerPanicBecomesInternalError(t *testing.T) {
	handlers := map[string]recordclass.HandlerFunc{
		"Boom/boom": func(*engine.Context, map[string]any) ([]result.Result, error) {
			panic("kaboom")
		},
	}
	ctx, d := newDispatchTestEngine(t, nil, handlers)

	col, err := d.Run(ctx, []dispatch.Item{
		dispatch.Call{Method: "Boom/boom", ClientID: "a", Args: map[string]any{}},
	})
	require.NoError(t, err)
	require.Len(t, col, 1)
	require.Equal(t, result.TypeInternalError, col[0].Args["type"])

	guid, _ := col[0].Args["guid"].(string)
	require.NotEmpty(t, guid, "the only client-visible field is the correlation guid")
	require.Contains(t, ctx.ExceptionGUIDs(), guid)
}

func TestPostErrorSiblingsAreSuppressed(t *testing.T) {
	handlers := map[string]recordclass.HandlerFunc{
		"Multi/multi": func(*engine.Context, map[string]any) ([]result.Result, error) {
			return []result.Result{
				{Name: "Multi/multi", Args: map[string]any{"n": 1}},
				{Name: "error", Args: map[string]any{"type": "serverFail"}},
				{Name: "Multi/multi", Args: map[string]any{"n": 2}},
			}, nil
		},
	}
	ctx, d := newDispatchTestEngine(t, nil, handlers)

	col, err := d.Run(ctx, []dispatch.Item{
		dispatch.Call{Method: "Multi/multi", ClientID: "a", Args: map[string]any{}},
	})
	require.NoError(t, err)
	require.Len(t, col, 2, "the sibling after the error result is dropped")
	require.Equal(t, "Multi/multi", col[0].Name)
	require.Equal(t, "error", col[1].Name)
	require.Len(t, ctx.ExceptionGUIDs(), 1, "dropping a post-error sibling files an internal report")
}

// A thrown *result.Error is a domain error and becomes its own sentence;
// any other error is an internal failure exposing only a guid.
func TestHandlerErrorDiscrimination(t *testing.T) {
	handlers := map[string]recordclass.HandlerFunc{
		"Domain/fail": func(*engine.Context, map[string]any) ([]result.Result, error) {
			return nil, result.StateMismatch()
		},
	}
	ctx, d := newDispatchTestEngine(t, nil, handlers)

	col, err := d.Run(ctx, []dispatch.Item{
		dispatch.Call{Method: "Domain/fail", ClientID: "a", Args: map[string]any{}},
	})
	require.NoError(t, err)
	require.Equal(t, result.TypeStateMismatch, col[0].Args["type"])
	require.Empty(t, ctx.ExceptionGUIDs(), "domain errors are never reported out of band")
}

func TestCallTimingIsRecordedPerMethod(t *testing.T) {
	ctx, d := newDispatchTestEngine(t, nil, echoHandlers())

	_, err := d.Run(ctx, []dispatch.Item{
		dispatch.Call{Method: "Echo/echo", ClientID: "a", Args: map[string]any{}},
		dispatch.Call{Method: "Echo/echo", ClientID: "b", Args: map[string]any{}},
	})
	require.NoError(t, err)

	info := ctx.CallInfo()
	require.Contains(t, info, "Echo/echo")
	require.Positive(t, info["Echo/echo"])
}

func TestDoneMulticallSplicesPairs(t *testing.T) {
	ctx, d := newDispatchTestEngine(t, nil, echoHandlers())

	done := &dispatch.Done{
		Ident: "Echo/echo[batch]",
		Pairs: []dispatch.Pair{
			{Result: result.Result{Name: "Echo/echo", Args: map[string]any{"n": 1}}, ClientID: "a"},
			{Result: result.Result{Name: "Echo/echo", Args: map[string]any{"n": 2}}, ClientID: "b"},
		},
	}

	col, err := d.Run(ctx, []dispatch.Item{
		done,
		dispatch.Call{Method: "Echo/echo", ClientID: "c", Args: map[string]any{}},
	})
	require.NoError(t, err)
	require.Len(t, col, 3)
	require.Equal(t, "a", col[0].ClientID)
	require.Equal(t, "b", col[1].ClientID)
	require.Equal(t, "c", col[2].ClientID)
	require.Contains(t, ctx.CallInfo(), "Echo/echo[batch]")
}
