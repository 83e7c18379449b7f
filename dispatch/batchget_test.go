package dispatch_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/forbearing/ix/dispatch"
	"github.com/forbearing/ix/engine"
	"github.com/forbearing/ix/internal/demo/cookie"
	"github.com/forbearing/ix/internal/exceptionreport"
	"github.com/forbearing/ix/recordclass"
	"github.com/forbearing/ix/state"
	"github.com/forbearing/ix/storage"
)

const batchTestAccountID = "22222222-2222-2222-2222-222222222222"

func newBatchTestEngine(t *testing.T) (*engine.Context, *dispatch.Dispatcher) {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)

	require.NoError(t, db.AutoMigrate(&state.Row{}))
	require.NoError(t, storage.Migrate(db, cookie.Class))

	reg := recordclass.NewRegistry()
	reg.Register(cookie.Handlers())
	d := dispatch.New(reg)
	d.OptimizeCalls = dispatch.BatchGetOptimizer(reg)

	ctx := engine.New(nil, db, batchTestAccountID, nil, exceptionreport.New(nil))
	return ctx, d
}

// A run of consecutive back-reference-free Cookie/get calls coalesces into
// one handler invocation but still yields one response per original
// call, each carrying only the ids it asked for, and each reporting the
// account's real state rather than a nil-session "0" fallback.
func TestBatchGetOptimizerCoalescesAndSplitsPerCall(t *testing.T) {
	ctx, d := newBatchTestEngine(t)

	setCol, err := d.Run(ctx, []dispatch.Item{
		dispatch.Call{
			Method: "Cookie/set", ClientID: "s",
			Args: map[string]any{"create": map[string]any{
				"c1": map[string]any{"type": "chocolate", "delicious": "yes"},
				"c2": map[string]any{"type": "oatmeal", "delicious": "no"},
			}},
		},
	})
	require.NoError(t, err)
	created := setCol[0].Args["created"].(map[string]map[string]any)
	id1 := created["c1"]["id"].(string)
	id2 := created["c2"]["id"].(string)

	getCol, err := d.Run(ctx, []dispatch.Item{
		dispatch.Call{Method: "Cookie/get", ClientID: "a", Args: map[string]any{"ids": []any{id1}}},
		dispatch.Call{Method: "Cookie/get", ClientID: "b", Args: map[string]any{"ids": []any{id2}}},
	})
	require.NoError(t, err)
	require.Len(t, getCol, 2)

	for _, s := range getCol {
		require.Equal(t, "Cookie/get", s.Name)
		require.Equal(t, "1", s.Args["state"], "coalesced Get must see the real state, not a nil-session fallback")
	}

	listA := getCol[0].Args["list"].([]map[string]any)
	require.Len(t, listA, 1)
	require.Equal(t, id1, listA[0]["id"])
	require.Equal(t, "a", getCol[0].ClientID)

	listB := getCol[1].Args["list"].([]map[string]any)
	require.Len(t, listB, 1)
	require.Equal(t, id2, listB[0]["id"])
	require.Equal(t, "b", getCol[1].ClientID)
}

// Calls whose non-"ids" arguments differ are not logically identical and
// must not share one handler invocation: a Cookie/get filtered by
// onlyType must not narrow the unfiltered Cookie/get next to it.
func TestBatchGetOptimizerLeavesDifferingArgsAlone(t *testing.T) {
	ctx, d := newBatchTestEngine(t)

	_, err := d.Run(ctx, []dispatch.Item{
		dispatch.Call{
			Method: "Cookie/set", ClientID: "s",
			Args: map[string]any{"create": map[string]any{
				"c1": map[string]any{"type": "chocolate", "delicious": "yes"},
				"c2": map[string]any{"type": "oatmeal", "delicious": "no"},
			}},
		},
	})
	require.NoError(t, err)

	col, err := d.Run(ctx, []dispatch.Item{
		dispatch.Call{Method: "Cookie/get", ClientID: "a", Args: map[string]any{"onlyType": "chocolate"}},
		dispatch.Call{Method: "Cookie/get", ClientID: "b", Args: map[string]any{}},
	})
	require.NoError(t, err)
	require.Len(t, col, 2)

	listA := col[0].Args["list"].([]map[string]any)
	require.Len(t, listA, 1)
	require.Equal(t, "chocolate", listA[0]["type"])

	listB := col[1].Args["list"].([]map[string]any)
	require.Len(t, listB, 2, "the unfiltered call must still see every cookie")
}

// A call naming ids and a call wanting the whole table are not
// coalescable either: the merged id set would truncate the full-table
// call's result.
func TestBatchGetOptimizerLeavesMixedIDPresenceAlone(t *testing.T) {
	ctx, d := newBatchTestEngine(t)

	setCol, err := d.Run(ctx, []dispatch.Item{
		dispatch.Call{
			Method: "Cookie/set", ClientID: "s",
			Args: map[string]any{"create": map[string]any{
				"c1": map[string]any{"type": "chocolate", "delicious": "yes"},
				"c2": map[string]any{"type": "oatmeal", "delicious": "no"},
			}},
		},
	})
	require.NoError(t, err)
	created := setCol[0].Args["created"].(map[string]map[string]any)
	id1 := created["c1"]["id"].(string)

	col, err := d.Run(ctx, []dispatch.Item{
		dispatch.Call{Method: "Cookie/get", ClientID: "a", Args: map[string]any{"ids": []any{id1}}},
		dispatch.Call{Method: "Cookie/get", ClientID: "b", Args: map[string]any{}},
	})
	require.NoError(t, err)
	require.Len(t, col, 2)

	require.Len(t, col[0].Args["list"].([]map[string]any), 1)
	require.Len(t, col[1].Args["list"].([]map[string]any), 2, "the id-less call must not be scoped to the other call's ids")
}

// A call carrying a back-reference is excluded from coalescing so its
// position in the accumulating sentence collection is preserved.
func TestBatchGetOptimizerSkipsBackRefCalls(t *testing.T) {
	ctx, d := newBatchTestEngine(t)

	col, err := d.Run(ctx, []dispatch.Item{
		dispatch.Call{
			Method: "Cookie/set", ClientID: "s",
			Args: map[string]any{"create": map[string]any{"c1": map[string]any{"type": "x", "delicious": "yes"}}},
		},
		dispatch.Call{Method: "Cookie/get", ClientID: "a", Args: map[string]any{
			"#ids": map[string]any{"resultOf": "s", "name": "Cookie/set", "path": "/created/c1/id"},
		}},
		dispatch.Call{Method: "Cookie/get", ClientID: "b", Args: map[string]any{}},
	})
	require.NoError(t, err)
	require.Len(t, col, 3)
	require.Equal(t, "Cookie/get", col[1].Name)
	require.Equal(t, "Cookie/get", col[2].Name)
}
