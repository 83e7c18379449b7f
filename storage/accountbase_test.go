package storage_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/forbearing/ix/engine"
	"github.com/forbearing/ix/internal/exceptionreport"
	"github.com/forbearing/ix/recordclass"
	"github.com/forbearing/ix/result"
	"github.com/forbearing/ix/state"
	"github.com/forbearing/ix/storage"
)

type team struct {
	recordclass.Base
	Name string `json:"name" gorm:"column:name"`
}

type member struct {
	recordclass.Base
	Alias string `json:"alias" gorm:"column:alias"`
}

var teamClass = &recordclass.Class[team]{
	TypeKey:       "Team",
	AccountType:   "team",
	IsAccountBase: true,
	New:           func() *team { return &team{} },
	Properties: []recordclass.Property{
		{Name: "name", Kind: recordclass.KindString, ClientMayInit: true, ClientMayUpdate: true},
	},
	PublishedMethodMap: map[string]recordclass.HandlerFunc{
		"Team/ping": func(_ *engine.Context, _ map[string]any) ([]result.Result, error) {
			return []result.Result{{Name: "Team/ping", Args: map[string]any{"pong": true}}}, nil
		},
	},
}

var memberClass = &recordclass.Class[member]{
	TypeKey:     "Member",
	AccountType: "team",
	New:         func() *member { return &member{} },
	Properties: []recordclass.Property{
		{Name: "alias", Kind: recordclass.KindString, ClientMayInit: true},
	},
}

// Creating an account-base record seeds a highestModSeq=0 state row, under
// the new record's id, for every type in its account family.
func TestAccountBaseCreateSeedsFamilyStateRows(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&state.Row{}))
	require.NoError(t, storage.Migrate(db, teamClass))
	require.NoError(t, storage.Migrate(db, memberClass))

	teamHandlers := storage.GenerateHandlers(teamClass)
	storage.GenerateHandlers(memberClass)

	ctx := engine.New(nil, db, "creator-account", nil, exceptionreport.New(nil))
	results, err := teamHandlers["Team/set"](ctx, map[string]any{
		"create": map[string]any{"t1": map[string]any{"name": "ops"}},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)

	created := results[0].Args["created"].(map[string]map[string]any)
	newAccountID := created["t1"]["id"].(string)
	require.NotEmpty(t, newAccountID)

	var rows []state.Row
	require.NoError(t, db.Where("account_id = ?", newAccountID).Order("type").Find(&rows).Error)
	require.Len(t, rows, 2)
	require.Equal(t, "Member", rows[0].Type)
	require.Equal(t, "Team", rows[1].Type)
	for _, r := range rows {
		require.Zero(t, r.HighestModSeq)
		require.Zero(t, r.LowestModSeq)
	}

	// The creator's own account state advanced as usual.
	var creatorRow state.Row
	require.NoError(t, db.Where("account_id = ? AND type = ?", "creator-account", "Team").Take(&creatorRow).Error)
	require.Equal(t, int64(1), creatorRow.HighestModSeq)
}

func TestPublishedMethodMapIsRegisteredVerbatim(t *testing.T) {
	handlers := storage.GenerateHandlers(teamClass)
	h, ok := handlers["Team/ping"]
	require.True(t, ok)

	results, err := h(nil, nil)
	require.NoError(t, err)
	require.Equal(t, true, results[0].Args["pong"])
}
