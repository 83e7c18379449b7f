package state_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/forbearing/ix/state"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&state.Row{}))
	return db
}

func TestCompareFourValued(t *testing.T) {
	require.Equal(t, state.InSync, state.Compare("200", 100, 200))
	require.Equal(t, state.Okay, state.Compare("150", 100, 200))
	require.Equal(t, state.Okay, state.Compare("100", 100, 200))
	require.Equal(t, state.Resync, state.Compare("50", 100, 200))
	require.Equal(t, state.Bogus, state.Compare("250", 100, 200))
	require.Equal(t, state.Bogus, state.Compare("not-a-number", 100, 200))
	require.Equal(t, state.Bogus, state.Compare("-1", 100, 200))
}

func TestSessionStateForDefaultsToZero(t *testing.T) {
	db := newTestDB(t)
	s := state.NewBookkeeper().Session(db, "acct-1")
	require.Equal(t, "0", s.StateFor("Cookie"))
}

func TestEnsureBumpedIsIdempotentWithinOneSession(t *testing.T) {
	db := newTestDB(t)
	s := state.NewBookkeeper().Session(db, "acct-1")
	first := s.EnsureBumped("Cookie")
	second := s.EnsureBumped("Cookie")
	require.Equal(t, first, second)
	require.Equal(t, int64(1), first)
}

func TestCommitPersistsPendingBumps(t *testing.T) {
	db := newTestDB(t)
	s := state.NewBookkeeper().Session(db, "acct-1")
	s.EnsureBumped("Cookie")
	require.NoError(t, s.Commit())

	s2 := state.NewBookkeeper().Session(db, "acct-1")
	require.Equal(t, "1", s2.StateFor("Cookie"))

	s2.EnsureBumped("Cookie")
	require.NoError(t, s2.Commit())

	s3 := state.NewBookkeeper().Session(db, "acct-1")
	require.Equal(t, "2", s3.StateFor("Cookie"))
}

func TestLocalizeFoldsOnCommitOnly(t *testing.T) {
	db := newTestDB(t)
	s := state.NewBookkeeper().Session(db, "acct-1")

	child, fold := s.Localize()
	child.EnsureBumped("Cookie")
	fold(false)
	require.Equal(t, "0", s.StateFor("Cookie"), "discarded child bumps must not leak into the parent")

	child2, fold2 := s.Localize()
	child2.EnsureBumped("Cookie")
	fold2(true)
	require.Equal(t, "1", s.StateFor("Cookie"), "committed child bumps fold into the parent")
}
