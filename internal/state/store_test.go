package state

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, opts Options) *Store {
	t.Helper()
	if opts.Path == "" {
		opts.Path = ":memory:"
	}
	s, err := Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndLatest(t *testing.T) {
	s := openTestStore(t, Options{})

	require.NoError(t, s.SaveRuleset("add table inet dockwall\n", 0))
	require.NoError(t, s.SaveRuleset("add table inet dockwall\nflush table inet dockwall\n", 2))

	latest, err := s.LatestRuleset()
	require.NoError(t, err)
	assert.Equal(t, 2, latest.RuleCount)
	assert.Contains(t, latest.Script, "flush table")
	assert.False(t, latest.AppliedAt.IsZero())
}

func TestLatestOnEmptyStore(t *testing.T) {
	s := openTestStore(t, Options{})

	_, err := s.LatestRuleset()
	assert.True(t, errors.Is(err, ErrNoRulesets))
}

func TestHistoryNewestFirst(t *testing.T) {
	s := openTestStore(t, Options{})

	for i := 1; i <= 3; i++ {
		require.NoError(t, s.SaveRuleset(fmt.Sprintf("script %d", i), i))
	}

	history, err := s.History(10)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "script 3", history[0].Script)
	assert.Equal(t, "script 1", history[2].Script)
}

func TestHistoryPruning(t *testing.T) {
	s := openTestStore(t, Options{HistoryLimit: 2})

	for i := 1; i <= 5; i++ {
		require.NoError(t, s.SaveRuleset(fmt.Sprintf("script %d", i), i))
	}

	history, err := s.History(10)
	require.NoError(t, err)
	require.Len(t, history, 2)
	// Oldest entries are pruned, newest retained.
	assert.Equal(t, "script 5", history[0].Script)
	assert.Equal(t, "script 4", history[1].Script)
}

func TestOnDiskRoundTrip(t *testing.T) {
	path := t.TempDir() + "/state.db"

	s, err := Open(Options{Path: path, WALMode: true})
	require.NoError(t, err)
	require.NoError(t, s.SaveRuleset("persisted", 1))
	require.NoError(t, s.Close())

	s2, err := Open(Options{Path: path, WALMode: true})
	require.NoError(t, err)
	defer s2.Close()

	latest, err := s2.LatestRuleset()
	require.NoError(t, err)
	assert.Equal(t, "persisted", latest.Script)
}
