// SPDX-License-Identifier: GPL-2.0-or-later

package log

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "logs.db")

	wg := &sync.WaitGroup{}
	logDB := NewDB(dbPath, wg)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, logDB.Init(ctx))
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return logDB
}

func TestQuery(t *testing.T) {
	msg1 := Entry{Level: LevelError, Time: 4000, Src: "s1", Session: "a", Msg: "msg1"}
	msg2 := Entry{Level: LevelWarning, Time: 3000, Src: "s1", Msg: "msg2"}
	msg3 := Entry{Level: LevelInfo, Time: 2000, Src: "s2", Session: "b", Msg: "msg3"}
	msg4 := Entry{Level: LevelDebug, Time: 1000, Src: "s2", Msg: "msg4"}

	logDB := newTestDB(t)
	for _, msg := range []Entry{msg4, msg3, msg2, msg1} {
		require.NoError(t, logDB.saveLog(msg))
	}

	cases := []struct {
		name     string
		input    Query
		expected []Entry
	}{
		{
			name:     "all",
			input:    Query{},
			expected: []Entry{msg1, msg2, msg3, msg4},
		},
		{
			name:     "singleLevel",
			input:    Query{Levels: []Level{LevelWarning}},
			expected: []Entry{msg2},
		},
		{
			name:     "multipleLevels",
			input:    Query{Levels: []Level{LevelError, LevelInfo}},
			expected: []Entry{msg1, msg3},
		},
		{
			name:     "source",
			input:    Query{Sources: []string{"s2"}},
			expected: []Entry{msg3, msg4},
		},
		{
			name:     "session",
			input:    Query{Sessions: []string{"a", "b"}},
			expected: []Entry{msg1, msg3},
		},
		{
			name:     "before",
			input:    Query{Time: 3000},
			expected: []Entry{msg3, msg4},
		},
		{
			name:     "limit",
			input:    Query{Limit: 2},
			expected: []Entry{msg1, msg2},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			entries, err := logDB.Query(tc.input)
			require.NoError(t, err)
			require.Equal(t, tc.expected, entries)
		})
	}
}

func TestSaveLog(t *testing.T) {
	t.Run("sameTime", func(t *testing.T) {
		logDB := newTestDB(t)
		require.NoError(t, logDB.saveLog(Entry{Time: 1, Msg: "a"}))
		require.NoError(t, logDB.saveLog(Entry{Time: 1, Msg: "b"}))

		entries, err := logDB.Query(Query{})
		require.NoError(t, err)
		require.Len(t, entries, 2)
	})
	t.Run("maxKeys", func(t *testing.T) {
		logDB := newTestDB(t)
		logDB.maxKeys = 2
		for i := 1; i <= 3; i++ {
			require.NoError(t, logDB.saveLog(Entry{Time: UnixMicro(i)}))
		}

		entries, err := logDB.Query(Query{})
		require.NoError(t, err)
		require.Equal(t, []Entry{{Time: 3}, {Time: 2}}, entries)
	})
	t.Run("notInitialized", func(t *testing.T) {
		logDB := NewDB("", &sync.WaitGroup{})
		require.ErrorIs(t, logDB.saveLog(Entry{}), ErrDBNotInitialized)
	})
}
