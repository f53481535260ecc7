// SPDX-License-Identifier: GPL-2.0-or-later

package log

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	logger := NewLogger(wg)
	logger.Start(ctx)
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return logger
}

func TestLogger(t *testing.T) {
	t.Run("msg", func(t *testing.T) {
		logger := newTestLogger(t)

		feed, cancel := logger.Subscribe()
		defer cancel()

		logger.Error().Src("encoder").Session("s1").Msg("a")
		logger.Info().Src("session").Msgf("frames: %v", 3)

		entry := <-feed
		require.Equal(t, LevelError, entry.Level)
		require.Equal(t, "encoder", entry.Src)
		require.Equal(t, "s1", entry.Session)
		require.Equal(t, "a", entry.Msg)
		require.NotZero(t, entry.Time)

		entry = <-feed
		require.Equal(t, LevelInfo, entry.Level)
		require.Equal(t, "frames: 3", entry.Msg)
	})
	t.Run("neverBlocks", func(t *testing.T) {
		logger := NewMockLogger()
		for i := 0; i < feedSize+10; i++ {
			logger.Debug().Msg("x")
		}
		require.Equal(t, uint64(10), logger.Discarded())
	})
	t.Run("unsubscribe", func(t *testing.T) {
		logger := newTestLogger(t)

		feed, cancel := logger.Subscribe()
		logger.Info().Msg("a")
		cancel()

		// Feed is closed after the unsubscribe request is accepted.
		for range feed {
		}
	})
}

func TestFormatEntry(t *testing.T) {
	cases := []struct {
		entry    Entry
		expected string
	}{
		{Entry{Level: LevelError, Src: "encoder", Msg: "a"}, "[ERROR] Encoder: a"},
		{Entry{Level: LevelWarning, Session: "s1", Src: "audio", Msg: "b"}, "[WARNING] s1: Audio: b"},
		{Entry{Level: LevelInfo, Msg: "c"}, "[INFO] c"},
		{Entry{Level: LevelDebug, Src: "x", Msg: "d"}, "[DEBUG] X: d"},
	}
	for _, tc := range cases {
		t.Run(tc.expected, func(t *testing.T) {
			require.Equal(t, tc.expected, formatEntry(tc.entry))
		})
	}
}
