// SPDX-License-Identifier: GPL-2.0-or-later

package system

import (
	"context"
	"errors"
	"testing"
	"time"

	"arrec/pkg/log"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/stretchr/testify/require"
)

func mockCPU(context.Context, time.Duration, bool) ([]float64, error) {
	return []float64{11}, nil
}

func mockRAM() (*mem.VirtualMemoryStat, error) {
	return &mem.VirtualMemoryStat{UsedPercent: 22}, nil
}

func mockDisk(path string) (*disk.UsageStat, error) {
	if path != "/storage" {
		return nil, errors.New("unexpected path")
	}
	return &disk.UsageStat{UsedPercent: 33, Free: 2500 * 1000 * 1000}, nil
}

var errMock = errors.New("mock")

func TestUpdate(t *testing.T) {
	newTestSystem := func() *System {
		s := New("/storage", log.NewMockLogger())
		s.cpu = mockCPU
		s.ram = mockRAM
		s.disk = mockDisk
		return s
	}

	t.Run("ok", func(t *testing.T) {
		s := newTestSystem()
		require.NoError(t, s.update(context.Background()))

		expected := Status{
			CPUUsage:          11,
			RAMUsage:          22,
			DiskUsage:         33,
			DiskFree:          2500 * 1000 * 1000,
			DiskFreeFormatted: "2.50GB",
		}
		require.Equal(t, expected, s.Status())
	})
	t.Run("cpuErr", func(t *testing.T) {
		s := newTestSystem()
		s.cpu = func(context.Context, time.Duration, bool) ([]float64, error) {
			return nil, errMock
		}
		require.ErrorIs(t, s.update(context.Background()), errMock)
	})
	t.Run("ramErr", func(t *testing.T) {
		s := newTestSystem()
		s.ram = func() (*mem.VirtualMemoryStat, error) { return nil, errMock }
		require.ErrorIs(t, s.update(context.Background()), errMock)
	})
	t.Run("diskErr", func(t *testing.T) {
		s := newTestSystem()
		s.disk = func(string) (*disk.UsageStat, error) { return nil, errMock }
		require.ErrorIs(t, s.update(context.Background()), errMock)
		require.Equal(t, Status{}, s.Status())
	})
}

func TestDiskFree(t *testing.T) {
	free, err := DiskFree(t.TempDir())
	require.NoError(t, err)
	require.Greater(t, free, uint64(0))
}

func TestFormatBytes(t *testing.T) {
	cases := []struct {
		input    uint64
		expected string
	}{
		{0, "0MB"},
		{999 * 1000 * 1000, "999MB"},
		{1000 * 1000 * 1000, "1.00GB"},
		{11 * 1000 * 1000 * 1000, "11.0GB"},
		{111 * 1000 * 1000 * 1000, "111GB"},
		{1200 * 1000 * 1000 * 1000, "1.20TB"},
		{12 * 1000 * 1000 * 1000 * 1000, "12.0TB"},
		{123 * 1000 * 1000 * 1000 * 1000, "123TB"},
	}
	for _, tc := range cases {
		t.Run(tc.expected, func(t *testing.T) {
			require.Equal(t, tc.expected, FormatBytes(tc.input))
		})
	}
}
