// SPDX-License-Identifier: GPL-2.0-or-later

package system

import (
	"context"
	"fmt"
	"sync"
	"time"

	"arrec/pkg/log"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Status stores system status.
type Status struct {
	CPUUsage          int    `json:"cpuUsage"`
	RAMUsage          int    `json:"ramUsage"`
	DiskUsage         int    `json:"diskUsage"`
	DiskFree          uint64 `json:"diskFree"`
	DiskFreeFormatted string `json:"diskFreeFormatted"`
}

type (
	cpuFunc  func(context.Context, time.Duration, bool) ([]float64, error)
	ramFunc  func() (*mem.VirtualMemoryStat, error)
	diskFunc func(string) (*disk.UsageStat, error)
)

// DiskFree returns the free bytes of the file system at path.
func DiskFree(path string) (uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, fmt.Errorf("disk usage: %w", err)
	}
	return usage.Free, nil
}

// System .
type System struct {
	cpu  cpuFunc
	ram  ramFunc
	disk diskFunc

	storageDir string
	status     Status
	duration   time.Duration

	logger *log.Logger
	mu     sync.Mutex
	o      sync.Once
}

// New returns a System that reports the disk of storageDir.
func New(storageDir string, logger *log.Logger) *System {
	return &System{
		cpu:  cpu.PercentWithContext,
		ram:  mem.VirtualMemory,
		disk: disk.Usage,

		storageDir: storageDir,
		duration:   10 * time.Second,

		logger: logger,
	}
}

func (s *System) update(ctx context.Context) error {
	cpuUsage, err := s.cpu(ctx, s.duration, false)
	if err != nil {
		return fmt.Errorf("cpu usage: %w", err)
	}
	if len(cpuUsage) == 0 {
		return fmt.Errorf("cpu usage: no values")
	}
	ramUsage, err := s.ram()
	if err != nil {
		return fmt.Errorf("ram usage: %w", err)
	}
	diskUsage, err := s.disk(s.storageDir)
	if err != nil {
		return fmt.Errorf("disk usage: %w", err)
	}

	s.mu.Lock()
	s.status = Status{
		CPUUsage:          int(cpuUsage[0]),
		RAMUsage:          int(ramUsage.UsedPercent),
		DiskUsage:         int(diskUsage.UsedPercent),
		DiskFree:          diskUsage.Free,
		DiskFreeFormatted: FormatBytes(diskUsage.Free),
	}
	s.mu.Unlock()

	return nil
}

// StatusLoop updates system status until context is canceled.
func (s *System) StatusLoop(ctx context.Context) {
	s.o.Do(func() {
		for {
			if ctx.Err() != nil {
				return
			}
			if err := s.update(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error().Src("app").Msgf("could not update system status: %v", err)
				select {
				case <-ctx.Done():
				case <-time.After(s.duration):
				}
			}
		}
	})
}

// Status returns cpu, ram and disk usage.
func (s *System) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

const (
	kilobyte float64 = 1000
	megabyte         = kilobyte * 1000
	gigabyte         = megabyte * 1000
	terabyte         = gigabyte * 1000
)

// FormatBytes formats a byte count for display.
func FormatBytes(bytes uint64) string {
	b := float64(bytes)
	switch {
	case b < 1000*megabyte:
		return fmt.Sprintf("%.0fMB", b/megabyte)
	case b < 10*gigabyte:
		return fmt.Sprintf("%.2fGB", b/gigabyte)
	case b < 100*gigabyte:
		return fmt.Sprintf("%.1fGB", b/gigabyte)
	case b < 1000*gigabyte:
		return fmt.Sprintf("%.0fGB", b/gigabyte)
	case b < 10*terabyte:
		return fmt.Sprintf("%.2fTB", b/terabyte)
	case b < 100*terabyte:
		return fmt.Sprintf("%.1fTB", b/terabyte)
	default:
		return fmt.Sprintf("%.0fTB", b/terabyte)
	}
}
