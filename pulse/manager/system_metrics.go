package manager

import (
	"fmt"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/GoogleCloudPlatform/storage-sdrs-sub001/errors"
)

// memoryStats is swapped in tests
var memoryStats = func() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// calculateSafePoolSize recommends a pool size for the available memory.
// Each task holds transfer request batches of up to a few thousand
// prefixes, budgeted at 256MB per concurrent task.
func calculateSafePoolSize(availableGB float64) int {
	const memoryPerTaskGB = 0.25
	const memoryBufferGB = 1.0

	if availableGB < memoryBufferGB {
		return 1
	}

	recommended := int((availableGB - memoryBufferGB) / memoryPerTaskGB)
	if recommended < 1 {
		return 1
	}
	return recommended
}

// checkMemoryPressure returns a warning when PoolSize exceeds the
// recommendation, empty string otherwise.
func (m *Manager) checkMemoryPressure() string {
	total, available, err := memoryStats()
	if err != nil {
		return ""
	}

	availableGB := float64(available) / 1024 / 1024 / 1024
	totalGB := float64(total) / 1024 / 1024 / 1024
	recommended := calculateSafePoolSize(availableGB)

	if m.cfg.PoolSize > recommended {
		return fmt.Sprintf(
			"Pool size (%d) exceeds recommended (%d) for available memory (%.1f/%.1fGB). "+
				"Consider reducing pool.size to prevent memory pressure.",
			m.cfg.PoolSize, recommended, totalGB-availableGB, totalGB)
	}
	return ""
}
