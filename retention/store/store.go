// Package store implements the retention DAOs on SQLite.
package store

import (
	"time"
)

// timeNow is swapped in tests
var timeNow = func() time.Time { return time.Now().UTC() }

// boolToInt maps Go bools to SQLite INTEGER flags
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
