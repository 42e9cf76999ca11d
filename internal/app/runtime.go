package app

import (
	"os"
	"sync"
	"sync/atomic"
)

const testModeEnv = "ODYSSEY_TEST_MODE"

var (
	testModeFlag atomic.Bool
	testModeOnce sync.Once
)

func detectTestMode() {
	testModeFlag.Store(os.Getenv(testModeEnv) == "1")
}

// InTestMode reports whether the process runs under the test harness, in
// which case the binaries exit before dialing Redis or a target store.
func InTestMode() bool {
	testModeOnce.Do(detectTestMode)
	return testModeFlag.Load()
}

// RefreshTestMode updates the cached flag after environment changes.
func RefreshTestMode() {
	detectTestMode()
}

// SchedulerWanted reports whether this process should own the rollover
// timers.
func SchedulerWanted(cfg *Config) bool {
	return cfg != nil && cfg.SchedulerEnabled && !InTestMode()
}
