package app

import (
	"os"
	"sync"
	"sync/atomic"
)

const testModeEnv = "TIMESHEET_SYNC_TEST_MODE"

var (
	testModeFlag atomic.Bool
	testModeOnce sync.Once
)

// InTestMode reports whether TIMESHEET_SYNC_TEST_MODE=1. The variable is
// read once per process.
func InTestMode() bool {
	testModeOnce.Do(func() {
		testModeFlag.Store(os.Getenv(testModeEnv) == "1")
	})
	return testModeFlag.Load()
}

// sandboxed returns a copy of cfg that never leaves the process for side
// effects: mail is logged and redis is not dialed. The store is still used.
func sandboxed(cfg *Config) *Config {
	out := *cfg
	out.MailTransport = "log"
	out.RedisAddr = ""
	return &out
}
