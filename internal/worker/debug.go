package worker

import (
	"log"
	"os"
	"sync/atomic"
)

var debugEnabled atomic.Bool

func init() {
	if os.Getenv("TAXFLOW_WORKER_DEBUG") == "1" {
		debugEnabled.Store(true)
	}
}

// SetDebug toggles verbose dispatcher and worker logging.
func SetDebug(on bool) {
	debugEnabled.Store(on)
}

func debugLog(format string, args ...any) {
	if debugEnabled.Load() {
		log.Printf("[worker] "+format, args...)
	}
}
