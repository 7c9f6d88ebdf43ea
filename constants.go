package ticl

import (
	"runtime"
	"time"
)

const (
	ClientMajorVersion = 3
	ClientMinorVersion = 0

	ProtocolMajorVersion = 3
	ProtocolMinorVersion = 2
)

const clientLanguage = "Go"

const (
	DefaultBatchingDelay     = 500 * time.Millisecond
	DefaultHeartbeatInterval = 20 * time.Minute

	// NoDelay schedules a task for the next pass of the internal thread.
	NoDelay = time.Duration(0)
)

func clientPlatform() string {
	return runtime.GOOS + "-" + runtime.GOARCH
}
