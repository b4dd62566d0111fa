package constants

import (
	"time"
)

// Remote state polling
const (
	// StatusTimeout - how long to wait for the oVirt disk to leave the
	// locked state, or for the image transfer to finish initializing (5 min)
	// Disk creation on busy storage domains routinely takes minutes;
	// exceeding this window is treated as fatal, not retried.
	StatusTimeout = 5 * time.Minute

	// PollInterval - fixed delay between status polls (1 s)
	// Disk status and transfer phase are only ever refreshed by explicit
	// polling; the engine does not push state changes.
	PollInterval = 1 * time.Second

	// InactivityTimeoutSeconds - idle timeout requested for the image transfer
	// The engine cancels transfers with no data-plane traffic for this long.
	// One hour covers the slowest observed qemu-img convert stalls.
	InactivityTimeoutSeconds = 3600
)

// Data-plane transfer sizes
const (
	// ZeroChunkSize - buffer size for emulated zero writes (128 KiB)
	// When the imageio server lacks the native zero feature, regions below
	// the high-water mark are overwritten with literal zero bytes, split
	// into requests of at most this size.
	ZeroChunkSize = 128 * 1024

	// UploadChunkSize - read buffer for the standalone upload command (512 KiB)
	UploadChunkSize = 512 * 1024
)

// Error reporting
const (
	// ErrorBodyLimit - maximum bytes of a response body included in a
	// returned error (200 B)
	// Full bodies go to the debug log only; imageio error bodies can echo
	// large binary payloads.
	ErrorBodyLimit = 200

	// DebugBodyLimit - maximum bytes of a response body kept for the
	// debug log (64 KiB)
	DebugBodyLimit = 64 * 1024
)

// Engine API retry settings. These apply to control-plane requests only;
// data-plane requests are never retried because every operation has a
// single expected status and replaying a failed range write is unsafe.
const (
	EngineRetryMax     = 4
	EngineRetryWaitMin = 1 * time.Second
	EngineRetryWaitMax = 10 * time.Second
)
