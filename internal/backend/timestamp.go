package backend

import (
	"time"

	"github.com/dvelle/scanout/internal/drm"

	"golang.org/x/sys/unix"
)

// rawTimestamp converts the sec/usec pair of a kernel event into a
// duration since the source clock's epoch.
func rawTimestamp(sec, usec uint32) time.Duration {
	return time.Duration(sec)*time.Second + time.Duration(usec)*time.Microsecond
}

// translateTimestamp moves a timestamp from the device's clock domain
// into the target clock domain. Both clocks are sampled "now" and the
// event's age in the source domain is subtracted from the target's
// now. This tolerates drifting clocks where a fixed offset would not.
// Returns zero if either clock cannot be read.
func translateTimestamp(source, target drm.ClockID, sec, usec uint32) time.Duration {
	ts := rawTimestamp(sec, usec)
	if source == target {
		return ts
	}

	var sourceNow, targetNow unix.Timespec
	if err := unix.ClockGettime(int32(source), &sourceNow); err != nil {
		return 0
	}
	if err := unix.ClockGettime(int32(target), &targetNow); err != nil {
		return 0
	}

	age := time.Duration(sourceNow.Nano()) - ts
	return time.Duration(targetNow.Nano()) - age
}

// monotonicNow reads the process monotonic clock, used as the
// approximate substitute when an event timestamp cannot be converted.
func monotonicNow() time.Duration {
	var now unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &now); err != nil {
		return 0
	}
	return time.Duration(now.Nano())
}
