//go:build windows

package workpool

import (
	"time"

	"github.com/ttaklabs/libttak/ttakerr"
)

// pollReadiness has no portable select(2)-equivalent single-fd primitive
// on windows via syscall alone; fall back to a short blocking wait and
// let the caller's next Read/Write report actual readiness. This mirrors
// spec.md §4.8's "inline" mode contract (block up to timeout) without
// claiming event-driven readiness detection this platform doesn't expose
// through syscall.
func pollReadiness(fd int, timeout time.Duration) error {
	if timeout <= 0 {
		return ttakerr.New(ttakerr.NeedsRetry, "workpool: poll_wait timed out")
	}
	time.Sleep(timeout)
	return nil
}
