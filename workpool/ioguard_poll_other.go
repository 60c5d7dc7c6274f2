//go:build !linux && !windows

package workpool

import (
	"time"

	"github.com/ttaklabs/libttak/ttakerr"
)

// pollReadiness falls back to a short blocking wait on platforms without
// a dedicated select(2)-derived implementation here (see
// ioguard_poll_linux.go for the real one); same rationale as the windows
// fallback.
func pollReadiness(fd int, timeout time.Duration) error {
	if timeout <= 0 {
		return ttakerr.New(ttakerr.NeedsRetry, "workpool: poll_wait timed out")
	}
	time.Sleep(timeout)
	return nil
}
