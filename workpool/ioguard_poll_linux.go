//go:build linux

package workpool

import (
	"syscall"
	"time"

	"github.com/ttaklabs/libttak/ttakerr"
)

// pollReadiness waits up to timeout for fd to become readable, using a
// single-fd syscall.Select set.
func pollReadiness(fd int, timeout time.Duration) error {
	var fds syscall.FdSet
	fds.Bits[fd/64] |= 1 << uint(fd%64)
	tv := syscall.NsecToTimeval(timeout.Nanoseconds())
	n, err := syscall.Select(fd+1, &fds, nil, nil, &tv)
	if err != nil {
		return ttakerr.Wrap(ttakerr.SystemFailure, "workpool: poll_wait select failed", err)
	}
	if n == 0 {
		return ttakerr.New(ttakerr.NeedsRetry, "workpool: poll_wait timed out")
	}
	return nil
}
