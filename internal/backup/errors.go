package backup

import (
	"errors"
	"fmt"
)

// ErrJobActive is returned by StartBackup when the mailbox already has a
// pending or running job. Only the manual start path performs this check.
var ErrJobActive = errors.New("a backup job is already active for this mailbox")

// ErrWaitTimeout is returned by Wait when the job does not reach a terminal
// status within the deadline. The job itself keeps running.
var ErrWaitTimeout = errors.New("timed out waiting for backup job completion")

// ErrUnknownJob is returned for job ids this process has never seen.
var ErrUnknownJob = errors.New("unknown backup job")

// SizeLimitError reports message content over the configured ceiling. The
// message is skipped, the job continues.
type SizeLimitError struct {
	SizeMB  float64
	LimitMB int
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("message size %.2fMB exceeds limit of %dMB", e.SizeMB, e.LimitMB)
}
