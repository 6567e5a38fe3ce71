package scheduler

import (
	"time"

	"github.com/docstream/workgate/pkg/job"
)

// maxBackoffShift bounds the exponent so the doubling never overflows a
// Duration.
const maxBackoffShift = 20

// NextRetryAt computes when a failed job may run again. With RetryBackoff
// unset the delay is a flat RetryDelay; with it set the delay doubles per
// consumed retry (RetryDelay * 2^Attempt), capped at max.
func NextRetryAt(w *job.WorkInfo, now time.Time, max time.Duration) time.Time {
	delay := time.Duration(w.RetryDelay) * time.Second
	if w.RetryBackoff && delay > 0 {
		shift := w.Attempt
		if shift > maxBackoffShift {
			shift = maxBackoffShift
		}
		delay <<= shift
	}
	if max > 0 && delay > max {
		delay = max
	}
	return now.Add(delay)
}
