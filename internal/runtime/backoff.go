package runtime

import (
	"time"

	"github.com/rendis/bpelrt/pkg/schema"
)

// Backoff modes accepted in failureHandling.
const (
	BackoffConstant    = "constant"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// RetryDelay calculates the delay before retry number attempt (0-based).
// The base delay is RetryDelay seconds, shaped by the backoff mode and capped
// by MaxDelay when it is set.
func RetryDelay(fh *schema.FailureHandling, attempt int) time.Duration {
	if fh == nil || fh.RetryDelay <= 0 {
		return 0
	}
	base := time.Duration(fh.RetryDelay) * time.Second

	var delay time.Duration
	switch fh.Backoff {
	case BackoffExponential:
		// 2^attempt * base
		multiplier := time.Duration(1)
		for i := 0; i < attempt && i < 30; i++ {
			multiplier *= 2
		}
		delay = base * multiplier
	case BackoffLinear:
		delay = base * time.Duration(attempt+1)
	default:
		delay = base
	}

	if fh.MaxDelay > 0 {
		if max := time.Duration(fh.MaxDelay) * time.Second; delay > max {
			delay = max
		}
	}
	return delay
}
