package guard

import (
	"crypto/rand"
	"math/big"
	"time"

	"github.com/torcore/tor-core/torerr"
)

// RetrySchedule configures a bounded retry sequence for a single
// logical download or connection attempt: how many tries, how long to
// wait between them, and how many may run in parallel.
type RetrySchedule struct {
	Attempts     int
	InitialDelay time.Duration
	Parallelism  int
}

// maxDelayFactor caps the exponential backoff at roughly 32x the
// initial delay, matching the deployed client's fixed ceiling.
const maxDelayFactor = 32

// BootstrapSchedule is the preset used for the initial consensus and
// authority-certificate fetch at startup: many attempts, low
// parallelism, since there's nowhere else to get a first directory.
var BootstrapSchedule = RetrySchedule{Attempts: 128, InitialDelay: time.Second, Parallelism: 1}

// MicrodescBatchSchedule is the preset used once a consensus is in
// hand and a batch of missing microdescriptors needs fetching: fewer
// attempts per relay, more parallel fetches.
var MicrodescBatchSchedule = RetrySchedule{Attempts: 3, InitialDelay: time.Second, Parallelism: 4}

// NewRetrySchedule validates and constructs a schedule; attempts and
// parallelism of zero are configuration errors, not silently
// defaulted, since a caller that asked for zero retries almost
// certainly made a mistake.
func NewRetrySchedule(attempts int, initialDelay time.Duration, parallelism int) (RetrySchedule, error) {
	if attempts < 1 {
		return RetrySchedule{}, torerr.Config("retry schedule: attempts must be >= 1")
	}
	if initialDelay < time.Millisecond {
		return RetrySchedule{}, torerr.Config("retry schedule: initial_delay must be >= 1ms")
	}
	if parallelism < 1 {
		return RetrySchedule{}, torerr.Config("retry schedule: parallelism must be >= 1")
	}
	return RetrySchedule{Attempts: attempts, InitialDelay: initialDelay, Parallelism: parallelism}, nil
}

// Delay returns the backoff before attempt n (0-indexed), including a
// random jitter, clamped to [InitialDelay, 32*InitialDelay].
func (s RetrySchedule) Delay(n int) (time.Duration, error) {
	maxDelay := s.InitialDelay * maxDelayFactor
	base := s.InitialDelay
	for i := 0; i < n; i++ {
		if base >= maxDelay {
			base = maxDelay
			break
		}
		base *= 2
	}

	jitter, err := rand.Int(rand.Reader, big.NewInt(int64(s.InitialDelay)+1))
	if err != nil {
		return 0, torerr.Wrap(torerr.KindInternal, "crypto/rand", err)
	}
	delay := base + time.Duration(jitter.Int64())

	if delay < s.InitialDelay {
		delay = s.InitialDelay
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay, nil
}
