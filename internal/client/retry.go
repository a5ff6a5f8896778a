package client

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// retrier counts resends of one request at a fixed interval. A retrier is
// live while it is referenced from the session; timers check that before
// resending.
type retrier struct {
	policy   backoff.BackOff
	attempts int
	timer    *time.Timer
}

func newRetrier(max int, interval time.Duration) *retrier {
	if max < 0 {
		max = 0
	}
	return &retrier{
		policy: backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(max)),
	}
}

// next reserves one more attempt. ok is false once the budget is spent.
func (r *retrier) next() (time.Duration, bool) {
	d := r.policy.NextBackOff()
	if d == backoff.Stop {
		return 0, false
	}
	r.attempts++
	return d, true
}

func (r *retrier) schedule(d time.Duration, fn func()) {
	r.stop()
	r.timer = time.AfterFunc(d, fn)
}

func (r *retrier) stop() {
	if r == nil || r.timer == nil {
		return
	}
	r.timer.Stop()
	r.timer = nil
}
