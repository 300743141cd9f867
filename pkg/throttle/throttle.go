package throttle

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"
)

// Throttler paces the bytes a caller puts on the wire.
type Throttler interface {
	// MaybeThrottle blocks until n more bytes may be sent, or ctx is done.
	MaybeThrottle(ctx context.Context, n int) error
}

// Limiter is a Throttler enforcing a byte rate.
type Limiter struct {
	limiter *rate.Limiter
}

// New creates a Limiter allowing bytesPerSec bytes per second, with bursts of up to one second worth of bytes.
// A bytesPerSec that is not positive means no limit.
func New(bytesPerSec int) *Limiter {
	if bytesPerSec <= 0 {
		return &Limiter{limiter: rate.NewLimiter(rate.Inf, 0)}
	}
	return &Limiter{limiter: rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)}
}

// MaybeThrottle waits for n bytes. Requests larger than the burst are split into burst-sized waits.
func (l *Limiter) MaybeThrottle(ctx context.Context, n int) error {
	if l.limiter.Limit() == rate.Inf {
		return nil
	}
	burst := l.limiter.Burst()
	for n > 0 {
		chunk := n
		if chunk > burst {
			chunk = burst
		}
		if err := l.limiter.WaitN(ctx, chunk); err != nil {
			return errors.Wrapf(err, "throttle %d bytes", chunk)
		}
		n -= chunk
	}
	return nil
}

// Unlimited is a Throttler that never blocks.
var Unlimited Throttler = unlimited{}

type unlimited struct{}

func (unlimited) MaybeThrottle(context.Context, int) error {
	return nil
}
