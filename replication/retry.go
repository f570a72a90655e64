package replication

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"

	"github.com/alpacahq/replicatedtree/utils/log"
)

// Retryer runs retryFunc until it succeeds, returns an error that does not
// wrap ErrRetryable, the attempts are exhausted or the context is canceled.
type Retryer struct {
	retryFunc    func(ctx context.Context) error
	interval     time.Duration
	backoffCoeff int
	// maxAttempts of 0 retries forever.
	maxAttempts int
}

func NewRetryer(retryFunc func(ctx context.Context) error, interval time.Duration, backoffCoeff, maxAttempts int,
) *Retryer {
	return &Retryer{
		retryFunc:    retryFunc,
		interval:     interval,
		backoffCoeff: backoffCoeff,
		maxAttempts:  maxAttempts,
	}
}

func (r *Retryer) Run(ctx context.Context) error {
	for cnt := 0; ; cnt++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(ErrAborted, "context canceled")
		}
		err := r.retryFunc(ctx)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrRetryable) {
			log.Warn("caught a non-retryable error: %v", err)
			return err
		}
		if r.maxAttempts > 0 && cnt+1 >= r.maxAttempts {
			return errors.Wrapf(ErrRetriesExceeded, "%d attempts, last error: %v", r.maxAttempts, err)
		}

		interval := retryInterval(r.interval, r.backoffCoeff, cnt)
		log.Warn("caught a retryable error. It will be retried after an interval: %d[ms], err=%v",
			interval.Milliseconds(), err)
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return errors.Wrap(ErrAborted, "context canceled")
		case <-timer.C:
		}
	}
}

func retryInterval(interval time.Duration, backoffCoeff, retryCount int) time.Duration {
	coeff := math.Pow(float64(backoffCoeff), float64(retryCount))
	intervalMilliSec := float64(interval.Milliseconds())
	return time.Duration(intervalMilliSec*coeff) * time.Millisecond
}
