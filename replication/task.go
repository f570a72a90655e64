package replication

import (
	"context"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/eapache/channels"

	"github.com/alpacahq/replicatedtree/utils/log"
)

// repeatingTask runs fn every period, sooner when woken. Failures back off
// exponentially. The task object outlives sessions; Run is called once per
// session.
type repeatingTask struct {
	name   string
	period time.Duration
	jitter time.Duration
	fn     func(ctx context.Context) error
	wake   *channels.RingChannel

	initialBackoff time.Duration
	maxBackoff     time.Duration
}

func newRepeatingTask(name string, period, jitter time.Duration, settings Settings,
	fn func(ctx context.Context) error,
) *repeatingTask {
	return &repeatingTask{
		name:           name,
		period:         period,
		jitter:         jitter,
		fn:             fn,
		wake:           channels.NewRingChannel(1),
		initialBackoff: settings.QueueBackoffInitial,
		maxBackoff:     settings.QueueBackoffMax,
	}
}

// Wake schedules an immediate run. Repeated wakes collapse into one.
func (t *repeatingTask) Wake() {
	t.wake.In() <- struct{}{}
}

func (t *repeatingTask) Run(ctx context.Context, prefix string) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.initialBackoff
	b.MaxInterval = t.maxBackoff
	b.MaxElapsedTime = 0
	b.Reset()

	for {
		wait := t.period
		if err := t.fn(ctx); err != nil {
			if isBenign(err) {
				log.Info("%s%s: %v", prefix, t.name, err)
			} else {
				log.Error("%s%s failed: %v", prefix, t.name, err)
			}
			wait = b.NextBackOff()
		} else {
			b.Reset()
		}
		if t.jitter > 0 {
			wait += time.Duration(rand.Int63n(int64(t.jitter)))
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-t.wake.Out():
			timer.Stop()
		case <-timer.C:
		}
	}
}
