package replication

import (
	"context"

	"github.com/pkg/errors"

	"github.com/alpacahq/replicatedtree/coordination"
	"github.com/alpacahq/replicatedtree/utils/log"
)

// runRestartingThread watches the coordination session. When it expires,
// all session work is stopped, the replica turns readonly and a new
// session is opened and activated. Exhausting the rejoin attempts leaves
// the replica Failed until it is restarted.
func (r *Replica) runRestartingThread(ctx context.Context) {
	for {
		r.mu.RLock()
		s := r.sess
		r.mu.RUnlock()
		if s == nil {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-s.zk.Expired():
		}

		log.Warn("%scoordination session expired, switching to readonly", r.prefix)
		r.setState(StateSessionLost)
		r.partialShutdown()

		r.setState(StateRejoining)
		if err := r.rejoin(ctx); err != nil {
			if errors.Is(err, ErrAborted) {
				return
			}
			log.Error("%scould not rejoin the table, giving up: %v", r.prefix, err)
			r.setState(StateFailed)
			return
		}
		log.Info("%srejoined the table", r.prefix)
	}
}

func (r *Replica) rejoin(ctx context.Context) error {
	retryer := NewRetryer(func(ctx context.Context) error {
		zk, err := r.factory(ctx)
		if err != nil {
			return errors.Wrap(ErrRetryable, classify(err).Error())
		}
		if err := r.startSession(ctx, zk); err != nil {
			_ = zk.Close()
			if isTransient(err) || errors.Is(err, coordination.ErrNodeExists) {
				return errors.Wrap(ErrRetryable, err.Error())
			}
			return err
		}
		return nil
	}, r.settings.RejoinInterval, r.settings.RejoinBackoffCoeff, r.settings.RejoinMaxAttempts)
	return retryer.Run(ctx)
}
