package training

import (
	"context"
	"fmt"
	"time"

	"github.com/tetrix-ml/autotrain/internal/pkg/logger"
)

// OperationGetter is the slice of Trainer the poller needs.
type OperationGetter interface {
	Operation(ctx context.Context, ref string) (OperationStatus, error)
}

// Poller watches one long running operation until it finishes, the timeout
// expires, or the caller cancels. It attaches no business meaning to elapsed
// time beyond the configured timeout.
type Poller struct {
	log *logger.Logger
	ops OperationGetter
}

func NewPoller(ops OperationGetter, baseLog *logger.Logger) *Poller {
	return &Poller{
		log: baseLog.With("component", "OperationPoller"),
		ops: ops,
	}
}

// Await polls ref every pollInterval until the operation reports done.
// Returns ErrTimedOut (wrapped) once timeout elapses, and ctx.Err() promptly
// on caller cancellation. Transient lookup failures keep polling; terminal
// ones abort. A done operation that itself failed is returned with a nil
// error: st.Err carries the service-reported failure.
func (p *Poller) Await(ctx context.Context, ref string, pollInterval, timeout time.Duration) (OperationStatus, error) {
	if ref == "" {
		return OperationStatus{}, Validationf("operation ref required")
	}
	if pollInterval <= 0 {
		pollInterval = 30 * time.Second
	}
	if timeout <= 0 {
		timeout = 2 * time.Hour
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(pollInterval)
	defer tick.Stop()

	log := p.log.With("operation", ref)
	for {
		st, err := p.ops.Operation(ctx, ref)
		switch {
		case err != nil && IsTransient(err):
			log.Warn("Operation lookup failed, will retry", "error", err)
		case err != nil:
			return OperationStatus{}, err
		case st.Done:
			return st, nil
		}

		select {
		case <-ctx.Done():
			return OperationStatus{}, ctx.Err()
		case <-deadline.C:
			return OperationStatus{}, fmt.Errorf("await %s after %s: %w", ref, timeout, ErrTimedOut)
		case <-tick.C:
		}
	}
}
