package job

import (
	"context"
	"fmt"

	"github.com/KevinKickass/OpenPrintCore/internal/api/websocket"
	"github.com/KevinKickass/OpenPrintCore/internal/storage"
	"github.com/KevinKickass/OpenPrintCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Controller owns the job state machine. Every state change in the
// system, whether it originates from a device message, a timer or a
// user command, goes through Transition and its compare-and-swap gate.
type Controller struct {
	store  storage.Store
	wsHub  *websocket.Hub
	logger *zap.Logger

	maxLifetimeRetries int
}

func NewController(store storage.Store, wsHub *websocket.Hub, maxLifetimeRetries int, logger *zap.Logger) *Controller {
	return &Controller{
		store:              store,
		wsHub:              wsHub,
		logger:             logger,
		maxLifetimeRetries: maxLifetimeRetries,
	}
}

// Transition validates from -> to against the lifecycle table and
// applies it with a compare-and-swap. Returns types.ErrStaleTransition
// when the job already left `from`.
func (c *Controller) Transition(ctx context.Context, jobID uuid.UUID, from, to types.JobState, meta types.TransitionMeta) (*types.Job, error) {
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", types.ErrConflict, from, to)
	}

	updated, err := c.store.TransitionJob(ctx, jobID, from, to, meta)
	if err != nil {
		return nil, err
	}

	c.logger.Info("Job state changed",
		zap.String("job_id", jobID.String()),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Int("retry_count", updated.RetryCount))

	if c.wsHub != nil {
		c.wsHub.Broadcast(websocket.NewJobStateMessage(updated, string(from)))
	}

	return updated, nil
}

// Cancel applies a user cancel request. Only queued and pending jobs
// can be cancelled; a processing job is already committed to physical
// execution and the request is rejected with Conflict so the caller
// gets a definitive outcome.
func (c *Controller) Cancel(ctx context.Context, current *types.Job) (*types.Job, error) {
	switch current.State {
	case types.JobStateQueued, types.JobStatePending:
		return c.Transition(ctx, current.ID, current.State, types.JobStateCancelled, types.TransitionMeta{})
	default:
		return nil, fmt.Errorf("%w: cannot cancel job in state %s", types.ErrConflict, current.State)
	}
}

// Retry re-queues a failed job on explicit user request. The automatic
// retry counter is reset, but each reset counts against a lifetime
// ceiling so a job cannot loop through retry forever.
func (c *Controller) Retry(ctx context.Context, current *types.Job) (*types.Job, error) {
	if current.State != types.JobStateFailed {
		return nil, fmt.Errorf("%w: only failed jobs can be retried (current: %s)", types.ErrConflict, current.State)
	}
	if current.LifetimeRetries >= c.maxLifetimeRetries {
		return nil, fmt.Errorf("%w: lifetime retry ceiling reached (%d)", types.ErrConflict, c.maxLifetimeRetries)
	}

	return c.Transition(ctx, current.ID, types.JobStateFailed, types.JobStateQueued, types.TransitionMeta{
		ResetRetryCount: true,
	})
}
