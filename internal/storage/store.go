package storage

import (
	"context"
	"time"

	"github.com/KevinKickass/OpenPrintCore/internal/types"
	"github.com/google/uuid"
)

// Store is the single source of truth for jobs and devices. All other
// components hold transient views that can be rebuilt from it after a
// crash.
type Store interface {
	// SubmitJob persists a new job and assigns its per-device ordering
	// key. When the job carries an idempotency key that was already
	// used for the device, the existing job is returned instead of
	// creating a duplicate.
	SubmitJob(ctx context.Context, job *types.Job) (*types.Job, error)

	GetJob(ctx context.Context, id uuid.UUID) (*types.Job, error)

	// ListJobs filters by device and/or states. Empty deviceID or nil
	// states means no filter. Results are ordered by creation, newest
	// first.
	ListJobs(ctx context.Context, deviceID string, states []types.JobState, limit, offset int) ([]*types.Job, error)

	// TransitionJob is a compare-and-swap on the job state. It returns
	// types.ErrStaleTransition when the job is not currently in `from`.
	TransitionJob(ctx context.Context, id uuid.UUID, from, to types.JobState, meta types.TransitionMeta) (*types.Job, error)

	// NextQueuedJob returns the queued job with the lowest ordering key
	// for the device, or nil when the queue is empty.
	NextQueuedJob(ctx context.Context, deviceID string) (*types.Job, error)

	// RecoverStaleJobs re-queues jobs stuck in pending/processing longer
	// than olderThan and clears the matching device claims. Returns the
	// number of jobs recovered.
	RecoverStaleJobs(ctx context.Context, olderThan time.Duration) (int, error)

	QueueStats(ctx context.Context) (*types.QueueStats, error)

	RegisterDevice(ctx context.Context, device *types.Device) error
	GetDevice(ctx context.Context, id string) (*types.Device, error)
	ListDevices(ctx context.Context) ([]*types.Device, error)
	SetDeviceEnabled(ctx context.Context, id string, enabled bool) error
	TouchDevice(ctx context.Context, id string, seenAt time.Time) error

	// ClaimDeviceJob atomically sets the device's active-job reference
	// if none is set. Returns false when another job already holds the
	// claim. This is what enforces single-in-flight per device.
	ClaimDeviceJob(ctx context.Context, deviceID string, jobID uuid.UUID) (bool, error)

	// ReleaseDeviceJob clears the active-job reference if it still
	// points at jobID.
	ReleaseDeviceJob(ctx context.Context, deviceID string, jobID uuid.UUID) error
}
