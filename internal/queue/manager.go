package queue

import (
	"context"
	"fmt"

	"github.com/KevinKickass/OpenPrintCore/internal/storage"
	"github.com/KevinKickass/OpenPrintCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Manager is the per-device view over the job store. It owns the
// single-in-flight rule: a device may only be handed a new job when
// its active-job reference is empty, and the check-and-claim is a
// compare-and-swap so a presence flap and a completion racing each
// other cannot both dispatch.
type Manager struct {
	store  storage.Store
	logger *zap.Logger
}

func NewManager(store storage.Store, logger *zap.Logger) *Manager {
	return &Manager{store: store, logger: logger}
}

// NextEligible returns the queued job with the lowest ordering key for
// the device, or nil when the device is disabled, already has a job in
// flight, or its queue is empty.
func (m *Manager) NextEligible(ctx context.Context, deviceID string) (*types.Job, error) {
	device, err := m.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load device: %w", err)
	}

	if !device.Enabled {
		return nil, nil
	}
	if device.ActiveJobID != nil {
		return nil, nil
	}

	return m.store.NextQueuedJob(ctx, deviceID)
}

// Claim atomically marks the job as the device's in-flight job.
// Returns false when another claim won the race.
func (m *Manager) Claim(ctx context.Context, deviceID string, jobID uuid.UUID) (bool, error) {
	claimed, err := m.store.ClaimDeviceJob(ctx, deviceID, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	if !claimed {
		m.logger.Debug("Device claim lost",
			zap.String("device_id", deviceID),
			zap.String("job_id", jobID.String()))
	}
	return claimed, nil
}

// Release clears the device's active-job reference if it still points
// at jobID. Safe to call on an already-released claim.
func (m *Manager) Release(ctx context.Context, deviceID string, jobID uuid.UUID) error {
	if err := m.store.ReleaseDeviceJob(ctx, deviceID, jobID); err != nil {
		return fmt.Errorf("failed to release job: %w", err)
	}
	return nil
}

// ActiveJob returns the device's current in-flight job, or nil.
func (m *Manager) ActiveJob(ctx context.Context, deviceID string) (*types.Job, error) {
	device, err := m.store.GetDevice(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load device: %w", err)
	}
	if device.ActiveJobID == nil {
		return nil, nil
	}
	return m.store.GetJob(ctx, *device.ActiveJobID)
}
