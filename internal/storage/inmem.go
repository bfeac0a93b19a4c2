package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/OpenPrintCore/internal/types"
	"github.com/google/uuid"
)

// InmemStore is an in-memory Store implementation with the same
// compare-and-swap semantics as the Postgres backend. Used by tests and
// by broker-less development setups.
type InmemStore struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*types.Job
	devices map[string]*inmemDevice
}

type inmemDevice struct {
	device          types.Device
	nextOrderingKey int64
}

var _ Store = (*InmemStore)(nil)

func NewInmemStore() *InmemStore {
	return &InmemStore{
		jobs:    make(map[uuid.UUID]*types.Job),
		devices: make(map[string]*inmemDevice),
	}
}

func copyJob(job *types.Job) *types.Job {
	j := *job
	return &j
}

func copyDevice(device *types.Device) *types.Device {
	d := *device
	if device.ActiveJobID != nil {
		id := *device.ActiveJobID
		d.ActiveJobID = &id
	}
	if device.LastSeenAt != nil {
		t := *device.LastSeenAt
		d.LastSeenAt = &t
	}
	return &d
}

func (s *InmemStore) SubmitJob(ctx context.Context, job *types.Job) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devices[job.DeviceID]
	if !ok {
		return nil, types.ErrDeviceNotFound
	}

	if job.IdempotencyKey != "" {
		for _, existing := range s.jobs {
			if existing.DeviceID == job.DeviceID && existing.IdempotencyKey == job.IdempotencyKey {
				return copyJob(existing), nil
			}
		}
	}

	dev.nextOrderingKey++

	stored := copyJob(job)
	stored.ID = uuid.New()
	stored.State = types.JobStateQueued
	stored.OrderingKey = dev.nextOrderingKey
	stored.CreatedAt = time.Now()
	stored.TransitionedAt = stored.CreatedAt
	s.jobs[stored.ID] = stored

	return copyJob(stored), nil
}

func (s *InmemStore) GetJob(ctx context.Context, id uuid.UUID) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, types.ErrJobNotFound
	}
	return copyJob(job), nil
}

func (s *InmemStore) ListJobs(ctx context.Context, deviceID string, states []types.JobState, limit, offset int) ([]*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}

	wantState := func(state types.JobState) bool {
		if len(states) == 0 {
			return true
		}
		for _, want := range states {
			if state == want {
				return true
			}
		}
		return false
	}

	matched := make([]*types.Job, 0)
	for _, job := range s.jobs {
		if deviceID != "" && job.DeviceID != deviceID {
			continue
		}
		if !wantState(job.State) {
			continue
		}
		matched = append(matched, job)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if offset >= len(matched) {
		return []*types.Job{}, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}

	result := make([]*types.Job, len(matched))
	for i, job := range matched {
		result[i] = copyJob(job)
	}
	return result, nil
}

func (s *InmemStore) TransitionJob(ctx context.Context, id uuid.UUID, from, to types.JobState, meta types.TransitionMeta) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return nil, types.ErrJobNotFound
	}
	if job.State != from {
		return nil, types.ErrStaleTransition
	}

	job.State = to
	job.ErrorDetail = meta.ErrorDetail
	if meta.IncrementRetry {
		job.RetryCount++
	}
	if meta.ResetRetryCount {
		job.RetryCount = 0
		job.LifetimeRetries++
	}
	job.TransitionedAt = time.Now()

	return copyJob(job), nil
}

func (s *InmemStore) NextQueuedJob(ctx context.Context, deviceID string) (*types.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next *types.Job
	for _, job := range s.jobs {
		if job.DeviceID != deviceID || job.State != types.JobStateQueued {
			continue
		}
		if next == nil || job.OrderingKey < next.OrderingKey {
			next = job
		}
	}
	if next == nil {
		return nil, nil
	}
	return copyJob(next), nil
}

func (s *InmemStore) RecoverStaleJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	recovered := 0
	for _, job := range s.jobs {
		if job.State != types.JobStatePending && job.State != types.JobStateProcessing {
			continue
		}
		if job.TransitionedAt.After(cutoff) {
			continue
		}
		job.State = types.JobStateQueued
		job.TransitionedAt = time.Now()
		recovered++

		if dev, ok := s.devices[job.DeviceID]; ok && dev.device.ActiveJobID != nil && *dev.device.ActiveJobID == job.ID {
			dev.device.ActiveJobID = nil
		}
	}

	return recovered, nil
}

func (s *InmemStore) QueueStats(ctx context.Context) (*types.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := &types.QueueStats{}
	for _, job := range s.jobs {
		stats.Total++
		switch job.State {
		case types.JobStateQueued:
			stats.Queued++
		case types.JobStatePending:
			stats.Pending++
		case types.JobStateProcessing:
			stats.Processing++
		case types.JobStateCompleted:
			stats.Completed++
		case types.JobStateFailed:
			stats.Failed++
		case types.JobStateCancelled:
			stats.Cancelled++
		}
	}
	return stats, nil
}

func (s *InmemStore) RegisterDevice(ctx context.Context, device *types.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if existing, ok := s.devices[device.ID]; ok {
		existing.device.Name = device.Name
		existing.device.DirectAddress = device.DirectAddress
		existing.device.UpdatedAt = now
		return nil
	}

	d := copyDevice(device)
	d.Enabled = true
	d.CreatedAt = now
	d.UpdatedAt = now
	s.devices[device.ID] = &inmemDevice{device: *d}
	return nil
}

func (s *InmemStore) GetDevice(ctx context.Context, id string) (*types.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devices[id]
	if !ok {
		return nil, types.ErrDeviceNotFound
	}
	return copyDevice(&dev.device), nil
}

func (s *InmemStore) ListDevices(ctx context.Context) ([]*types.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	devices := make([]*types.Device, 0, len(s.devices))
	for _, dev := range s.devices {
		devices = append(devices, copyDevice(&dev.device))
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices, nil
}

func (s *InmemStore) SetDeviceEnabled(ctx context.Context, id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devices[id]
	if !ok {
		return types.ErrDeviceNotFound
	}
	dev.device.Enabled = enabled
	dev.device.UpdatedAt = time.Now()
	return nil
}

func (s *InmemStore) TouchDevice(ctx context.Context, id string, seenAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devices[id]
	if !ok {
		return types.ErrDeviceNotFound
	}
	dev.device.LastSeenAt = &seenAt
	return nil
}

func (s *InmemStore) ClaimDeviceJob(ctx context.Context, deviceID string, jobID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devices[deviceID]
	if !ok {
		return false, types.ErrDeviceNotFound
	}
	if dev.device.ActiveJobID != nil {
		return false, nil
	}
	id := jobID
	dev.device.ActiveJobID = &id
	return true, nil
}

func (s *InmemStore) ReleaseDeviceJob(ctx context.Context, deviceID string, jobID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devices[deviceID]
	if !ok {
		return types.ErrDeviceNotFound
	}
	if dev.device.ActiveJobID != nil && *dev.device.ActiveJobID == jobID {
		dev.device.ActiveJobID = nil
	}
	return nil
}
