package storage

import (
	"context"
	"testing"
	"time"

	"github.com/KevinKickass/OpenPrintCore/internal/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStoreWithDevice(t *testing.T) (*InmemStore, context.Context) {
	store := NewInmemStore()
	ctx := context.Background()
	require.NoError(t, store.RegisterDevice(ctx, &types.Device{ID: "printer-1", Name: "Front Desk"}))
	return store, ctx
}

func submit(t *testing.T, store *InmemStore, ctx context.Context, deviceID string) *types.Job {
	j, err := store.SubmitJob(ctx, &types.Job{
		DeviceID: deviceID,
		Payload:  types.PayloadRef{URL: "https://store.local/doc.pdf"},
	})
	require.NoError(t, err)
	return j
}

func TestSubmitJobAssignsOrderingKeys(t *testing.T) {
	store, ctx := newStoreWithDevice(t)

	first := submit(t, store, ctx, "printer-1")
	second := submit(t, store, ctx, "printer-1")
	third := submit(t, store, ctx, "printer-1")

	assert.Equal(t, types.JobStateQueued, first.State)
	assert.Less(t, first.OrderingKey, second.OrderingKey)
	assert.Less(t, second.OrderingKey, third.OrderingKey)
}

func TestSubmitJobUnknownDevice(t *testing.T) {
	store := NewInmemStore()
	_, err := store.SubmitJob(context.Background(), &types.Job{DeviceID: "ghost"})
	require.ErrorIs(t, err, types.ErrDeviceNotFound)
}

func TestSubmitJobIdempotencyKey(t *testing.T) {
	store, ctx := newStoreWithDevice(t)

	first, err := store.SubmitJob(ctx, &types.Job{
		DeviceID:       "printer-1",
		Payload:        types.PayloadRef{URL: "https://store.local/doc.pdf"},
		IdempotencyKey: "order-42",
	})
	require.NoError(t, err)

	dup, err := store.SubmitJob(ctx, &types.Job{
		DeviceID:       "printer-1",
		Payload:        types.PayloadRef{URL: "https://store.local/doc.pdf"},
		IdempotencyKey: "order-42",
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, dup.ID)

	stats, err := store.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}

func TestNextQueuedJobFIFO(t *testing.T) {
	store, ctx := newStoreWithDevice(t)

	first := submit(t, store, ctx, "printer-1")
	submit(t, store, ctx, "printer-1")

	next, err := store.NextQueuedJob(ctx, "printer-1")
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, first.ID, next.ID)

	// Still the same head until it leaves queued.
	next, err = store.NextQueuedJob(ctx, "printer-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, next.ID)
}

func TestNextQueuedJobEmpty(t *testing.T) {
	store, ctx := newStoreWithDevice(t)

	next, err := store.NextQueuedJob(ctx, "printer-1")
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestTransitionJobCompareAndSwap(t *testing.T) {
	store, ctx := newStoreWithDevice(t)
	j := submit(t, store, ctx, "printer-1")

	updated, err := store.TransitionJob(ctx, j.ID, types.JobStateQueued, types.JobStatePending, types.TransitionMeta{})
	require.NoError(t, err)
	assert.Equal(t, types.JobStatePending, updated.State)

	_, err = store.TransitionJob(ctx, j.ID, types.JobStateQueued, types.JobStateCancelled, types.TransitionMeta{})
	require.ErrorIs(t, err, types.ErrStaleTransition)

	_, err = store.TransitionJob(ctx, uuid.New(), types.JobStateQueued, types.JobStatePending, types.TransitionMeta{})
	require.ErrorIs(t, err, types.ErrJobNotFound)
}

func TestTransitionJobRetryCounters(t *testing.T) {
	store, ctx := newStoreWithDevice(t)
	j := submit(t, store, ctx, "printer-1")

	_, err := store.TransitionJob(ctx, j.ID, types.JobStateQueued, types.JobStatePending, types.TransitionMeta{})
	require.NoError(t, err)

	requeued, err := store.TransitionJob(ctx, j.ID, types.JobStatePending, types.JobStateQueued, types.TransitionMeta{IncrementRetry: true})
	require.NoError(t, err)
	assert.Equal(t, 1, requeued.RetryCount)
	assert.Equal(t, j.OrderingKey, requeued.OrderingKey)

	_, err = store.TransitionJob(ctx, j.ID, types.JobStateQueued, types.JobStatePending, types.TransitionMeta{})
	require.NoError(t, err)
	failed, err := store.TransitionJob(ctx, j.ID, types.JobStatePending, types.JobStateFailed, types.TransitionMeta{ErrorDetail: "retries exhausted"})
	require.NoError(t, err)
	assert.Equal(t, "retries exhausted", failed.ErrorDetail)

	reset, err := store.TransitionJob(ctx, j.ID, types.JobStateFailed, types.JobStateQueued, types.TransitionMeta{ResetRetryCount: true})
	require.NoError(t, err)
	assert.Equal(t, 0, reset.RetryCount)
	assert.Equal(t, 1, reset.LifetimeRetries)
}

func TestClaimDeviceJobSingleInFlight(t *testing.T) {
	store, ctx := newStoreWithDevice(t)
	first := submit(t, store, ctx, "printer-1")
	second := submit(t, store, ctx, "printer-1")

	claimed, err := store.ClaimDeviceJob(ctx, "printer-1", first.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = store.ClaimDeviceJob(ctx, "printer-1", second.ID)
	require.NoError(t, err)
	assert.False(t, claimed)

	// Releasing with the wrong job ID must not clear the claim.
	require.NoError(t, store.ReleaseDeviceJob(ctx, "printer-1", second.ID))
	device, err := store.GetDevice(ctx, "printer-1")
	require.NoError(t, err)
	require.NotNil(t, device.ActiveJobID)
	assert.Equal(t, first.ID, *device.ActiveJobID)

	require.NoError(t, store.ReleaseDeviceJob(ctx, "printer-1", first.ID))
	claimed, err = store.ClaimDeviceJob(ctx, "printer-1", second.ID)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestRecoverStaleJobs(t *testing.T) {
	store, ctx := newStoreWithDevice(t)
	j := submit(t, store, ctx, "printer-1")

	_, err := store.TransitionJob(ctx, j.ID, types.JobStateQueued, types.JobStatePending, types.TransitionMeta{})
	require.NoError(t, err)
	claimed, err := store.ClaimDeviceJob(ctx, "printer-1", j.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	// Nothing is stale yet.
	recovered, err := store.RecoverStaleJobs(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)

	// With a zero staleness everything in flight is recovered.
	recovered, err = store.RecoverStaleJobs(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, recovered)

	got, err := store.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateQueued, got.State)

	device, err := store.GetDevice(ctx, "printer-1")
	require.NoError(t, err)
	assert.Nil(t, device.ActiveJobID)

	// A second sweep finds nothing: recovery happens exactly once.
	recovered, err = store.RecoverStaleJobs(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, recovered)
}

func TestListJobsFilters(t *testing.T) {
	store, ctx := newStoreWithDevice(t)
	require.NoError(t, store.RegisterDevice(ctx, &types.Device{ID: "printer-2", Name: "Warehouse"}))

	a := submit(t, store, ctx, "printer-1")
	submit(t, store, ctx, "printer-2")
	_, err := store.TransitionJob(ctx, a.ID, types.JobStateQueued, types.JobStateCancelled, types.TransitionMeta{})
	require.NoError(t, err)

	jobs, err := store.ListJobs(ctx, "printer-1", nil, 10, 0)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)

	jobs, err = store.ListJobs(ctx, "", []types.JobState{types.JobStateQueued}, 10, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, "printer-2", jobs[0].DeviceID)
}

func TestSetDeviceEnabled(t *testing.T) {
	store, ctx := newStoreWithDevice(t)

	require.NoError(t, store.SetDeviceEnabled(ctx, "printer-1", false))
	device, err := store.GetDevice(ctx, "printer-1")
	require.NoError(t, err)
	assert.False(t, device.Enabled)

	require.ErrorIs(t, store.SetDeviceEnabled(ctx, "ghost", true), types.ErrDeviceNotFound)
}
