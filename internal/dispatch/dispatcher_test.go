package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/KevinKickass/OpenPrintCore/internal/config"
	"github.com/KevinKickass/OpenPrintCore/internal/job"
	"github.com/KevinKickass/OpenPrintCore/internal/presence"
	"github.com/KevinKickass/OpenPrintCore/internal/queue"
	"github.com/KevinKickass/OpenPrintCore/internal/storage"
	"github.com/KevinKickass/OpenPrintCore/internal/transport"
	"github.com/KevinKickass/OpenPrintCore/internal/types"
	"github.com/WatchBeam/clock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const waitFor = 3 * time.Second
const tick = 5 * time.Millisecond

type testEnv struct {
	store      *storage.InmemStore
	broker     *transport.InmemBroker
	mock       *clock.MockClock
	tracker    *presence.Tracker
	dispatcher *Dispatcher
	cfg        config.DispatchConfig
	seq        uint64
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	store := storage.NewInmemStore()
	require.NoError(t, store.RegisterDevice(context.Background(), &types.Device{ID: "printer-1", Name: "Front Desk"}))

	return newTestEnvWith(t, store, testDispatchConfig())
}

func testDispatchConfig() config.DispatchConfig {
	return config.DispatchConfig{
		HeartbeatInterval:  30 * time.Second,
		OfflineAfter:       75 * time.Second,
		AckTimeout:         30 * time.Second,
		ProcessingTimeout:  5 * time.Minute,
		MaxAutoRetries:     3,
		MaxLifetimeRetries: 10,
		RecoveryStaleness:  2 * time.Minute,
	}
}

// newTestEnvWith wires a dispatcher over an existing store, so tests can
// start a second dispatcher against state a previous one left behind.
func newTestEnvWith(t *testing.T, store *storage.InmemStore, cfg config.DispatchConfig) *testEnv {
	t.Helper()

	logger := zap.NewNop()
	mock := clock.NewMockClock()
	tracker := presence.NewTracker(mock, cfg.OfflineAfter, logger)
	queues := queue.NewManager(store, logger)
	controller := job.NewController(store, nil, cfg.MaxLifetimeRetries, logger)
	broker := transport.NewInmemBroker()

	d := New(store, queues, controller, tracker, broker, nil, mock, cfg, nil, logger)
	require.NoError(t, d.Start(context.Background()))
	t.Cleanup(d.Stop)

	return &testEnv{
		store:      store,
		broker:     broker,
		mock:       mock,
		tracker:    tracker,
		dispatcher: d,
		cfg:        cfg,
	}
}

// goOnline subscribes the device's delivery topic and heartbeats it in.
func (e *testEnv) goOnline(t *testing.T, deviceID string) <-chan transport.DeliveryMessage {
	t.Helper()

	deliveries := e.broker.SubscribeDeliveries(deviceID)
	e.seq++
	e.broker.PublishHeartbeat(transport.HeartbeatMessage{DeviceID: deviceID, Seq: e.seq})

	require.Eventually(t, func() bool {
		return e.tracker.IsOnline(deviceID)
	}, waitFor, tick)

	return deliveries
}

func (e *testEnv) goOffline(t *testing.T, deviceID string) {
	t.Helper()

	e.broker.UnsubscribeDeliveries(deviceID)
	e.seq++
	e.broker.PublishHeartbeat(transport.HeartbeatMessage{DeviceID: deviceID, Seq: e.seq, Offline: true})

	require.Eventually(t, func() bool {
		return !e.tracker.IsOnline(deviceID)
	}, waitFor, tick)
}

func (e *testEnv) submit(t *testing.T, deviceID string) *types.Job {
	t.Helper()

	j, err := e.dispatcher.Submit(context.Background(), &types.Job{
		DeviceID: deviceID,
		Payload:  types.PayloadRef{URL: "https://store.local/receipt.pdf"},
	})
	require.NoError(t, err)
	return j
}

func (e *testEnv) jobState(t *testing.T, id uuid.UUID) types.JobState {
	t.Helper()

	j, err := e.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return j.State
}

func (e *testEnv) waitForState(t *testing.T, id uuid.UUID, want types.JobState) {
	t.Helper()

	require.Eventually(t, func() bool {
		return e.jobState(t, id) == want
	}, waitFor, tick, "job never reached %s", want)
}

func recvDelivery(t *testing.T, ch <-chan transport.DeliveryMessage) transport.DeliveryMessage {
	t.Helper()

	select {
	case msg := <-ch:
		return msg
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for delivery")
		return transport.DeliveryMessage{}
	}
}

func TestDispatchHappyPath(t *testing.T) {
	env := newTestEnv(t)
	deliveries := env.goOnline(t, "printer-1")

	j := env.submit(t, "printer-1")

	msg := recvDelivery(t, deliveries)
	assert.Equal(t, j.ID, msg.JobID)
	env.waitForState(t, j.ID, types.JobStatePending)

	env.broker.PublishResult(transport.ResultMessage{JobID: j.ID, DeviceID: "printer-1", Outcome: transport.OutcomeAck})
	env.waitForState(t, j.ID, types.JobStateProcessing)

	env.broker.PublishResult(transport.ResultMessage{JobID: j.ID, DeviceID: "printer-1", Outcome: transport.OutcomeSuccess})
	env.waitForState(t, j.ID, types.JobStateCompleted)

	require.Eventually(t, func() bool {
		device, err := env.store.GetDevice(context.Background(), "printer-1")
		return err == nil && device.ActiveJobID == nil
	}, waitFor, tick)

	// Replaying the terminal result must change nothing; injected
	// results follow the same path as broker results.
	env.dispatcher.InjectResult(transport.ResultMessage{JobID: j.ID, DeviceID: "printer-1", Outcome: transport.OutcomeSuccess})
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, types.JobStateCompleted, env.jobState(t, j.ID))
}

func TestDispatchFIFOSingleInFlight(t *testing.T) {
	env := newTestEnv(t)
	deliveries := env.goOnline(t, "printer-1")

	first := env.submit(t, "printer-1")
	second := env.submit(t, "printer-1")

	msg := recvDelivery(t, deliveries)
	assert.Equal(t, first.ID, msg.JobID)

	// Second job is held back while the first is in flight.
	select {
	case msg := <-deliveries:
		t.Fatalf("unexpected delivery while job in flight: %v", msg.JobID)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, types.JobStateQueued, env.jobState(t, second.ID))

	env.broker.PublishResult(transport.ResultMessage{JobID: first.ID, DeviceID: "printer-1", Outcome: transport.OutcomeAck})
	env.broker.PublishResult(transport.ResultMessage{JobID: first.ID, DeviceID: "printer-1", Outcome: transport.OutcomeSuccess})
	env.waitForState(t, first.ID, types.JobStateCompleted)

	msg = recvDelivery(t, deliveries)
	assert.Equal(t, second.ID, msg.JobID)
}

func TestDispatchOfflineQueuesUntilOnline(t *testing.T) {
	env := newTestEnv(t)

	j := env.submit(t, "printer-1")

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, types.JobStateQueued, env.jobState(t, j.ID))

	deliveries := env.goOnline(t, "printer-1")
	msg := recvDelivery(t, deliveries)
	assert.Equal(t, j.ID, msg.JobID)
	env.waitForState(t, j.ID, types.JobStatePending)
}

func TestDispatchDrainsBacklogInOrder(t *testing.T) {
	env := newTestEnv(t)

	// Three jobs submitted while the printer is offline.
	first := env.submit(t, "printer-1")
	second := env.submit(t, "printer-1")
	third := env.submit(t, "printer-1")

	deliveries := env.goOnline(t, "printer-1")

	for _, want := range []uuid.UUID{first.ID, second.ID, third.ID} {
		msg := recvDelivery(t, deliveries)
		require.Equal(t, want, msg.JobID)

		env.broker.PublishResult(transport.ResultMessage{JobID: want, DeviceID: "printer-1", Outcome: transport.OutcomeAck})
		env.broker.PublishResult(transport.ResultMessage{JobID: want, DeviceID: "printer-1", Outcome: transport.OutcomeSuccess})
		env.waitForState(t, want, types.JobStateCompleted)
	}
}

func TestDispatchAckTimeoutRetriesThenFails(t *testing.T) {
	env := newTestEnv(t)
	deliveries := env.goOnline(t, "printer-1")

	j := env.submit(t, "printer-1")
	recvDelivery(t, deliveries)

	// The device never acks: each timeout re-queues with an
	// incremented retry count until the budget is exhausted.
	require.Eventually(t, func() bool {
		env.mock.AddTime(env.cfg.AckTimeout + time.Second)
		for {
			select {
			case <-deliveries:
			default:
				return env.jobState(t, j.ID) == types.JobStateFailed
			}
		}
	}, waitFor, tick)

	final, err := env.store.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, env.cfg.MaxAutoRetries, final.RetryCount)
	assert.Equal(t, "retries exhausted", final.ErrorDetail)

	device, err := env.store.GetDevice(context.Background(), "printer-1")
	require.NoError(t, err)
	assert.Nil(t, device.ActiveJobID)
}

func TestDispatchPresenceFlap(t *testing.T) {
	env := newTestEnv(t)
	deliveries := env.goOnline(t, "printer-1")

	j := env.submit(t, "printer-1")
	recvDelivery(t, deliveries)
	env.waitForState(t, j.ID, types.JobStatePending)

	// Offline while pending: back to queued, retry count untouched,
	// ordering key kept.
	env.goOffline(t, "printer-1")
	env.waitForState(t, j.ID, types.JobStateQueued)

	requeued, err := env.store.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, requeued.RetryCount)
	assert.Equal(t, j.OrderingKey, requeued.OrderingKey)

	// Reconnect: delivered again, ack moves it to processing.
	deliveries = env.goOnline(t, "printer-1")
	msg := recvDelivery(t, deliveries)
	assert.Equal(t, j.ID, msg.JobID)

	env.broker.PublishResult(transport.ResultMessage{JobID: j.ID, DeviceID: "printer-1", Outcome: transport.OutcomeAck})
	env.waitForState(t, j.ID, types.JobStateProcessing)

	// Offline while processing: the job stays processing, the printer
	// may already be putting ink on paper.
	env.goOffline(t, "printer-1")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, types.JobStateProcessing, env.jobState(t, j.ID))

	// The late result still settles it.
	env.goOnline(t, "printer-1")
	env.broker.PublishResult(transport.ResultMessage{JobID: j.ID, DeviceID: "printer-1", Outcome: transport.OutcomeSuccess})
	env.waitForState(t, j.ID, types.JobStateCompleted)
}

func TestDispatchProcessingTimeout(t *testing.T) {
	env := newTestEnv(t)
	deliveries := env.goOnline(t, "printer-1")

	j := env.submit(t, "printer-1")
	recvDelivery(t, deliveries)

	env.broker.PublishResult(transport.ResultMessage{JobID: j.ID, DeviceID: "printer-1", Outcome: transport.OutcomeAck})
	env.waitForState(t, j.ID, types.JobStateProcessing)

	require.Eventually(t, func() bool {
		env.mock.AddTime(env.cfg.ProcessingTimeout + time.Second)
		return env.jobState(t, j.ID) == types.JobStateFailed
	}, waitFor, tick)

	final, err := env.store.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, "processing timed out", final.ErrorDetail)
}

func TestDispatchSuccessWithoutAck(t *testing.T) {
	env := newTestEnv(t)
	deliveries := env.goOnline(t, "printer-1")

	j := env.submit(t, "printer-1")
	recvDelivery(t, deliveries)
	env.waitForState(t, j.ID, types.JobStatePending)

	// The ack got lost but the device printed anyway.
	env.broker.PublishResult(transport.ResultMessage{JobID: j.ID, DeviceID: "printer-1", Outcome: transport.OutcomeSuccess})
	env.waitForState(t, j.ID, types.JobStateCompleted)
}

func TestDispatchDeviceFailureWhileProcessing(t *testing.T) {
	env := newTestEnv(t)
	deliveries := env.goOnline(t, "printer-1")

	j := env.submit(t, "printer-1")
	recvDelivery(t, deliveries)

	env.broker.PublishResult(transport.ResultMessage{JobID: j.ID, DeviceID: "printer-1", Outcome: transport.OutcomeAck})
	env.waitForState(t, j.ID, types.JobStateProcessing)

	env.broker.PublishResult(transport.ResultMessage{
		JobID:       j.ID,
		DeviceID:    "printer-1",
		Outcome:     transport.OutcomeFailure,
		ErrorDetail: "paper jam",
	})
	env.waitForState(t, j.ID, types.JobStateFailed)

	final, err := env.store.GetJob(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, "paper jam", final.ErrorDetail)
}

func TestDispatchCancel(t *testing.T) {
	env := newTestEnv(t)

	j := env.submit(t, "printer-1")

	cancelled, err := env.dispatcher.Cancel(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateCancelled, cancelled.State)

	// Terminal jobs cannot be cancelled again.
	_, err = env.dispatcher.Cancel(context.Background(), j.ID)
	require.ErrorIs(t, err, types.ErrConflict)
}

func TestDispatchExplicitRetry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	j := env.submit(t, "printer-1")
	_, err := env.store.TransitionJob(ctx, j.ID, types.JobStateQueued, types.JobStatePending, types.TransitionMeta{IncrementRetry: true})
	require.NoError(t, err)
	_, err = env.store.TransitionJob(ctx, j.ID, types.JobStatePending, types.JobStateFailed, types.TransitionMeta{ErrorDetail: "retries exhausted"})
	require.NoError(t, err)

	retried, err := env.dispatcher.Retry(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, types.JobStateQueued, retried.State)
	assert.Equal(t, 0, retried.RetryCount)
	assert.Equal(t, 1, retried.LifetimeRetries)

	// Retrying a non-failed job is rejected.
	_, err = env.dispatcher.Retry(ctx, retried.ID)
	require.ErrorIs(t, err, types.ErrConflict)
}

func TestDispatchNoSubscriberDefersJob(t *testing.T) {
	env := newTestEnv(t)

	// Heartbeat without a delivery subscription: the publish finds no
	// subscriber, the job is deferred and the device forced offline.
	env.seq++
	env.broker.PublishHeartbeat(transport.HeartbeatMessage{DeviceID: "printer-1", Seq: env.seq})
	require.Eventually(t, func() bool {
		return env.tracker.IsOnline("printer-1")
	}, waitFor, tick)

	j := env.submit(t, "printer-1")

	require.Eventually(t, func() bool {
		return env.jobState(t, j.ID) == types.JobStateQueued && !env.tracker.IsOnline("printer-1")
	}, waitFor, tick)

	device, err := env.store.GetDevice(context.Background(), "printer-1")
	require.NoError(t, err)
	assert.Nil(t, device.ActiveJobID)
}

func TestDispatchDeliversAfterDeviceReboot(t *testing.T) {
	env := newTestEnv(t)

	// Long first session: the device heartbeats well past seq 1 before
	// disconnecting cleanly.
	env.goOnline(t, "printer-1")
	env.seq = 100
	env.broker.PublishHeartbeat(transport.HeartbeatMessage{DeviceID: "printer-1", Seq: env.seq})
	env.goOffline(t, "printer-1")

	j := env.submit(t, "printer-1")

	// After a reboot the device's sequence numbering starts over at 1.
	// Its heartbeats must not be discarded against the old session, and
	// the queued job must reach it.
	env.seq = 0
	deliveries := env.goOnline(t, "printer-1")
	msg := recvDelivery(t, deliveries)
	assert.Equal(t, j.ID, msg.JobID)
	env.waitForState(t, j.ID, types.JobStatePending)
}

func TestDispatchRestartRecovery(t *testing.T) {
	store := storage.NewInmemStore()
	require.NoError(t, store.RegisterDevice(context.Background(), &types.Device{ID: "printer-1", Name: "Front Desk"}))

	env := newTestEnvWith(t, store, testDispatchConfig())

	deliveries := env.goOnline(t, "printer-1")
	j := env.submit(t, "printer-1")
	recvDelivery(t, deliveries)
	env.waitForState(t, j.ID, types.JobStatePending)

	// The process dies with the job in flight.
	env.dispatcher.Stop()

	// A fresh dispatcher over the same store requeues the stale pending
	// job and releases the claim during startup recovery.
	cfg := testDispatchConfig()
	cfg.RecoveryStaleness = 0
	restarted := newTestEnvWith(t, store, cfg)

	require.Eventually(t, func() bool {
		return restarted.jobState(t, j.ID) == types.JobStateQueued
	}, waitFor, tick)

	device, err := store.GetDevice(context.Background(), "printer-1")
	require.NoError(t, err)
	assert.Nil(t, device.ActiveJobID)

	deliveries = restarted.goOnline(t, "printer-1")
	msg := recvDelivery(t, deliveries)
	assert.Equal(t, j.ID, msg.JobID)

	// Recovered exactly once: no duplicate delivery.
	select {
	case msg := <-deliveries:
		t.Fatalf("duplicate delivery after restart: %v", msg.JobID)
	case <-time.After(100 * time.Millisecond):
	}

	restarted.broker.PublishResult(transport.ResultMessage{JobID: j.ID, DeviceID: "printer-1", Outcome: transport.OutcomeAck})
	restarted.broker.PublishResult(transport.ResultMessage{JobID: j.ID, DeviceID: "printer-1", Outcome: transport.OutcomeSuccess})
	restarted.waitForState(t, j.ID, types.JobStateCompleted)
}

func TestDispatchRegistersUnknownDevice(t *testing.T) {
	env := newTestEnv(t)

	env.broker.PublishHeartbeat(transport.HeartbeatMessage{
		DeviceID:      "printer-new",
		Name:          "Back Office",
		Seq:           1,
		DirectAddress: "10.0.0.9:9100",
	})

	require.Eventually(t, func() bool {
		device, err := env.store.GetDevice(context.Background(), "printer-new")
		return err == nil && device.Enabled && device.Name == "Back Office"
	}, waitFor, tick)
}

func TestSubmitValidation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.dispatcher.Submit(ctx, &types.Job{DeviceID: "printer-1"})
	require.ErrorIs(t, err, types.ErrValidation)

	_, err = env.dispatcher.Submit(ctx, &types.Job{
		DeviceID: "printer-1",
		Payload:  types.PayloadRef{URL: "https://store.local/doc.pdf", Inline: []byte("raw")},
	})
	require.ErrorIs(t, err, types.ErrValidation)

	_, err = env.dispatcher.Submit(ctx, &types.Job{
		DeviceID: "ghost",
		Payload:  types.PayloadRef{URL: "https://store.local/doc.pdf"},
	})
	require.ErrorIs(t, err, types.ErrValidation)

	require.NoError(t, env.store.SetDeviceEnabled(ctx, "printer-1", false))
	_, err = env.dispatcher.Submit(ctx, &types.Job{
		DeviceID: "printer-1",
		Payload:  types.PayloadRef{URL: "https://store.local/doc.pdf"},
	})
	require.ErrorIs(t, err, types.ErrValidation)
}
