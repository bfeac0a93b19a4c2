package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/KevinKickass/OpenPrintCore/internal/api/websocket"
	"github.com/KevinKickass/OpenPrintCore/internal/config"
	"github.com/KevinKickass/OpenPrintCore/internal/job"
	"github.com/KevinKickass/OpenPrintCore/internal/presence"
	"github.com/KevinKickass/OpenPrintCore/internal/queue"
	"github.com/KevinKickass/OpenPrintCore/internal/storage"
	"github.com/KevinKickass/OpenPrintCore/internal/transport"
	"github.com/KevinKickass/OpenPrintCore/internal/types"
	"github.com/WatchBeam/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Dispatcher binds presence transitions to the per-device queues. It
// runs one worker goroutine per device; concurrency is partitioned by
// device ID, there is no lock shared across devices.
type Dispatcher struct {
	store     storage.Store
	queues    *queue.Manager
	lifecycle *job.Controller
	tracker   *presence.Tracker
	broker    transport.Broker
	direct    *transport.DirectDeliverer
	clock     clock.Clock
	cfg       config.DispatchConfig
	wsHub     *websocket.Hub
	logger    *zap.Logger

	mu      sync.Mutex
	workers map[string]*deviceWorker

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(
	store storage.Store,
	queues *queue.Manager,
	lifecycle *job.Controller,
	tracker *presence.Tracker,
	broker transport.Broker,
	direct *transport.DirectDeliverer,
	clk clock.Clock,
	cfg config.DispatchConfig,
	wsHub *websocket.Hub,
	logger *zap.Logger,
) *Dispatcher {
	return &Dispatcher{
		store:     store,
		queues:    queues,
		lifecycle: lifecycle,
		tracker:   tracker,
		broker:    broker,
		direct:    direct,
		clock:     clk,
		cfg:       cfg,
		wsHub:     wsHub,
		logger:    logger,
		workers:   make(map[string]*deviceWorker),
	}
}

// Start recovers jobs left in flight by a previous run, then begins
// consuming heartbeats, results and presence transitions.
func (d *Dispatcher) Start(ctx context.Context) error {
	recovered, err := d.store.RecoverStaleJobs(ctx, d.cfg.RecoveryStaleness)
	if err != nil {
		return fmt.Errorf("failed to recover stale jobs: %w", err)
	}
	if recovered > 0 {
		d.logger.Info("Recovered in-flight jobs from previous run",
			zap.Int("count", recovered))
	}

	d.runCtx, d.cancel = context.WithCancel(context.Background())

	presenceEvents := d.tracker.Subscribe()

	d.wg.Add(3)
	go d.heartbeatLoop()
	go d.resultLoop()
	go d.presenceLoop(presenceEvents)

	d.logger.Info("Dispatcher started",
		zap.Duration("ack_timeout", d.cfg.AckTimeout),
		zap.Duration("processing_timeout", d.cfg.ProcessingTimeout),
		zap.Int("max_auto_retries", d.cfg.MaxAutoRetries))

	return nil
}

// Stop shuts down all device workers and intake loops.
func (d *Dispatcher) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.wg.Wait()
}

// Submit validates the target device and persists the job, then pokes
// the device worker so an online device gets the job immediately.
func (d *Dispatcher) Submit(ctx context.Context, j *types.Job) (*types.Job, error) {
	if j.Payload.Empty() {
		return nil, fmt.Errorf("%w: payload reference missing", types.ErrValidation)
	}
	if j.Payload.URL != "" && len(j.Payload.Inline) > 0 {
		return nil, fmt.Errorf("%w: payload reference and inline data are mutually exclusive", types.ErrValidation)
	}

	device, err := d.store.GetDevice(ctx, j.DeviceID)
	if err != nil {
		if errors.Is(err, types.ErrDeviceNotFound) {
			return nil, fmt.Errorf("%w: unknown target device %s", types.ErrValidation, j.DeviceID)
		}
		return nil, err
	}
	if !device.Enabled {
		return nil, fmt.Errorf("%w: device %s is disabled", types.ErrValidation, j.DeviceID)
	}

	submitted, err := d.store.SubmitJob(ctx, j)
	if err != nil {
		return nil, err
	}

	d.logger.Info("Job submitted",
		zap.String("job_id", submitted.ID.String()),
		zap.String("device_id", submitted.DeviceID),
		zap.Int64("ordering_key", submitted.OrderingKey))

	d.send(submitted.DeviceID, event{kind: eventJobSubmitted})
	return submitted, nil
}

// Cancel routes a cancel request through the device worker so it
// cannot race a dispatch attempt. The caller always gets a definitive
// outcome: either the job is cancelled or the request is rejected.
func (d *Dispatcher) Cancel(ctx context.Context, jobID uuid.UUID) (*types.Job, error) {
	return d.command(ctx, jobID, actionCancel)
}

// Retry routes an explicit retry of a failed job through the device
// worker.
func (d *Dispatcher) Retry(ctx context.Context, jobID uuid.UUID) (*types.Job, error) {
	return d.command(ctx, jobID, actionRetry)
}

// InjectResult feeds a result message into the dispatch path. Local
// direct-delivery agents use this so results stay on the same contract
// regardless of the delivery path.
func (d *Dispatcher) InjectResult(res transport.ResultMessage) {
	d.routeResult(res)
}

func (d *Dispatcher) command(ctx context.Context, jobID uuid.UUID, action commandAction) (*types.Job, error) {
	j, err := d.store.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	cmd := &userCommand{
		action: action,
		jobID:  jobID,
		reply:  make(chan commandReply, 1),
	}
	d.send(j.DeviceID, event{kind: eventUserCommand, command: cmd})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply := <-cmd.reply:
		return reply.job, reply.err
	}
}

func (d *Dispatcher) heartbeatLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.runCtx.Done():
			return
		case hb := <-d.broker.Heartbeats():
			d.handleHeartbeat(hb)
		}
	}
}

func (d *Dispatcher) handleHeartbeat(hb transport.HeartbeatMessage) {
	if hb.DeviceID == "" {
		return
	}

	if hb.Offline {
		d.tracker.MarkOffline(hb.DeviceID, hb.Seq)
		return
	}

	ctx := d.runCtx
	if _, err := d.store.GetDevice(ctx, hb.DeviceID); err != nil {
		if !errors.Is(err, types.ErrDeviceNotFound) {
			d.logger.Error("Failed to look up device", zap.Error(err))
			return
		}
		// First registration: the device ID is device-generated.
		err = d.store.RegisterDevice(ctx, &types.Device{
			ID:            hb.DeviceID,
			Name:          hb.Name,
			DirectAddress: hb.DirectAddress,
		})
		if err != nil {
			d.logger.Error("Failed to register device",
				zap.String("device_id", hb.DeviceID),
				zap.Error(err))
			return
		}
		d.logger.Info("Device registered",
			zap.String("device_id", hb.DeviceID),
			zap.String("name", hb.Name))
	}

	if err := d.store.TouchDevice(ctx, hb.DeviceID, d.clock.Now()); err != nil {
		d.logger.Warn("Failed to update device last-seen",
			zap.String("device_id", hb.DeviceID),
			zap.Error(err))
	}

	d.tracker.Heartbeat(hb.DeviceID, hb.Seq)
}

func (d *Dispatcher) resultLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.runCtx.Done():
			return
		case res := <-d.broker.Results():
			d.routeResult(res)
		}
	}
}

func (d *Dispatcher) routeResult(res transport.ResultMessage) {
	deviceID := res.DeviceID
	if deviceID == "" {
		j, err := d.store.GetJob(context.Background(), res.JobID)
		if err != nil {
			d.logger.Warn("Dropping result for unknown job",
				zap.String("job_id", res.JobID.String()))
			return
		}
		deviceID = j.DeviceID
	}
	d.send(deviceID, event{kind: eventResult, result: res})
}

func (d *Dispatcher) presenceLoop(events <-chan types.PresenceEvent) {
	defer d.wg.Done()

	for {
		select {
		case <-d.runCtx.Done():
			return
		case ev := <-events:
			if d.wsHub != nil {
				d.wsHub.Broadcast(websocket.NewPresenceMessage(ev))
			}
			d.send(ev.DeviceID, event{kind: eventPresence, presence: ev.Presence})
		}
	}
}

// send delivers an event to the device's worker, creating the worker
// lazily on first use.
func (d *Dispatcher) send(deviceID string, ev event) {
	w := d.worker(deviceID)
	select {
	case w.events <- ev:
	case <-d.runCtx.Done():
	}
}

func (d *Dispatcher) worker(deviceID string) *deviceWorker {
	d.mu.Lock()
	defer d.mu.Unlock()

	w, ok := d.workers[deviceID]
	if !ok {
		w = &deviceWorker{
			deviceID: deviceID,
			events:   make(chan event, 128),
			d:        d,
		}
		d.workers[deviceID] = w
		d.wg.Add(1)
		go w.run(d.runCtx)
	}
	return w
}
