package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenPrintCore/internal/transport"
	"github.com/KevinKickass/OpenPrintCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// deviceWorker is the sequential event loop for one device. All state
// decisions for the device happen here, one event at a time, which is
// what makes the presence-flap/completion interleavings safe together
// with the store's compare-and-swap.
type deviceWorker struct {
	deviceID string
	events   chan event
	d        *Dispatcher

	// In-flight bookkeeping, only touched from the loop goroutine.
	inflight   uuid.UUID
	ackTimerC  <-chan time.Time
	procTimerC <-chan time.Time
}

func (w *deviceWorker) run(ctx context.Context) {
	defer w.d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-w.events:
			w.handle(ctx, ev)
		case <-w.ackTimerC:
			w.handleAckTimeout(ctx)
		case <-w.procTimerC:
			w.handleProcessingTimeout(ctx)
		}
	}
}

func (w *deviceWorker) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case eventJobSubmitted:
		w.maybeDispatch(ctx)
	case eventPresence:
		w.handlePresence(ctx, ev.presence)
	case eventResult:
		w.handleResult(ctx, ev.result)
	case eventUserCommand:
		w.handleCommand(ctx, ev.command)
	}
}

// maybeDispatch hands the next eligible job to the transport. The
// claim and the queued->pending move are both compare-and-swaps, so a
// racing cancel or duplicate dispatch attempt loses cleanly.
func (w *deviceWorker) maybeDispatch(ctx context.Context) {
	if !w.d.tracker.IsOnline(w.deviceID) {
		return
	}

	next, err := w.d.queues.NextEligible(ctx, w.deviceID)
	if err != nil {
		w.logError("failed to pick next job", err)
		return
	}
	if next == nil {
		return
	}

	claimed, err := w.d.queues.Claim(ctx, w.deviceID, next.ID)
	if err != nil {
		w.logError("failed to claim job", err)
		return
	}
	if !claimed {
		return
	}

	pending, err := w.d.lifecycle.Transition(ctx, next.ID, types.JobStateQueued, types.JobStatePending, types.TransitionMeta{})
	if err != nil {
		// The job left queued between pick and claim, e.g. a cancel.
		w.d.queues.Release(ctx, w.deviceID, next.ID)
		if !errors.Is(err, types.ErrStaleTransition) {
			w.logError("failed to mark job pending", err)
		}
		w.maybeDispatch(ctx)
		return
	}

	w.deliver(ctx, pending)
}

func (w *deviceWorker) deliver(ctx context.Context, j *types.Job) {
	msg := transport.DeliveryMessage{
		JobID:       j.ID,
		Payload:     j.Payload,
		OrderingKey: j.OrderingKey,
	}

	err := w.d.broker.PublishDelivery(ctx, w.deviceID, msg)
	if err != nil {
		w.d.logger.Warn("Broker delivery failed, trying direct path",
			zap.String("device_id", w.deviceID),
			zap.String("job_id", j.ID.String()),
			zap.Error(err))

		if w.deliverDirect(ctx, j) {
			return
		}

		// No path to the device: defer the job and let the presence
		// tracker reflect reality. Offline is not an error.
		if _, terr := w.d.lifecycle.Transition(ctx, j.ID, types.JobStatePending, types.JobStateQueued, types.TransitionMeta{}); terr != nil && !errors.Is(terr, types.ErrStaleTransition) {
			w.logError("failed to defer undeliverable job", terr)
		}
		w.d.queues.Release(ctx, w.deviceID, j.ID)
		w.d.tracker.ForceOffline(w.deviceID)
		return
	}

	w.inflight = j.ID
	w.ackTimerC = w.d.clock.After(w.d.cfg.AckTimeout)
	w.procTimerC = nil

	w.d.logger.Info("Job delivered to transport",
		zap.String("device_id", w.deviceID),
		zap.String("job_id", j.ID.String()),
		zap.Int64("ordering_key", j.OrderingKey),
		zap.Int("retry_count", j.RetryCount))
}

// deliverDirect pushes the payload over the raw TCP fallback. The
// printer gives no protocol-level feedback, so a successful write
// synthesizes ack and success results through the normal contract.
func (w *deviceWorker) deliverDirect(ctx context.Context, j *types.Job) bool {
	if w.d.direct == nil {
		return false
	}

	device, err := w.d.store.GetDevice(ctx, w.deviceID)
	if err != nil || device.DirectAddress == "" {
		return false
	}

	if err := w.d.direct.Deliver(ctx, device.DirectAddress, j.Payload); err != nil {
		w.d.logger.Warn("Direct delivery failed",
			zap.String("device_id", w.deviceID),
			zap.String("address", device.DirectAddress),
			zap.Error(err))
		return false
	}

	w.inflight = j.ID
	w.handleResult(ctx, transport.ResultMessage{JobID: j.ID, DeviceID: w.deviceID, Outcome: transport.OutcomeAck})
	w.handleResult(ctx, transport.ResultMessage{JobID: j.ID, DeviceID: w.deviceID, Outcome: transport.OutcomeSuccess})
	return true
}

func (w *deviceWorker) handlePresence(ctx context.Context, p types.Presence) {
	if p == types.PresenceOnline {
		w.maybeDispatch(ctx)
		return
	}

	// Device went offline. A pending job is deferred back to the queue
	// with its ordering key and retry count untouched; a processing job
	// stays in flight, physical execution may already be underway, and
	// either the result or the processing timeout will settle it.
	active, err := w.d.queues.ActiveJob(ctx, w.deviceID)
	if err != nil {
		w.logError("failed to load active job", err)
		return
	}
	if active == nil || active.State != types.JobStatePending {
		return
	}

	if _, err := w.d.lifecycle.Transition(ctx, active.ID, types.JobStatePending, types.JobStateQueued, types.TransitionMeta{}); err != nil {
		if !errors.Is(err, types.ErrStaleTransition) {
			w.logError("failed to defer pending job", err)
		}
		return
	}

	w.d.queues.Release(ctx, w.deviceID, active.ID)
	w.clearInflight()

	w.d.logger.Info("Pending job deferred, device offline",
		zap.String("device_id", w.deviceID),
		zap.String("job_id", active.ID.String()))
}

func (w *deviceWorker) handleResult(ctx context.Context, res transport.ResultMessage) {
	switch res.Outcome {
	case transport.OutcomeAck:
		if _, err := w.d.lifecycle.Transition(ctx, res.JobID, types.JobStatePending, types.JobStateProcessing, types.TransitionMeta{}); err != nil {
			// Late ack: the ack timeout or a presence change won the
			// compare-and-swap. Nothing to do.
			w.logStale("ack", res.JobID, err)
			return
		}
		if w.inflight == res.JobID {
			w.ackTimerC = nil
			w.procTimerC = w.d.clock.After(w.d.cfg.ProcessingTimeout)
		}

	case transport.OutcomeSuccess:
		_, err := w.d.lifecycle.Transition(ctx, res.JobID, types.JobStateProcessing, types.JobStateCompleted, types.TransitionMeta{})
		if errors.Is(err, types.ErrStaleTransition) {
			// A device may report success while we still see pending
			// when its ack got lost. Fold the missing ack in.
			if _, aerr := w.d.lifecycle.Transition(ctx, res.JobID, types.JobStatePending, types.JobStateProcessing, types.TransitionMeta{}); aerr == nil {
				_, err = w.d.lifecycle.Transition(ctx, res.JobID, types.JobStateProcessing, types.JobStateCompleted, types.TransitionMeta{})
			}
		}
		if err != nil {
			// Replay of a result for an already-terminal job is a
			// no-op by design.
			w.logStale("success", res.JobID, err)
			return
		}
		w.finishInflight(ctx, res.JobID)

	case transport.OutcomeFailure:
		w.handleFailure(ctx, res)
	}
}

func (w *deviceWorker) handleFailure(ctx context.Context, res transport.ResultMessage) {
	j, err := w.d.store.GetJob(ctx, res.JobID)
	if err != nil {
		w.logError("failed to load job for failure result", err)
		return
	}

	switch j.State {
	case types.JobStatePending:
		// Delivery-stage failure: retryable.
		w.retryOrFail(ctx, j, failureDetail(res))
	case types.JobStateProcessing:
		// The device committed to execution and reported an
		// unrecoverable error.
		if _, err := w.d.lifecycle.Transition(ctx, j.ID, types.JobStateProcessing, types.JobStateFailed, types.TransitionMeta{
			ErrorDetail: failureDetail(res),
		}); err != nil {
			w.logStale("failure", res.JobID, err)
			return
		}
		w.finishInflight(ctx, res.JobID)
	default:
		// Terminal replay, ignore.
		w.d.logger.Debug("Ignoring failure result for settled job",
			zap.String("job_id", res.JobID.String()),
			zap.String("state", string(j.State)))
	}
}

func (w *deviceWorker) handleAckTimeout(ctx context.Context) {
	w.ackTimerC = nil
	if w.inflight == uuid.Nil {
		return
	}

	j, err := w.d.store.GetJob(ctx, w.inflight)
	if err != nil {
		w.logError("failed to load job for ack timeout", err)
		return
	}
	if j.State != types.JobStatePending {
		// A real result raced the timer and won.
		return
	}

	w.d.logger.Warn("Delivery acknowledgement timed out",
		zap.String("device_id", w.deviceID),
		zap.String("job_id", j.ID.String()),
		zap.Int("retry_count", j.RetryCount))

	w.retryOrFail(ctx, j, "delivery acknowledgement timed out")
}

func (w *deviceWorker) handleProcessingTimeout(ctx context.Context) {
	w.procTimerC = nil
	if w.inflight == uuid.Nil {
		return
	}

	jobID := w.inflight
	if _, err := w.d.lifecycle.Transition(ctx, jobID, types.JobStateProcessing, types.JobStateFailed, types.TransitionMeta{
		ErrorDetail: "processing timed out",
	}); err != nil {
		// A late terminal result won the compare-and-swap.
		w.logStale("processing timeout", jobID, err)
		return
	}

	w.finishInflight(ctx, jobID)
}

// retryOrFail is the automatic retry path for a pending job: re-queue
// with an incremented retry count, or fail once retries are exhausted.
// Both branches go through the same compare-and-swap gate as any other
// outcome.
func (w *deviceWorker) retryOrFail(ctx context.Context, j *types.Job, reason string) {
	if j.RetryCount < w.d.cfg.MaxAutoRetries {
		if _, err := w.d.lifecycle.Transition(ctx, j.ID, types.JobStatePending, types.JobStateQueued, types.TransitionMeta{
			IncrementRetry: true,
		}); err != nil {
			w.logStale("retry", j.ID, err)
			return
		}
	} else {
		if _, err := w.d.lifecycle.Transition(ctx, j.ID, types.JobStatePending, types.JobStateFailed, types.TransitionMeta{
			ErrorDetail: "retries exhausted",
		}); err != nil {
			w.logStale("retry exhaustion", j.ID, err)
			return
		}
		w.d.logger.Warn("Job failed, retries exhausted",
			zap.String("device_id", w.deviceID),
			zap.String("job_id", j.ID.String()),
			zap.String("reason", reason))
	}

	w.finishInflight(ctx, j.ID)
}

func (w *deviceWorker) handleCommand(ctx context.Context, cmd *userCommand) {
	j, err := w.d.store.GetJob(ctx, cmd.jobID)
	if err != nil {
		cmd.reply <- commandReply{err: err}
		return
	}

	switch cmd.action {
	case actionCancel:
		updated, err := w.d.lifecycle.Cancel(ctx, j)
		if err == nil && j.State == types.JobStatePending {
			// The job was in flight, free the device for the next one.
			w.finishInflight(ctx, j.ID)
		}
		cmd.reply <- commandReply{job: updated, err: err}

	case actionRetry:
		updated, err := w.d.lifecycle.Retry(ctx, j)
		if err == nil {
			w.maybeDispatch(ctx)
		}
		cmd.reply <- commandReply{job: updated, err: err}

	default:
		cmd.reply <- commandReply{err: fmt.Errorf("unknown command %q", cmd.action)}
	}
}

// finishInflight releases the device claim after a terminal outcome or
// a requeue and immediately tries to hand out the next eligible job.
func (w *deviceWorker) finishInflight(ctx context.Context, jobID uuid.UUID) {
	w.d.queues.Release(ctx, w.deviceID, jobID)
	w.clearInflight()
	w.maybeDispatch(ctx)
}

func (w *deviceWorker) clearInflight() {
	w.inflight = uuid.Nil
	w.ackTimerC = nil
	w.procTimerC = nil
}

func (w *deviceWorker) logError(msg string, err error) {
	w.d.logger.Error("Device worker: "+msg,
		zap.String("device_id", w.deviceID),
		zap.Error(err))
}

func (w *deviceWorker) logStale(source string, jobID uuid.UUID, err error) {
	if errors.Is(err, types.ErrStaleTransition) || errors.Is(err, types.ErrConflict) {
		w.d.logger.Debug("Stale "+source+" outcome ignored",
			zap.String("device_id", w.deviceID),
			zap.String("job_id", jobID.String()))
		return
	}
	w.logError("failed to apply "+source+" outcome", err)
}

func failureDetail(res transport.ResultMessage) string {
	if res.ErrorDetail != "" {
		return res.ErrorDetail
	}
	return "device reported failure"
}
