package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenPrintCore/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const jobColumns = `id, device_id, payload_url, payload_inline, state, ordering_key,
	retry_count, lifetime_retries, error_detail, idempotency_key, submitted_by,
	created_at, transitioned_at`

func scanJob(row pgx.Row) (*types.Job, error) {
	var job types.Job
	err := row.Scan(
		&job.ID,
		&job.DeviceID,
		&job.Payload.URL,
		&job.Payload.Inline,
		&job.State,
		&job.OrderingKey,
		&job.RetryCount,
		&job.LifetimeRetries,
		&job.ErrorDetail,
		&job.IdempotencyKey,
		&job.SubmittedBy,
		&job.CreatedAt,
		&job.TransitionedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// SubmitJob inserts the job and assigns the next ordering key for its
// device in one transaction. The ordering key fixes FIFO order within
// the device queue.
func (p *PostgresClient) SubmitJob(ctx context.Context, job *types.Job) (*types.Job, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var orderingKey int64
	err = tx.QueryRow(ctx, `
		UPDATE devices
		SET next_ordering_key = next_ordering_key + 1, updated_at = NOW()
		WHERE id = $1
		RETURNING next_ordering_key
	`, job.DeviceID).Scan(&orderingKey)

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to assign ordering key: %w", err)
	}

	job.ID = uuid.New()
	job.State = types.JobStateQueued
	job.OrderingKey = orderingKey
	job.CreatedAt = time.Now()
	job.TransitionedAt = job.CreatedAt

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, device_id, payload_url, payload_inline, state, ordering_key,
			idempotency_key, submitted_by, created_at, transitioned_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, job.ID, job.DeviceID, job.Payload.URL, job.Payload.Inline, job.State,
		job.OrderingKey, job.IdempotencyKey, job.SubmittedBy, job.CreatedAt, job.TransitionedAt)

	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" && job.IdempotencyKey != "" {
			// Duplicate submission on client retry: return the job the
			// key was first used for.
			return p.getJobByIdempotencyKey(ctx, job.DeviceID, job.IdempotencyKey)
		}
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return job, nil
}

func (p *PostgresClient) getJobByIdempotencyKey(ctx context.Context, deviceID, key string) (*types.Job, error) {
	job, err := scanJob(p.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE device_id = $1 AND idempotency_key = $2
	`, deviceID, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to query job by idempotency key: %w", err)
	}
	return job, nil
}

func (p *PostgresClient) GetJob(ctx context.Context, id uuid.UUID) (*types.Job, error) {
	job, err := scanJob(p.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to query job: %w", err)
	}
	return job, nil
}

func (p *PostgresClient) ListJobs(ctx context.Context, deviceID string, states []types.JobState, limit, offset int) ([]*types.Job, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1=1`
	args := []any{}

	if deviceID != "" {
		args = append(args, deviceID)
		query += fmt.Sprintf(" AND device_id = $%d", len(args))
	}
	if len(states) > 0 {
		stateStrings := make([]string, len(states))
		for i, s := range states {
			stateStrings[i] = string(s)
		}
		args = append(args, stateStrings)
		query += fmt.Sprintf(" AND state = ANY($%d)", len(args))
	}

	args = append(args, limit, offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	jobs := make([]*types.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		jobs = append(jobs, job)
	}

	return jobs, rows.Err()
}

// TransitionJob is the compare-and-swap gate every state change goes
// through, including timer firings. A mismatch on the expected prior
// state returns types.ErrStaleTransition.
func (p *PostgresClient) TransitionJob(ctx context.Context, id uuid.UUID, from, to types.JobState, meta types.TransitionMeta) (*types.Job, error) {
	retryExpr := "retry_count"
	lifetimeExpr := "lifetime_retries"
	if meta.IncrementRetry {
		retryExpr = "retry_count + 1"
	}
	if meta.ResetRetryCount {
		retryExpr = "0"
		lifetimeExpr = "lifetime_retries + 1"
	}

	job, err := scanJob(p.pool.QueryRow(ctx, `
		UPDATE jobs
		SET state = $1,
			error_detail = $2,
			retry_count = `+retryExpr+`,
			lifetime_retries = `+lifetimeExpr+`,
			transitioned_at = NOW()
		WHERE id = $3 AND state = $4
		RETURNING `+jobColumns+`
	`, to, meta.ErrorDetail, id, from))

	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Either the job does not exist or it left `from` already.
			if _, getErr := p.GetJob(ctx, id); getErr != nil {
				return nil, getErr
			}
			return nil, types.ErrStaleTransition
		}
		return nil, fmt.Errorf("failed to transition job: %w", err)
	}

	return job, nil
}

func (p *PostgresClient) NextQueuedJob(ctx context.Context, deviceID string) (*types.Job, error) {
	job, err := scanJob(p.pool.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE device_id = $1 AND state = $2
		ORDER BY ordering_key ASC
		LIMIT 1
	`, deviceID, types.JobStateQueued))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query next queued job: %w", err)
	}
	return job, nil
}

// RecoverStaleJobs runs at startup: anything left pending/processing
// longer than olderThan was in flight when the process died and gets
// re-queued, claims cleared.
func (p *PostgresClient) RecoverStaleJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		UPDATE jobs
		SET state = $1, transitioned_at = NOW()
		WHERE state IN ($2, $3) AND transitioned_at < NOW() - $4::interval
		RETURNING id, device_id
	`, types.JobStateQueued, types.JobStatePending, types.JobStateProcessing,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("failed to recover stale jobs: %w", err)
	}

	type recovered struct {
		jobID    uuid.UUID
		deviceID string
	}
	var recoveredJobs []recovered
	for rows.Next() {
		var r recovered
		if err := rows.Scan(&r.jobID, &r.deviceID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("failed to scan recovered job: %w", err)
		}
		recoveredJobs = append(recoveredJobs, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("failed to read recovered jobs: %w", err)
	}

	for _, r := range recoveredJobs {
		_, err = tx.Exec(ctx, `
			UPDATE devices SET active_job_id = NULL, updated_at = NOW()
			WHERE id = $1 AND active_job_id = $2
		`, r.deviceID, r.jobID)
		if err != nil {
			return 0, fmt.Errorf("failed to clear device claim: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return len(recoveredJobs), nil
}

func (p *PostgresClient) QueueStats(ctx context.Context) (*types.QueueStats, error) {
	rows, err := p.pool.Query(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("failed to count jobs: %w", err)
	}
	defer rows.Close()

	stats := &types.QueueStats{}
	for rows.Next() {
		var state types.JobState
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan job count: %w", err)
		}
		stats.Total += count
		switch state {
		case types.JobStateQueued:
			stats.Queued = count
		case types.JobStatePending:
			stats.Pending = count
		case types.JobStateProcessing:
			stats.Processing = count
		case types.JobStateCompleted:
			stats.Completed = count
		case types.JobStateFailed:
			stats.Failed = count
		case types.JobStateCancelled:
			stats.Cancelled = count
		}
	}

	return stats, rows.Err()
}
