package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/KevinKickass/OpenPrintCore/internal/types"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const deviceColumns = `id, device_name, direct_address, enabled, active_job_id,
	last_seen_at, created_at, updated_at`

func scanDevice(row pgx.Row) (*types.Device, error) {
	var device types.Device
	err := row.Scan(
		&device.ID,
		&device.Name,
		&device.DirectAddress,
		&device.Enabled,
		&device.ActiveJobID,
		&device.LastSeenAt,
		&device.CreatedAt,
		&device.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &device, nil
}

// RegisterDevice upserts a device on first registration. The enabled
// flag is preserved on re-registration so a soft-disabled device stays
// disabled across reconnects.
func (p *PostgresClient) RegisterDevice(ctx context.Context, device *types.Device) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO devices (id, device_name, direct_address, enabled)
		VALUES ($1, $2, $3, true)
		ON CONFLICT (id)
		DO UPDATE SET
			device_name = EXCLUDED.device_name,
			direct_address = EXCLUDED.direct_address,
			updated_at = NOW()
	`, device.ID, device.Name, device.DirectAddress)

	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}

	return nil
}

func (p *PostgresClient) GetDevice(ctx context.Context, id string) (*types.Device, error) {
	device, err := scanDevice(p.pool.QueryRow(ctx, `
		SELECT `+deviceColumns+` FROM devices WHERE id = $1
	`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, types.ErrDeviceNotFound
		}
		return nil, fmt.Errorf("failed to query device: %w", err)
	}
	return device, nil
}

func (p *PostgresClient) ListDevices(ctx context.Context) ([]*types.Device, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+deviceColumns+` FROM devices ORDER BY id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query devices: %w", err)
	}
	defer rows.Close()

	devices := make([]*types.Device, 0)
	for rows.Next() {
		device, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan device: %w", err)
		}
		devices = append(devices, device)
	}

	return devices, rows.Err()
}

// SetDeviceEnabled soft-disables or re-enables a device. Devices are
// never deleted while jobs reference them.
func (p *PostgresClient) SetDeviceEnabled(ctx context.Context, id string, enabled bool) error {
	result, err := p.pool.Exec(ctx, `
		UPDATE devices SET enabled = $1, updated_at = NOW() WHERE id = $2
	`, enabled, id)
	if err != nil {
		return fmt.Errorf("failed to update device: %w", err)
	}
	if result.RowsAffected() == 0 {
		return types.ErrDeviceNotFound
	}
	return nil
}

func (p *PostgresClient) TouchDevice(ctx context.Context, id string, seenAt time.Time) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE devices SET last_seen_at = $1 WHERE id = $2
	`, seenAt, id)
	if err != nil {
		return fmt.Errorf("failed to touch device: %w", err)
	}
	return nil
}

func (p *PostgresClient) ClaimDeviceJob(ctx context.Context, deviceID string, jobID uuid.UUID) (bool, error) {
	result, err := p.pool.Exec(ctx, `
		UPDATE devices SET active_job_id = $1, updated_at = NOW()
		WHERE id = $2 AND active_job_id IS NULL
	`, jobID, deviceID)
	if err != nil {
		return false, fmt.Errorf("failed to claim device job: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

func (p *PostgresClient) ReleaseDeviceJob(ctx context.Context, deviceID string, jobID uuid.UUID) error {
	_, err := p.pool.Exec(ctx, `
		UPDATE devices SET active_job_id = NULL, updated_at = NOW()
		WHERE id = $1 AND active_job_id = $2
	`, deviceID, jobID)
	if err != nil {
		return fmt.Errorf("failed to release device job: %w", err)
	}
	return nil
}
