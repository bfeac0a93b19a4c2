package transport

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/KevinKickass/OpenPrintCore/internal/types"
	"go.uber.org/zap"
)

const defaultDirectTimeout = 10 * time.Second

// DirectDeliverer is the degraded fallback path: a raw TCP push to a
// printer on the same network segment, bypassing the broker. Port-9100
// class printers accept the payload bytes as-is and give no protocol
// level acknowledgement, so the caller synthesizes result messages
// through the normal result contract once the write succeeds.
type DirectDeliverer struct {
	timeout time.Duration
	logger  *zap.Logger
}

func NewDirectDeliverer(timeout time.Duration, logger *zap.Logger) *DirectDeliverer {
	if timeout <= 0 {
		timeout = defaultDirectTimeout
	}
	return &DirectDeliverer{timeout: timeout, logger: logger}
}

// Deliver writes the inline payload to the device address. Jobs whose
// payload is only an external reference cannot take this path.
func (d *DirectDeliverer) Deliver(ctx context.Context, address string, payload types.PayloadRef) error {
	if len(payload.Inline) == 0 {
		return fmt.Errorf("direct delivery requires inline payload")
	}

	dialer := net.Dialer{Timeout: d.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", types.ErrTransportUnavailable, address, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(d.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}

	if _, err := conn.Write(payload.Inline); err != nil {
		return fmt.Errorf("%w: write to %s: %v", types.ErrTransportUnavailable, address, err)
	}

	d.logger.Info("Direct delivery completed",
		zap.String("address", address),
		zap.Int("bytes", len(payload.Inline)))

	return nil
}
