package simulate

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/remote-progress-relay/internal/operation"
	"github.com/JakeFAU/remote-progress-relay/internal/store"
)

// Driver starts operations on a Manager and feeds them from a Backend, the
// way a transport would drive its transfer callback.
type Driver struct {
	Manager *operation.Manager
	Backend Backend
	Logger  *zap.Logger
}

// Launch starts a tracked operation and runs the simulated transfer on its own
// goroutine. The transfer stops early if the operation is canceled. Finish is
// always called when the transfer returns.
func (d Driver) Launch(ctx context.Context, kind store.Kind, remote string) (*operation.Operation, error) {
	if d.Manager == nil {
		return nil, errors.New("simulate driver requires a manager")
	}
	op, err := d.Manager.Start(ctx, kind, remote)
	if err != nil {
		return nil, fmt.Errorf("launch %s: %w", kind, err)
	}
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	run := d.Backend.Fetch
	if kind == store.KindPush {
		run = d.Backend.Push
	}

	transferCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-op.Done():
		case <-transferCtx.Done():
		}
		cancel()
	}()
	go func() {
		defer cancel()
		defer op.Finish()
		if err := run(transferCtx, op.Report); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("simulated transfer failed",
				zap.String("operation_id", op.ID.String()),
				zap.Error(err),
			)
		}
	}()
	return op, nil
}
