// Package simulate drives fake fetch and push transfers that emit the same
// payload sequences a real transport backend reports.
package simulate

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/remote-progress-relay/internal/remoteprogress"
)

const (
	defaultObjects     = 20
	defaultObjectBytes = 1024
)

// Callback receives each payload. It may block; the backend waits for it.
type Callback func(remoteprogress.Notification)

// Backend emits deterministic payload sequences.
//   - Objects: objects to transfer (default 20).
//   - Deltas: deltas to compute while packing a push (default Objects/2).
//   - StepDelay: pause between payloads.
//   - Ref: reference reported by UpdateTips (default refs/heads/main).
type Backend struct {
	Objects   uint64
	Deltas    uint64
	StepDelay time.Duration
	Ref       string
}

// Fetch reports Transfer steps, one UpdateTips and Done.
func (b Backend) Fetch(ctx context.Context, cb Callback) error {
	b = b.withDefaults()
	for i := uint64(1); i <= b.Objects; i++ {
		if err := b.step(ctx, cb, remoteprogress.Transfer{
			Objects:       i,
			TotalObjects:  b.Objects,
			ReceivedBytes: i * defaultObjectBytes,
		}); err != nil {
			return err
		}
	}
	return b.finish(ctx, cb)
}

// Push reports pack building, the upload, one UpdateTips and Done.
func (b Backend) Push(ctx context.Context, cb Callback) error {
	b = b.withDefaults()
	for i := uint64(1); i <= b.Objects; i++ {
		if err := b.step(ctx, cb, remoteprogress.Packing{
			Stage:   remoteprogress.PackAddingObjects,
			Current: i,
			Total:   b.Objects,
		}); err != nil {
			return err
		}
	}
	for i := uint64(1); i <= b.Deltas; i++ {
		if err := b.step(ctx, cb, remoteprogress.Packing{
			Stage:   remoteprogress.PackDeltafication,
			Current: i,
			Total:   b.Deltas,
		}); err != nil {
			return err
		}
	}
	for i := uint64(1); i <= b.Objects; i++ {
		if err := b.step(ctx, cb, remoteprogress.PushTransfer{
			Current: i,
			Total:   b.Objects,
			Bytes:   i * defaultObjectBytes,
		}); err != nil {
			return err
		}
	}
	return b.finish(ctx, cb)
}

func (b Backend) finish(ctx context.Context, cb Callback) error {
	if err := b.step(ctx, cb, remoteprogress.UpdateTips{
		Name: b.Ref,
		From: "0000000000000000000000000000000000000000",
		To:   fmt.Sprintf("%040x", b.Objects),
	}); err != nil {
		return err
	}
	return b.step(ctx, cb, remoteprogress.Done{})
}

func (b Backend) withDefaults() Backend {
	if b.Objects == 0 {
		b.Objects = defaultObjects
	}
	if b.Deltas == 0 {
		b.Deltas = b.Objects / 2
	}
	if b.Ref == "" {
		b.Ref = "refs/heads/main"
	}
	return b
}

func (b Backend) step(ctx context.Context, cb Callback, n remoteprogress.Notification) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("simulated transfer: %w", err)
	}
	cb(n)
	if b.StepDelay <= 0 {
		return nil
	}
	timer := time.NewTimer(b.StepDelay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("simulated transfer: %w", ctx.Err())
	}
}
