package operation

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/remote-progress-relay/internal/remoteprogress"
	"github.com/JakeFAU/remote-progress-relay/internal/store"
)

// Operation is one tracked fetch or push. The transfer driver feeds it
// payloads through Report and calls Finish when the transfer returns;
// consumers read Snapshot or Progress and wait on Subscribe channels.
type Operation struct {
	ID        uuid.UUID
	Kind      store.Kind
	Remote    string
	StartedAt time.Time

	logger *zap.Logger
	span   trace.Span
	cell   *remoteprogress.Cell
	subs   *fanout
	cancel context.CancelFunc

	inbound  chan remoteprogress.Notification
	signals  chan struct{}
	notifier *remoteprogress.ChanNotifier[struct{}]
	handle   *remoteprogress.Handle

	// mu guards finished and the inbound close; Report holds it for reading
	// while sending so Finish cannot close the channel under a sender.
	mu          sync.RWMutex
	finished    bool
	dropped     atomic.Int64
	dropLimiter rateLimiter

	done      chan struct{}
	outcome   remoteprogress.Outcome
	record    store.OperationRecord
	reportURI string
}

// Report hands one payload to the relay. It blocks while the relay is busy
// and drops the payload once Finish was called or the relay has stopped.
func (o *Operation) Report(n remoteprogress.Notification) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.finished {
		o.drop(n)
		return
	}
	select {
	case o.inbound <- n:
	case <-o.handle.Done():
		o.drop(n)
	}
}

func (o *Operation) drop(n remoteprogress.Notification) {
	o.dropped.Add(1)
	if o.dropLimiter.Allow(time.Now()) {
		count := o.dropped.Swap(0)
		o.logger.Warn("progress payload dropped after relay stopped",
			zap.String("payload", payloadName(n)),
			zap.Int64("dropped", count),
		)
	}
}

// Finish closes the inbound stream. A relay that has not yet seen Done
// terminates with the inbound-closed reason. Safe to call more than once.
func (o *Operation) Finish() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finished {
		return
	}
	o.finished = true
	close(o.inbound)
}

// Cancel stops the relay without waiting for a terminal payload.
func (o *Operation) Cancel() {
	o.cancel()
}

// Snapshot returns the latest stored value. The boolean is false before the
// first payload has been relayed.
func (o *Operation) Snapshot() (remoteprogress.Snapshot, bool, error) {
	snap, ok, err := o.cell.Load()
	if err != nil {
		return remoteprogress.Snapshot{}, false, err //nolint:wrapcheck
	}
	return snap, ok, nil
}

// Progress returns the latest progress value.
func (o *Operation) Progress() (remoteprogress.Progress, bool, error) {
	p, ok, err := o.cell.Progress()
	if err != nil {
		return remoteprogress.Progress{}, false, err //nolint:wrapcheck
	}
	return p, ok, nil
}

// Phase reports where the relay is in its state machine.
func (o *Operation) Phase() remoteprogress.Phase {
	return o.handle.Phase()
}

// Subscribe returns a channel that receives a wake-up after every relayed
// payload and is closed once the operation has been finalized. The returned
// func releases the subscription.
func (o *Operation) Subscribe() (<-chan struct{}, func()) {
	return o.subs.subscribe()
}

// Done is closed after the relay stopped and the outcome was persisted.
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Outcome returns the relay outcome. The boolean is false while running.
func (o *Operation) Outcome() (remoteprogress.Outcome, bool) {
	select {
	case <-o.done:
		return o.outcome, true
	default:
		return remoteprogress.Outcome{}, false
	}
}

// Wait blocks until the operation is finalized or ctx ends.
func (o *Operation) Wait(ctx context.Context) (remoteprogress.Outcome, error) {
	select {
	case <-o.done:
		return o.outcome, nil
	case <-ctx.Done():
		return remoteprogress.Outcome{}, ctx.Err() //nolint:wrapcheck
	}
}

// Record returns the persisted view of the operation. While running, State
// and Percent reflect the current cell value.
func (o *Operation) Record() store.OperationRecord {
	select {
	case <-o.done:
		return o.record
	default:
	}
	rec := store.OperationRecord{
		ID:        o.ID,
		Kind:      o.Kind,
		Remote:    o.Remote,
		StartedAt: o.StartedAt,
		Status:    store.StatusRunning,
	}
	if snap, ok, err := o.cell.Load(); err == nil && ok {
		rec.State = string(snap.State)
		rec.Percent = snap.Percent
		rec.Relayed = int(snap.Seq)
	}
	return rec
}

// ReportURI is where the final report was archived, empty until finalized or
// when archiving is disabled.
func (o *Operation) ReportURI() string {
	select {
	case <-o.done:
		return o.reportURI
	default:
		return ""
	}
}

// StatusFor maps a relay outcome to the persisted status.
func StatusFor(out remoteprogress.Outcome) store.Status {
	if out.Fatal() {
		return store.StatusFailed
	}
	switch out.Reason {
	case remoteprogress.ReasonDone:
		return store.StatusSucceeded
	case remoteprogress.ReasonInboundClosed:
		return store.StatusClosed
	case remoteprogress.ReasonCanceled:
		return store.StatusCanceled
	default:
		return store.StatusFailed
	}
}

func payloadName(n remoteprogress.Notification) string {
	switch n.(type) {
	case remoteprogress.Packing:
		return "packing"
	case remoteprogress.PushTransfer:
		return "push_transfer"
	case remoteprogress.Transfer:
		return "transfer"
	case remoteprogress.UpdateTips:
		return "update_tips"
	case remoteprogress.Done:
		return "done"
	default:
		return "unknown"
	}
}
