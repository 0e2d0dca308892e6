package remoteprogress

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const defaultPace = time.Millisecond

// Phase is the relay's position in its state machine.
type Phase int32

// Relay phases.
const (
	PhaseListening Phase = iota
	PhaseUpdating
	PhaseTerminated
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhaseListening:
		return "listening"
	case PhaseUpdating:
		return "updating"
	case PhaseTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Reason explains why a relay terminated.
type Reason string

// Termination reasons.
const (
	// ReasonDone means the terminal payload was relayed.
	ReasonDone Reason = "done"
	// ReasonInboundClosed means the producer closed the channel without Done.
	ReasonInboundClosed Reason = "inbound_closed"
	// ReasonCanceled means the relay context was canceled.
	ReasonCanceled Reason = "canceled"
	// ReasonLockCorrupted means the cell could not be written.
	ReasonLockCorrupted Reason = "lock_corrupted"
	// ReasonSignalSend means the outbound receiver went away.
	ReasonSignalSend Reason = "signal_send"
)

// Outcome is the typed result of a relay run.
type Outcome struct {
	Reason Reason
	// Err is set for fatal terminations and wraps ErrLockCorrupted or ErrSignalSend.
	Err error
	// Relayed counts payloads stored and signaled successfully.
	Relayed int
}

// Fatal reports whether the relay stopped because of an unrecoverable error.
func (o Outcome) Fatal() bool {
	return o.Err != nil
}

// Observer receives relay lifecycle callbacks. Implementations must be safe for
// concurrent use because each relay calls it from its own goroutine.
type Observer interface {
	Relayed(p Progress)
	Terminated(o Outcome)
}

type nopObserver struct{}

func (nopObserver) Relayed(Progress)   {}
func (nopObserver) Terminated(Outcome) {}

// Config wires a relay to its channels and cell.
//   - Inbound: payload stream owned and closed by the transfer driver.
//   - Cell: the shared cell; the relay is its only writer.
//   - Notifier: outbound signal, fired once per relayed payload.
//   - Pace: delay after each signal (default 1ms, negative disables).
//   - Logger: optional structured logger.
//   - Observer: optional lifecycle callbacks (metrics).
//
// Cancellation is checked alongside each receive, not after it. When a payload
// is buffered and the context is already done, either may be taken, so a cancel
// racing a final Done can end the relay with ReasonCanceled instead of
// ReasonDone. Payloads already relayed stay in the Cell either way.
type Config struct {
	Inbound  <-chan Notification
	Cell     *Cell
	Notifier Notifier
	Pace     time.Duration
	Logger   *zap.Logger
	Observer Observer
}

// Relay drains an inbound payload stream into a Cell and signals consumers.
type Relay struct {
	cfg    Config
	logger *zap.Logger
	obs    Observer
	phase  atomic.Int32
}

// NewRelay validates cfg and applies defaults.
func NewRelay(cfg Config) (*Relay, error) {
	if cfg.Inbound == nil {
		return nil, errors.New("relay inbound channel is required")
	}
	if cfg.Cell == nil {
		return nil, errors.New("relay cell is required")
	}
	if cfg.Notifier == nil {
		return nil, errors.New("relay notifier is required")
	}
	if cfg.Pace == 0 {
		cfg.Pace = defaultPace
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	obs := cfg.Observer
	if obs == nil {
		obs = nopObserver{}
	}
	return &Relay{cfg: cfg, logger: logger, obs: obs}, nil
}

// Phase returns the current phase.
func (r *Relay) Phase() Phase {
	return Phase(r.phase.Load())
}

// Run blocks until the relay terminates and returns its outcome.
func (r *Relay) Run(ctx context.Context) Outcome {
	out := r.loop(ctx)
	r.phase.Store(int32(PhaseTerminated))
	r.obs.Terminated(out)
	return out
}

func (r *Relay) loop(ctx context.Context) Outcome {
	relayed := 0
	for {
		r.phase.Store(int32(PhaseListening))
		var (
			n  Notification
			ok bool
		)
		select {
		case n, ok = <-r.cfg.Inbound:
		case <-ctx.Done():
			r.logger.Info("progress relay canceled", zap.Error(ctx.Err()), zap.Int("relayed", relayed))
			return Outcome{Reason: ReasonCanceled, Relayed: relayed}
		}
		if !ok {
			r.logger.Warn("progress sender closed before terminal payload", zap.Int("relayed", relayed))
			return Outcome{Reason: ReasonInboundClosed, Relayed: relayed}
		}

		r.phase.Store(int32(PhaseUpdating))
		p := FromNotification(n)
		if err := r.cfg.Cell.Store(p); err != nil {
			r.logger.Error("progress cell write failed", zap.Error(err))
			return Outcome{
				Reason:  ReasonLockCorrupted,
				Err:     fmt.Errorf("store progress: %w", err),
				Relayed: relayed,
			}
		}
		if err := r.cfg.Notifier.Notify(); err != nil {
			r.logger.Error("progress signal failed", zap.Error(err))
			return Outcome{
				Reason:  ReasonSignalSend,
				Err:     fmt.Errorf("notify consumer: %w", err),
				Relayed: relayed,
			}
		}
		relayed++
		r.obs.Relayed(p)

		if r.cfg.Pace > 0 {
			time.Sleep(r.cfg.Pace)
		}
		if IsTerminal(n) {
			return Outcome{Reason: ReasonDone, Relayed: relayed}
		}
	}
}

// Handle tracks a relay running on its own goroutine.
type Handle struct {
	relay   *Relay
	done    chan struct{}
	outcome Outcome
}

// Spawn validates cfg and starts the relay on a new goroutine. Callers may
// keep the Handle to wait for termination but are not required to.
func Spawn(ctx context.Context, cfg Config) (*Handle, error) {
	r, err := NewRelay(cfg)
	if err != nil {
		return nil, err
	}
	if ctx == nil {
		ctx = context.Background()
	}
	h := &Handle{relay: r, done: make(chan struct{})}
	go func() {
		defer close(h.done)
		h.outcome = r.Run(ctx)
	}()
	return h, nil
}

// Done is closed once the relay has terminated.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait blocks until the relay terminates and returns its outcome.
func (h *Handle) Wait() Outcome {
	<-h.done
	return h.outcome
}

// Phase returns the relay's current phase.
func (h *Handle) Phase() Phase {
	return h.relay.Phase()
}
