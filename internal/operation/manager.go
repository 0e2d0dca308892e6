package operation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/remote-progress-relay/internal/clock/system"
	idgen "github.com/JakeFAU/remote-progress-relay/internal/id/uuid"
	"github.com/JakeFAU/remote-progress-relay/internal/remoteprogress"
	"github.com/JakeFAU/remote-progress-relay/internal/storage"
	"github.com/JakeFAU/remote-progress-relay/internal/store"
)

var (
	// ErrNotFound is returned for unknown operation IDs.
	ErrNotFound = errors.New("operation not found")
	// ErrShuttingDown is returned by Start after Shutdown began.
	ErrShuttingDown = errors.New("operation manager is shutting down")
)

// CompletedEventType tags the event published when an operation finishes.
const CompletedEventType = "operation.completed"

const (
	defaultInboundBuffer  = 16
	defaultPersistTimeout = 10 * time.Second
	defaultReportPrefix   = "reports"
	defaultRetain         = 5 * time.Minute
	defaultMaxFinished    = 128
)

// Config tunes relays and finalization.
//   - Pace: delay after each relayed payload (0 uses the relay default).
//   - InboundBuffer: capacity of each operation's inbound channel.
//   - Topic: Pub/Sub topic for completion events; empty disables publishing.
//   - ReportPrefix: object path prefix for archived reports.
//   - PersistTimeout: bound on each repository, archive and publish call.
//   - Retain: how long a finished operation stays addressable by ID.
//   - MaxFinished: cap on finished operations kept at once; the oldest go first.
//
// Evicted operations answer ErrNotFound; their records stay in the repository.
type Config struct {
	Pace           time.Duration
	InboundBuffer  int
	Topic          string
	ReportPrefix   string
	PersistTimeout time.Duration
	Retain         time.Duration
	MaxFinished    int
}

// Deps are the collaborators a Manager needs. Only Repo is required.
type Deps struct {
	Repo      store.OperationRepository
	Blobs     storage.BlobStore
	Publisher Publisher
	Observer  remoteprogress.Observer
	Clock     Clock
	IDs       IDGenerator
	Tracer    trace.Tracer
	Logger    *zap.Logger
}

const tracerName = "github.com/JakeFAU/remote-progress-relay/internal/operation"

// Manager starts operations and keeps the live ones addressable by ID.
type Manager struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger

	baseCtx    context.Context
	cancelBase context.CancelFunc

	spawn func(context.Context, remoteprogress.Config) (*remoteprogress.Handle, error)

	mu      sync.Mutex
	ops     map[uuid.UUID]*Operation
	retired []retiredOp
	closed  bool
	wg      sync.WaitGroup
}

// retiredOp is a finished operation awaiting eviction, in finish order.
type retiredOp struct {
	id uuid.UUID
	at time.Time
}

// NewManager validates deps and applies defaults.
func NewManager(cfg Config, deps Deps) (*Manager, error) {
	if deps.Repo == nil {
		return nil, errors.New("operation repository is required")
	}
	if cfg.InboundBuffer <= 0 {
		cfg.InboundBuffer = defaultInboundBuffer
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = defaultPersistTimeout
	}
	if cfg.ReportPrefix == "" {
		cfg.ReportPrefix = defaultReportPrefix
	}
	if cfg.Retain <= 0 {
		cfg.Retain = defaultRetain
	}
	if cfg.MaxFinished <= 0 {
		cfg.MaxFinished = defaultMaxFinished
	}
	if deps.Blobs == nil {
		deps.Blobs = storage.NoOpStore{}
	}
	if deps.Clock == nil {
		deps.Clock = system.New()
	}
	if deps.IDs == nil {
		deps.IDs = idgen.New()
	}
	if deps.Tracer == nil {
		deps.Tracer = otel.Tracer(tracerName)
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:        cfg,
		deps:       deps,
		logger:     deps.Logger,
		baseCtx:    ctx,
		cancelBase: cancel,
		spawn:      remoteprogress.Spawn,
		ops:        make(map[uuid.UUID]*Operation),
	}, nil
}

// Start records a new operation and spawns its relay. ctx bounds only the
// initial insert; the relay lives until the operation ends or Shutdown.
func (m *Manager) Start(ctx context.Context, kind store.Kind, remote string) (*Operation, error) {
	if _, err := store.ParseKind(string(kind)); err != nil {
		return nil, fmt.Errorf("start operation: %w", err)
	}
	// Reserve a supervisor slot under the lock so Shutdown's Wait covers
	// every Start that got past the closed check.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShuttingDown
	}
	m.wg.Add(1)
	m.mu.Unlock()
	supervised := false
	defer func() {
		if !supervised {
			m.wg.Done()
		}
	}()

	id, err := m.deps.IDs.NewID()
	if err != nil {
		return nil, fmt.Errorf("start operation: %w", err)
	}
	started := m.deps.Clock.Now()
	ctx, span := m.deps.Tracer.Start(ctx, "operation."+string(kind), trace.WithAttributes(
		attribute.String("operation.id", id.String()),
		attribute.String("operation.kind", string(kind)),
		attribute.String("operation.remote", remote),
	))
	if err := m.deps.Repo.InsertOperation(ctx, store.OperationRecord{
		ID:        id,
		Kind:      kind,
		Remote:    remote,
		StartedAt: started,
		Status:    store.StatusRunning,
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "insert operation")
		span.End()
		return nil, fmt.Errorf("insert operation: %w", err)
	}

	logger := m.logger.With(
		zap.String("operation_id", id.String()),
		zap.String("kind", string(kind)),
		zap.String("remote", remote),
	)
	signals := make(chan struct{})
	relayCtx, cancel := context.WithCancel(m.baseCtx)
	op := &Operation{
		ID:          id,
		Kind:        kind,
		Remote:      remote,
		StartedAt:   started,
		logger:      logger,
		span:        span,
		cell:        remoteprogress.NewCell(remoteprogress.WithClock(m.deps.Clock.Now)),
		subs:        newFanout(),
		cancel:      cancel,
		inbound:     make(chan remoteprogress.Notification, m.cfg.InboundBuffer),
		signals:     signals,
		notifier:    remoteprogress.NewChanNotifier[struct{}](signals, struct{}{}),
		dropLimiter: rateLimiter{interval: dropLogInterval},
		done:        make(chan struct{}),
	}

	op.handle, err = m.spawn(relayCtx, remoteprogress.Config{
		Inbound:  op.inbound,
		Cell:     op.cell,
		Notifier: op.notifier,
		Pace:     m.cfg.Pace,
		Logger:   logger,
		Observer: m.deps.Observer,
	})
	if err != nil {
		cancel()
		span.RecordError(err)
		span.SetStatus(codes.Error, "spawn relay")
		span.End()
		return nil, fmt.Errorf("spawn relay: %w", err)
	}
	if s, ok := m.deps.Observer.(startObserver); ok {
		s.Started()
	}

	m.mu.Lock()
	m.pruneLocked(started)
	m.ops[id] = op
	m.mu.Unlock()

	supervised = true
	go m.supervise(op)
	logger.Info("operation started")
	return op, nil
}

// Get returns a tracked operation. Finished operations are tracked until
// Retain passes or MaxFinished newer ones push them out.
func (m *Manager) Get(id uuid.UUID) (*Operation, error) {
	now := m.deps.Clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked(now)
	op, ok := m.ops[id]
	if !ok {
		return nil, ErrNotFound
	}
	return op, nil
}

// List returns tracked operations, newest first.
func (m *Manager) List() []*Operation {
	now := m.deps.Clock.Now()
	m.mu.Lock()
	m.pruneLocked(now)
	out := make([]*Operation, 0, len(m.ops))
	for _, op := range m.ops {
		out = append(out, op)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID.String() > out[j].ID.String()
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Subscribe registers for progress wake-ups on operation id.
func (m *Manager) Subscribe(id uuid.UUID) (<-chan struct{}, func(), error) {
	op, err := m.Get(id)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := op.Subscribe()
	return ch, cancel, nil
}

// retire queues a finished operation for eviction.
func (m *Manager) retire(id uuid.UUID, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retired = append(m.retired, retiredOp{id: id, at: at})
	m.pruneLocked(at)
}

// pruneLocked evicts finished operations past Retain or beyond MaxFinished.
// Callers hold m.mu.
func (m *Manager) pruneLocked(now time.Time) {
	n := 0
	for n < len(m.retired) {
		r := m.retired[n]
		if len(m.retired)-n <= m.cfg.MaxFinished && now.Sub(r.at) < m.cfg.Retain {
			break
		}
		delete(m.ops, r.id)
		n++
	}
	if n > 0 {
		m.retired = append(m.retired[:0:0], m.retired[n:]...)
	}
}

// Shutdown cancels every running relay and waits for finalization.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.cancelBase()

	waitCh := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(waitCh)
	}()
	select {
	case <-waitCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("operation manager shutdown: %w", ctx.Err())
	}
}

// supervise forwards relay signals to subscribers until the relay stops,
// then finalizes the operation.
func (m *Manager) supervise(op *Operation) {
	defer m.wg.Done()
	for running := true; running; {
		select {
		case <-op.signals:
			if n := op.subs.broadcast(); n > 0 {
				op.logger.Debug("progress wake-ups coalesced", zap.Int("subscribers", n))
			}
		case <-op.handle.Done():
			running = false
		}
	}
	op.notifier.Close()
	out := op.handle.Wait()
	op.cancel()
	m.finalize(op, out)
}

// Summary describes a finished operation. It is archived as the JSON report
// and published as the completion event.
type Summary struct {
	Type        string    `json:"type"`
	OperationID string    `json:"operation_id"`
	Kind        string    `json:"kind"`
	Remote      string    `json:"remote"`
	Status      string    `json:"status"`
	Reason      string    `json:"reason"`
	State       string    `json:"state,omitempty"`
	Percent     uint8     `json:"percent"`
	Seq         uint64    `json:"seq"`
	Relayed     int       `json:"relayed"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	ReportURI   string    `json:"report_uri,omitempty"`
}

func (m *Manager) finalize(op *Operation, out remoteprogress.Outcome) {
	finished := m.deps.Clock.Now()
	rec := store.OperationRecord{
		ID:         op.ID,
		Kind:       op.Kind,
		Remote:     op.Remote,
		StartedAt:  op.StartedAt,
		FinishedAt: &finished,
		Status:     StatusFor(out),
		Relayed:    out.Relayed,
	}
	summary := Summary{
		Type:        CompletedEventType,
		OperationID: op.ID.String(),
		Kind:        string(op.Kind),
		Remote:      op.Remote,
		Status:      string(rec.Status),
		Reason:      string(out.Reason),
		Relayed:     out.Relayed,
		StartedAt:   op.StartedAt,
		FinishedAt:  finished,
	}
	if snap, ok, err := op.cell.Load(); err == nil && ok {
		rec.State = string(snap.State)
		rec.Percent = snap.Percent
		summary.State = rec.State
		summary.Percent = rec.Percent
		summary.Seq = snap.Seq
	}
	if out.Err != nil {
		msg := out.Err.Error()
		rec.ErrorMessage = &msg
		summary.Error = msg
	}

	traceCtx := trace.ContextWithSpan(context.Background(), op.span)
	if err := m.withTimeout(traceCtx, func(ctx context.Context) error {
		return m.deps.Repo.CompleteOperation(ctx, rec)
	}); err != nil {
		op.logger.Error("persist operation outcome failed", zap.Error(err))
	}

	uri, err := m.archive(traceCtx, summary)
	if err != nil {
		op.logger.Error("archive operation report failed", zap.Error(err))
	}
	summary.ReportURI = uri

	if m.cfg.Topic != "" && m.deps.Publisher != nil {
		if err := m.withTimeout(traceCtx, func(ctx context.Context) error {
			_, pubErr := m.deps.Publisher.Publish(ctx, m.cfg.Topic, summary)
			return pubErr
		}); err != nil {
			op.logger.Error("publish completion event failed", zap.Error(err))
		}
	}

	op.span.SetAttributes(
		attribute.String("operation.status", string(rec.Status)),
		attribute.String("relay.reason", string(out.Reason)),
		attribute.Int("relay.relayed", out.Relayed),
	)
	if out.Fatal() {
		op.span.RecordError(out.Err)
		op.span.SetStatus(codes.Error, string(out.Reason))
	}
	op.span.End()

	op.record = rec
	op.outcome = out
	op.reportURI = uri
	close(op.done)
	op.subs.close()
	m.retire(op.ID, finished)

	fields := []zap.Field{
		zap.String("status", string(rec.Status)),
		zap.String("reason", string(out.Reason)),
		zap.Int("relayed", out.Relayed),
	}
	if out.Fatal() {
		op.logger.Error("operation failed", append(fields, zap.Error(out.Err))...)
		return
	}
	op.logger.Info("operation finished", fields...)
}

func (m *Manager) archive(parent context.Context, summary Summary) (string, error) {
	body, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal report: %w", err)
	}
	objectPath := path.Join(m.cfg.ReportPrefix, summary.Kind, summary.OperationID+".json")
	var uri string
	err = m.withTimeout(parent, func(ctx context.Context) error {
		var putErr error
		uri, putErr = m.deps.Blobs.PutObject(ctx, objectPath, "application/json", bytes.NewReader(body))
		return putErr
	})
	if err != nil {
		return "", err
	}
	return uri, nil
}

func (m *Manager) withTimeout(parent context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(parent, m.cfg.PersistTimeout)
	defer cancel()
	return fn(ctx)
}
