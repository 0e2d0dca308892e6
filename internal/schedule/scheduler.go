// Package schedule launches recurring fetch and push operations on cron
// schedules.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/JakeFAU/remote-progress-relay/internal/operation"
	"github.com/JakeFAU/remote-progress-relay/internal/store"
)

// Launcher starts an operation and drives its transfer in the background.
type Launcher interface {
	Launch(ctx context.Context, kind store.Kind, remote string) (*operation.Operation, error)
}

// Job is one recurring operation.
type Job struct {
	// Spec is a five-field cron expression or a descriptor such as "@every 10m".
	Spec   string
	Kind   store.Kind
	Remote string
}

// Scheduler runs Jobs. A job whose previous operation is still running is
// skipped rather than queued.
type Scheduler struct {
	cron     *cron.Cron
	launcher Launcher
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New validates every job and registers it. Nothing runs until Start.
func New(launcher Launcher, jobs []Job, logger *zap.Logger) (*Scheduler, error) {
	if launcher == nil {
		return nil, errors.New("scheduler requires a launcher")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		launcher: launcher,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
	cl := cronLogger{logger.Sugar()}
	s.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	for i, job := range jobs {
		if _, err := store.ParseKind(string(job.Kind)); err != nil {
			cancel()
			return nil, fmt.Errorf("schedule job %d: %w", i, err)
		}
		if job.Remote == "" {
			job.Remote = "origin"
		}
		if _, err := s.cron.AddFunc(job.Spec, s.runner(job)); err != nil {
			cancel()
			return nil, fmt.Errorf("schedule job %d: parse %q: %w", i, job.Spec, err)
		}
	}
	return s, nil
}

// Len reports the number of registered jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Start begins firing jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop cancels running operations launched by the scheduler and waits for
// their jobs to return, or for ctx to end.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.once.Do(s.cancel)
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop scheduler: %w", ctx.Err())
	}
}

func (s *Scheduler) runner(job Job) func() {
	return func() {
		s.run(job)
	}
}

// run launches one operation and blocks until it is finalized so that
// SkipIfStillRunning can see it.
func (s *Scheduler) run(job Job) {
	logger := s.logger.With(zap.String("kind", string(job.Kind)), zap.String("remote", job.Remote))
	op, err := s.launcher.Launch(s.ctx, job.Kind, job.Remote)
	if err != nil {
		if errors.Is(err, operation.ErrShuttingDown) {
			return
		}
		logger.Error("scheduled operation failed to start", zap.Error(err))
		return
	}
	logger.Info("scheduled operation started", zap.String("operation_id", op.ID.String()))
	select {
	case <-op.Done():
	case <-s.ctx.Done():
		op.Cancel()
		<-op.Done()
	}
}

// cronLogger adapts zap to cron.Logger.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
