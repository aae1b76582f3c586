package daemon

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// syncTimeout bounds one scheduled chat list sync.
const syncTimeout = 30 * time.Second

// ChatSyncer is the job the scheduler runs.
type ChatSyncer interface {
	SyncChats(ctx context.Context) error
}

// syncJob runs a chat list sync. Failures are logged; the cache keeps serving.
type syncJob struct {
	ctx    context.Context
	syncer ChatSyncer
	logger *zap.Logger
}

func (j *syncJob) Run() {
	ctx, cancel := context.WithTimeout(j.ctx, syncTimeout)
	defer cancel()
	if err := j.syncer.SyncChats(ctx); err != nil && j.ctx.Err() == nil {
		j.logger.Warn("scheduled sync failed", zap.Error(err))
	}
}

// Scheduler runs the periodic background chat list sync.
type Scheduler struct {
	engine *cron.Cron
	spec   string
	logger *zap.Logger
}

// NewScheduler creates a scheduler for the given cron spec, for example "@every 1m".
func NewScheduler(spec string, logger *zap.Logger) *Scheduler {
	logger = logger.Named("scheduler")
	return &Scheduler{
		engine: cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{logger.Sugar()}))),
		spec:   spec,
		logger: logger,
	}
}

// Start registers the sync job and starts the engine. The job stops running
// once ctx is done.
func (s *Scheduler) Start(ctx context.Context, syncer ChatSyncer) error {
	if _, err := s.engine.AddJob(s.spec, &syncJob{ctx: ctx, syncer: syncer, logger: s.logger}); err != nil {
		return err
	}
	s.logger.Info("scheduled sync starting", zap.String("spec", s.spec))
	s.engine.Start()
	return nil
}

// Stop stops the engine and waits for a running job to finish or ctx to end.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.engine.Stop().Done():
	case <-ctx.Done():
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
