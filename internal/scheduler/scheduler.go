package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// DefaultSpec checkpoints the transcript every half minute.
const DefaultSpec = "@every 30s"

// Scheduler runs the periodic transcript checkpoint.
type Scheduler struct {
	cron           *cron.Cron
	ctx            context.Context
	cancel         context.CancelFunc
	spec           string
	logger         zerolog.Logger
	checkpointFunc func(ctx context.Context) error
}

func New(spec string, logger zerolog.Logger) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	if spec == "" {
		spec = DefaultSpec
	}
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(time.UTC)),
		ctx:    ctx,
		cancel: cancel,
		spec:   spec,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

func (s *Scheduler) SetCheckpointFunction(f func(ctx context.Context) error) {
	s.checkpointFunc = f
}

// Start registers the checkpoint job. Without a checkpoint function it
// does nothing.
func (s *Scheduler) Start() error {
	if s.checkpointFunc == nil {
		s.logger.Warn().Msg("checkpoint function not set, scheduler will not run")
		return nil
	}

	_, err := s.cron.AddFunc(s.spec, func() {
		if err := s.checkpointFunc(s.ctx); err != nil {
			s.logger.Error().Err(err).Msg("transcript checkpoint failed")
		}
	})
	if err != nil {
		return err
	}

	s.cron.Start()
	s.logger.Info().Str("spec", s.spec).Msg("scheduler started")
	return nil
}

// Stop waits for a running checkpoint to finish.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		ctx := s.cron.Stop()
		<-ctx.Done()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	return s.cron != nil && len(s.cron.Entries()) > 0
}
