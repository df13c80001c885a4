package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error(msg, append(keysAndValues, "error", err)...)
}

// job is a named periodic task.
type job struct {
	name     string
	schedule string
	timeout  time.Duration
	run      func(ctx context.Context)
}

// scheduler runs maintenance jobs on cron schedules. Overlapping runs of the
// same job are skipped and panics are recovered.
type scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]cron.EntryID
}

func newScheduler(logger *slog.Logger) *scheduler {
	cl := cronLogger{logger: logger}
	ctx, cancel := context.WithCancel(context.Background())
	return &scheduler{
		cron: cron.New(
			cron.WithLogger(cl),
			cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
		),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]cron.EntryID),
	}
}

// add registers j. An empty schedule disables the job.
func (s *scheduler) add(j job) error {
	if j.schedule == "" {
		return nil
	}
	id, err := s.cron.AddFunc(j.schedule, s.runner(j))
	if err != nil {
		return fmt.Errorf("schedule %s (%q): %w", j.name, j.schedule, err)
	}

	s.mu.Lock()
	s.entries[j.name] = id
	s.mu.Unlock()
	s.logger.Info("scheduled job", "job", j.name, "schedule", j.schedule)
	return nil
}

// runner wraps j.run with the scheduler context, bounded by j.timeout when set.
func (s *scheduler) runner(j job) func() {
	return func() {
		ctx := s.ctx
		if j.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, j.timeout)
			defer cancel()
		}
		start := time.Now()
		j.run(ctx)
		if err := ctx.Err(); errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("scheduled job timed out", "job", j.name, "timeout", j.timeout)
			return
		}
		s.logger.Debug("scheduled job finished", "job", j.name, "duration", time.Since(start))
	}
}

// jobs returns the registered job names and their next run times.
func (s *scheduler) jobs() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.entries))
	for name, id := range s.entries {
		out[name] = s.cron.Entry(id).Next
	}
	return out
}

func (s *scheduler) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.cron.Start()
	s.running = true
}

// stop cancels running jobs and waits for them to return.
func (s *scheduler) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancel()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
}
