package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Store is the job persistence the processor drives.
type Store interface {
	ClaimJobs(ctx context.Context, limit int, now time.Time) ([]*Job, error)
	CompleteJob(ctx context.Context, id string, result json.RawMessage) error
	RetryJob(ctx context.Context, id, errMsg string, retryAt time.Time) error
	FailJob(ctx context.Context, id, errMsg string) error
	RequeueStaleJobs(ctx context.Context, cutoff, retryAt time.Time) (int, error)
}

// Handler runs one attempt of a job and returns its result.
type Handler interface {
	Handle(ctx context.Context, j *Job) (json.RawMessage, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, j *Job) (json.RawMessage, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, j *Job) (json.RawMessage, error) { return f(ctx, j) }

// ErrUnknownType is returned for jobs with no registered handler.
var ErrUnknownType = errors.New("no handler for job type")

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// Config tunes the processor.
type Config struct {
	BatchSize  int           `json:"batch_size" yaml:"batch_size"`
	Workers    int           `json:"workers" yaml:"workers"`
	Interval   time.Duration `json:"interval" yaml:"interval"`
	JobTimeout time.Duration `json:"job_timeout" yaml:"job_timeout"`
	StaleAfter time.Duration `json:"stale_after" yaml:"stale_after"`
	Backoff    Backoff       `json:"backoff" yaml:"backoff"`
}

// DefaultConfig returns the standard processor settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:  10,
		Workers:    4,
		Interval:   5 * time.Second,
		JobTimeout: time.Minute,
		StaleAfter: 10 * time.Minute,
		Backoff:    Backoff{Base: 2 * time.Second, Max: 10 * time.Minute},
	}
}

// Processor claims ready jobs and runs them on a bounded worker pool.
type Processor struct {
	store    Store
	cfg      Config
	logger   *slog.Logger
	now      func() time.Time
	onFail   func(ctx context.Context, j *Job, err error)
	mu       sync.RWMutex
	handlers map[Type]Handler
}

// NewProcessor returns a Processor. Zero config fields take defaults.
func NewProcessor(st Store, cfg Config, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = def.JobTimeout
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	if cfg.Backoff.Base <= 0 {
		cfg.Backoff.Base = def.Backoff.Base
	}
	if cfg.Backoff.Max < cfg.Backoff.Base {
		cfg.Backoff.Max = def.Backoff.Max
		if cfg.Backoff.Max < cfg.Backoff.Base {
			cfg.Backoff.Max = cfg.Backoff.Base
		}
	}
	return &Processor{
		store:    st,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
		handlers: make(map[Type]Handler),
	}
}

// Register sets the handler for typ.
func (p *Processor) Register(typ Type, h Handler) {
	p.mu.Lock()
	p.handlers[typ] = h
	p.mu.Unlock()
}

// OnFailure sets a callback run after a job fails permanently.
func (p *Processor) OnFailure(fn func(ctx context.Context, j *Job, err error)) { p.onFail = fn }

// SetClock replaces the processor's time source.
func (p *Processor) SetClock(now func() time.Time) { p.now = now }

func (p *Processor) handler(typ Type) (Handler, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[typ]
	return h, ok
}

// ProcessBatch claims up to limit ready jobs, or the configured batch size
// when limit is not positive, and runs them. A handler error schedules a
// retry after the backoff delay, or fails the job on its last attempt. Only
// store errors are returned.
func (p *Processor) ProcessBatch(ctx context.Context, limit int) (BatchStats, error) {
	var stats BatchStats
	if limit <= 0 {
		limit = p.cfg.BatchSize
	}
	now := p.now()
	claimed, err := p.store.ClaimJobs(ctx, limit, now)
	if err != nil {
		return stats, fmt.Errorf("claim jobs: %w", err)
	}
	if len(claimed) == 0 {
		return stats, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for _, j := range claimed {
		g.Go(func() error {
			outcome, err := p.run(gctx, j)
			mu.Lock()
			stats.Processed++
			switch outcome {
			case StatusCompleted:
				stats.Succeeded++
			case StatusRetrying:
				stats.Retried++
			case StatusFailed:
				stats.Failed++
			}
			mu.Unlock()
			return err
		})
	}
	err = g.Wait()
	p.logger.Debug("job batch processed",
		slog.Int("processed", stats.Processed),
		slog.Int("succeeded", stats.Succeeded),
		slog.Int("retried", stats.Retried),
		slog.Int("failed", stats.Failed))
	return stats, err
}

// run executes one claimed job and records its outcome.
func (p *Processor) run(ctx context.Context, j *Job) (Status, error) {
	log := p.logger.With(slog.String("job_id", j.ID), slog.String("type", string(j.Type)), slog.Int("attempt", j.Attempts))

	h, ok := p.handler(j.Type)
	var (
		result json.RawMessage
		err    error
	)
	if !ok {
		err = Permanent(fmt.Errorf("%w: %s", ErrUnknownType, j.Type))
	} else {
		hctx, cancel := context.WithTimeout(ctx, p.cfg.JobTimeout)
		result, err = safeHandle(hctx, h, j)
		cancel()
	}

	if err == nil {
		if serr := p.store.CompleteJob(ctx, j.ID, result); serr != nil {
			return "", fmt.Errorf("complete job %s: %w", j.ID, serr)
		}
		log.Info("job completed")
		return StatusCompleted, nil
	}

	if !IsPermanent(err) && j.Attempts < j.MaxAttempts {
		retryAt := p.now().Add(p.cfg.Backoff.Delay(j.Attempts))
		if serr := p.store.RetryJob(ctx, j.ID, err.Error(), retryAt); serr != nil {
			return "", fmt.Errorf("retry job %s: %w", j.ID, serr)
		}
		log.Warn("job failed, will retry", slog.Time("next_retry_at", retryAt), slog.Any("err", err))
		return StatusRetrying, nil
	}

	if serr := p.store.FailJob(ctx, j.ID, err.Error()); serr != nil {
		return "", fmt.Errorf("fail job %s: %w", j.ID, serr)
	}
	log.Error("job failed permanently", slog.Int("max_attempts", j.MaxAttempts), slog.Any("err", err))
	if p.onFail != nil {
		p.onFail(ctx, j, err)
	}
	return StatusFailed, nil
}

// safeHandle converts a handler panic into an error so one bad job cannot
// take down the worker pool.
func safeHandle(ctx context.Context, h Handler, j *Job) (result json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Handle(ctx, j)
}

// RecoverStale requeues jobs left running longer than the stale window.
func (p *Processor) RecoverStale(ctx context.Context) (int, error) {
	now := p.now()
	n, err := p.store.RequeueStaleJobs(ctx, now.Add(-p.cfg.StaleAfter), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.logger.Warn("recovered stale jobs", slog.Int("count", n))
	}
	return n, nil
}

// Run processes batches every interval until ctx is done. Stale jobs are
// recovered once at start and then every tenth tick.
func (p *Processor) Run(ctx context.Context) error {
	if _, err := p.RecoverStale(ctx); err != nil {
		p.logger.Error("recover stale jobs", slog.Any("err", err))
	}
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for tick := 1; ; tick++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if tick%10 == 0 {
			if _, err := p.RecoverStale(ctx); err != nil {
				p.logger.Error("recover stale jobs", slog.Any("err", err))
			}
		}
		// Drain: keep going while batches come back full.
		for {
			stats, err := p.ProcessBatch(ctx, 0)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				p.logger.Error("process job batch", slog.Any("err", err))
				break
			}
			if stats.Processed < p.cfg.BatchSize {
				break
			}
		}
	}
}
