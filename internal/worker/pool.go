package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/fleetrun/fleetrun/internal/persistence"
)

// JobSource is the slice of the lease queue the pool needs.
type JobSource interface {
	Claim(ctx context.Context, workerID string, leaseSeconds int, jobType string) (*persistence.Job, error)
	Renew(ctx context.Context, jobID, workerID string, leaseSeconds int) error
	Release(ctx context.Context, jobID, workerID string) error
	Complete(ctx context.Context, jobID, workerID string, status persistence.JobStatus) error
	Heartbeat(ctx context.Context, jobID string) error
	TimeoutStale(ctx context.Context, threshold time.Duration) (int64, error)
}

// HandlerFunc executes one claimed job. A returned error marks the job
// FAILED; nil marks it DONE.
type HandlerFunc func(ctx context.Context, job *persistence.Job) error

// Config tunes the pool.
type Config struct {
	Workers           int
	PollInterval      time.Duration
	LeaseSeconds      int
	HeartbeatInterval time.Duration
	SweepInterval     time.Duration
	StaleThreshold    time.Duration
}

// DefaultConfig matches production worker cadence.
func DefaultConfig() Config {
	return Config{
		Workers:           4,
		PollInterval:      2 * time.Second,
		LeaseSeconds:      60,
		HeartbeatInterval: 15 * time.Second,
		SweepInterval:     time.Minute,
		StaleThreshold:    5 * time.Minute,
	}
}

// Pool claims jobs from the lease queue and dispatches them to
// registered handlers. Timeout detection belongs to the sweep loop,
// never to in-flight workers.
type Pool struct {
	cfg    Config
	source JobSource

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool creates a worker pool over the queue.
func NewPool(cfg Config, source JobSource) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Pool{cfg: cfg, source: source, handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a job type. Claims are restricted to
// registered types; an unregistered type is never claimed by this pool.
func (p *Pool) Register(jobType string, h HandlerFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = h
}

// Start launches the workers and the stale-job sweep.
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.cfg.Workers; i++ {
		workerID := fmt.Sprintf("worker-%s", uuid.NewString()[:8])
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.runWorker(ctx, workerID)
		}()
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.runSweep(ctx)
	}()
}

// Stop cancels all workers and waits for in-flight jobs to settle.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
}

func (p *Pool) jobTypes() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	types := make([]string, 0, len(p.handlers))
	for t := range p.handlers {
		types = append(types, t)
	}
	return types
}

func (p *Pool) handler(jobType string) (HandlerFunc, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	h, ok := p.handlers[jobType]
	return h, ok
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		claimed := false
		for _, jobType := range p.jobTypes() {
			if ctx.Err() != nil {
				return
			}
			job, err := p.source.Claim(ctx, workerID, p.cfg.LeaseSeconds, jobType)
			if err != nil {
				log.Error().Err(err).Str("worker_id", workerID).Msg("job claim failed")
				continue
			}
			if job == nil {
				continue
			}
			claimed = true
			p.execute(ctx, workerID, job)
		}

		if claimed {
			// Drain the queue before sleeping again.
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// execute runs one job under a live lease: a side goroutine renews and
// heartbeats until the handler returns.
func (p *Pool) execute(ctx context.Context, workerID string, job *persistence.Job) {
	h, ok := p.handler(job.JobType)
	if !ok {
		// Registration changed under us; put the job back.
		if err := p.source.Release(ctx, job.ID, workerID); err != nil {
			log.Error().Err(err).Str("job_id", job.ID).Msg("failed to release unhandled job")
		}
		return
	}

	keepalive := make(chan struct{})
	var ka sync.WaitGroup
	ka.Add(1)
	go func() {
		defer ka.Done()
		ticker := time.NewTicker(p.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-keepalive:
				return
			case <-ticker.C:
				if err := p.source.Renew(ctx, job.ID, workerID, p.cfg.LeaseSeconds); err != nil {
					log.Warn().Err(err).Str("job_id", job.ID).Msg("lease renewal failed")
				}
				if err := p.source.Heartbeat(ctx, job.ID); err != nil {
					log.Warn().Err(err).Str("job_id", job.ID).Msg("job heartbeat failed")
				}
			}
		}
	}()

	err := h(ctx, job)
	close(keepalive)
	ka.Wait()

	if ctx.Err() != nil && err != nil {
		// Cancelled mid-flight: give the lease back instead of deciding
		// the outcome; the job stays claimable.
		if relErr := p.source.Release(context.Background(), job.ID, workerID); relErr != nil {
			log.Error().Err(relErr).Str("job_id", job.ID).Msg("failed to release job on shutdown")
		}
		return
	}

	status := persistence.JobDone
	if err != nil {
		status = persistence.JobFailed
		log.Error().Err(err).Str("job_id", job.ID).Str("job_type", job.JobType).Msg("job failed")
	}
	if cerr := p.source.Complete(context.Background(), job.ID, workerID, status); cerr != nil {
		log.Error().Err(cerr).Str("job_id", job.ID).Msg("failed to complete job")
	}
}

func (p *Pool) runSweep(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.source.TimeoutStale(ctx, p.cfg.StaleThreshold)
			if err != nil {
				log.Error().Err(err).Msg("stale job sweep failed")
				continue
			}
			if n > 0 {
				log.Warn().Int64("count", n).Msg("timed out stale jobs")
			}
		}
	}
}
