package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tubelens/outlierd/internal/domain"
	"github.com/tubelens/outlierd/internal/store"
)

// newJobID returns the UUID used as an export job's primary key.
func newJobID() string { return uuid.NewString() }

const (
	// DefaultWorkers is the pool size when the config does not say otherwise.
	DefaultWorkers = 3

	// DefaultQueueCapacity bounds the submission queue. Submissions beyond
	// it are rejected with ErrQueueFull rather than blocking the caller.
	DefaultQueueCapacity = 256

	// DefaultStopTimeout bounds how long Stop waits for workers to drain.
	DefaultStopTimeout = 30 * time.Second
)

// ErrQueueFull is returned by Enqueue when the submission queue is at
// capacity.
var ErrQueueFull = errors.New("export: queue full")

// ErrNotRunning is returned by Enqueue before Start or after Stop.
var ErrNotRunning = errors.New("export: pool not running")

// queueItem is either a job id or a shutdown sentinel. One sentinel is
// broadcast per worker on Stop.
type queueItem struct {
	jobID    string
	sentinel bool
}

// Stats is a point-in-time snapshot of the pool, served on the health
// endpoint.
type Stats struct {
	Running    bool `json:"running"`
	Workers    int  `json:"workers"`
	QueueDepth int  `json:"queueDepth"`
	Capacity   int  `json:"capacity"`
}

// Config wires a Pool.
type Config struct {
	Store     store.Store
	Renderer  Renderer
	Logger    *slog.Logger
	OutputDir string

	Workers       int
	QueueCapacity int
	StopTimeout   time.Duration
}

// Pool is a fixed-size worker pool draining a FIFO queue of export-job ids.
// Job state lives in the store; the queue carries only ids, so a restart
// can requeue whatever is still pending.
type Pool struct {
	store     store.Store
	renderer  Renderer
	logger    *slog.Logger
	outputDir string

	workers     int
	capacity    int
	stopTimeout time.Duration

	queue chan queueItem
	wg    sync.WaitGroup

	mu      sync.Mutex
	running bool
}

func NewPool(cfg Config) *Pool {
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	stopTimeout := cfg.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = DefaultStopTimeout
	}

	return &Pool{
		store:       cfg.Store,
		renderer:    cfg.Renderer,
		logger:      cfg.Logger,
		outputDir:   cfg.OutputDir,
		workers:     workers,
		capacity:    capacity,
		stopTimeout: stopTimeout,
		queue:       make(chan queueItem, capacity+workers), // extra room for sentinels
	}
}

// Start launches the workers and requeues any jobs left pending in the
// store, so work submitted before a restart is not stranded.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.mu.Unlock()

	if err := os.MkdirAll(p.outputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create export output dir: %w", err)
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	p.logger.Info("export worker pool started", "workers", p.workers)

	p.recoverInterrupted(ctx)

	pending, err := p.store.ExportJobs().ListPending(ctx, 0)
	if err != nil {
		return fmt.Errorf("failed to list pending export jobs: %w", err)
	}
	for _, job := range pending {
		if err := p.Enqueue(job.ID); err != nil {
			p.logger.Warn("failed to requeue pending export job", "job_id", job.ID, "error", err)
		}
	}
	if len(pending) > 0 {
		p.logger.Info("requeued pending export jobs", "count", len(pending))
	}
	return nil
}

// recoverInterrupted handles jobs left in the processing state by an
// unclean shutdown. Each is failed against its retry budget and, while
// budget remains, reset and requeued.
func (p *Pool) recoverInterrupted(ctx context.Context) {
	jobs := p.store.ExportJobs()

	stuck, err := jobs.ListProcessing(ctx)
	if err != nil {
		p.logger.Error("failed to list interrupted export jobs", "error", err)
		return
	}

	now := time.Now().UTC()
	for _, job := range stuck {
		if err := jobs.MarkFailed(ctx, job.ID, "processing interrupted by restart", true, now); err != nil {
			p.logger.Warn("failed to mark interrupted export job", "job_id", job.ID, "error", err)
			continue
		}
		refreshed, err := jobs.Retry(ctx, job.ID, now)
		if err != nil {
			if errors.Is(err, store.ErrInvalidTransition) {
				p.logger.Warn("export job exhausted its retry budget during restart recovery",
					"job_id", job.ID)
				continue
			}
			p.logger.Warn("failed to reset interrupted export job", "job_id", job.ID, "error", err)
			continue
		}
		if err := p.Enqueue(refreshed.ID); err != nil {
			p.logger.Warn("failed to requeue interrupted export job", "job_id", refreshed.ID, "error", err)
		}
	}
	if len(stuck) > 0 {
		p.logger.Info("recovered interrupted export jobs", "count", len(stuck))
	}
}

// Enqueue submits a job id for processing. Never blocks: a full queue is
// reported as ErrQueueFull.
func (p *Pool) Enqueue(jobID string) error {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	// The channel holds extra slots reserved for shutdown sentinels, so
	// fullness is judged against the configured capacity, not cap().
	if len(p.queue) >= p.capacity {
		return ErrQueueFull
	}

	select {
	case p.queue <- queueItem{jobID: jobID}:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop broadcasts one sentinel per worker and waits, up to the configured
// timeout, for all of them to exit. Jobs already picked up finish; queued
// ids remain pending in the store and are requeued on the next Start.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.mu.Unlock()

	for i := 0; i < p.workers; i++ {
		p.queue <- queueItem{sentinel: true}
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("export worker pool stopped")
		return nil
	case <-time.After(p.stopTimeout):
		return fmt.Errorf("export: workers did not stop within %s", p.stopTimeout)
	}
}

// Stats reports the pool snapshot.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Running:    p.running,
		Workers:    p.workers,
		QueueDepth: len(p.queue),
		Capacity:   p.capacity,
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	log := p.logger.With("worker", id)
	for item := range p.queue {
		if item.sentinel {
			return
		}
		// A job failure never takes the worker down with it.
		p.process(context.Background(), log, item.jobID)
	}
}

// process runs the export pipeline for one job. Every store mutation is
// guarded: a job cancelled at any point makes the next mutation report
// ErrInvalidTransition, at which point the worker abandons the job without
// touching its terminal state.
func (p *Pool) process(ctx context.Context, log *slog.Logger, jobID string) {
	now := time.Now().UTC()
	jobs := p.store.ExportJobs()

	if err := jobs.MarkStarted(ctx, jobID, now); err != nil {
		if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
			log.Debug("skipping export job no longer pending", "job_id", jobID)
			return
		}
		log.Error("failed to start export job", "job_id", jobID, "error", err)
		return
	}

	job, err := jobs.GetByID(ctx, jobID)
	if err != nil {
		p.fail(ctx, log, jobID, fmt.Errorf("failed to load job: %w", err))
		return
	}

	log.Info("processing export job", "job_id", jobID, "format", job.Format)

	if p.abandoned(ctx, log, jobID, jobs.UpdateProgress(ctx, jobID, 10, "export started", time.Now().UTC())) {
		return
	}

	data, err := p.renderer.Render(ctx, job.Format, job.AnalysisID, job.UserID)
	if err != nil {
		p.fail(ctx, log, jobID, err)
		return
	}

	if p.abandoned(ctx, log, jobID, jobs.UpdateProgress(ctx, jobID, 70, "render complete", time.Now().UTC())) {
		return
	}

	filename := fmt.Sprintf("export_%s.%s", job.ID, job.Format.FileExtension())
	path := filepath.Join(p.outputDir, filename)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		p.fail(ctx, log, jobID, fmt.Errorf("failed to write export file: %w", err))
		return
	}

	info, err := os.Stat(path)
	if err != nil {
		p.fail(ctx, log, jobID, fmt.Errorf("failed to stat export file: %w", err))
		return
	}

	err = jobs.MarkCompleted(ctx, jobID, path, filename, job.Format.MIMEType(), info.Size(), time.Now().UTC())
	if err != nil {
		if errors.Is(err, store.ErrInvalidTransition) {
			// Cancelled mid-flight; the file is orphaned, remove it.
			_ = os.Remove(path)
			log.Debug("export job cancelled before completion", "job_id", jobID)
			return
		}
		log.Error("failed to complete export job", "job_id", jobID, "error", err)
		return
	}

	log.Info("export job completed", "job_id", jobID, "file", filename, "size", info.Size())
}

// abandoned reports whether the pipeline should stop because the job was
// cancelled (or deleted) underneath the worker.
func (p *Pool) abandoned(ctx context.Context, log *slog.Logger, jobID string, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound) {
		log.Debug("export job no longer processing, abandoning", "job_id", jobID)
		return true
	}
	p.fail(ctx, log, jobID, err)
	return true
}

func (p *Pool) fail(ctx context.Context, log *slog.Logger, jobID string, cause error) {
	log.Warn("export job failed", "job_id", jobID, "error", cause)

	err := p.store.ExportJobs().MarkFailed(ctx, jobID, cause.Error(), true, time.Now().UTC())
	if err != nil && !errors.Is(err, store.ErrInvalidTransition) && !errors.Is(err, store.ErrNotFound) {
		log.Error("failed to record export job failure", "job_id", jobID, "error", err)
	}
}

// CreateJob builds and persists a new pending job, then enqueues it. When
// the queue is full the job stays pending for the next Start (or a manual
// retry) instead of being lost, and the error is still surfaced.
func (p *Pool) CreateJob(ctx context.Context, userID, analysisID string, format domain.ExportFormat) (domain.ExportJob, error) {
	now := time.Now().UTC()
	job := domain.ExportJob{
		ID:         newJobID(),
		UserID:     userID,
		AnalysisID: analysisID,
		Format:     format,
		Status:     domain.ExportPending,
		MaxRetries: domain.DefaultMaxRetries,
		CreatedAt:  now,
		ExpiresAt:  now.Add(24 * time.Hour),
	}
	if err := p.store.ExportJobs().Create(ctx, job); err != nil {
		return domain.ExportJob{}, fmt.Errorf("failed to create export job: %w", err)
	}

	if err := p.Enqueue(job.ID); err != nil {
		return job, err
	}
	return job, nil
}

// RetryJob resets a retry-eligible failed job and puts it back on the
// queue.
func (p *Pool) RetryJob(ctx context.Context, jobID string) (domain.ExportJob, error) {
	job, err := p.store.ExportJobs().Retry(ctx, jobID, time.Now().UTC())
	if err != nil {
		return domain.ExportJob{}, err
	}
	if err := p.Enqueue(job.ID); err != nil {
		return job, err
	}
	return job, nil
}
