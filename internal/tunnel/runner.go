// Package tunnel contains the dispatcher: the long-poll loop that
// fetches jobs from the remote queue, routes them to local providers,
// and reports progress and results back.
package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/raphaelgruber/conduit/internal/metrics"
	"github.com/raphaelgruber/conduit/internal/models"
	"github.com/raphaelgruber/conduit/internal/provider"
	"github.com/raphaelgruber/conduit/internal/queue"
)

// Queue is the remote job queue surface the runner depends on.
type Queue interface {
	Poll(ctx context.Context, modelIDs []string) (*models.JobRequest, error)
	SubmitProgress(ctx context.Context, jobID string, update queue.ProgressUpdate) error
	SubmitResult(ctx context.Context, jobID string, result models.JobResult) error
}

// Options tunes the runner.
type Options struct {
	// Concurrency caps in-flight jobs. Zero means 2.
	Concurrency int
	// PollBackoff is the wait after a poll transport failure.
	// Zero means 5s. Poll failures are the only retried category.
	PollBackoff time.Duration
	// ProgressInterval is the per-job progress throttle. Zero means 100ms.
	ProgressInterval time.Duration
	// ResultTimeout bounds each result/final-progress submission.
	// Zero means 30s.
	ResultTimeout time.Duration
	Logger        *slog.Logger
	Metrics       *metrics.Collector
}

// Runner supervises the poll loop and the concurrently executing jobs.
type Runner struct {
	queue     Queue
	providers *provider.Set
	opts      Options

	sem    chan struct{}
	wg     sync.WaitGroup
	active atomic.Int64
}

// NewRunner creates a dispatcher over the given queue and providers.
func NewRunner(q Queue, providers *provider.Set, opts Options) *Runner {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	if opts.PollBackoff <= 0 {
		opts.PollBackoff = 5 * time.Second
	}
	if opts.ProgressInterval <= 0 {
		opts.ProgressInterval = 100 * time.Millisecond
	}
	if opts.ResultTimeout <= 0 {
		opts.ResultTimeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewCollector()
	}
	return &Runner{
		queue:     q,
		providers: providers,
		opts:      opts,
		sem:       make(chan struct{}, opts.Concurrency),
	}
}

// ActiveJobs returns the number of jobs currently executing.
func (r *Runner) ActiveJobs() int64 {
	return r.active.Load()
}

// Run polls until ctx is canceled, dispatching each received job
// without blocking the loop. In-flight jobs are allowed to finish
// after the loop stops.
func (r *Runner) Run(ctx context.Context) error {
	modelIDs := r.servableModels(ctx)
	if len(modelIDs) == 0 {
		return fmt.Errorf("no servable models discovered: are the backends running?")
	}
	r.opts.Logger.Info("tunnel started",
		"models", len(modelIDs), "concurrency", r.opts.Concurrency)

	bo := backoff.NewConstantBackOff(r.opts.PollBackoff)
	for ctx.Err() == nil {
		// Hold an execution slot before asking for work, so the queue
		// is only polled when a job could start immediately.
		select {
		case r.sem <- struct{}{}:
		case <-ctx.Done():
			continue
		}

		start := time.Now()
		job, err := r.queue.Poll(ctx, modelIDs)
		r.opts.Metrics.Record(metrics.OpPoll, time.Since(start), err != nil)

		if err != nil {
			<-r.sem
			if ctx.Err() != nil {
				break
			}
			wait := bo.NextBackOff()
			r.opts.Logger.Warn("poll failed, backing off", "error", err, "wait", wait)
			if !sleepCtx(ctx, wait) {
				break
			}
			continue
		}
		bo.Reset()

		if job == nil {
			// Long-poll answered "no job"; loop immediately.
			<-r.sem
			continue
		}
		r.dispatch(ctx, job)
	}

	r.opts.Logger.Info("polling stopped, draining in-flight jobs", "active", r.ActiveJobs())
	r.wg.Wait()
	return nil
}

// servableModels discovers what the local backends can serve, once per
// runner start.
func (r *Runner) servableModels(ctx context.Context) []string {
	records := r.providers.DiscoverAll(ctx)
	ids := make([]string, 0, len(records))
	for _, rec := range records {
		ids = append(ids, rec.Name)
	}
	r.opts.Logger.Info("discovered models", "ids", strings.Join(ids, ","))
	return ids
}

// dispatch hands the job to a worker goroutine and returns immediately
// so the poll loop can accept the next job. The execution slot acquired
// by the poll loop is released when the job finishes.
func (r *Runner) dispatch(ctx context.Context, job *models.JobRequest) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-r.sem }()

		r.active.Add(1)
		defer r.active.Add(-1)

		r.runJob(ctx, job)
	}()
}

// runJob executes one job and reports exactly one terminal result,
// even when the provider panics.
func (r *Runner) runJob(ctx context.Context, job *models.JobRequest) {
	log := r.opts.Logger.With("job_id", job.ID, "kind", job.Kind, "model", job.ModelID)
	log.Info("job started", "active", r.ActiveJobs())

	throttle := newProgressThrottle(r.queue, job.ID, r.opts.ProgressInterval, log, r.opts.Metrics)

	// Shutdown stops polling only. Execution, progress, and the final
	// result submission run detached from the poll loop's context so an
	// accepted job finishes and reports rather than being canceled.
	jobCtx := context.WithoutCancel(ctx)

	start := time.Now()
	var result models.JobResult
	func() {
		defer func() {
			if rec := recover(); rec != nil {
				log.Error("job panicked", "panic", rec)
				result = models.JobResult{Error: fmt.Sprintf("internal error: %v", rec)}
			}
		}()
		result = r.execute(jobCtx, job, throttle)
	}()
	r.opts.Metrics.Record(jobMetricOp(job.Kind), time.Since(start), result.Failed())

	submitCtx, cancel := context.WithTimeout(jobCtx, r.opts.ResultTimeout)
	defer cancel()

	throttle.final(submitCtx, queue.ProgressUpdate{Content: result.Content})

	if err := r.queue.SubmitResult(submitCtx, job.ID, result); err != nil {
		log.Error("result submission failed", "error", err)
		return
	}
	if result.Failed() {
		log.Warn("job failed", "error", result.Error, "duration", time.Since(start))
	} else {
		log.Info("job completed", "duration", time.Since(start))
	}
}

// execute routes the job to a capability-matched provider. Every
// failure comes back as a failure result; nothing escapes.
func (r *Runner) execute(ctx context.Context, job *models.JobRequest, throttle *progressThrottle) models.JobResult {
	prov, ok := r.providers.ByCapability(job.Kind)
	if !ok {
		return models.JobResult{Error: fmt.Sprintf("no provider for capability %q", job.Kind)}
	}

	onProgress := func(ev models.ProgressEvent) {
		throttle.update(ctx, queue.ProgressUpdate{Step: ev.Step, TotalSteps: ev.TotalSteps})
	}

	switch job.Kind {
	case models.CapabilityText:
		tp, ok := prov.(provider.TextProvider)
		if !ok {
			return models.JobResult{Error: "text provider has wrong contract"}
		}
		payload, err := job.ChatPayload()
		if err != nil {
			return models.FailureResult(fmt.Errorf("malformed chat payload: %w", err))
		}
		var sb strings.Builder
		content, err := tp.Chat(ctx, job.ModelID, payload, func(delta string) error {
			sb.WriteString(delta)
			throttle.update(ctx, queue.ProgressUpdate{Content: sb.String()})
			return nil
		})
		if err != nil {
			return models.FailureResult(err)
		}
		if content == "" {
			content = sb.String()
		}
		return models.JobResult{Content: content}

	case models.CapabilityImage:
		ip, ok := prov.(provider.ImageProvider)
		if !ok {
			return models.JobResult{Error: "image provider has wrong contract"}
		}
		payload, err := job.ImagePayload()
		if err != nil {
			return models.FailureResult(fmt.Errorf("malformed image payload: %w", err))
		}
		result, err := ip.Generate(ctx, job.ModelID, payload, onProgress)
		if err != nil {
			return models.FailureResult(err)
		}
		return result

	case models.CapabilityVideo:
		vp, ok := prov.(provider.VideoProvider)
		if !ok {
			return models.JobResult{Error: "video provider has wrong contract"}
		}
		payload, err := job.VideoPayload()
		if err != nil {
			return models.FailureResult(fmt.Errorf("malformed video payload: %w", err))
		}
		result, err := vp.Generate(ctx, job.ModelID, payload, onProgress)
		if err != nil {
			return models.FailureResult(err)
		}
		return result

	default:
		return models.JobResult{Error: fmt.Sprintf("unknown job kind %q", job.Kind)}
	}
}

func jobMetricOp(kind models.Capability) string {
	switch kind {
	case models.CapabilityText:
		return metrics.OpTextJob
	case models.CapabilityImage:
		return metrics.OpImageJob
	default:
		return metrics.OpVideoJob
	}
}

// sleepCtx waits for d, returning false if ctx was canceled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
