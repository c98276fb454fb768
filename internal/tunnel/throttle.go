package tunnel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/raphaelgruber/conduit/internal/metrics"
	"github.com/raphaelgruber/conduit/internal/queue"
)

// progressThrottle rate-limits progress submissions for a single job:
// at most one submission per interval, plus exactly one final
// submission when generation completes. Reported steps are kept
// monotonically non-decreasing.
type progressThrottle struct {
	queue     Queue
	jobID     string
	interval  time.Duration
	logger    *slog.Logger
	collector *metrics.Collector
	clock     func() time.Time

	mu        sync.Mutex
	lastSent  time.Time
	lastStep  int
	finalSent bool
}

func newProgressThrottle(q Queue, jobID string, interval time.Duration, logger *slog.Logger, collector *metrics.Collector) *progressThrottle {
	return &progressThrottle{
		queue:     q,
		jobID:     jobID,
		interval:  interval,
		logger:    logger,
		collector: collector,
		clock:     time.Now,
	}
}

// update submits progress unless a submission fired within the
// throttle interval or the step count went backwards. Submission
// failures are logged and swallowed; progress is best-effort.
func (t *progressThrottle) update(ctx context.Context, u queue.ProgressUpdate) {
	t.mu.Lock()
	now := t.clock()
	if t.finalSent || u.Step < t.lastStep || now.Sub(t.lastSent) < t.interval {
		t.mu.Unlock()
		return
	}
	t.lastSent = now
	t.lastStep = u.Step
	t.mu.Unlock()

	t.submit(ctx, u)
}

// final submits the mandatory completion update, bypassing the
// interval check. At most one final submission is sent.
func (t *progressThrottle) final(ctx context.Context, u queue.ProgressUpdate) {
	t.mu.Lock()
	if t.finalSent {
		t.mu.Unlock()
		return
	}
	t.finalSent = true
	if u.Step < t.lastStep {
		u.Step = t.lastStep
	}
	t.mu.Unlock()

	t.submit(ctx, u)
}

func (t *progressThrottle) submit(ctx context.Context, u queue.ProgressUpdate) {
	start := t.clock()
	err := t.queue.SubmitProgress(ctx, t.jobID, u)
	t.collector.Record(metrics.OpProgress, time.Since(start), err != nil)
	if err != nil {
		t.logger.Warn("progress submission failed", "job_id", t.jobID, "error", err)
	}
}
