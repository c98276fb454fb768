package tunnel_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/raphaelgruber/conduit/internal/models"
	"github.com/raphaelgruber/conduit/internal/provider"
	"github.com/raphaelgruber/conduit/internal/queue"
	"github.com/raphaelgruber/conduit/internal/tunnel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recordedProgress is one SubmitProgress call with its arrival time.
type recordedProgress struct {
	update queue.ProgressUpdate
	at     time.Time
}

// fakeQueue hands out scripted jobs and records everything submitted
// back. Poll blocks briefly when empty, like a long-polling server.
type fakeQueue struct {
	mu       sync.Mutex
	jobs     []*models.JobRequest
	pollErrs int
	polls    int
	progress map[string][]recordedProgress
	results  map[string][]models.JobResult
}

func newFakeQueue(jobs ...*models.JobRequest) *fakeQueue {
	return &fakeQueue{
		jobs:     jobs,
		progress: make(map[string][]recordedProgress),
		results:  make(map[string][]models.JobResult),
	}
}

func (q *fakeQueue) Poll(ctx context.Context, modelIDs []string) (*models.JobRequest, error) {
	q.mu.Lock()
	q.polls++
	if q.pollErrs > 0 {
		q.pollErrs--
		q.mu.Unlock()
		return nil, errors.New("connection reset")
	}
	if len(q.jobs) > 0 {
		job := q.jobs[0]
		q.jobs = q.jobs[1:]
		q.mu.Unlock()
		return job, nil
	}
	q.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	}
}

func (q *fakeQueue) SubmitProgress(ctx context.Context, jobID string, update queue.ProgressUpdate) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.progress[jobID] = append(q.progress[jobID], recordedProgress{update: update, at: time.Now()})
	return nil
}

func (q *fakeQueue) SubmitResult(ctx context.Context, jobID string, result models.JobResult) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.results[jobID] = append(q.results[jobID], result)
	return nil
}

func (q *fakeQueue) resultCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, rs := range q.results {
		n += len(rs)
	}
	return n
}

func (q *fakeQueue) resultsFor(jobID string) []models.JobResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]models.JobResult(nil), q.results[jobID]...)
}

func (q *fakeQueue) progressFor(jobID string) []recordedProgress {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]recordedProgress(nil), q.progress[jobID]...)
}

func (q *fakeQueue) pollCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.polls
}

func (q *fakeQueue) queuedJobs() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// fakeText streams scripted deltas.
type fakeText struct {
	deltas []string
	delay  time.Duration
	panics bool
}

func (f *fakeText) Name() string { return "fake-text" }
func (f *fakeText) DisplayName() string { return "Fake Text" }
func (f *fakeText) Capability() models.Capability { return models.CapabilityText }
func (f *fakeText) IsRunning(ctx context.Context) bool { return true }

func (f *fakeText) DiscoverModels(ctx context.Context) []models.ModelRecord {
	return []models.ModelRecord{{Name: "llama3.2", Provider: f.Name(), Capability: models.CapabilityText}}
}

func (f *fakeText) Chat(ctx context.Context, model string, payload models.ChatPayload, onDelta func(string) error) (string, error) {
	if f.panics {
		panic("provider exploded")
	}
	var full string
	for _, d := range f.deltas {
		if f.delay > 0 {
			time.Sleep(f.delay)
		}
		full += d
		if onDelta != nil {
			if err := onDelta(d); err != nil {
				return "", err
			}
		}
	}
	return full, nil
}

// fakeVideo emits scripted step events and returns a fixed result.
type fakeVideo struct {
	steps  int
	delay  time.Duration
	result models.JobResult
	err    error
	block  chan struct{} // when set, Generate waits for it before returning
}

func (f *fakeVideo) Name() string { return "fake-video" }
func (f *fakeVideo) DisplayName() string { return "Fake Video" }
func (f *fakeVideo) Capability() models.Capability { return models.CapabilityVideo }
func (f *fakeVideo) IsRunning(ctx context.Context) bool { return true }

func (f *fakeVideo) DiscoverModels(ctx context.Context) []models.ModelRecord {
	return []models.ModelRecord{{Name: "ltx-video-2b-v0.9.5.safetensors", Provider: f.Name(), Capability: models.CapabilityVideo}}
}

func (f *fakeVideo) Generate(ctx context.Context, model string, payload models.VideoPayload, onProgress provider.ProgressFunc) (models.JobResult, error) {
	for i := 1; i <= f.steps; i++ {
		if f.delay > 0 {
			select {
			case <-ctx.Done():
				return models.JobResult{}, ctx.Err()
			case <-time.After(f.delay):
			}
		}
		if onProgress != nil {
			onProgress(models.ProgressEvent{Step: i, TotalSteps: f.steps})
		}
	}
	if f.block != nil {
		select {
		case <-ctx.Done():
			return models.JobResult{}, ctx.Err()
		case <-f.block:
		}
	}
	if f.err != nil {
		return models.JobResult{}, f.err
	}
	return f.result, nil
}

func textJob(id string) *models.JobRequest {
	payload, _ := json.Marshal(models.ChatPayload{
		Messages: []models.ChatMessage{{Role: "user", Content: "hi"}},
	})
	return &models.JobRequest{ID: id, ModelID: "llama3.2", Kind: models.CapabilityText, Payload: payload}
}

func videoJob(id string) *models.JobRequest {
	payload, _ := json.Marshal(models.VideoPayload{Prompt: "a cat"})
	return &models.JobRequest{ID: id, ModelID: "ltx-video-2b-v0.9.5.safetensors", Kind: models.CapabilityVideo, Payload: payload}
}

// runUntil runs the runner in the background until cond holds (or the
// deadline passes), then cancels and waits for a clean drain.
func runUntil(t *testing.T, r *tunnel.Runner, cond func() bool) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			cancel()
			<-done
			t.Fatal("condition not reached in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	require.NoError(t, <-done)
}

func TestRunnerTextJobEndToEnd(t *testing.T) {
	q := newFakeQueue(textJob("job-1"))
	providers := provider.NewSet(&fakeText{
		deltas: []string{"Hello", ", ", "world"},
		delay:  2 * time.Millisecond,
	})
	r := tunnel.NewRunner(q, providers, tunnel.Options{
		ProgressInterval: time.Millisecond,
	})

	runUntil(t, r, func() bool { return q.resultCount() >= 1 })

	results := q.resultsFor("job-1")
	require.Len(t, results, 1, "exactly one result per job")
	assert.False(t, results[0].Failed())
	assert.Equal(t, "Hello, world", results[0].Content)

	progress := q.progressFor("job-1")
	require.NotEmpty(t, progress, "at least one progress submission")
	final := progress[len(progress)-1]
	assert.Equal(t, "Hello, world", final.update.Content, "final submission carries full content")
}

func TestRunnerExactlyOneResultOnPanic(t *testing.T) {
	q := newFakeQueue(textJob("job-1"))
	providers := provider.NewSet(&fakeText{panics: true})
	r := tunnel.NewRunner(q, providers, tunnel.Options{})

	runUntil(t, r, func() bool { return q.resultCount() >= 1 })

	results := q.resultsFor("job-1")
	require.Len(t, results, 1)
	assert.True(t, results[0].Failed())
	assert.Contains(t, results[0].Error, "internal error")
}

func TestRunnerNoProviderForKind(t *testing.T) {
	q := newFakeQueue(videoJob("job-1"))
	providers := provider.NewSet(&fakeText{deltas: []string{"x"}})
	r := tunnel.NewRunner(q, providers, tunnel.Options{})

	runUntil(t, r, func() bool { return q.resultCount() >= 1 })

	results := q.resultsFor("job-1")
	require.Len(t, results, 1)
	assert.True(t, results[0].Failed())
	assert.Contains(t, results[0].Error, "no provider")
}

func TestRunnerProgressThrottle(t *testing.T) {
	const interval = 30 * time.Millisecond

	q := newFakeQueue(videoJob("job-1"))
	providers := provider.NewSet(
		&fakeText{deltas: []string{"x"}},
		&fakeVideo{steps: 40, delay: 2 * time.Millisecond, result: models.JobResult{MimeType: "video/mp4"}},
	)
	r := tunnel.NewRunner(q, providers, tunnel.Options{
		ProgressInterval: interval,
	})

	runUntil(t, r, func() bool { return q.resultCount() >= 1 })

	progress := q.progressFor("job-1")
	require.GreaterOrEqual(t, len(progress), 2)

	// All but the mandatory final submission respect the interval.
	throttled := progress[:len(progress)-1]
	for i := 1; i < len(throttled); i++ {
		gap := throttled[i].at.Sub(throttled[i-1].at)
		assert.GreaterOrEqual(t, gap, interval,
			"submissions %d and %d fired %s apart", i-1, i, gap)
	}

	// Steps are monotonically non-decreasing.
	last := 0
	for _, p := range progress {
		assert.GreaterOrEqual(t, p.update.Step, last)
		if p.update.Step > last {
			last = p.update.Step
		}
	}
}

func TestRunnerPollBackoffAndRecovery(t *testing.T) {
	q := newFakeQueue(textJob("job-1"))
	q.pollErrs = 2
	providers := provider.NewSet(&fakeText{deltas: []string{"ok"}})
	r := tunnel.NewRunner(q, providers, tunnel.Options{
		PollBackoff: 10 * time.Millisecond,
	})

	runUntil(t, r, func() bool { return q.resultCount() >= 1 })

	assert.GreaterOrEqual(t, q.pollCount(), 3, "two failed polls then a successful one")
	results := q.resultsFor("job-1")
	require.Len(t, results, 1)
	assert.False(t, results[0].Failed())
}

func TestRunnerDrainsInFlightJobsOnShutdown(t *testing.T) {
	block := make(chan struct{})
	q := newFakeQueue(videoJob("job-1"))
	providers := provider.NewSet(
		&fakeText{deltas: []string{"x"}},
		&fakeVideo{steps: 1, result: models.JobResult{MimeType: "video/mp4"}, block: block},
	)
	r := tunnel.NewRunner(q, providers, tunnel.Options{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	// Wait until the job is in flight, then stop polling.
	require.Eventually(t, func() bool { return r.ActiveJobs() == 1 }, 5*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
		t.Fatal("runner returned while a job was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	require.NoError(t, <-done)

	results := q.resultsFor("job-1")
	require.Len(t, results, 1, "in-flight job reports its result after shutdown")
	assert.False(t, results[0].Failed(),
		"shutdown must not cancel the job's execution context: %s", results[0].Error)
}

func TestRunnerHoldsPollingAtConcurrencyCap(t *testing.T) {
	block := make(chan struct{})
	q := newFakeQueue(videoJob("job-1"), videoJob("job-2"))
	providers := provider.NewSet(
		&fakeText{deltas: []string{"x"}},
		&fakeVideo{steps: 1, result: models.JobResult{MimeType: "video/mp4"}, block: block},
	)
	r := tunnel.NewRunner(q, providers, tunnel.Options{Concurrency: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	require.Eventually(t, func() bool { return r.ActiveJobs() == 1 }, 5*time.Second, 5*time.Millisecond)

	// With the single slot occupied the loop must not ask for more work;
	// the second job stays on the queue.
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, r.ActiveJobs())
	assert.Equal(t, 1, q.queuedJobs())

	close(block)
	deadline := time.Now().Add(5 * time.Second)
	for q.resultCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	require.NoError(t, <-done)

	require.Len(t, q.resultsFor("job-1"), 1)
	require.Len(t, q.resultsFor("job-2"), 1)
}

func TestRunnerConcurrentJobs(t *testing.T) {
	q := newFakeQueue(videoJob("job-1"), videoJob("job-2"))
	providers := provider.NewSet(
		&fakeText{deltas: []string{"x"}},
		&fakeVideo{steps: 5, delay: 10 * time.Millisecond, result: models.JobResult{MimeType: "video/mp4"}},
	)
	r := tunnel.NewRunner(q, providers, tunnel.Options{Concurrency: 2})

	runUntil(t, r, func() bool { return q.resultCount() >= 2 })

	require.Len(t, q.resultsFor("job-1"), 1)
	require.Len(t, q.resultsFor("job-2"), 1)
}
