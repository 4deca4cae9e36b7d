package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cwygoda/tubequeue/internal/domain"
)

// scriptedEngine resolves every URL to a single item and runs execute for downloads.
type scriptedEngine struct {
	execute func(ctx context.Context, spec domain.ExecutionSpec, onProgress domain.ProgressFunc) (domain.ExecutionResult, error)
}

func (e *scriptedEngine) Resolve(ctx context.Context, url string) (*domain.Metadata, error) {
	return &domain.Metadata{ID: url, Title: "Title " + url, URL: url}, nil
}

func (e *scriptedEngine) Execute(ctx context.Context, spec domain.ExecutionSpec, onProgress domain.ProgressFunc) (domain.ExecutionResult, error) {
	if e.execute == nil {
		return domain.ExecutionResult{}, nil
	}
	return e.execute(ctx, spec, onProgress)
}

// recorder collects job notifications per job id.
type recorder struct {
	mu       sync.Mutex
	statuses map[int64][]domain.JobStatus
	hook     func(domain.Event)
}

func (r *recorder) Notify(ev domain.Event) {
	if r.hook != nil {
		r.hook(ev)
	}
	if ev.Job == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.statuses == nil {
		r.statuses = make(map[int64][]domain.JobStatus)
	}
	r.statuses[ev.Job.ID] = append(r.statuses[ev.Job.ID], ev.Job.Status)
}

func (r *recorder) seen(id int64, status domain.JobStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.statuses[id] {
		if s == status {
			return true
		}
	}
	return false
}

type harness struct {
	svc  *domain.JobService
	q    *Queue
	pool *Pool
	rec  *recorder
	stop context.CancelFunc
	done chan struct{}
}

func newHarness(t *testing.T, engine domain.Engine, size int, rec *recorder) *harness {
	t.Helper()
	if rec == nil {
		rec = &recorder{}
	}
	q := NewQueue()
	svc := domain.NewJobService(domain.ServiceOptions{Queue: q, Engine: engine, Notifier: rec})
	pool := New(svc, engine, q, Options{Size: size, DataDir: t.TempDir()})

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{svc: svc, q: q, pool: pool, rec: rec, stop: cancel, done: make(chan struct{})}
	go func() {
		pool.Run(ctx)
		close(h.done)
	}()
	t.Cleanup(h.shutdown)
	return h
}

func (h *harness) shutdown() {
	h.stop()
	<-h.done
}

func (h *harness) submit(t *testing.T, url string) int64 {
	t.Helper()
	jobs, err := h.svc.Submit(context.Background(), domain.Request{URL: url, FolderName: "Video"})
	if err != nil {
		t.Fatalf("Submit(%q) error = %v", url, err)
	}
	return jobs[0].ID
}

// wait blocks until every queued job was handled, failing the test after a timeout.
func (h *harness) wait(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		h.q.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for the queue to drain")
	}
}

func (h *harness) job(t *testing.T, id int64) domain.Job {
	t.Helper()
	job, err := h.svc.Get(id)
	if err != nil {
		t.Fatalf("Get(%d) error = %v", id, err)
	}
	return job
}

func TestQueue_FIFO(t *testing.T) {
	q := NewQueue()
	for i := int64(1); i <= 3; i++ {
		q.Push(i)
	}
	if q.Len() != 3 {
		t.Errorf("Len() = %d, want 3", q.Len())
	}

	ctx := context.Background()
	for want := int64(1); want <= 3; want++ {
		got, err := q.Pop(ctx)
		if err != nil || got != want {
			t.Errorf("Pop() = %d, %v; want %d", got, err, want)
		}
		q.Done()
	}
	q.Wait()
}

func TestQueue_PopCancelled(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Pop() error = %v, want DeadlineExceeded", err)
	}
}

func TestQueue_PopWakesBlockedConsumers(t *testing.T) {
	q := NewQueue()
	const n = 4
	got := make(chan int64, n)
	for i := 0; i < n; i++ {
		go func() {
			id, err := q.Pop(context.Background())
			if err == nil {
				got <- id
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	for i := int64(1); i <= n; i++ {
		q.Push(i)
	}

	seen := make(map[int64]bool)
	for i := 0; i < n; i++ {
		select {
		case id := <-got:
			if seen[id] {
				t.Errorf("id %d popped twice", id)
			}
			seen[id] = true
		case <-time.After(5 * time.Second):
			t.Fatal("consumer not woken")
		}
	}
}

func TestPool_Complete(t *testing.T) {
	var gotSpec domain.ExecutionSpec
	engine := &scriptedEngine{execute: func(ctx context.Context, spec domain.ExecutionSpec, onProgress domain.ProgressFunc) (domain.ExecutionResult, error) {
		gotSpec = spec
		onProgress(domain.ProgressEvent{Phase: domain.PhaseDownloading, Percent: "50%", Speed: "1MiB/s"})
		onProgress(domain.ProgressEvent{Phase: domain.PhaseFinished})
		return domain.ExecutionResult{}, nil
	}}
	h := newHarness(t, engine, 2, nil)

	id := h.submit(t, "https://example.com/a")
	h.wait(t)

	job := h.job(t, id)
	if job.Status != domain.StatusComplete || job.Progress != domain.ProgressDone {
		t.Errorf("job = %q/%q, want Complete/Done", job.Status, job.Progress)
	}
	for _, s := range []domain.JobStatus{domain.StatusInProgress, domain.StatusDownloading, domain.StatusProcessing} {
		if !h.rec.seen(id, s) {
			t.Errorf("status %q never notified", s)
		}
	}
	if gotSpec.Format != "bestvideo+bestaudio/best" || gotSpec.JobID != id {
		t.Errorf("spec = %+v", gotSpec)
	}
}

func TestPool_Partial(t *testing.T) {
	engine := &scriptedEngine{execute: func(ctx context.Context, spec domain.ExecutionSpec, onProgress domain.ProgressFunc) (domain.ExecutionResult, error) {
		return domain.ExecutionResult{Partial: true}, nil
	}}
	h := newHarness(t, engine, 1, nil)

	id := h.submit(t, "https://example.com/a")
	h.wait(t)

	if job := h.job(t, id); job.Status != domain.StatusComplete || job.Progress != domain.ProgressIncomplete {
		t.Errorf("job = %q/%q, want Complete/Incomplete", job.Status, job.Progress)
	}
}

func TestPool_Failure(t *testing.T) {
	engine := &scriptedEngine{execute: func(ctx context.Context, spec domain.ExecutionSpec, onProgress domain.ProgressFunc) (domain.ExecutionResult, error) {
		return domain.ExecutionResult{}, &domain.ExecutionError{Category: "DownloadError", Err: errors.New("HTTP 403")}
	}}
	h := newHarness(t, engine, 1, nil)

	id := h.submit(t, "https://example.com/a")
	h.wait(t)

	job := h.job(t, id)
	if job.Status != domain.StatusFailed || job.FailureReason != "DownloadError" {
		t.Errorf("job = %q/%q, want Failed/DownloadError", job.Status, job.FailureReason)
	}
}

func TestPool_EnginePanic(t *testing.T) {
	engine := &scriptedEngine{execute: func(ctx context.Context, spec domain.ExecutionSpec, onProgress domain.ProgressFunc) (domain.ExecutionResult, error) {
		if spec.URL == "https://example.com/bad" {
			panic("engine exploded")
		}
		return domain.ExecutionResult{}, nil
	}}
	h := newHarness(t, engine, 1, nil)

	bad := h.submit(t, "https://example.com/bad")
	good := h.submit(t, "https://example.com/good")
	h.wait(t)

	if job := h.job(t, bad); job.Status != domain.StatusFailed || job.FailureReason != domain.CategoryPanic {
		t.Errorf("bad job = %q/%q, want Failed/Panic", job.Status, job.FailureReason)
	}
	if job := h.job(t, good); job.Status != domain.StatusComplete {
		t.Errorf("good job = %q, want Complete", job.Status)
	}
	if h.pool.Restarts() != 0 {
		t.Errorf("Restarts() = %d, want 0", h.pool.Restarts())
	}
}

func TestPool_WorkerRespawn(t *testing.T) {
	var crashed atomic.Bool
	rec := &recorder{}
	rec.hook = func(ev domain.Event) {
		// crash the worker once, outside the engine
		if ev.Job != nil && ev.Job.Status == domain.StatusInProgress && ev.Job.URL == "https://example.com/crash" {
			if crashed.CompareAndSwap(false, true) {
				panic("notifier exploded")
			}
		}
	}
	h := newHarness(t, &scriptedEngine{}, 1, rec)

	h.submit(t, "https://example.com/crash")
	next := h.submit(t, "https://example.com/next")
	h.wait(t)

	if h.pool.Restarts() != 1 {
		t.Errorf("Restarts() = %d, want 1", h.pool.Restarts())
	}
	if job := h.job(t, next); job.Status != domain.StatusComplete {
		t.Errorf("job after crash = %q, want Complete", job.Status)
	}
}

func TestPool_CancelPending(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	engine := &scriptedEngine{execute: func(ctx context.Context, spec domain.ExecutionSpec, onProgress domain.ProgressFunc) (domain.ExecutionResult, error) {
		if spec.URL == "https://example.com/first" {
			close(started)
			<-release
		}
		onProgress(domain.ProgressEvent{Phase: domain.PhaseDownloading})
		return domain.ExecutionResult{}, nil
	}}
	h := newHarness(t, engine, 1, nil)

	h.submit(t, "https://example.com/first")
	<-started
	second := h.submit(t, "https://example.com/second")
	h.svc.Cancel(second)
	close(release)
	h.wait(t)

	if job := h.job(t, second); job.Status != domain.StatusCancelled {
		t.Errorf("job = %q, want Cancelled", job.Status)
	}
	for _, s := range []domain.JobStatus{domain.StatusInProgress, domain.StatusDownloading} {
		if h.rec.seen(second, s) {
			t.Errorf("cancelled job reached %q", s)
		}
	}
}

func TestPool_CancelDuringDownload(t *testing.T) {
	downloading := make(chan struct{})
	engine := &scriptedEngine{execute: func(ctx context.Context, spec domain.ExecutionSpec, onProgress domain.ProgressFunc) (domain.ExecutionResult, error) {
		onProgress(domain.ProgressEvent{Phase: domain.PhaseDownloading, Percent: "1%"})
		close(downloading)
		for {
			if err := onProgress(domain.ProgressEvent{Phase: domain.PhaseDownloading}); err != nil {
				return domain.ExecutionResult{}, fmt.Errorf("aborted: %w", err)
			}
			select {
			case <-ctx.Done():
				return domain.ExecutionResult{}, ctx.Err()
			case <-time.After(time.Millisecond):
			}
		}
	}}
	h := newHarness(t, engine, 1, nil)

	id := h.submit(t, "https://example.com/a")
	<-downloading
	h.svc.Cancel(id)
	h.wait(t)

	if job := h.job(t, id); job.Status != domain.StatusCancelled {
		t.Errorf("job = %q, want Cancelled", job.Status)
	}
}

func TestPool_ContextCancelReachesEngine(t *testing.T) {
	running := make(chan struct{})
	engine := &scriptedEngine{execute: func(ctx context.Context, spec domain.ExecutionSpec, onProgress domain.ProgressFunc) (domain.ExecutionResult, error) {
		close(running)
		<-ctx.Done()
		return domain.ExecutionResult{}, ctx.Err()
	}}
	h := newHarness(t, engine, 1, nil)

	id := h.submit(t, "https://example.com/a")
	<-running
	h.svc.Cancel(id)
	h.wait(t)

	if job := h.job(t, id); job.Status != domain.StatusCancelled {
		t.Errorf("job = %q, want Cancelled", job.Status)
	}
}

func TestPool_RemoveWhileRunning(t *testing.T) {
	running := make(chan struct{})
	engine := &scriptedEngine{execute: func(ctx context.Context, spec domain.ExecutionSpec, onProgress domain.ProgressFunc) (domain.ExecutionResult, error) {
		close(running)
		<-ctx.Done()
		return domain.ExecutionResult{}, nil
	}}
	h := newHarness(t, engine, 1, nil)

	id := h.submit(t, "https://example.com/a")
	<-running
	h.svc.Remove(id)
	h.wait(t)

	if _, err := h.svc.Get(id); !errors.Is(err, domain.ErrJobNotFound) {
		t.Errorf("Get() error = %v, want ErrJobNotFound", err)
	}
	if len(h.svc.Snapshot()) != 0 {
		t.Error("removed job reappeared")
	}
}

func TestPool_NonCooperativeEngine(t *testing.T) {
	running := make(chan struct{})
	release := make(chan struct{})
	engine := &scriptedEngine{execute: func(ctx context.Context, spec domain.ExecutionSpec, onProgress domain.ProgressFunc) (domain.ExecutionResult, error) {
		close(running)
		<-release
		return domain.ExecutionResult{}, nil
	}}
	h := newHarness(t, engine, 1, nil)

	id := h.submit(t, "https://example.com/a")
	<-running
	h.svc.Cancel(id)
	close(release)
	h.wait(t)

	// an engine that ignores cancellation and succeeds leaves a completed job
	job := h.job(t, id)
	if job.Status != domain.StatusComplete || !job.CancelRequested {
		t.Errorf("job = %q cancel=%v, want Complete with cancel flag", job.Status, job.CancelRequested)
	}
}

func TestPool_Shutdown(t *testing.T) {
	running := make(chan struct{})
	engine := &scriptedEngine{execute: func(ctx context.Context, spec domain.ExecutionSpec, onProgress domain.ProgressFunc) (domain.ExecutionResult, error) {
		close(running)
		<-ctx.Done()
		return domain.ExecutionResult{}, ctx.Err()
	}}
	h := newHarness(t, engine, 1, nil)

	id := h.submit(t, "https://example.com/a")
	<-running
	h.shutdown()

	job := h.job(t, id)
	if job.Status != domain.StatusFailed || job.FailureReason != domain.CategoryShutdown {
		t.Errorf("job = %q/%q, want Failed/Shutdown", job.Status, job.FailureReason)
	}
}

func TestPool_Concurrency(t *testing.T) {
	const (
		workers = 3
		jobs    = 12
	)
	var (
		active  atomic.Int32
		maxSeen atomic.Int32
		mu      sync.Mutex
		runs    = make(map[int64]int)
	)
	engine := &scriptedEngine{execute: func(ctx context.Context, spec domain.ExecutionSpec, onProgress domain.ProgressFunc) (domain.ExecutionResult, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			cur := maxSeen.Load()
			if n <= cur || maxSeen.CompareAndSwap(cur, n) {
				break
			}
		}
		mu.Lock()
		runs[spec.JobID]++
		mu.Unlock()
		onProgress(domain.ProgressEvent{Phase: domain.PhaseDownloading})
		time.Sleep(10 * time.Millisecond)
		return domain.ExecutionResult{}, nil
	}}
	h := newHarness(t, engine, workers, nil)

	var ids []int64
	for i := 0; i < jobs; i++ {
		ids = append(ids, h.submit(t, fmt.Sprintf("https://example.com/%d", i)))
	}
	h.wait(t)

	if got := maxSeen.Load(); got > workers {
		t.Errorf("max concurrent executions = %d, want <= %d", got, workers)
	}
	mu.Lock()
	defer mu.Unlock()
	for _, id := range ids {
		if runs[id] != 1 {
			t.Errorf("job %d executed %d times, want 1", id, runs[id])
		}
		if job := h.job(t, id); job.Status != domain.StatusComplete {
			t.Errorf("job %d = %q, want Complete", id, job.Status)
		}
	}
	if h.pool.Size() != workers {
		t.Errorf("Size() = %d, want %d", h.pool.Size(), workers)
	}
}
