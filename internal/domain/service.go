package domain

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"golang.org/x/time/rate"
)

const defaultProgressEvery = 10

// ServiceOptions configures a JobService.
type ServiceOptions struct {
	Queue    Queue
	Engine   Engine
	Notifier Notifier
	// Identify defaults to ParseVideoID.
	Identify IdentifierResolver
	Logger   *log.Logger
	// ProgressEvery publishes one in every N downloading callbacks. Defaults to 10.
	ProgressEvery int
	// ProgressInterval also publishes when this much time passed since the last update.
	ProgressInterval time.Duration
}

// signal is the cancellation registry entry of a job.
type signal struct {
	ctx     context.Context
	cancel  context.CancelFunc
	sampler *rate.Sometimes
}

func (s *signal) requested() bool {
	return s.ctx.Err() != nil
}

// JobService owns the job registry and the cancellation registry.
// All mutations happen under one mutex; engine calls never run while it is held.
type JobService struct {
	mu       sync.Mutex
	jobs     map[int64]*Job
	signals  map[int64]*signal
	inflight map[string]int
	nextID   atomic.Int64

	queue            Queue
	engine           Engine
	notifier         Notifier
	identify         IdentifierResolver
	logger           *log.Logger
	progressEvery    int
	progressInterval time.Duration
	now              func() time.Time
}

// NewJobService creates a new JobService.
func NewJobService(opts ServiceOptions) *JobService {
	if opts.Notifier == nil {
		opts.Notifier = NopNotifier
	}
	if opts.Identify == nil {
		opts.Identify = ParseVideoID
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = defaultProgressEvery
	}
	return &JobService{
		jobs:             make(map[int64]*Job),
		signals:          make(map[int64]*signal),
		inflight:         make(map[string]int),
		queue:            opts.Queue,
		engine:           opts.Engine,
		notifier:         opts.Notifier,
		identify:         opts.Identify,
		logger:           opts.Logger.With("component", "jobs"),
		progressEvery:    opts.ProgressEvery,
		progressInterval: opts.ProgressInterval,
		now:              time.Now,
	}
}

// Submit validates, de-duplicates and resolves a request, then queues one job per
// resolved item. Entries that fail to enqueue are logged and skipped.
func (s *JobService) Submit(ctx context.Context, req Request) ([]Job, error) {
	if _, err := url.ParseRequestURI(req.URL); err != nil {
		s.logger.Info("rejected invalid URL", "url", req.URL)
		s.toast("Invalid URL", fmt.Sprintf("'%s' is not a valid URL.", req.URL))
		return nil, ErrInvalidURL
	}

	rawURL := StripPlaylist(req.URL)
	s.logger.Info("processing URL", "url", rawURL)

	s.mu.Lock()
	identifier := s.identify(rawURL)
	if s.isDuplicateLocked(rawURL, identifier) {
		s.mu.Unlock()
		s.logger.Info("URL is already in the queue or being downloaded", "url", rawURL)
		s.toast("Duplicate URL", fmt.Sprintf("The video '%s' is already in the queue or being processed.", rawURL))
		return nil, fmt.Errorf("%w: %s", ErrDuplicateJob, rawURL)
	}
	s.reserveLocked(rawURL, identifier)
	s.mu.Unlock()
	defer s.release(rawURL, identifier)

	meta, err := s.engine.Resolve(ctx, rawURL)
	if err != nil {
		s.logger.Error("error extracting info, nothing added to queue", "url", rawURL, "err", err)
		s.toast("Failed to add item to the queue.", fmt.Sprintf("Please check the URL.\n\n %v", err))
		return nil, fmt.Errorf("%w: %v", ErrResolutionFailed, err)
	}
	s.logger.Info("extracted info", "title", meta.Title)

	folder := req.FolderName
	entries := []Metadata{*meta}
	if meta.Playlist {
		folder = PlaylistFolder(folder, meta.Title)
		entries = meta.Entries
		s.logger.Info("adding playlist to queue", "playlist", SanitizeTitle(meta.Title), "entries", len(entries))
	}

	created := make([]Job, 0, len(entries))
	for _, entry := range entries {
		job, err := s.enqueue(entry, req, folder)
		if err != nil {
			s.logger.Warn("failed to add entry to the queue", "title", entry.Title, "err", err)
			continue
		}
		created = append(created, job)
	}
	return created, nil
}

// enqueue creates the job and cancellation entries for one resolved item.
func (s *JobService) enqueue(meta Metadata, req Request, folder string) (Job, error) {
	if meta.URL == "" {
		return Job{}, fmt.Errorf("%w: missing URL for %q", ErrInvalidEntry, meta.Title)
	}

	now := s.now()
	job := &Job{
		ID:              s.nextID.Add(1),
		VideoIdentifier: meta.ID,
		URL:             meta.URL,
		Title:           meta.Title,
		FolderName:      folder,
		Settings:        req.Settings,
		AudioOnly:       req.AudioOnly,
		Status:          StatusPending,
		Progress:        ProgressInitial,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if job.Title == "" {
		job.Title = meta.URL
	}

	sigCtx, cancel := context.WithCancel(context.Background())
	sig := &signal{
		ctx:    sigCtx,
		cancel: cancel,
		sampler: &rate.Sometimes{
			First:    1,
			Every:    s.progressEvery,
			Interval: s.progressInterval,
		},
	}

	snapshot := s.insert(job, sig)
	s.queue.Push(job.ID)
	s.logger.Info("queued item", "job", job.ID, "title", job.Title)
	return snapshot, nil
}

func (s *JobService) insert(job *Job, sig *signal) Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	s.signals[job.ID] = sig
	s.notifier.Notify(Event{Name: EventJobsUpdated, Jobs: s.snapshotLocked(), At: job.CreatedAt})
	return *job
}

// Begin claims a dequeued job for execution. It returns false when the job was
// removed or cancelled before a worker reached it; cancelled jobs move to Cancelled.
func (s *JobService) Begin(id int64) (Job, context.Context, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}, nil, false
	}
	sig := s.signals[id]
	if sig.requested() {
		s.transitionLocked(job, StatusCancelled)
		s.logger.Info("item marked as skipped", "job", id)
		s.notifyJobLocked(job)
		return Job{}, nil, false
	}
	if err := s.transitionLocked(job, StatusInProgress); err != nil {
		return Job{}, nil, false
	}
	s.notifyJobLocked(job)
	return *job, sig.ctx, true
}

// Progress records an engine progress report. It returns ErrCancelled when the
// job was cancelled or removed so the engine can unwind.
func (s *JobService) Progress(id int64, ev ProgressEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return ErrCancelled
	}
	sig := s.signals[id]
	if sig.requested() {
		return ErrCancelled
	}

	switch ev.Phase {
	case PhaseDownloading:
		changed := false
		// a second stream of a merged format may start after post-processing began
		if job.Status != StatusProcessing && job.Status != StatusDownloading {
			changed = s.transitionLocked(job, StatusDownloading) == nil
		}
		sig.sampler.Do(func() {
			job.Progress = ev.Message()
			changed = true
		})
		if changed {
			job.UpdatedAt = s.now()
			s.notifyJobLocked(job)
		}
	case PhaseFinished:
		if job.Status == StatusProcessing {
			return nil
		}
		job.Progress = ProgressDownloaded
		if err := s.transitionLocked(job, StatusProcessing); err == nil {
			s.logger.Info("download finished, processing now", "job", id, "title", job.Title)
			s.notifyJobLocked(job)
		}
	}
	return nil
}

// Finish records the outcome of an engine run. A job removed in the meantime
// is left removed.
func (s *JobService) Finish(id int64, result ExecutionResult, runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		s.logger.Info("finished job was removed", "job", id)
		return
	}
	sig := s.signals[id]

	switch {
	case runErr == nil:
		if job.Status == StatusInProgress || job.Status == StatusDownloading {
			s.transitionLocked(job, StatusProcessing)
		}
		if err := s.transitionLocked(job, StatusComplete); err != nil {
			break
		}
		job.Progress = ProgressDone
		if result.Partial {
			job.Progress = ProgressIncomplete
		}
		s.logger.Info("finished download", "job", id, "title", job.Title, "progress", job.Progress)
	case errors.Is(runErr, ErrCancelled) || sig.requested():
		s.transitionLocked(job, StatusCancelled)
		s.logger.Info("download cancelled", "job", id, "title", job.Title)
	default:
		if err := s.transitionLocked(job, StatusFailed); err != nil {
			break
		}
		job.FailureReason = FailureCategory(runErr)
		job.Progress = ProgressError
		s.logger.Error("error downloading", "job", id, "title", job.Title, "err", runErr)
	}
	s.notifyJobLocked(job)
}

// Cancel requests cooperative cancellation of the given jobs and returns how many were found.
func (s *JobService) Cancel(ids ...int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := 0
	for _, id := range ids {
		job, ok := s.jobs[id]
		if !ok {
			continue
		}
		found++
		s.signals[id].cancel()
		job.CancelRequested = true
		if !job.Status.IsTerminal() {
			s.transitionLocked(job, StatusCancelling)
		}
		s.logger.Info("item marked for cancellation", "job", id)
		s.notifyJobLocked(job)
	}
	return found
}

// Remove signals and deletes the given jobs and returns how many were found.
func (s *JobService) Remove(ids ...int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	found := 0
	for _, id := range ids {
		if _, ok := s.jobs[id]; !ok {
			continue
		}
		found++
		s.logger.Info("removing item", "job", id)
		s.signals[id].cancel()
		delete(s.jobs, id)
		delete(s.signals, id)
		s.notifier.Notify(Event{Name: EventJobRemoved, JobID: id, At: s.now()})
	}
	return found
}

// Get returns a copy of a job.
func (s *JobService) Get(id int64) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	return *job, nil
}

// Snapshot returns a consistent copy of the whole registry.
func (s *JobService) Snapshot() map[int64]Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *JobService) snapshotLocked() map[int64]Job {
	out := make(map[int64]Job, len(s.jobs))
	for id, job := range s.jobs {
		out[id] = *job
	}
	return out
}

func (s *JobService) transitionLocked(job *Job, to JobStatus) error {
	if !job.Status.CanTransition(to) {
		s.logger.Warn("rejected status change", "job", job.ID, "from", job.Status, "to", to)
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, to)
	}
	if job.Status != to {
		job.Status = to
		job.UpdatedAt = s.now()
	}
	return nil
}

func (s *JobService) notifyJobLocked(job *Job) {
	copied := *job
	s.notifier.Notify(Event{Name: EventJobUpdated, Job: &copied, At: s.now()})
}

func (s *JobService) toast(title, body string) {
	s.notifier.Notify(Event{Name: EventToast, Title: title, Body: body, At: s.now()})
}

func (s *JobService) isDuplicateLocked(rawURL, identifier string) bool {
	if s.inflight["url:"+rawURL] > 0 || s.inflight["id:"+identifier] > 0 {
		return true
	}
	for _, job := range s.jobs {
		if job.URL == rawURL || job.VideoIdentifier == identifier {
			return true
		}
	}
	return false
}

func (s *JobService) reserveLocked(rawURL, identifier string) {
	s.inflight["url:"+rawURL]++
	s.inflight["id:"+identifier]++
}

func (s *JobService) release(rawURL, identifier string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range []string{"url:" + rawURL, "id:" + identifier} {
		if s.inflight[key]--; s.inflight[key] <= 0 {
			delete(s.inflight, key)
		}
	}
}
