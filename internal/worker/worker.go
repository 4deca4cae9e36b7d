package worker

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/cwygoda/tubequeue/internal/domain"
)

// Options configures a Pool.
type Options struct {
	// Size is the number of workers. Defaults to 4.
	Size int
	// DataDir is the root that job folders are resolved against.
	DataDir string
	Logger  *log.Logger
}

// Pool runs a fixed number of workers over a shared queue.
type Pool struct {
	svc      *domain.JobService
	engine   domain.Engine
	queue    *Queue
	size     int
	dataDir  string
	logger   *log.Logger
	restarts atomic.Int64
}

// New creates a new worker pool.
func New(svc *domain.JobService, engine domain.Engine, queue *Queue, opts Options) *Pool {
	if opts.Size <= 0 {
		opts.Size = 4
	}
	if opts.Logger == nil {
		opts.Logger = log.New(io.Discard)
	}
	return &Pool{
		svc:     svc,
		engine:  engine,
		queue:   queue,
		size:    opts.Size,
		dataDir: opts.DataDir,
		logger:  opts.Logger.With("component", "worker"),
	}
}

// Size returns the configured number of workers.
func (p *Pool) Size() int {
	return p.size
}

// Restarts returns how many times a crashed worker was replaced.
func (p *Pool) Restarts() int64 {
	return p.restarts.Load()
}

// Run starts the workers and blocks until ctx is cancelled and all of them returned.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		name := fmt.Sprintf("worker-%d", i)
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.supervise(ctx, name)
		}()
		p.logger.Info("started worker", "worker", name)
	}
	wg.Wait()
	p.logger.Info("workers shut down")
}

// supervise keeps one worker slot filled, replacing the worker after a crash.
func (p *Pool) supervise(ctx context.Context, name string) {
	for {
		if !p.loop(ctx, name) || ctx.Err() != nil {
			return
		}
		p.restarts.Add(1)
		p.logger.Error("worker crashed, restarting", "worker", name)
	}
}

// loop pops and processes jobs until ctx is done. It reports whether it crashed.
func (p *Pool) loop(ctx context.Context, name string) (crashed bool) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker panic", "worker", name, "panic", r)
			crashed = true
		}
	}()

	for {
		id, err := p.queue.Pop(ctx)
		if err != nil {
			return false
		}
		p.handle(ctx, name, id)
	}
}

func (p *Pool) handle(ctx context.Context, name string, id int64) {
	defer func() {
		p.queue.Done()
		if p.queue.Len() == 0 {
			p.logger.Debug("queue is empty")
		}
	}()
	p.process(ctx, name, id)
}

func (p *Pool) process(ctx context.Context, name string, id int64) {
	job, jobCtx, ok := p.svc.Begin(id)
	if !ok {
		return
	}

	logger := p.logger.With("job", id, "worker", name)
	logger.Info("starting download", "title", job.Title)

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(jobCtx, cancel)
	defer stop()

	spec := domain.ExecutionSpec{
		JobID:     job.ID,
		URL:       job.URL,
		Title:     job.Title,
		OutputDir: filepath.Join(p.dataDir, job.FolderName),
		Format:    job.Settings.FormatString(job.AudioOnly),
		AudioOnly: job.AudioOnly,
		Settings:  job.Settings,
	}

	result, err := p.execute(execCtx, spec, func(ev domain.ProgressEvent) error {
		return p.svc.Progress(id, ev)
	})
	if err != nil && ctx.Err() != nil && jobCtx.Err() == nil {
		err = &domain.ExecutionError{Category: domain.CategoryShutdown, Err: err}
	}
	p.svc.Finish(id, result, err)
	logger.Info("finished download", "title", job.Title)
}

// execute runs the engine, turning an engine panic into a failure of this job only.
func (p *Pool) execute(ctx context.Context, spec domain.ExecutionSpec, onProgress domain.ProgressFunc) (result domain.ExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &domain.ExecutionError{Category: domain.CategoryPanic, Err: fmt.Errorf("%v", r)}
		}
	}()
	return p.engine.Execute(ctx, spec, onProgress)
}
