package domain

import "context"

// Metadata is what an engine resolves a URL to before any download happens.
type Metadata struct {
	ID      string
	Title   string
	URL     string
	Entries []Metadata
	// Playlist is set when the URL resolved to a collection, even an empty one.
	Playlist bool
}

// ExecutionSpec is everything an engine needs to download one job.
type ExecutionSpec struct {
	JobID     int64
	URL       string
	Title     string
	OutputDir string
	Format    string
	AudioOnly bool
	Settings  DownloadSettings
}

// ExecutionResult is returned by a finished engine run.
type ExecutionResult struct {
	// Partial marks a run that finished but reported non-fatal problems.
	Partial bool
}

// ProgressFunc receives engine progress. A non-nil return asks the engine to abort.
type ProgressFunc func(ProgressEvent) error

// Engine is the driven port for metadata resolution and downloading.
type Engine interface {
	Resolve(ctx context.Context, url string) (*Metadata, error)
	Execute(ctx context.Context, spec ExecutionSpec, onProgress ProgressFunc) (ExecutionResult, error)
}

// URLProcessor is an Engine that handles the URLs it matches.
type URLProcessor interface {
	Engine
	Name() string
	Match(url string) bool
}

// IdentifierResolver maps a URL to the identifier used for dedup.
type IdentifierResolver func(url string) string

// Notifier receives state-change events. Implementations must not block
// and must not call back into the JobService.
type Notifier interface {
	Notify(ev Event)
}

// Queue is the driven port for the work queue.
type Queue interface {
	Push(id int64)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(Event)

func (f NotifierFunc) Notify(ev Event) { f(ev) }

// NopNotifier drops every event.
var NopNotifier Notifier = NotifierFunc(func(Event) {})
