package processor

import (
	"context"
	"fmt"

	"github.com/cwygoda/tubequeue/internal/domain"
)

// Registry holds registered URL processors and dispatches engine calls to the
// first one matching the URL.
type Registry struct {
	processors []domain.URLProcessor
}

// NewRegistry creates a new processor registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a processor to the registry.
func (r *Registry) Register(p domain.URLProcessor) {
	r.processors = append(r.processors, p)
}

// Match returns the first processor that matches the URL, or nil.
func (r *Registry) Match(url string) domain.URLProcessor {
	for _, p := range r.processors {
		if p.Match(url) {
			return p
		}
	}
	return nil
}

// Processors returns all registered processors.
func (r *Registry) Processors() []domain.URLProcessor {
	return r.processors
}

// Resolve resolves url with the matching processor.
func (r *Registry) Resolve(ctx context.Context, url string) (*domain.Metadata, error) {
	p := r.Match(url)
	if p == nil {
		return nil, fmt.Errorf("no processor for URL %s", url)
	}
	return p.Resolve(ctx, url)
}

// Execute downloads spec.URL with the matching processor.
func (r *Registry) Execute(ctx context.Context, spec domain.ExecutionSpec, onProgress domain.ProgressFunc) (domain.ExecutionResult, error) {
	p := r.Match(spec.URL)
	if p == nil {
		return domain.ExecutionResult{}, &domain.ExecutionError{
			Category: "NoProcessor",
			Err:      fmt.Errorf("no processor for URL %s", spec.URL),
		}
	}
	return p.Execute(ctx, spec, onProgress)
}
