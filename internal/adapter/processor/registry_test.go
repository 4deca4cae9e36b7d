package processor

import (
	"context"
	"testing"

	"github.com/cwygoda/tubequeue/internal/domain"
)

type mockProcessor struct {
	name     string
	matcher  func(string) bool
	executed []string
}

func (m *mockProcessor) Name() string          { return m.name }
func (m *mockProcessor) Match(url string) bool { return m.matcher(url) }

func (m *mockProcessor) Resolve(ctx context.Context, url string) (*domain.Metadata, error) {
	return &domain.Metadata{ID: m.name, Title: m.name, URL: url}, nil
}

func (m *mockProcessor) Execute(ctx context.Context, spec domain.ExecutionSpec, onProgress domain.ProgressFunc) (domain.ExecutionResult, error) {
	m.executed = append(m.executed, spec.URL)
	return domain.ExecutionResult{}, nil
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	p1 := &mockProcessor{name: "proc1", matcher: func(s string) bool { return false }}
	p2 := &mockProcessor{name: "proc2", matcher: func(s string) bool { return false }}

	r.Register(p1)
	r.Register(p2)

	procs := r.Processors()
	if len(procs) != 2 {
		t.Errorf("Processors() len = %d, want 2", len(procs))
	}
}

func TestRegistry_Match(t *testing.T) {
	r := NewRegistry()

	vimeo := &mockProcessor{
		name:    "vimeo",
		matcher: func(s string) bool { return s == "https://vimeo.com/1" },
	}
	generic := &mockProcessor{
		name:    "generic",
		matcher: func(s string) bool { return true },
	}

	r.Register(vimeo)
	r.Register(generic)

	tests := []struct {
		url      string
		wantName string
	}{
		{"https://vimeo.com/1", "vimeo"},
		{"https://other.com/video", "generic"},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			p := r.Match(tt.url)
			if p == nil {
				t.Fatal("Match() returned nil")
			}
			if p.Name() != tt.wantName {
				t.Errorf("Match() name = %q, want %q", p.Name(), tt.wantName)
			}
		})
	}
}

func TestRegistry_Match_NoMatch(t *testing.T) {
	r := NewRegistry()

	specific := &mockProcessor{
		name:    "specific",
		matcher: func(s string) bool { return s == "specific-url" },
	}
	r.Register(specific)

	p := r.Match("other-url")
	if p != nil {
		t.Errorf("Match() = %v, want nil", p)
	}
}

func TestRegistry_Empty(t *testing.T) {
	r := NewRegistry()

	procs := r.Processors()
	if len(procs) != 0 {
		t.Errorf("Processors() len = %d, want 0", len(procs))
	}

	p := r.Match("any-url")
	if p != nil {
		t.Errorf("Match() = %v, want nil", p)
	}
}

func TestRegistry_Dispatch(t *testing.T) {
	r := NewRegistry()
	vimeo := &mockProcessor{name: "vimeo", matcher: func(s string) bool { return s == "https://vimeo.com/1" }}
	generic := &mockProcessor{name: "generic", matcher: func(s string) bool { return true }}
	r.Register(vimeo)
	r.Register(generic)

	meta, err := r.Resolve(context.Background(), "https://vimeo.com/1")
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if meta.ID != "vimeo" {
		t.Errorf("Resolve() ID = %q, want %q", meta.ID, "vimeo")
	}

	spec := domain.ExecutionSpec{URL: "https://other.com/video"}
	if _, err := r.Execute(context.Background(), spec, nil); err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(generic.executed) != 1 || len(vimeo.executed) != 0 {
		t.Errorf("executed generic=%v vimeo=%v, want only generic", generic.executed, vimeo.executed)
	}
}

func TestRegistry_Dispatch_NoMatch(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Resolve(context.Background(), "https://example.com"); err == nil {
		t.Error("Resolve() error = nil, want error")
	}
	_, err := r.Execute(context.Background(), domain.ExecutionSpec{URL: "https://example.com"}, nil)
	if got := domain.FailureCategory(err); got != "NoProcessor" {
		t.Errorf("FailureCategory() = %q, want %q", got, "NoProcessor")
	}
}
