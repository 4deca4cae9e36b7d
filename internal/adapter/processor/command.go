package processor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/cwygoda/tubequeue/internal/config"
	"github.com/cwygoda/tubequeue/internal/domain"
)

// CommandProcessor runs an external command for matching URLs.
type CommandProcessor struct {
	name    string
	pattern *regexp.Regexp
	command string
	args    []string
	isolate bool
	logger  *log.Logger
}

// NewCommandProcessor creates a processor from config. Isolate defaults to true.
func NewCommandProcessor(pc config.ProcessorConfig, logger *log.Logger) (*CommandProcessor, error) {
	re, err := regexp.Compile(pc.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", pc.Pattern, err)
	}

	isolate := true
	if pc.Isolate != nil {
		isolate = *pc.Isolate
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}

	return &CommandProcessor{
		name:    pc.Name,
		pattern: re,
		command: pc.Command,
		args:    pc.Args,
		isolate: isolate,
		logger:  logger.With("processor", pc.Name),
	}, nil
}

func (p *CommandProcessor) Name() string {
	return p.name
}

func (p *CommandProcessor) Match(url string) bool {
	return p.pattern.MatchString(url)
}

// Resolve treats every URL as a single item titled after its last path segment.
func (p *CommandProcessor) Resolve(ctx context.Context, rawURL string) (*domain.Metadata, error) {
	title := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		if base := path.Base(u.Path); base != "/" && base != "." {
			title = base
		}
	}
	return &domain.Metadata{ID: rawURL, Title: title, URL: rawURL}, nil
}

// Execute runs the command. Output lands in spec.OutputDir, directly or via a
// temp dir when isolated.
func (p *CommandProcessor) Execute(ctx context.Context, spec domain.ExecutionSpec, onProgress domain.ProgressFunc) (domain.ExecutionResult, error) {
	// Build args with {url} and {output} placeholders replaced
	args := make([]string, len(p.args))
	for i, arg := range p.args {
		arg = strings.ReplaceAll(arg, "{url}", spec.URL)
		args[i] = strings.ReplaceAll(arg, "{output}", spec.OutputDir)
	}

	var err error
	if p.isolate {
		err = p.processIsolated(ctx, spec, args, onProgress)
	} else {
		err = p.processDirect(ctx, spec, args, onProgress)
	}
	return domain.ExecutionResult{}, err
}

// processDirect runs command directly in the output directory.
func (p *CommandProcessor) processDirect(ctx context.Context, spec domain.ExecutionSpec, args []string, onProgress domain.ProgressFunc) error {
	if err := os.MkdirAll(spec.OutputDir, 0755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	if err := p.run(ctx, spec.OutputDir, args); err != nil {
		return err
	}
	return onProgress(domain.ProgressEvent{Phase: domain.PhaseFinished})
}

// processIsolated runs in a temp dir and moves files on success.
func (p *CommandProcessor) processIsolated(ctx context.Context, spec domain.ExecutionSpec, args []string, onProgress domain.ProgressFunc) error {
	tempDir, err := os.MkdirTemp("", fmt.Sprintf("tubequeue-job-%d-*", spec.JobID))
	if err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}
	p.logger.Debug("running isolated", "job", spec.JobID, "dir", tempDir)
	defer os.RemoveAll(tempDir)

	if err := p.run(ctx, tempDir, args); err != nil {
		return err
	}
	if err := onProgress(domain.ProgressEvent{Phase: domain.PhaseFinished}); err != nil {
		return err
	}
	if err := p.moveFiles(spec.JobID, tempDir, spec.OutputDir); err != nil {
		return &domain.ExecutionError{Category: "PostProcessingError", Err: err}
	}
	return nil
}

func (p *CommandProcessor) run(ctx context.Context, dir string, args []string) error {
	cmd := exec.CommandContext(ctx, p.command, args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	category := "CommandError"
	if errors.Is(err, exec.ErrNotFound) {
		category = "EngineUnavailable"
	}
	return &domain.ExecutionError{
		Category: category,
		Err:      fmt.Errorf("%s failed: %w: %s", p.command, err, strings.TrimSpace(string(output))),
	}
}

// moveFiles moves files from srcDir to dstDir, skipping existing.
func (p *CommandProcessor) moveFiles(jobID int64, srcDir, dstDir string) error {
	entries, err := os.ReadDir(srcDir)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(dstDir, 0755); err != nil {
		return err
	}

	var moved []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		src := filepath.Join(srcDir, entry.Name())
		dst := filepath.Join(dstDir, entry.Name())

		// Skip if destination exists (no overwrite)
		if _, err := os.Stat(dst); err == nil {
			p.logger.Info("skipped existing file", "job", jobID, "file", entry.Name())
			continue
		}

		if err := os.Rename(src, dst); err != nil {
			// Cross-device fallback
			if err := copyFile(src, dst); err != nil {
				return err
			}
			os.Remove(src)
		}
		moved = append(moved, entry.Name())
	}
	p.logger.Info("moved files", "job", jobID, "count", len(moved), "dir", dstDir)
	return nil
}

// copyFile copies a file from src to dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
