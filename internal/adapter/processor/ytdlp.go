package processor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/cwygoda/tubequeue/internal/config"
	"github.com/cwygoda/tubequeue/internal/domain"
)

var httpPattern = regexp.MustCompile(`^https?://`)

const trimDescriptionPattern = `(?s)\s*\n\s*\n.*$`

// exitPartial is the yt-dlp exit status for a run that hit errors it could skip.
const exitPartial = 1

// YTDLP downloads media by running the yt-dlp binary.
type YTDLP struct {
	dl      config.DownloaderConfig
	subs    config.SubtitleConfig
	tempDir string
	ffmpeg  string
	logger  *log.Logger
}

// NewYTDLP creates the yt-dlp engine. Scratch files go to tempDir.
func NewYTDLP(dl config.DownloaderConfig, subs config.SubtitleConfig, tempDir string, logger *log.Logger) *YTDLP {
	if dl.Binary == "" {
		dl.Binary = "yt-dlp"
	}
	if logger == nil {
		logger = log.New(io.Discard)
	}
	if len(dl.JSRuntimes) == 0 {
		dl.JSRuntimes = DetectJSRuntimes()
	}
	y := &YTDLP{
		dl:      dl,
		subs:    subs,
		tempDir: tempDir,
		ffmpeg:  ResolveFFmpeg(dl.FFmpegLocation),
		logger:  logger.With("processor", "yt-dlp"),
	}
	y.logger.Info("ffmpeg location set", "path", y.ffmpeg)
	if len(dl.JSRuntimes) > 0 {
		y.logger.Info("JS runtimes for yt-dlp", "runtimes", dl.JSRuntimes)
	} else {
		y.logger.Info("no JS runtime configured for yt-dlp")
	}
	return y
}

func (y *YTDLP) Name() string {
	return "yt-dlp"
}

// Match accepts any http(s) URL; yt-dlp decides later whether it can handle it.
func (y *YTDLP) Match(url string) bool {
	return httpPattern.MatchString(url)
}

type infoDict struct {
	Type       string      `json:"_type"`
	ID         string      `json:"id"`
	Title      string      `json:"title"`
	WebpageURL string      `json:"webpage_url"`
	URL        string      `json:"url"`
	Entries    []*infoDict `json:"entries"`
}

func (d *infoDict) metadata() domain.Metadata {
	if d == nil {
		return domain.Metadata{}
	}
	url := d.WebpageURL
	if url == "" {
		url = d.URL
	}
	return domain.Metadata{ID: d.ID, Title: d.Title, URL: url}
}

// Resolve runs a flat extraction. Playlist entries are not resolved further.
func (y *YTDLP) Resolve(ctx context.Context, url string) (*domain.Metadata, error) {
	args := []string{"--flat-playlist", "-J", "--no-warnings", "--ignore-no-formats-error"}
	if y.tempDir != "" {
		args = append(args, "--cache-dir", filepath.Join(y.tempDir, "cache"))
	}
	args = append(y.networkArgs(args), "--", url)

	cmd := exec.CommandContext(ctx, y.dl.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("yt-dlp failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	if stdout.Len() == 0 {
		return nil, errors.New("yt-dlp returned empty output")
	}

	var info infoDict
	if err := json.Unmarshal(stdout.Bytes(), &info); err != nil {
		return nil, fmt.Errorf("decode yt-dlp output: %w", err)
	}

	meta := info.metadata()
	if meta.URL == "" {
		meta.URL = url
	}
	if info.Type == "playlist" || info.Entries != nil {
		meta.Playlist = true
		meta.Entries = make([]domain.Metadata, 0, len(info.Entries))
		for _, entry := range info.Entries {
			meta.Entries = append(meta.Entries, entry.metadata())
		}
	}
	return &meta, nil
}

// Execute downloads one item. Progress lines are forwarded to onProgress; an
// error returned from it stops the download.
func (y *YTDLP) Execute(ctx context.Context, spec domain.ExecutionSpec, onProgress domain.ProgressFunc) (domain.ExecutionResult, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	args := y.buildArgs(spec)
	y.logger.Debug("running yt-dlp", "job", spec.JobID, "args", args)

	cmd := exec.CommandContext(runCtx, y.dl.Binary, args...)
	cmd.WaitDelay = 5 * time.Second

	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("setup stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("setup stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return domain.ExecutionResult{}, classify(err, "")
	}

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		output     strings.Builder
		downloaded bool
		abortErr   error
	)

	read := func(r io.Reader) {
		defer wg.Done()
		scanner := bufio.NewScanner(r)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		scanner.Split(splitByNewlineOrCR)
		for scanner.Scan() {
			line := scanner.Text()

			mu.Lock()
			if y.dl.Verbose {
				y.logger.Debug(line, "job", spec.JobID)
			}
			ev, ok := parseProgressLine(line)
			if !ok || ev.Phase != domain.PhaseDownloading {
				appendLimited(&output, line)
			}
			if isDownloadedLine(line) || (ok && ev.Phase == domain.PhaseFinished) {
				downloaded = true
			}
			if ok && abortErr == nil {
				if err := onProgress(ev); err != nil {
					abortErr = err
					cancel()
				}
			}
			mu.Unlock()
		}
	}

	wg.Add(2)
	go read(stdoutPipe)
	go read(stderrPipe)
	wg.Wait()
	waitErr := cmd.Wait()

	mu.Lock()
	defer mu.Unlock()

	switch {
	case abortErr != nil:
		return domain.ExecutionResult{}, fmt.Errorf("yt-dlp aborted: %w", abortErr)
	case ctx.Err() != nil:
		return domain.ExecutionResult{}, ctx.Err()
	case waitErr == nil:
		return domain.ExecutionResult{}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) && exitErr.ExitCode() == exitPartial && downloaded {
		y.logger.Warn("yt-dlp finished with errors", "job", spec.JobID, "output", strings.TrimSpace(output.String()))
		return domain.ExecutionResult{Partial: true}, nil
	}
	return domain.ExecutionResult{}, classify(waitErr, output.String())
}

// classify turns a yt-dlp failure into an ExecutionError named after yt-dlp's error kind.
func classify(err error, output string) error {
	category := "DownloadError"
	switch {
	case errors.Is(err, exec.ErrNotFound):
		category = "EngineUnavailable"
	case strings.Contains(output, "Postprocessing:") || strings.Contains(output, "PostProcessingError"):
		category = "PostProcessingError"
	case strings.Contains(output, "Unsupported URL") || strings.Contains(output, "ExtractorError"):
		category = "ExtractorError"
	}
	output = strings.TrimSpace(output)
	if output == "" {
		return &domain.ExecutionError{Category: category, Err: fmt.Errorf("yt-dlp failed: %w", err)}
	}
	return &domain.ExecutionError{Category: category, Err: fmt.Errorf("yt-dlp failed: %w: %s", err, lastLine(output))}
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// buildArgs renders the yt-dlp command line for one job.
func (y *YTDLP) buildArgs(spec domain.ExecutionSpec) []string {
	title := domain.SanitizeTitle(spec.Title)
	args := []string{
		"--newline",
		"--no-color",
		"--no-playlist",
		"--ignore-no-formats-error",
		"--no-overwrites",
		"--no-mtime",
		"--live-from-start",
		"--progress-template", progressTemplate,
		"-f", spec.Format,
		"-o", title + ".%(ext)s",
		"-P", "home:" + spec.OutputDir,
		"--extractor-args", "youtubetab:skip=authcheck",
	}
	if y.tempDir != "" {
		args = append(args,
			"-P", "temp:"+y.tempDir,
			"--cache-dir", filepath.Join(y.tempDir, "cache"),
		)
	}
	if sort := y.formatSort(); sort != "" {
		args = append(args, "-S", sort)
	}
	if y.dl.SponsorBlock {
		args = append(args, "--sponsorblock-remove", "sponsor")
	}

	if spec.AudioOnly {
		ext := spec.Settings.AudioExt
		if ext == "" {
			ext = "m4a"
		}
		args = append(args, "-x", "--audio-format", ext, "--audio-quality", "0")
	} else {
		args = append(args, "--merge-output-format", "mp4")
	}

	args = append(args,
		"--write-thumbnail",
		"--convert-thumbnails", "png",
		"--embed-thumbnail",
		"--embed-metadata",
	)
	if y.dl.TrimMetadata {
		// keep only the first paragraph of the embedded description
		args = append(args, "--replace-in-metadata", "description", trimDescriptionPattern, "")
	}
	if y.ffmpeg != "" {
		args = append(args, "--ffmpeg-location", y.ffmpeg)
	}
	if y.dl.CookiesFile != "" {
		args = append(args, "--cookies", y.dl.CookiesFile)
	}
	args = append(args, y.subtitleArgs()...)
	if y.dl.Verbose {
		args = append(args, "--verbose")
	}
	args = y.networkArgs(args)
	return append(args, "--", spec.URL)
}

func (y *YTDLP) networkArgs(args []string) []string {
	if y.dl.Proxy != "" {
		args = append(args, "--proxy", y.dl.Proxy)
	}
	if len(y.dl.JSRuntimes) > 0 {
		args = append(args, "--no-js-runtimes")
		for _, rt := range y.dl.JSRuntimes {
			args = append(args, "--js-runtimes", rt)
		}
	}
	return args
}

func (y *YTDLP) formatSort() string {
	var keys []string
	add := func(key, value string) {
		if value != "" {
			keys = append(keys, key+":"+value)
		}
	}
	add("lang", y.dl.PreferredLanguage)
	add("acodec", y.dl.PreferredAudioCodec)
	keys = append(keys, "quality", "size")
	add("vcodec", y.dl.PreferredVideoCodec)
	add("vext", y.dl.PreferredVideoExt)
	return strings.Join(keys, ",")
}

func (y *YTDLP) subtitleArgs() []string {
	if !y.subs.Write && !y.subs.Embed {
		return nil
	}
	args := []string{"--sub-format", "best"}
	if len(y.subs.Languages) > 0 {
		args = append(args, "--sub-langs", strings.Join(y.subs.Languages, ","))
	}
	if y.subs.Automatic {
		args = append(args, "--write-auto-subs")
	}
	if y.subs.Write {
		args = append(args, "--write-subs")
		if y.subs.Format != "" {
			args = append(args, "--convert-subs", y.subs.Format)
		}
	}
	if y.subs.Embed {
		args = append(args, "--embed-subs")
	}
	return args
}
