package processor

import (
	"io"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"testing"

	"github.com/charmbracelet/log"
)

func TestCleanupTemp(t *testing.T) {
	dir := t.TempDir()
	files := map[string]bool{
		"video.f625.mp4.part": true,
		"thumb.webp":          true,
		"thumb.png":           true,
		"frag.ytdl":           true,
		"x.tmp":               true,
		"subs.en.vtt":         true,
		"keep.mp4":            false,
		"notes.txt":           false,
	}
	for name := range files {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "cache.part"), 0755); err != nil {
		t.Fatal(err)
	}

	removed := CleanupTemp(dir, "vtt", log.New(io.Discard))
	if removed != 6 {
		t.Errorf("CleanupTemp() = %d, want 6", removed)
	}

	for name, gone := range files {
		_, err := os.Stat(filepath.Join(dir, name))
		if gone && !os.IsNotExist(err) {
			t.Errorf("%s should have been removed", name)
		}
		if !gone && err != nil {
			t.Errorf("%s should have been kept: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "cache.part")); err != nil {
		t.Errorf("directories must be kept: %v", err)
	}
}

func TestCleanupTemp_MissingDir(t *testing.T) {
	if got := CleanupTemp(filepath.Join(t.TempDir(), "missing"), "vtt", log.New(io.Discard)); got != 0 {
		t.Errorf("CleanupTemp() = %d, want 0", got)
	}
}

func TestLookupFFmpeg_Configured(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ffmpeg")
	if err := os.WriteFile(path, nil, 0755); err != nil {
		t.Fatal(err)
	}

	got, ok := lookupFFmpeg(path, "linux")
	if !ok || got != path {
		t.Errorf("lookupFFmpeg() = %q, %v, want %q, true", got, ok, path)
	}
}

func TestFFmpegCandidates(t *testing.T) {
	tests := []struct {
		goos  string
		first string
	}{
		{"windows", `C:\ffmpeg\bin\ffmpeg.exe`},
		{"darwin", "/opt/homebrew/bin/ffmpeg"},
		{"linux", "/usr/bin/ffmpeg"},
	}

	for _, tt := range tests {
		t.Run(tt.goos, func(t *testing.T) {
			got := ffmpegCandidates(tt.goos)
			if len(got) == 0 || got[0] != tt.first {
				t.Errorf("ffmpegCandidates(%q) = %v, want first %q", tt.goos, got, tt.first)
			}
		})
	}
}

func TestDetectJSRuntimes(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts not supported on windows")
	}
	dir := t.TempDir()
	for _, name := range []string{"qjs", "node"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"), 0755); err != nil {
			t.Fatal(err)
		}
	}
	// not executable, must be ignored
	if err := os.WriteFile(filepath.Join(dir, "deno"), nil, 0644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATH", dir)

	want := []string{"node:" + filepath.Join(dir, "node"), "quickjs:" + filepath.Join(dir, "qjs")}
	if got := DetectJSRuntimes(); !reflect.DeepEqual(got, want) {
		t.Errorf("DetectJSRuntimes() = %v, want %v", got, want)
	}
	if got := DependencyStatus(filepath.Join(dir, "missing-yt-dlp"), "").JSRuntimes; !reflect.DeepEqual(got, want) {
		t.Errorf("DependencyStatus().JSRuntimes = %v, want %v", got, want)
	}
}

func TestDetectJSRuntimes_None(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	if got := DetectJSRuntimes(); len(got) != 0 {
		t.Errorf("DetectJSRuntimes() = %v, want none", got)
	}
}
