package processor

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/charmbracelet/log"
)

// DependencyReport describes which external tools were found.
type DependencyReport struct {
	YTDLPFound  bool   `json:"yt_dlp_found"`
	YTDLPPath   string `json:"yt_dlp_path,omitempty"`
	FFmpegFound bool   `json:"ffmpeg_found"`
	FFmpegPath  string `json:"ffmpeg_path,omitempty"`
	// JSRuntimes lists detected runtimes as runtime:path.
	JSRuntimes []string `json:"js_runtimes,omitempty"`
}

// DependencyStatus looks up the yt-dlp binary and ffmpeg.
func DependencyStatus(binary, ffmpegLocation string) DependencyReport {
	report := DependencyReport{}
	if binary == "" {
		binary = "yt-dlp"
	}
	if path, err := exec.LookPath(binary); err == nil {
		report.YTDLPFound = true
		report.YTDLPPath = path
	}
	if path, ok := lookupFFmpeg(ffmpegLocation, runtime.GOOS); ok {
		report.FFmpegFound = true
		report.FFmpegPath = path
	}
	report.JSRuntimes = DetectJSRuntimes()
	return report
}

// jsRuntimeBinaries maps yt-dlp runtime names to their executables, in preference order.
var jsRuntimeBinaries = []struct{ runtime, binary string }{
	{"deno", "deno"},
	{"node", "node"},
	{"bun", "bun"},
	{"quickjs", "qjs"},
}

// DetectJSRuntimes returns the JavaScript runtimes found on PATH as runtime:path.
func DetectJSRuntimes() []string {
	var found []string
	for _, rt := range jsRuntimeBinaries {
		if path, err := exec.LookPath(rt.binary); err == nil {
			found = append(found, rt.runtime+":"+path)
		}
	}
	return found
}

// ResolveFFmpeg returns the configured location, ffmpeg on PATH, or the first
// well-known install path that exists. It falls back to plain "ffmpeg".
func ResolveFFmpeg(configured string) string {
	if path, ok := lookupFFmpeg(configured, runtime.GOOS); ok {
		return path
	}
	return "ffmpeg"
}

func lookupFFmpeg(configured, goos string) (string, bool) {
	if configured != "" {
		if _, err := os.Stat(configured); err == nil {
			return configured, true
		}
	}
	if path, err := exec.LookPath("ffmpeg"); err == nil {
		return path, true
	}
	for _, candidate := range ffmpegCandidates(goos) {
		if _, err := os.Stat(candidate); err == nil {
			return candidate, true
		}
	}
	return "", false
}

func ffmpegCandidates(goos string) []string {
	switch goos {
	case "windows":
		return []string{
			`C:\ffmpeg\bin\ffmpeg.exe`,
			`C:\Program Files\ffmpeg\bin\ffmpeg.exe`,
			`C:\Program Files (x86)\ffmpeg\bin\ffmpeg.exe`,
			`D:\ffmpeg\bin\ffmpeg.exe`,
		}
	case "darwin":
		return []string{
			"/opt/homebrew/bin/ffmpeg",
			"/usr/local/bin/ffmpeg",
			"/usr/bin/ffmpeg",
		}
	default:
		return []string{
			"/usr/bin/ffmpeg",
			"/usr/local/bin/ffmpeg",
		}
	}
}

// CleanupTemp deletes leftover scratch files from dir and returns how many were removed.
// Subdirectories are left alone.
func CleanupTemp(dir, subtitleFormat string, logger *log.Logger) int {
	removable := []string{".tmp", ".part", ".webp", ".ytdl", ".png"}
	if subtitleFormat != "" {
		removable = append(removable, "."+subtitleFormat)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		logger.Error("error cleaning up temporary folder", "dir", dir, "err", err)
		return 0
	}

	removed := 0
	for _, entry := range entries {
		if !entry.Type().IsRegular() || !hasAnySuffix(entry.Name(), removable) {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		if err := os.Remove(path); err != nil {
			logger.Warn("failed to delete file", "path", path, "err", err)
			continue
		}
		logger.Info("deleted file", "path", path)
		removed++
	}
	return removed
}

func hasAnySuffix(name string, suffixes []string) bool {
	for _, s := range suffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}
