package domain

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// JobStatus represents the lifecycle state of a download job.
type JobStatus string

const (
	StatusPending     JobStatus = "Pending"
	StatusInProgress  JobStatus = "In Progress"
	StatusDownloading JobStatus = "Downloading"
	StatusProcessing  JobStatus = "Processing"
	StatusComplete    JobStatus = "Complete"
	StatusCancelling  JobStatus = "Cancelling"
	StatusCancelled   JobStatus = "Cancelled"
	StatusFailed      JobStatus = "Failed"
)

// Progress markers written by the worker.
const (
	ProgressInitial    = "0%"
	ProgressDownloaded = "Downloaded"
	ProgressDone       = "Done"
	ProgressIncomplete = "Incomplete"
	ProgressError      = "Error"
)

// transitions lists the allowed edges of the job state machine.
var transitions = map[JobStatus][]JobStatus{
	StatusPending:     {StatusInProgress, StatusCancelled, StatusCancelling},
	StatusInProgress:  {StatusDownloading, StatusProcessing, StatusCancelled, StatusFailed, StatusCancelling},
	StatusDownloading: {StatusProcessing, StatusCancelled, StatusFailed, StatusCancelling},
	StatusProcessing:  {StatusComplete, StatusCancelled, StatusFailed, StatusCancelling},
	StatusCancelling:  {StatusCancelled, StatusComplete, StatusFailed},
}

// CanTransition reports whether a job may move from one status to another.
// Downloading and Cancelling may repeat: progress updates and repeated cancels keep the status.
func (s JobStatus) CanTransition(to JobStatus) bool {
	if s == to {
		return s == StatusDownloading || s == StatusCancelling
	}
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal returns true if no further transition can occur.
func (s JobStatus) IsTerminal() bool {
	return s == StatusComplete || s == StatusCancelled || s == StatusFailed
}

// IsActive returns true while a worker owns the job.
func (s JobStatus) IsActive() bool {
	return s == StatusInProgress || s == StatusDownloading || s == StatusProcessing
}

// DownloadSettings are the per-destination format preferences of a job.
type DownloadSettings struct {
	VideoFormatID string `json:"video_format_id,omitempty" toml:"video_format_id"`
	AudioFormatID string `json:"audio_format_id,omitempty" toml:"audio_format_id"`
	VideoExt      string `json:"video_ext,omitempty" toml:"video_ext"`
	AudioExt      string `json:"audio_ext,omitempty" toml:"audio_ext"`
}

// IsAudio reports whether the destination can hold audio downloads.
func (d DownloadSettings) IsAudio() bool {
	return d.AudioExt != ""
}

// IsVideo reports whether the destination can hold video downloads.
func (d DownloadSettings) IsVideo() bool {
	return d.VideoExt != ""
}

// FormatString builds the yt-dlp format selector, preferring the configured ids
// and falling back to the best available streams.
func (d DownloadSettings) FormatString(audioOnly bool) string {
	if audioOnly {
		if d.AudioFormatID == "" {
			return "bestaudio/best"
		}
		return d.AudioFormatID + "/bestaudio/best"
	}
	switch {
	case d.VideoFormatID != "" && d.AudioFormatID != "":
		return d.VideoFormatID + "+" + d.AudioFormatID + "/bestvideo+bestaudio/best"
	case d.VideoFormatID != "":
		return d.VideoFormatID + "/bestvideo+bestaudio/best"
	default:
		return "bestvideo+bestaudio/best"
	}
}

// Job represents one requested download unit.
type Job struct {
	ID              int64            `json:"id"`
	VideoIdentifier string           `json:"video_identifier"`
	URL             string           `json:"url"`
	Title           string           `json:"title"`
	FolderName      string           `json:"folder_name"`
	Settings        DownloadSettings `json:"download_settings"`
	AudioOnly       bool             `json:"audio_only"`
	Status          JobStatus        `json:"status"`
	Progress        string           `json:"progress"`
	FailureReason   string           `json:"failure_reason,omitempty"`
	CancelRequested bool             `json:"cancel_requested"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// DisplayStatus renders the status the way clients show it, e.g. "Failed: DownloadError".
func (j *Job) DisplayStatus() string {
	if j.Status == StatusFailed && j.FailureReason != "" {
		return fmt.Sprintf("%s: %s", j.Status, j.FailureReason)
	}
	return string(j.Status)
}

// Request is a client submission.
type Request struct {
	URL        string           `json:"url"`
	FolderName string           `json:"folder_name"`
	Settings   DownloadSettings `json:"download_settings"`
	AudioOnly  bool             `json:"audio_only"`
}

var (
	unsafeChars  = regexp.MustCompile(`[<>:"/\\|?*]`)
	playlistPart = regexp.MustCompile(`&list=.*`)
)

// SanitizeTitle replaces characters that are not allowed in file names.
func SanitizeTitle(title string) string {
	return unsafeChars.ReplaceAllString(title, "-")
}

// StripPlaylist removes the playlist part of a watch URL.
func StripPlaylist(rawURL string) string {
	return playlistPart.ReplaceAllString(rawURL, "")
}

// PlaylistFolder joins the requested folder with a sanitized playlist title.
func PlaylistFolder(folder, playlistTitle string) string {
	return strings.TrimSuffix(folder, "/") + "/" + SanitizeTitle(playlistTitle)
}
