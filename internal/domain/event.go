package domain

import "time"

// EventName identifies a notification. The values match what the web client listens for.
type EventName string

const (
	EventJobsUpdated EventName = "update_download_list"
	EventJobUpdated  EventName = "update_download_item"
	EventJobRemoved  EventName = "remove_download_item"
	EventToast       EventName = "toast"
)

// Event is a notification emitted on every registry change.
type Event struct {
	Name EventName `json:"event"`
	// Job is a copy of the job after the change, set for update events.
	Job *Job `json:"item,omitempty"`
	// Jobs is the full registry, set for EventJobsUpdated.
	Jobs map[int64]Job `json:"items,omitempty"`
	// JobID is set for EventJobRemoved.
	JobID int64 `json:"id,omitempty"`
	// Title and Body are set for EventToast.
	Title string    `json:"title,omitempty"`
	Body  string    `json:"body,omitempty"`
	At    time.Time `json:"at"`
}

// ProgressPhase is the engine phase reported to the progress callback.
type ProgressPhase string

const (
	PhaseDownloading ProgressPhase = "downloading"
	PhaseFinished    ProgressPhase = "finished"
)

// ProgressEvent is a single engine progress report.
type ProgressEvent struct {
	Phase   ProgressPhase
	Percent string
	Speed   string
	ETA     string
	// Live streams report fragments and elapsed time instead of a percentage.
	Live     bool
	Fragment string
	Elapsed  string
}

// Message renders the progress text shown for a downloading job.
func (p ProgressEvent) Message() string {
	if p.Live {
		frag := p.Fragment
		if frag == "" {
			frag = "1"
		}
		return "Frag: " + frag + " (" + p.Elapsed + ")"
	}
	return p.Percent + " at " + p.Speed
}
