package job

import (
	"time"

	"ytweb/ytdlp"
)

type Status string

const (
	StatusQueued      Status = "queued"
	StatusDownloading Status = "downloading"
	StatusMerging     Status = "merging"
	StatusCompleted   Status = "completed"
	StatusError       Status = "error"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusDownloading:
		return 1
	case StatusMerging:
		return 2
	default:
		return 3
	}
}

// Job is a snapshot of one background download. Values handed out by the
// Manager are copies; changing them has no effect on the job.
type Job struct {
	ID         string        `json:"job_id"`
	Owner      string        `json:"-"`
	Request    ytdlp.Request `json:"-"`
	Status     Status        `json:"status"`
	Progress   int           `json:"progress"`
	ResultPath string        `json:"-"`
	Filename   string        `json:"filename,omitempty"`
	Token      string        `json:"-"` // link token for the result file
	Error      string        `json:"error,omitempty"`
	WorkDir    string        `json:"-"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}
