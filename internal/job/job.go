package job

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transitions are permitted from s.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Player is one subject the worker identified in a job's video. Analysis is
// an opaque blob owned by the worker; this service passes it through without
// interpretation.
type Player struct {
	ID       int            `json:"id" validate:"gte=0"`
	Position string         `json:"position,omitempty"`
	Analysis map[string]any `json:"analysis,omitempty"`
}

// Job is one tracked video-analysis request. Players is non-nil only once the
// job is completed; Error is non-empty only once it has failed.
type Job struct {
	ID       uuid.UUID  `json:"job_id"`
	Status   Status     `json:"status"`
	VideoRef string     `json:"video_ref,omitempty"`
	Players  []Player   `json:"players,omitempty"`
	Error    string     `json:"error,omitempty"`
	Created  time.Time  `json:"created_at"`
	Updated  time.Time  `json:"updated_at"`
	Finished *time.Time `json:"finished_at,omitempty"`
}

// FindPlayer returns the player with the given id, if present.
func (j *Job) FindPlayer(id int) (Player, bool) {
	for _, p := range j.Players {
		if p.ID == id {
			return p, true
		}
	}
	return Player{}, false
}
