package job

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"playtrack/internal/common"

	"github.com/google/uuid"
)

// StatusMirror receives best-effort copies of status changes. The registry
// never reads it back; lookups always hit the in-memory map.
type StatusMirror interface {
	PublishStatus(ctx context.Context, jobID uuid.UUID, status Status) error
}

// Registry is the authoritative mapping from job id to job record. All
// mutation goes through Create and the transition methods, which serialize
// read-modify-write per job under a single lock, so a reader never observes a
// half-applied transition (completed with nil players, failed with no error).
type Registry struct {
	mu     sync.RWMutex
	jobs   map[uuid.UUID]*Job
	mirror StatusMirror
}

func NewRegistry(mirror StatusMirror) *Registry {
	return &Registry{
		jobs:   make(map[uuid.UUID]*Job),
		mirror: mirror,
	}
}

// Create allocates a fresh job at StatusQueued and returns a snapshot of it.
func (r *Registry) Create(ctx context.Context, videoRef string) Job {
	return r.CreateWithID(ctx, uuid.New(), videoRef)
}

// CreateWithID inserts a job under a caller-allocated id. The upload handler
// uses it because the video blob is keyed by the job id and must be persisted
// before the record becomes visible.
func (r *Registry) CreateWithID(ctx context.Context, id uuid.UUID, videoRef string) Job {
	now := time.Now()
	j := &Job{
		ID:       id,
		Status:   StatusQueued,
		VideoRef: videoRef,
		Created:  now,
		Updated:  now,
	}

	r.mu.Lock()
	r.jobs[j.ID] = j
	r.mu.Unlock()

	r.publish(ctx, j.ID, StatusQueued)
	return *j
}

// Get returns a snapshot of the job. The returned value does not alias
// registry state; concurrent transitions cannot mutate it.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.jobs[id]
	if !ok {
		return Job{}, common.ErrJobNotFound
	}
	return snapshot(j), nil
}

// Len returns the number of tracked jobs.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// MarkProcessing applies queued -> processing after a successful dispatch.
func (r *Registry) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	return r.transition(ctx, id, StatusProcessing, func(j *Job) {})
}

// Complete applies processing -> completed, attaching the worker's players.
func (r *Registry) Complete(ctx context.Context, id uuid.UUID, players []Player) error {
	if players == nil {
		players = []Player{}
	}
	seen := make(map[int]struct{}, len(players))
	for _, p := range players {
		if _, dup := seen[p.ID]; dup {
			return fmt.Errorf("%w: duplicate player id %d", common.ErrBadRequest, p.ID)
		}
		seen[p.ID] = struct{}{}
	}

	return r.transition(ctx, id, StatusCompleted, func(j *Job) {
		j.Players = players
	})
}

// Fail applies queued|processing -> failed, recording the reason.
func (r *Registry) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	if reason == "" {
		reason = "unknown error"
	}
	return r.transition(ctx, id, StatusFailed, func(j *Job) {
		j.Error = reason
	})
}

// edges is the lifecycle state machine. A transition not listed here is
// rejected, which in particular means terminal jobs can never be revived by a
// late or duplicate worker callback.
var edges = map[Status][]Status{
	StatusQueued:     {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

func allowed(from, to Status) bool {
	for _, s := range edges[from] {
		if s == to {
			return true
		}
	}
	return false
}

func (r *Registry) transition(ctx context.Context, id uuid.UUID, to Status, apply func(*Job)) error {
	r.mu.Lock()
	j, ok := r.jobs[id]
	if !ok {
		r.mu.Unlock()
		return common.ErrJobNotFound
	}
	if !allowed(j.Status, to) {
		from := j.Status
		r.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", common.ErrInvalidTransition, from, to)
	}

	apply(j)
	j.Status = to
	j.Updated = time.Now()
	if to.Terminal() {
		fin := j.Updated
		j.Finished = &fin
	}
	r.mu.Unlock()

	r.publish(ctx, id, to)
	return nil
}

func (r *Registry) publish(ctx context.Context, id uuid.UUID, status Status) {
	if r.mirror == nil {
		return
	}
	if err := r.mirror.PublishStatus(ctx, id, status); err != nil {
		slog.Warn("status mirror publish failed", "job_id", id, "status", status, "err", err)
	}
}

func snapshot(j *Job) Job {
	out := *j
	if j.Players != nil {
		out.Players = make([]Player, len(j.Players))
		copy(out.Players, j.Players)
	}
	if j.Finished != nil {
		fin := *j.Finished
		out.Finished = &fin
	}
	return out
}
