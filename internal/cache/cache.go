package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"playtrack/internal/job"
)

// StatusMirror publishes job status changes to Redis with a TTL so operators
// can watch job state without hitting the API. The in-memory registry remains
// the single source of truth; nothing reads the mirror on the request path.
type StatusMirror struct {
	client *redis.Client
	ttl    time.Duration
}

func New(redisURL string, ttl time.Duration) (*StatusMirror, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &StatusMirror{client: client, ttl: ttl}, nil
}

func (m *StatusMirror) PublishStatus(ctx context.Context, jobID uuid.UUID, status job.Status) error {
	return m.client.Set(ctx, statusKey(jobID), string(status), m.ttl).Err()
}

// JobStatus reads a mirrored status back. Used by tooling, never by handlers.
func (m *StatusMirror) JobStatus(ctx context.Context, jobID uuid.UUID) (job.Status, bool, error) {
	val, err := m.client.Get(ctx, statusKey(jobID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get job status: %w", err)
	}
	return job.Status(val), true, nil
}

func (m *StatusMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

func (m *StatusMirror) Close() error {
	return m.client.Close()
}

func statusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job_status:%s", jobID)
}
