package storage

import (
	"context"
	"io"
)

// Storage holds uploaded videos keyed by job id and chart images keyed by
// (job id, player id). Implementations must be safe for concurrent use.
type Storage interface {
	// SaveVideo stores the uploaded video and returns the blob key.
	SaveVideo(ctx context.Context, jobID string, content io.Reader) (string, error)
	// GetVideo streams a previously stored video by its blob key.
	GetVideo(ctx context.Context, key string) (io.ReadCloser, error)

	SaveChart(ctx context.Context, jobID string, playerID int, content io.Reader) error
	GetChart(ctx context.Context, jobID string, playerID int) (io.ReadCloser, error)
	ChartExists(ctx context.Context, jobID string, playerID int) (bool, error)
}
