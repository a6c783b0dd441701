package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"playtrack/internal/common"
)

// LocalStorage keeps blobs on the local filesystem:
// {base}/videos/{jobID}.mp4 and {base}/charts/{jobID}_{playerID}.png.
type LocalStorage struct {
	baseDir string
}

func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	for _, dir := range []string{
		filepath.Join(baseDir, "videos"),
		filepath.Join(baseDir, "charts"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}
	return &LocalStorage{baseDir: baseDir}, nil
}

func (s *LocalStorage) SaveVideo(ctx context.Context, jobID string, content io.Reader) (string, error) {
	key := videoKey(jobID)
	path := filepath.Join(s.baseDir, key)

	f, err := os.Create(path)
	if err != nil {
		return "", common.WrapStorage("create video file", err)
	}
	n, err := io.Copy(f, content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return "", common.WrapStorage("write video file", err)
	}

	slog.Info("video stored", "key", key, "size", n)
	return key, nil
}

func (s *LocalStorage) GetVideo(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.baseDir, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.ErrVideoNotFound
		}
		return nil, common.WrapStorage("open video file", err)
	}
	return f, nil
}

func (s *LocalStorage) SaveChart(ctx context.Context, jobID string, playerID int, content io.Reader) error {
	path := filepath.Join(s.baseDir, chartKey(jobID, playerID))

	f, err := os.Create(path)
	if err != nil {
		return common.WrapStorage("create chart file", err)
	}
	_, err = io.Copy(f, content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return common.WrapStorage("write chart file", err)
	}
	return nil
}

func (s *LocalStorage) GetChart(ctx context.Context, jobID string, playerID int) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(s.baseDir, chartKey(jobID, playerID)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.ErrChartNotFound
		}
		return nil, common.WrapStorage("open chart file", err)
	}
	return f, nil
}

func (s *LocalStorage) ChartExists(ctx context.Context, jobID string, playerID int) (bool, error) {
	_, err := os.Stat(filepath.Join(s.baseDir, chartKey(jobID, playerID)))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, common.WrapStorage("stat chart file", err)
	}
	return true, nil
}

func videoKey(jobID string) string {
	return filepath.Join("videos", jobID+".mp4")
}

func chartKey(jobID string, playerID int) string {
	return filepath.Join("charts", fmt.Sprintf("%s_%d.png", jobID, playerID))
}
