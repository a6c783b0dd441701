package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"time"

	"playtrack/internal/common"
	"playtrack/internal/memq"
	"playtrack/internal/storage"

	"github.com/google/uuid"
)

// Registry is the slice of the job registry the notifier needs.
type Registry interface {
	MarkProcessing(ctx context.Context, id uuid.UUID) error
	Fail(ctx context.Context, id uuid.UUID, reason string) error
}

// Notifier hands a job's video to the external analysis worker. One outbound
// attempt per job, one registry transition per outcome: 200 from the worker
// moves the job to processing, anything else (including transport errors and
// timeouts) moves it to failed. A dispatched job never stays queued.
type Notifier struct {
	workerURL string
	apiKey    string
	store     storage.Storage
	registry  Registry
	client    *http.Client
}

func NewNotifier(workerURL, apiKey string, timeout time.Duration, store storage.Storage, registry Registry) *Notifier {
	return &Notifier{
		workerURL: workerURL,
		apiKey:    apiKey,
		store:     store,
		registry:  registry,
		client:    &http.Client{Timeout: timeout},
	}
}

// Dispatch runs as a queue task, detached from the upload response.
func (n *Notifier) Dispatch(ctx context.Context, t memq.Task) error {
	if err := n.notify(ctx, t); err != nil {
		n.fail(ctx, t.JobID, err)
		return err
	}

	if err := n.registry.MarkProcessing(ctx, t.JobID); err != nil {
		// The worker may have reported results before our 200 landed; the
		// registry's terminal guard already resolved the race.
		slog.Warn("could not mark job processing", "job_id", t.JobID, "err", err)
	}
	return nil
}

func (n *Notifier) notify(ctx context.Context, t memq.Task) error {
	video, err := n.store.GetVideo(ctx, t.VideoRef)
	if err != nil {
		return common.WrapStorage("read video for dispatch", err)
	}
	defer video.Close()

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", t.JobID.String()+".mp4")
		if err == nil {
			_, err = io.Copy(part, video)
		}
		if err == nil {
			err = mw.WriteField("job_id", t.JobID.String())
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.workerURL+"/process", pr)
	if err != nil {
		return common.WrapTransport("build worker request", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+n.apiKey)

	resp, err := n.client.Do(req)
	if err != nil {
		return common.WrapTransport("notify worker", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return common.WrapTransport("notify worker",
			fmt.Errorf("worker returned status %d", resp.StatusCode))
	}

	slog.Info("job dispatched to worker", "job_id", t.JobID)
	return nil
}

func (n *Notifier) fail(ctx context.Context, jobID uuid.UUID, cause error) {
	slog.Error("dispatch failed", "job_id", jobID, "err", cause)
	// Dispatch runs under a bounded context that may already be expired; the
	// failure must still be recorded so the job does not hang at queued.
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := n.registry.Fail(ctx, jobID, cause.Error()); err != nil {
		slog.Warn("could not mark job failed", "job_id", jobID, "err", err)
	}
}
