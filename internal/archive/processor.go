// Package archive uploads a JSON summary of every recorded session once it ends.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-live/backend/internal/metrics"
	"github.com/aura-live/backend/internal/models"
	"github.com/aura-live/backend/internal/sessionlog"
	"github.com/aura-live/backend/pkg/queue"
	"github.com/aura-live/backend/pkg/storage"
)

// Summary is the archived record of an ended session.
type Summary struct {
	SessionID       uuid.UUID              `json:"session_id"`
	BroadcasterID   uuid.UUID              `json:"broadcaster_id"`
	Title           string                 `json:"title"`
	Category        models.Category        `json:"category"`
	CreatedAt       time.Time              `json:"created_at"`
	EndedAt         time.Time              `json:"ended_at"`
	DurationSeconds int64                  `json:"duration_seconds"`
	PeakViewers     int                    `json:"peak_viewers"`
	WatchTime       sessionlog.WatchTime   `json:"watch_time"`
	Attendance      []models.AttendanceRow `json:"attendance"`
	ArchivedAt      time.Time              `json:"archived_at"`
}

// Sessions loads the ended session.
type Sessions interface {
	GetSession(ctx context.Context, id uuid.UUID) (*models.Session, error)
}

// Peaks returns the viewer peak of a session.
type Peaks interface {
	Get(ctx context.Context, sessionID uuid.UUID) (*models.SessionStats, error)
}

// Uploader stores the serialized summary.
type Uploader interface {
	Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) (string, error)
}

// Jobs is the archive job source.
type Jobs interface {
	Dequeue(ctx context.Context, timeout time.Duration) (*queue.Job, error)
	Retry(ctx context.Context, job *queue.Job) error
}

// Processor builds and uploads session summaries.
type Processor struct {
	sessions   Sessions
	peaks      Peaks
	attendance sessionlog.Log
	uploader   Uploader
	jobs       Jobs
	backoff    time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

// NewProcessor creates an archive processor.
func NewProcessor(sessions Sessions, peaks Peaks, attendance sessionlog.Log, uploader Uploader, jobs Jobs, logger *zap.Logger) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		sessions:   sessions,
		peaks:      peaks,
		attendance: attendance,
		uploader:   uploader,
		jobs:       jobs,
		backoff:    queue.RetryBackoff,
		logger:     logger,
		now:        time.Now,
	}
}

// Build assembles the summary of an ended session.
func (p *Processor) Build(ctx context.Context, sessionID uuid.UUID) (*Summary, error) {
	sess, err := p.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if sess.Live() {
		return nil, fmt.Errorf("session %s still live: %w", sessionID, models.ErrConflict)
	}
	stats, err := p.peaks.Get(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load stats: %w", err)
	}
	wt, err := p.attendance.WatchTime(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load watch time: %w", err)
	}
	rows, err := p.attendance.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load attendance: %w", err)
	}
	if rows == nil {
		rows = []models.AttendanceRow{}
	}
	return &Summary{
		SessionID:       sess.ID,
		BroadcasterID:   sess.BroadcasterID,
		Title:           sess.Title,
		Category:        sess.Category,
		CreatedAt:       sess.CreatedAt,
		EndedAt:         *sess.EndedAt,
		DurationSeconds: int64(sess.EndedAt.Sub(sess.CreatedAt) / time.Second),
		PeakViewers:     stats.PeakViewers,
		WatchTime:       *wt,
		Attendance:      rows,
		ArchivedAt:      p.now().UTC(),
	}, nil
}

// Process executes one archive job. Re-running a job overwrites the same object.
func (p *Processor) Process(ctx context.Context, job *queue.Job) error {
	if job.Type != queue.JobTypeSessionArchive {
		return fmt.Errorf("unknown job type: %s", job.Type)
	}
	var payload queue.ArchivePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	summary, err := p.Build(ctx, payload.SessionID)
	if err != nil {
		return err
	}
	body, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	key := storage.ArchiveKey(payload.SessionID.String())
	url, err := p.uploader.Upload(ctx, key, "application/json", bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return fmt.Errorf("s3 upload: %w", err)
	}
	p.logger.Info("session archived", zap.String("session_id", payload.SessionID.String()), zap.String("url", url))
	return nil
}

// Run dequeues and processes jobs until ctx is done. Failed jobs are retried and end up
// in the DLQ; jobs for unknown sessions are dropped.
func (p *Processor) Run(ctx context.Context) {
	for ctx.Err() == nil {
		job, err := p.jobs.Dequeue(ctx, queue.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			p.logger.Warn("dequeue error", zap.Error(err))
			p.sleep(ctx)
			continue
		}
		if job == nil {
			continue
		}

		p.logger.Debug("processing job", zap.String("job_id", job.ID), zap.String("type", string(job.Type)))
		err = p.Process(ctx, job)
		if err == nil {
			metrics.ArchiveJobs.WithLabelValues("archived").Inc()
			continue
		}
		if errors.Is(err, models.ErrNotFound) {
			metrics.ArchiveJobs.WithLabelValues("dropped").Inc()
			p.logger.Warn("dropping archive job", zap.String("job_id", job.ID), zap.Error(err))
			continue
		}
		metrics.ArchiveJobs.WithLabelValues("failed").Inc()
		p.logger.Error("job failed", zap.String("job_id", job.ID), zap.Error(err))
		if reErr := p.jobs.Retry(context.WithoutCancel(ctx), job); reErr != nil {
			p.logger.Error("retry enqueue failed", zap.Error(reErr))
		}
		p.sleep(ctx)
	}
	p.logger.Info("archive worker stopping")
}

func (p *Processor) sleep(ctx context.Context) {
	t := time.NewTimer(p.backoff)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
