// Package store persists the single orchestration job so the daemon can
// resume or roll back after a restart.
//
// Two backends implement JobRepository:
//   - FileRepository: one JSON document replaced atomically (temp, fsync, rename)
//   - SQLiteRepository: a singleton row plus a status transition history
//
// Both can seal the persisted document with an age identity because job
// records carry seeded credentials.
package store

import (
	"context"
	"time"

	"github.com/dcrange/dcrange/internal/models"
)

// JobRepository loads and saves the current job. Load returns (nil, nil)
// when no job has been recorded.
type JobRepository interface {
	Load(ctx context.Context) (*models.Job, error)
	Save(ctx context.Context, job models.Job) error
	Clear(ctx context.Context) error
}

// Transition is one recorded status change of a job.
type Transition struct {
	ID        int64            `json:"id"`
	At        time.Time        `json:"at"`
	JobID     string           `json:"jobId"`
	Status    models.JobStatus `json:"status"`
	Progress  string           `json:"progress"`
	ErrorCode string           `json:"errorCode,omitempty"`
}

// HistoryReader is implemented by repositories that keep transition history.
type HistoryReader interface {
	History(ctx context.Context, limit int) ([]Transition, error)
}
