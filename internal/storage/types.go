package storage

import (
	"context"
	"errors"
	"time"
)

var ErrClosed = errors.New("history store closed")

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// CycleRecord is one finished cycle.
type CycleRecord struct {
	ID            string    `json:"id"`
	TaskID        string    `json:"task_id"`
	PromptID      string    `json:"prompt_id,omitempty"`
	Status        string    `json:"status"`
	Error         string    `json:"error,omitempty"`
	Files         int       `json:"files"`
	Uploaded      int       `json:"uploaded"`
	FailedUploads int       `json:"failed_uploads"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
}

// Query selects records. Limit <= 0 means all; Status "" means any.
type Query struct {
	Limit  int
	Status string
}

// History is the persistence API used by the recorder and the HTTP surface.
// List returns records oldest first, keeping the newest Limit matches.
type History interface {
	Append(ctx context.Context, r CycleRecord) error
	List(ctx context.Context, q Query) ([]CycleRecord, error)
	Clear(ctx context.Context) error
	// Prune removes records that ended before the cutoff and returns how many.
	Prune(ctx context.Context, before time.Time) (int, error)
	Close() error
}

// Config configures the history store.
type Config struct {
	Driver      string
	Path        string
	MaxEntries  int           // default 100
	BusyTimeout time.Duration // sqlite only; 0 means default
}
