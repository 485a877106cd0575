// Package storage defines the run transcript store: a persistent record of
// agent runs, their outcomes, and the full conversation each one produced.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL.
package storage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/deepread/internal/llm"
)

// Run statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// RunRecord is one completed agent run.
type RunRecord struct {
	ID           uuid.UUID     `json:"id"`
	Query        string        `json:"query"`
	Answer       string        `json:"answer"`
	Status       string        `json:"status"`
	Error        string        `json:"error,omitempty"`
	Model        string        `json:"model"`
	Backend      string        `json:"backend"`
	Turns        int           `json:"turns"`
	ContextChars int           `json:"context_chars"`
	Transcript   []llm.Message `json:"transcript,omitempty"`
	StartedAt    time.Time     `json:"started_at"`
	FinishedAt   time.Time     `json:"finished_at"`
}

// RunStore persists agent runs. Both backends implement this interface.
type RunStore interface {
	SaveRun(ctx context.Context, run *RunRecord) error
	GetRun(ctx context.Context, id uuid.UUID) (*RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]*RunRecord, error)

	// Lifecycle.
	Migrate(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}
