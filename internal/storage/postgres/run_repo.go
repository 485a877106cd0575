package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/jkaninda/deepread/internal/llm"
	"github.com/jkaninda/deepread/internal/storage"
)

// ErrRunNotFound is returned when a run id has no record.
var ErrRunNotFound = errors.New("run not found")

// RunModel is the GORM model for one agent run.
type RunModel struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	Query        string    `gorm:"type:text;not null"`
	Answer       string    `gorm:"type:text"`
	Status       string    `gorm:"size:16;index;not null"`
	Error        string    `gorm:"type:text"`
	Model        string    `gorm:"size:128"`
	Backend      string    `gorm:"size:32"`
	Turns        int
	ContextChars int
	Transcript   string `gorm:"type:text"` // JSON-encoded []llm.Message.
	StartedAt    time.Time
	FinishedAt   time.Time `gorm:"index"`
}

// TableName overrides the default pluralized name.
func (RunModel) TableName() string { return "runs" }

// RunRepository implements the run persistence operations shared by the
// SQLite and PostgreSQL stores.
type RunRepository struct {
	db *gorm.DB
}

// NewRunRepository creates a RunRepository.
func NewRunRepository(db *gorm.DB) *RunRepository {
	return &RunRepository{db: db}
}

// SaveRun inserts one completed run. A zero ID is assigned.
func (r *RunRepository) SaveRun(ctx context.Context, run *storage.RunRecord) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}

	model, err := toModel(run)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return fmt.Errorf("saving run: %w", err)
	}
	return nil
}

// GetRun returns one run by id.
func (r *RunRepository) GetRun(ctx context.Context, id uuid.UUID) (*storage.RunRecord, error) {
	var model RunModel
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading run: %w", err)
	}
	return fromModel(&model)
}

// ListRuns returns the most recent runs, newest first.
func (r *RunRepository) ListRuns(ctx context.Context, limit int) ([]*storage.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}

	var models []RunModel
	err := r.db.WithContext(ctx).
		Order("finished_at DESC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}

	runs := make([]*storage.RunRecord, 0, len(models))
	for i := range models {
		run, err := fromModel(&models[i])
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}

func toModel(run *storage.RunRecord) (*RunModel, error) {
	var transcript string
	if len(run.Transcript) > 0 {
		data, err := json.Marshal(run.Transcript)
		if err != nil {
			return nil, fmt.Errorf("encoding transcript: %w", err)
		}
		transcript = string(data)
	}

	return &RunModel{
		ID:           run.ID,
		Query:        run.Query,
		Answer:       run.Answer,
		Status:       run.Status,
		Error:        run.Error,
		Model:        run.Model,
		Backend:      run.Backend,
		Turns:        run.Turns,
		ContextChars: run.ContextChars,
		Transcript:   transcript,
		StartedAt:    run.StartedAt.UTC(),
		FinishedAt:   run.FinishedAt.UTC(),
	}, nil
}

func fromModel(model *RunModel) (*storage.RunRecord, error) {
	var transcript []llm.Message
	if model.Transcript != "" {
		if err := json.Unmarshal([]byte(model.Transcript), &transcript); err != nil {
			return nil, fmt.Errorf("decoding transcript: %w", err)
		}
	}

	return &storage.RunRecord{
		ID:           model.ID,
		Query:        model.Query,
		Answer:       model.Answer,
		Status:       model.Status,
		Error:        model.Error,
		Model:        model.Model,
		Backend:      model.Backend,
		Turns:        model.Turns,
		ContextChars: model.ContextChars,
		Transcript:   transcript,
		StartedAt:    model.StartedAt,
		FinishedAt:   model.FinishedAt,
	}, nil
}
