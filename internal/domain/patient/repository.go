package patient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-patientsync/internal/infrastructure/postgres"
	"github.com/drfirst/go-patientsync/internal/record"
)

// Repository is the PostgreSQL Store.
type Repository struct {
	db     postgres.DB
	logger *zap.Logger
}

// NewRepository creates a new repository
func NewRepository(db postgres.DB, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{db: db, logger: logger}
}

var _ Store = (*Repository)(nil)

// FindByPatientID returns the stored document, or nil when there is none.
func (r *Repository) FindByPatientID(ctx context.Context, patientID string) (*Document, error) {
	query := `
		SELECT patient_id, data, version, created_at, updated_at
		FROM patients
		WHERE patient_id = $1
	`

	doc := &Document{}
	var raw []byte
	err := r.db.QueryRow(ctx, query, patientID).Scan(
		&doc.PatientID, &raw, &doc.Version, &doc.CreatedAt, &doc.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load patient %s: %w", patientID, err)
	}

	data, err := record.ParsePatient(raw)
	if err != nil {
		return nil, fmt.Errorf("decode patient %s: %w", patientID, err)
	}
	doc.Data = data
	return doc, nil
}

// Save inserts or updates doc and writes entries in the same transaction.
func (r *Repository) Save(ctx context.Context, doc *Document, entries ...*postgres.OutboxEntry) error {
	data, err := doc.Data.MarshalJSON()
	if err != nil {
		return fmt.Errorf("encode patient %s: %w", doc.PatientID, err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var row pgx.Row
	if doc.Version == 1 {
		row = tx.QueryRow(ctx, `
			INSERT INTO patients (patient_id, data, version)
			VALUES ($1, $2, 1)
			ON CONFLICT (patient_id) DO NOTHING
			RETURNING created_at, updated_at
		`, doc.PatientID, json.RawMessage(data))
	} else {
		row = tx.QueryRow(ctx, `
			UPDATE patients
			SET data = $2, version = $3, updated_at = NOW()
			WHERE patient_id = $1 AND version = $4
			RETURNING created_at, updated_at
		`, doc.PatientID, json.RawMessage(data), doc.Version, doc.Version-1)
	}

	if err := row.Scan(&doc.CreatedAt, &doc.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s at version %d", ErrVersionConflict, doc.PatientID, doc.Version)
		}
		return fmt.Errorf("save patient %s: %w", doc.PatientID, err)
	}

	for _, entry := range entries {
		if err := postgres.WriteEntry(ctx, tx, entry); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	r.logger.Debug("patient saved",
		zap.String("patient_id", doc.PatientID),
		zap.Int64("version", doc.Version),
		zap.Int("outbox_entries", len(entries)))
	return nil
}
