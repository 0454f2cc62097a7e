package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/crivet/dose-engine/internal/domain/clinical"
	"github.com/crivet/dose-engine/internal/domain/patient"
)

// PatientStore keeps patient records as JSONB documents
type PatientStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

var _ patient.Store = (*PatientStore)(nil)

// NewPatientStore creates a store over pool
func NewPatientStore(pool *pgxpool.Pool, logger *zap.Logger) *PatientStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PatientStore{pool: pool, logger: logger}
}

func (s *PatientStore) Load(ctx context.Context, id string) (patient.Patient, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT data FROM patients WHERE id = $1`, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return patient.Patient{}, &clinical.NotFoundError{Kind: "patient", ID: id}
	}
	if err != nil {
		return patient.Patient{}, fmt.Errorf("load patient %s: %w", id, err)
	}
	var p patient.Patient
	if err := json.Unmarshal(data, &p); err != nil {
		return patient.Patient{}, fmt.Errorf("decode patient %s: %w", id, err)
	}
	return p, nil
}

// Save inserts a new record; an existing ID is rejected
func (s *PatientStore) Save(ctx context.Context, p patient.Patient) (patient.Patient, error) {
	p, err := patient.Prepare(p, time.Now().UTC())
	if err != nil {
		return patient.Patient{}, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return patient.Patient{}, err
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO patients (id, data, created_at, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		p.ID, data, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return patient.Patient{}, fmt.Errorf("save patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return patient.Patient{}, &clinical.InputError{Field: "id", Reason: "patient " + p.ID + " already exists"}
	}
	return p, nil
}

// Upsert inserts or replaces a record, keeping the original creation time
func (s *PatientStore) Upsert(ctx context.Context, p patient.Patient) (patient.Patient, error) {
	p, err := patient.Prepare(p, time.Now().UTC())
	if err != nil {
		return patient.Patient{}, err
	}
	data, err := json.Marshal(p)
	if err != nil {
		return patient.Patient{}, err
	}
	var created time.Time
	err = s.pool.QueryRow(ctx, `
		INSERT INTO patients (id, data, created_at, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET data = EXCLUDED.data, updated_at = EXCLUDED.updated_at
		RETURNING created_at`,
		p.ID, data, p.CreatedAt, p.UpdatedAt).Scan(&created)
	if err != nil {
		return patient.Patient{}, fmt.Errorf("upsert patient: %w", err)
	}
	p.CreatedAt = created.UTC()
	return p, nil
}

func (s *PatientStore) Remove(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM patients WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("remove patient %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return &clinical.NotFoundError{Kind: "patient", ID: id}
	}
	return nil
}

// List returns every record ordered by name
func (s *PatientStore) List(ctx context.Context) ([]patient.Patient, error) {
	rows, err := s.pool.Query(ctx, `SELECT data FROM patients ORDER BY data->>'name', id`)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (patient.Patient, error) {
		var (
			data []byte
			p    patient.Patient
		)
		if err := row.Scan(&data); err != nil {
			return p, err
		}
		return p, json.Unmarshal(data, &p)
	})
	if err != nil {
		return nil, fmt.Errorf("scan patients: %w", err)
	}
	return out, nil
}
