// Package sqlite provides the local patient store backed by a single SQLite
// file.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/crivet/dose-engine/internal/domain/clinical"
	"github.com/crivet/dose-engine/internal/domain/patient"
)

// PatientStore keeps one JSON document per patient
type PatientStore struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

var _ patient.Store = (*PatientStore)(nil)

// Open opens or creates the database at path
func Open(path string, logger *zap.Logger) (*PatientStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("create dirs: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS patients (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL,
		payload    BLOB NOT NULL,
		updated_at TEXT NOT NULL
	)`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create patients table: %w", err)
	}
	logger.Info("patient store opened", zap.String("path", path))
	return &PatientStore{db: db, logger: logger, now: func() time.Time { return time.Now().UTC() }}, nil
}

// Close closes the database
func (s *PatientStore) Close() error { return s.db.Close() }

func (s *PatientStore) Load(ctx context.Context, id string) (patient.Patient, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM patients WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return patient.Patient{}, &clinical.NotFoundError{Kind: "patient", ID: id}
	}
	if err != nil {
		return patient.Patient{}, fmt.Errorf("load patient %s: %w", id, err)
	}
	var p patient.Patient
	if err := json.Unmarshal(payload, &p); err != nil {
		return patient.Patient{}, fmt.Errorf("decode patient %s: %w", id, err)
	}
	return p, nil
}

// Save inserts a new record; an existing ID is rejected
func (s *PatientStore) Save(ctx context.Context, p patient.Patient) (patient.Patient, error) {
	p, err := patient.Prepare(p, s.now())
	if err != nil {
		return patient.Patient{}, err
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return patient.Patient{}, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO patients (id, name, payload, updated_at) VALUES (?, ?, ?, ?) ON CONFLICT(id) DO NOTHING`,
		p.ID, p.Name, payload, p.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return patient.Patient{}, fmt.Errorf("save patient: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return patient.Patient{}, &clinical.InputError{Field: "id", Reason: "patient " + p.ID + " already exists"}
	}
	return p, nil
}

// Upsert inserts or replaces a record, keeping the original creation time
func (s *PatientStore) Upsert(ctx context.Context, p patient.Patient) (patient.Patient, error) {
	if p.ID != "" && p.CreatedAt.IsZero() {
		if existing, err := s.Load(ctx, p.ID); err == nil {
			p.CreatedAt = existing.CreatedAt
		}
	}
	p, err := patient.Prepare(p, s.now())
	if err != nil {
		return patient.Patient{}, err
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return patient.Patient{}, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO patients (id, name, payload, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, payload = excluded.payload, updated_at = excluded.updated_at`,
		p.ID, p.Name, payload, p.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return patient.Patient{}, fmt.Errorf("upsert patient: %w", err)
	}
	return p, nil
}

func (s *PatientStore) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM patients WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove patient %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &clinical.NotFoundError{Kind: "patient", ID: id}
	}
	return nil
}

// List returns every record ordered by name
func (s *PatientStore) List(ctx context.Context) ([]patient.Patient, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM patients ORDER BY name, id`)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	defer func() { _ = rows.Close() }()

	out := []patient.Patient{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		var p patient.Patient
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("decode patient: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
