// Package sqlitestore persists patients and schedules in an embedded SQLite
// database. It is the default store for single-clinic deployments.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	msqlite "modernc.org/sqlite"
	sqlite3lib "modernc.org/sqlite/lib"

	"github.com/vaxtrack/vaxtrack/internal/domain/immunization"
	"github.com/vaxtrack/vaxtrack/internal/domain/registry"
	"github.com/vaxtrack/vaxtrack/internal/domain/registry/sqlitestore/migrations"
	"github.com/vaxtrack/vaxtrack/internal/platform/storage/sqlitemigrate"
)

// Store implements the registry repositories and Transactor on SQLite.
type Store struct {
	sqlDB *sql.DB
	now   func() time.Time
}

var (
	_ registry.PatientRepository  = (*Store)(nil)
	_ registry.ScheduleRepository = (*Schedules)(nil)
	_ registry.Transactor         = (*Store)(nil)
)

type txKey struct{}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

// Open opens the database at path, creating it if needed, and applies the
// embedded migrations.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection serialises writers; SQLite allows a single writer anyway.
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlitemigrate.Apply(context.Background(), sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB, now: time.Now}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.sqlDB.PingContext(ctx)
}

// Schedules returns the schedule repository sharing this store's handle.
func (s *Store) Schedules() *Schedules {
	return &Schedules{store: s}
}

func (s *Store) conn(ctx context.Context) execer {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok && tx != nil {
		return tx
	}
	return s.sqlDB
}

// WithinTx runs fn in a transaction. A context already inside one is reused.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

const patientCols = `id, name, date_of_birth, created_at, updated_at`

func scanPatient(scan func(dest ...interface{}) error) (*immunization.Patient, error) {
	var (
		p                    immunization.Patient
		dob                  string
		createdAt, updatedAt int64
	)
	if err := scan(&p.ID, &p.Name, &dob, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	d, err := immunization.ParseDate(dob)
	if err != nil {
		return nil, fmt.Errorf("decode date_of_birth for %s: %w", p.ID, err)
	}
	p.DateOfBirth = d
	p.CreatedAt = fromMillis(createdAt)
	p.UpdatedAt = fromMillis(updatedAt)
	return &p, nil
}

// Create inserts p with a new ID.
func (s *Store) Create(ctx context.Context, p *immunization.Patient) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := s.now().UTC()
	id := uuid.NewString()
	_, err := s.conn(ctx).ExecContext(ctx,
		`INSERT INTO patients (`+patientCols+`) VALUES (?, ?, ?, ?, ?)`,
		id, p.Name, p.DateOfBirth.String(), toMillis(now), toMillis(now))
	if err != nil {
		return fmt.Errorf("create patient: %w", err)
	}
	p.ID = id
	p.CreatedAt = fromMillis(toMillis(now))
	p.UpdatedAt = p.CreatedAt
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*immunization.Patient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	row := s.conn(ctx).QueryRowContext(ctx, `SELECT `+patientCols+` FROM patients WHERE id = ?`, id)
	p, err := scanPatient(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", registry.ErrPatientNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return p, nil
}

func (s *Store) Update(ctx context.Context, p *immunization.Patient) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	now := s.now().UTC()
	res, err := s.conn(ctx).ExecContext(ctx,
		`UPDATE patients SET name = ?, date_of_birth = ?, updated_at = ? WHERE id = ?`,
		p.Name, p.DateOfBirth.String(), toMillis(now), p.ID)
	if err != nil {
		return fmt.Errorf("update patient: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", registry.ErrPatientNotFound, p.ID)
	}
	p.UpdatedAt = fromMillis(toMillis(now))
	return nil
}

// Delete removes the patient; the schedule goes with it by foreign key.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	res, err := s.conn(ctx).ExecContext(ctx, `DELETE FROM patients WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete patient: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", registry.ErrPatientNotFound, id)
	}
	return nil
}

func (s *Store) List(ctx context.Context) ([]*immunization.Patient, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := s.conn(ctx).QueryContext(ctx, `SELECT `+patientCols+` FROM patients ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	var out []*immunization.Patient
	for rows.Next() {
		p, err := scanPatient(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Schedules is the schedule repository view of a Store.
type Schedules struct {
	store *Store
}

const scheduleCols = `patient_id, visits, version, updated_at`

func scanSchedule(scan func(dest ...interface{}) error) (*immunization.Schedule, error) {
	var (
		sc        immunization.Schedule
		visits    string
		updatedAt int64
	)
	if err := scan(&sc.PatientID, &visits, &sc.Version, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(visits), &sc.Visits); err != nil {
		return nil, fmt.Errorf("decode visits for %s: %w", sc.PatientID, err)
	}
	sc.UpdatedAt = fromMillis(updatedAt)
	return &sc, nil
}

func (r *Schedules) Get(ctx context.Context, patientID string) (*immunization.Schedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	row := r.store.conn(ctx).QueryRowContext(ctx,
		`SELECT `+scheduleCols+` FROM schedules WHERE patient_id = ?`, patientID)
	sc, err := scanSchedule(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", registry.ErrScheduleNotFound, patientID)
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sc, nil
}

// Save inserts a new schedule at version 1 or replaces the stored one if its
// version still matches.
func (r *Schedules) Save(ctx context.Context, sc *immunization.Schedule) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	visits, err := json.Marshal(sc.Visits)
	if err != nil {
		return fmt.Errorf("encode visits: %w", err)
	}
	now := r.store.now().UTC()
	q := r.store.conn(ctx)

	if sc.Version == 0 {
		_, err := q.ExecContext(ctx,
			`INSERT INTO schedules (`+scheduleCols+`) VALUES (?, ?, 1, ?)`,
			sc.PatientID, string(visits), toMillis(now))
		switch {
		case isUniqueViolation(err):
			return fmt.Errorf("%w: schedule for %s already exists", registry.ErrVersionConflict, sc.PatientID)
		case isForeignKeyViolation(err):
			return fmt.Errorf("%w: %s", registry.ErrPatientNotFound, sc.PatientID)
		case err != nil:
			return fmt.Errorf("insert schedule: %w", err)
		}
	} else {
		res, err := q.ExecContext(ctx,
			`UPDATE schedules SET visits = ?, version = version + 1, updated_at = ?
			 WHERE patient_id = ? AND version = ?`,
			string(visits), toMillis(now), sc.PatientID, sc.Version)
		if err != nil {
			return fmt.Errorf("update schedule: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update schedule: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("%w: %s at version %d", registry.ErrVersionConflict, sc.PatientID, sc.Version)
		}
	}
	sc.Version++
	sc.UpdatedAt = fromMillis(toMillis(now))
	return nil
}

func (r *Schedules) List(ctx context.Context) ([]*immunization.Schedule, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rows, err := r.store.conn(ctx).QueryContext(ctx, `SELECT `+scheduleCols+` FROM schedules`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []*immunization.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var sqliteErr *msqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3lib.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3lib.SQLITE_CONSTRAINT_UNIQUE:
			return true
		}
	}
	return false
}

func isForeignKeyViolation(err error) bool {
	var sqliteErr *msqlite.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3lib.SQLITE_CONSTRAINT_FOREIGNKEY
}
