package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vaxtrack/vaxtrack/internal/domain/immunization"
	"github.com/vaxtrack/vaxtrack/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func conn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

type patientRepoPG struct{ pool *pgxpool.Pool }

func NewPatientRepoPG(pool *pgxpool.Pool) PatientRepository {
	return &patientRepoPG{pool: pool}
}

const patientCols = `id, name, date_of_birth, created_at, updated_at`

func scanPatient(row pgx.Row) (*immunization.Patient, error) {
	var (
		p   immunization.Patient
		id  uuid.UUID
		dob time.Time
	)
	if err := row.Scan(&id, &p.Name, &dob, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.ID = id.String()
	p.DateOfBirth = immunization.DateOf(dob)
	return &p, nil
}

// parseID treats a malformed ID as an unknown patient.
func parseID(id string) (uuid.UUID, error) {
	u, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s", ErrPatientNotFound, id)
	}
	return u, nil
}

func (r *patientRepoPG) Create(ctx context.Context, p *immunization.Patient) error {
	id := uuid.New()
	err := conn(ctx, r.pool).QueryRow(ctx, `
		INSERT INTO patient (id, name, date_of_birth)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at`,
		id, p.Name, p.DateOfBirth.Time()).Scan(&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert patient: %w", err)
	}
	p.ID = id.String()
	return nil
}

func (r *patientRepoPG) Get(ctx context.Context, id string) (*immunization.Patient, error) {
	uid, err := parseID(id)
	if err != nil {
		return nil, err
	}
	p, err := scanPatient(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+patientCols+` FROM patient WHERE id = $1`, uid))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrPatientNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get patient: %w", err)
	}
	return p, nil
}

func (r *patientRepoPG) Update(ctx context.Context, p *immunization.Patient) error {
	uid, err := parseID(p.ID)
	if err != nil {
		return err
	}
	err = conn(ctx, r.pool).QueryRow(ctx, `
		UPDATE patient SET name = $2, date_of_birth = $3, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at`,
		uid, p.Name, p.DateOfBirth.Time()).Scan(&p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrPatientNotFound, p.ID)
	}
	if err != nil {
		return fmt.Errorf("update patient: %w", err)
	}
	return nil
}

// Delete relies on ON DELETE CASCADE to remove the schedule.
func (r *patientRepoPG) Delete(ctx context.Context, id string) error {
	uid, err := parseID(id)
	if err != nil {
		return err
	}
	tag, err := conn(ctx, r.pool).Exec(ctx, `DELETE FROM patient WHERE id = $1`, uid)
	if err != nil {
		return fmt.Errorf("delete patient: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrPatientNotFound, id)
	}
	return nil
}

func (r *patientRepoPG) List(ctx context.Context) ([]*immunization.Patient, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+patientCols+` FROM patient ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list patients: %w", err)
	}
	defer rows.Close()

	var out []*immunization.Patient
	for rows.Next() {
		p, err := scanPatient(rows)
		if err != nil {
			return nil, fmt.Errorf("scan patient: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type scheduleRepoPG struct{ pool *pgxpool.Pool }

func NewScheduleRepoPG(pool *pgxpool.Pool) ScheduleRepository {
	return &scheduleRepoPG{pool: pool}
}

const scheduleCols = `patient_id, visits, version, updated_at`

func scanSchedule(row pgx.Row) (*immunization.Schedule, error) {
	var (
		s      immunization.Schedule
		id     uuid.UUID
		visits []byte
	)
	if err := row.Scan(&id, &visits, &s.Version, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.PatientID = id.String()
	if err := json.Unmarshal(visits, &s.Visits); err != nil {
		return nil, fmt.Errorf("decode visits for %s: %w", s.PatientID, err)
	}
	return &s, nil
}

func (r *scheduleRepoPG) Get(ctx context.Context, patientID string) (*immunization.Schedule, error) {
	uid, err := uuid.Parse(patientID)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, patientID)
	}
	s, err := scanSchedule(conn(ctx, r.pool).QueryRow(ctx,
		`SELECT `+scheduleCols+` FROM immunization_schedule WHERE patient_id = $1`, uid))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, patientID)
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return s, nil
}

func (r *scheduleRepoPG) Save(ctx context.Context, s *immunization.Schedule) error {
	uid, err := parseID(s.PatientID)
	if err != nil {
		return err
	}
	visits, err := json.Marshal(s.Visits)
	if err != nil {
		return fmt.Errorf("encode visits: %w", err)
	}

	q := conn(ctx, r.pool)
	var updatedAt time.Time
	if s.Version == 0 {
		err = q.QueryRow(ctx, `
			INSERT INTO immunization_schedule (patient_id, visits, version)
			VALUES ($1, $2, 1)
			RETURNING updated_at`, uid, visits).Scan(&updatedAt)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return fmt.Errorf("%w: schedule for %s already exists", ErrVersionConflict, s.PatientID)
			case "23503":
				return fmt.Errorf("%w: %s", ErrPatientNotFound, s.PatientID)
			}
		}
	} else {
		err = q.QueryRow(ctx, `
			UPDATE immunization_schedule
			SET visits = $2, version = version + 1, updated_at = NOW()
			WHERE patient_id = $1 AND version = $3
			RETURNING updated_at`, uid, visits, s.Version).Scan(&updatedAt)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s at version %d", ErrVersionConflict, s.PatientID, s.Version)
		}
	}
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	s.Version++
	s.UpdatedAt = updatedAt
	return nil
}

func (r *scheduleRepoPG) List(ctx context.Context) ([]*immunization.Schedule, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+scheduleCols+` FROM immunization_schedule`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []*immunization.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
