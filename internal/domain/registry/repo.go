package registry

import (
	"context"
	"errors"

	"github.com/vaxtrack/vaxtrack/internal/domain/immunization"
)

var (
	ErrPatientNotFound  = errors.New("patient not found")
	ErrScheduleNotFound = errors.New("schedule not found")
	ErrVersionConflict  = errors.New("schedule was modified concurrently")
)

type PatientRepository interface {
	// Create assigns ID and timestamps.
	Create(ctx context.Context, p *immunization.Patient) error
	Get(ctx context.Context, id string) (*immunization.Patient, error)
	Update(ctx context.Context, p *immunization.Patient) error
	// Delete removes the patient and its schedule.
	Delete(ctx context.Context, id string) error
	List(ctx context.Context) ([]*immunization.Patient, error)
}

type ScheduleRepository interface {
	Get(ctx context.Context, patientID string) (*immunization.Schedule, error)
	// Save inserts when s.Version is 0, otherwise updates only if the stored
	// version still equals s.Version. On success s.Version is incremented and
	// s.UpdatedAt set.
	Save(ctx context.Context, s *immunization.Schedule) error
	List(ctx context.Context) ([]*immunization.Schedule, error)
}

// Transactor runs fn so that every repository call made with the ctx it
// receives commits or rolls back together.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
