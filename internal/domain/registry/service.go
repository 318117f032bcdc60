// Package registry enrols patients and persists their immunization
// schedules. It runs the pure scheduling engine, saves the result and
// notifies live clients, in that order.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/language"

	"github.com/vaxtrack/vaxtrack/internal/domain/immunization"
	"github.com/vaxtrack/vaxtrack/internal/domain/population"
	"github.com/vaxtrack/vaxtrack/internal/platform/telemetry"
	"github.com/vaxtrack/vaxtrack/internal/platform/websocket"
)

var (
	ErrNameRequired          = errors.New("name is required")
	ErrInvalidQuery          = errors.New("invalid query")
	ErrVisitNotFound         = errors.New("visit not found")
	ErrVaccineNotFound       = errors.New("vaccine not found in visit")
	ErrScheduleResetRequired = errors.New("changing the date of birth regenerates the schedule and discards completion state; resend with confirm_schedule_reset")
	ErrPersistence           = errors.New("persistence failure")
)

const maxNameLength = 200

// PatientDetail is a patient with its rendered schedule. Schedule is nil
// for a patient without one.
type PatientDetail struct {
	immunization.Patient
	Schedule *immunization.ScheduleView `json:"schedule"`
	NextDue  immunization.DueLabel      `json:"next_due"`
}

// RegisterInput is the data needed to enrol a patient.
type RegisterInput struct {
	Name        string            `json:"name"`
	DateOfBirth immunization.Date `json:"date_of_birth"`
}

// UpdateInput carries the fields to change. Nil fields are left alone.
type UpdateInput struct {
	Name                 *string            `json:"name"`
	DateOfBirth          *immunization.Date `json:"date_of_birth"`
	ConfirmScheduleReset bool               `json:"confirm_schedule_reset"`
}

// Export is the per-visit rendering of one patient's schedule.
type Export struct {
	Patient immunization.Patient     `json:"patient"`
	Rows    []immunization.ExportRow `json:"rows"`
}

// FileName returns the download name for the given extension.
func (e Export) FileName(ext string) string {
	return immunization.ExportFileName(e.Patient.Name, ext)
}

type Service struct {
	patients  PatientRepository
	schedules ScheduleRepository
	tx        Transactor
	query     *population.Engine
	events    websocket.EventPublisher
	telemetry *telemetry.Provider
	logger    zerolog.Logger
}

func NewService(patients PatientRepository, schedules ScheduleRepository, tx Transactor) *Service {
	return &Service{
		patients:  patients,
		schedules: schedules,
		tx:        tx,
		query:     population.NewEngine(language.English),
		logger:    zerolog.Nop(),
	}
}

func (s *Service) SetEventPublisher(p websocket.EventPublisher) { s.events = p }

func (s *Service) SetTelemetry(t *telemetry.Provider) { s.telemetry = t }

func (s *Service) SetLogger(l zerolog.Logger) {
	s.logger = l.With().Str("component", "registry").Logger()
}

func (s *Service) SetQueryEngine(e *population.Engine) { s.query = e }

// Register creates the patient and its generated schedule together.
func (s *Service) Register(ctx context.Context, in RegisterInput) (detail *PatientDetail, err error) {
	defer s.record("register", &err)

	name, err := normalizeName(in.Name)
	if err != nil {
		return nil, err
	}
	if in.DateOfBirth.IsZero() {
		return nil, fmt.Errorf("%w: date_of_birth is required", immunization.ErrInvalidBirthDate)
	}

	p := &immunization.Patient{Name: name, DateOfBirth: in.DateOfBirth}
	var sched immunization.Schedule
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.patients.Create(ctx, p); err != nil {
			return s.persistErr("create patient", err)
		}
		generated, err := immunization.NewSchedule(*p)
		if err != nil {
			return err
		}
		sched = generated
		if err := s.schedules.Save(ctx, &sched); err != nil {
			return s.persistErr("save schedule", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publish(ctx, websocket.EventPatientRegistered, p.ID, sched.Version, nil)
	return newDetail(*p, &sched), nil
}

// Get returns a patient and its schedule view.
func (s *Service) Get(ctx context.Context, id string) (*PatientDetail, error) {
	var detail *PatientDetail
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		p, err := s.patients.Get(ctx, id)
		if err != nil {
			return s.persistErr("load patient", err)
		}
		sched, err := s.schedules.Get(ctx, id)
		switch {
		case errors.Is(err, ErrScheduleNotFound):
			sched = nil
		case err != nil:
			return s.persistErr("load schedule", err)
		}
		detail = newDetail(*p, sched)
		return nil
	})
	return detail, err
}

// Update edits the name and/or birth date. A birth date change discards the
// schedule and generates a new one in the same transaction, and is refused
// with ErrScheduleResetRequired unless confirmed.
func (s *Service) Update(ctx context.Context, id string, in UpdateInput) (detail *PatientDetail, err error) {
	defer s.record("update", &err)

	var name string
	if in.Name != nil {
		if name, err = normalizeName(*in.Name); err != nil {
			return nil, err
		}
	}
	if in.DateOfBirth != nil && in.DateOfBirth.IsZero() {
		return nil, fmt.Errorf("%w: date_of_birth cannot be cleared", immunization.ErrInvalidBirthDate)
	}

	var (
		p           *immunization.Patient
		sched       *immunization.Schedule
		regenerated bool
	)
	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		current, err := s.patients.Get(ctx, id)
		if err != nil {
			return s.persistErr("load patient", err)
		}
		p = current
		oldDOB := p.DateOfBirth

		if in.Name != nil {
			p.Name = name
		}
		if in.DateOfBirth != nil && immunization.ScheduleResetRequired(*p, *in.DateOfBirth) {
			if !in.ConfirmScheduleReset {
				return ErrScheduleResetRequired
			}
			p.DateOfBirth = *in.DateOfBirth
			regenerated = true
		}

		if err := s.patients.Update(ctx, p); err != nil {
			return s.persistErr("update patient", err)
		}

		existing, err := s.schedules.Get(ctx, id)
		if err != nil && !errors.Is(err, ErrScheduleNotFound) {
			return s.persistErr("load schedule", err)
		}
		if !regenerated {
			sched = existing
			return nil
		}

		next, err := immunization.NewSchedule(*p)
		if err != nil {
			return err
		}
		discarded := 0
		if existing != nil {
			next.Version = existing.Version
			discarded = immunization.CompletionRatio(*existing).Completed
		}
		if err := s.schedules.Save(ctx, &next); err != nil {
			return s.persistErr("save schedule", err)
		}
		sched = &next

		s.logger.Warn().
			Str("patient_id", id).
			Str("old_dob", oldDOB.String()).
			Str("new_dob", p.DateOfBirth.String()).
			Int("discarded_completions", discarded).
			Msg("schedule regenerated after date of birth change")
		return nil
	})
	if err != nil {
		return nil, err
	}

	version := 0
	if sched != nil {
		version = sched.Version
	}
	s.publish(ctx, websocket.EventPatientUpdated, id, version, nil)
	if regenerated {
		s.publish(ctx, websocket.EventScheduleRegenerated, id, version, nil)
	}
	return newDetail(*p, sched), nil
}

// Delete removes the patient and its schedule.
func (s *Service) Delete(ctx context.Context, id string) (err error) {
	defer s.record("delete", &err)

	err = s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.patients.Delete(ctx, id); err != nil {
			return s.persistErr("delete patient", err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, websocket.EventPatientDeleted, id, 0, nil)
	return nil
}

// ToggleVaccine flips one vaccine's completion flag and persists the result.
func (s *Service) ToggleVaccine(ctx context.Context, id string, visit int, vaccine string) (view *immunization.ScheduleView, err error) {
	defer s.record("toggle_vaccine", &err)

	return s.mutateSchedule(ctx, id, visit, func(cur immunization.Schedule) (immunization.Schedule, error) {
		if !cur.HasVaccine(visit, vaccine) {
			return cur, fmt.Errorf("%w: %q in visit %d", ErrVaccineNotFound, vaccine, visit)
		}
		return immunization.ToggleVaccine(cur, visit, vaccine), nil
	})
}

// MarkVisitComplete completes every vaccine in a visit. Completing an
// already complete visit writes nothing.
func (s *Service) MarkVisitComplete(ctx context.Context, id string, visit int) (view *immunization.ScheduleView, err error) {
	defer s.record("mark_visit_complete", &err)

	return s.mutateSchedule(ctx, id, visit, func(cur immunization.Schedule) (immunization.Schedule, error) {
		return immunization.MarkVisitComplete(cur, visit), nil
	})
}

func (s *Service) mutateSchedule(ctx context.Context, id string, visit int, apply func(immunization.Schedule) (immunization.Schedule, error)) (*immunization.ScheduleView, error) {
	var (
		saved   immunization.Schedule
		changed bool
	)
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		if _, err := s.patients.Get(ctx, id); err != nil {
			return s.persistErr("load patient", err)
		}
		cur, err := s.schedules.Get(ctx, id)
		if err != nil {
			return s.persistErr("load schedule", err)
		}
		if _, ok := cur.Visit(visit); !ok {
			return fmt.Errorf("%w: %d", ErrVisitNotFound, visit)
		}

		next, err := apply(*cur)
		if err != nil {
			return err
		}
		if next.Equal(*cur) {
			saved = *cur
			return nil
		}

		next.PatientID = cur.PatientID
		next.Version = cur.Version
		if err := s.schedules.Save(ctx, &next); err != nil {
			return s.persistErr("save schedule", err)
		}
		saved, changed = next, true
		return nil
	})
	if err != nil {
		return nil, err
	}

	view := immunization.Project(saved)
	if changed {
		s.publish(ctx, websocket.EventScheduleUpdated, id, saved.Version, map[string]interface{}{
			"visit_number": visit,
			"next_due":     view.NextDue,
			"completion":   view.Ratio,
		})
	}
	return &view, nil
}

// List runs a population query over every patient.
func (s *Service) List(ctx context.Context, q population.Query) (population.Result, error) {
	if err := q.Validate(); err != nil {
		return population.Result{}, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}
	records, err := s.records(ctx)
	if err != nil {
		return population.Result{}, err
	}
	s.telemetry.SetPatientsTotal(len(records))
	return s.query.Run(records, q), nil
}

// Stats counts the population by next-due state.
func (s *Service) Stats(ctx context.Context) (population.Stats, error) {
	records, err := s.records(ctx)
	if err != nil {
		return population.Stats{}, err
	}
	s.telemetry.SetPatientsTotal(len(records))
	return population.Count(records), nil
}

// records loads patients then schedules and joins them by patient ID.
func (s *Service) records(ctx context.Context) ([]population.Record, error) {
	var records []population.Record
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		patients, err := s.patients.List(ctx)
		if err != nil {
			return s.persistErr("list patients", err)
		}
		schedules, err := s.schedules.List(ctx)
		if err != nil {
			return s.persistErr("list schedules", err)
		}

		byPatient := make(map[string]*immunization.Schedule, len(schedules))
		for _, sc := range schedules {
			byPatient[sc.PatientID] = sc
		}
		records = make([]population.Record, 0, len(patients))
		for _, p := range patients {
			records = append(records, population.Record{Patient: *p, Schedule: byPatient[p.ID]})
		}
		return nil
	})
	return records, err
}

// Export renders one row per visit for the patient's schedule.
func (s *Service) Export(ctx context.Context, id string) (*Export, error) {
	var out *Export
	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		p, err := s.patients.Get(ctx, id)
		if err != nil {
			return s.persistErr("load patient", err)
		}
		sched, err := s.schedules.Get(ctx, id)
		if err != nil {
			return s.persistErr("load schedule", err)
		}
		out = &Export{Patient: *p, Rows: immunization.ExportRows(*sched)}
		return nil
	})
	return out, err
}

func newDetail(p immunization.Patient, sched *immunization.Schedule) *PatientDetail {
	d := &PatientDetail{Patient: p, NextDue: immunization.NextDueLabel(sched)}
	if sched != nil {
		view := immunization.Project(*sched)
		d.Schedule = &view
	}
	return d
}

func normalizeName(name string) (string, error) {
	name = strings.Join(strings.Fields(name), " ")
	if name == "" {
		return "", ErrNameRequired
	}
	if len(name) > maxNameLength {
		return "", fmt.Errorf("%w: name exceeds %d characters", ErrNameRequired, maxNameLength)
	}
	return name, nil
}

// persistErr passes lookup and conflict errors through and wraps anything
// else from a store as ErrPersistence.
func (s *Service) persistErr(op string, err error) error {
	if errors.Is(err, ErrPatientNotFound) || errors.Is(err, ErrScheduleNotFound) ||
		errors.Is(err, ErrVersionConflict) || errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	s.logger.Error().Err(err).Str("op", op).Msg("store operation failed")
	return fmt.Errorf("%w: %s: %w", ErrPersistence, op, err)
}

// publish sends a change event after a successful commit.
func (s *Service) publish(ctx context.Context, eventType, patientID string, version int, data interface{}) {
	if s.events == nil {
		return
	}
	ev := websocket.Event{
		Type:      eventType,
		Topic:     websocket.PatientTopic(patientID),
		PatientID: patientID,
		Version:   version,
		Timestamp: time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			s.logger.Error().Err(err).Str("type", eventType).Msg("marshal event data")
		} else {
			ev.Data = raw
		}
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("type", eventType).Str("patient_id", patientID).Msg("publish event")
		return
	}
	s.telemetry.RecordEvent(eventType)
}

func (s *Service) record(op string, errp *error) {
	s.telemetry.RecordMutation(op, outcome(*errp))
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrPersistence):
		return "persistence"
	case errors.Is(err, ErrPatientNotFound), errors.Is(err, ErrScheduleNotFound),
		errors.Is(err, ErrVisitNotFound), errors.Is(err, ErrVaccineNotFound):
		return "not_found"
	case errors.Is(err, ErrScheduleResetRequired), errors.Is(err, ErrVersionConflict):
		return "conflict"
	}
	return "invalid"
}
