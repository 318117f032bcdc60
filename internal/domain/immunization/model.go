// Package immunization is the scheduling engine: it derives a childhood
// vaccination schedule from a birth date, tracks per-vaccine completion and
// projects visit and patient status. Everything here is a pure function over
// plain values; persistence lives in the registry package.
package immunization

import (
	"errors"
	"time"
)

// ErrInvalidBirthDate is returned when a birth date is missing or malformed.
var ErrInvalidBirthDate = errors.New("invalid date of birth")

// Patient is a child enrolled in the schedule.
type Patient struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	DateOfBirth Date      `json:"date_of_birth"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// VaccineEntry is one vaccine within a visit.
type VaccineEntry struct {
	Name      string `json:"name"`
	Completed bool   `json:"completed"`
}

// Visit is one scheduled clinic encounter.
type Visit struct {
	Number   int            `json:"visit_number"`
	DueDate  Date           `json:"due_date"`
	Vaccines []VaccineEntry `json:"vaccines"`
}

// Schedule is the full visit sequence owned by one patient. Version is
// maintained by the store and is never changed by engine operations.
type Schedule struct {
	PatientID string    `json:"patient_id"`
	Visits    []Visit   `json:"visits"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewSchedule generates the schedule for p.
func NewSchedule(p Patient) (Schedule, error) {
	visits, err := GenerateSchedule(p.DateOfBirth)
	if err != nil {
		return Schedule{}, err
	}
	return Schedule{PatientID: p.ID, Visits: visits}, nil
}

// Clone returns a deep copy that shares no slices with s.
func (s Schedule) Clone() Schedule {
	out := s
	out.Visits = make([]Visit, len(s.Visits))
	for i, v := range s.Visits {
		out.Visits[i] = v.clone()
	}
	return out
}

func (v Visit) clone() Visit {
	out := v
	out.Vaccines = append([]VaccineEntry(nil), v.Vaccines...)
	return out
}

// Visit returns the visit with the given ordinal.
func (s Schedule) Visit(number int) (Visit, bool) {
	for _, v := range s.Visits {
		if v.Number == number {
			return v, true
		}
	}
	return Visit{}, false
}

// HasVaccine reports whether the visit contains a vaccine with the exact name.
func (s Schedule) HasVaccine(number int, name string) bool {
	v, ok := s.Visit(number)
	if !ok {
		return false
	}
	for _, e := range v.Vaccines {
		if e.Name == name {
			return true
		}
	}
	return false
}

// Equal compares visit structure and completion flags. PatientID, Version
// and UpdatedAt are ignored so callers can detect a no-op mutation.
func (s Schedule) Equal(o Schedule) bool {
	if len(s.Visits) != len(o.Visits) {
		return false
	}
	for i := range s.Visits {
		a, b := s.Visits[i], o.Visits[i]
		if a.Number != b.Number || !a.DueDate.Equal(b.DueDate) || len(a.Vaccines) != len(b.Vaccines) {
			return false
		}
		for j := range a.Vaccines {
			if a.Vaccines[j] != b.Vaccines[j] {
				return false
			}
		}
	}
	return true
}

// VaccineNames returns the names of the visit's vaccines in order.
func (v Visit) VaccineNames() []string {
	names := make([]string, len(v.Vaccines))
	for i, e := range v.Vaccines {
		names[i] = e.Name
	}
	return names
}

// ScheduleResetRequired reports whether changing p's birth date to dob would
// discard the existing schedule. Callers must warn the operator first.
func ScheduleResetRequired(p Patient, dob Date) bool {
	return !p.DateOfBirth.Equal(dob)
}
