package immunization

import (
	"encoding/json"
	"fmt"
)

// VisitStatus is the derived completion state of a visit.
type VisitStatus string

const (
	StatusPending            VisitStatus = "Pending"
	StatusPartiallyCompleted VisitStatus = "Partially Completed"
	StatusCompleted          VisitStatus = "Completed"
)

// StatusOf derives a visit's status from its completion flags. A visit with
// no vaccines counts as completed.
func StatusOf(v Visit) VisitStatus {
	r := v.Ratio()
	switch {
	case r.Completed == r.Total:
		return StatusCompleted
	case r.Completed == 0:
		return StatusPending
	}
	return StatusPartiallyCompleted
}

// Ratio counts completed vaccine entries over all entries.
type Ratio struct {
	Completed int `json:"completed"`
	Total     int `json:"total"`
}

func (r Ratio) String() string { return fmt.Sprintf("%d/%d", r.Completed, r.Total) }

// Ratio returns the visit's completion ratio.
func (v Visit) Ratio() Ratio {
	r := Ratio{Total: len(v.Vaccines)}
	for _, e := range v.Vaccines {
		if e.Completed {
			r.Completed++
		}
	}
	return r
}

// CompletionRatio sums vaccine completion across all visits.
func CompletionRatio(s Schedule) Ratio {
	var r Ratio
	for _, v := range s.Visits {
		vr := v.Ratio()
		r.Completed += vr.Completed
		r.Total += vr.Total
	}
	return r
}

// NextDueVisit returns the lowest-ordinal visit with at least one incomplete
// vaccine, or false when every visit is completed.
func NextDueVisit(s Schedule) (Visit, bool) {
	var (
		next  Visit
		found bool
	)
	for _, v := range s.Visits {
		if StatusOf(v) == StatusCompleted {
			continue
		}
		if !found || v.Number < next.Number {
			next, found = v, true
		}
	}
	return next, found
}

// DueKind classifies a next-due label.
type DueKind int

const (
	DueOn DueKind = iota
	DueCompleted
	DueNotScheduled
)

const (
	LabelCompleted    = "Completed"
	LabelNotScheduled = "Not scheduled"
)

// DueLabel is the three-way next-due value used for display, filtering and
// sorting.
type DueLabel struct {
	Kind DueKind
	Date Date
}

// NextDueLabel projects a patient's schedule into its next-due label. A nil
// schedule means the patient has none.
func NextDueLabel(s *Schedule) DueLabel {
	if s == nil {
		return DueLabel{Kind: DueNotScheduled}
	}
	v, ok := NextDueVisit(*s)
	if !ok {
		return DueLabel{Kind: DueCompleted}
	}
	return DueLabel{Kind: DueOn, Date: v.DueDate}
}

// HasDate reports whether the label carries a comparable date.
func (l DueLabel) HasDate() bool { return l.Kind == DueOn }

func (l DueLabel) String() string {
	switch l.Kind {
	case DueCompleted:
		return LabelCompleted
	case DueNotScheduled:
		return LabelNotScheduled
	}
	return l.Date.String()
}

func (l DueLabel) MarshalJSON() ([]byte, error) { return json.Marshal(l.String()) }

// ParseDueLabel is the inverse of DueLabel.String.
func ParseDueLabel(s string) (DueLabel, error) {
	switch s {
	case LabelCompleted:
		return DueLabel{Kind: DueCompleted}, nil
	case LabelNotScheduled:
		return DueLabel{Kind: DueNotScheduled}, nil
	}
	d, err := ParseDate(s)
	if err != nil {
		return DueLabel{}, fmt.Errorf("invalid next-due label %q", s)
	}
	return DueLabel{Kind: DueOn, Date: d}, nil
}

func (l *DueLabel) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("next-due label must be a string: %w", err)
	}
	parsed, err := ParseDueLabel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// VisitView is a visit with its derived status for rendering.
type VisitView struct {
	Visit
	Label  string      `json:"label"`
	Status VisitStatus `json:"status"`
	Ratio  Ratio       `json:"ratio"`
}

// ScheduleView bundles a schedule with every projection a client renders.
type ScheduleView struct {
	PatientID string      `json:"patient_id"`
	Version   int         `json:"version"`
	Visits    []VisitView `json:"visits"`
	NextDue   DueLabel    `json:"next_due"`
	Ratio     string      `json:"completion"`
}

// Project builds the rendering view of s.
func Project(s Schedule) ScheduleView {
	view := ScheduleView{
		PatientID: s.PatientID,
		Version:   s.Version,
		Visits:    make([]VisitView, len(s.Visits)),
		NextDue:   NextDueLabel(&s),
		Ratio:     CompletionRatio(s).String(),
	}
	for i, v := range s.Visits {
		view.Visits[i] = VisitView{
			Visit:  v.clone(),
			Label:  VisitLabel(v.Number),
			Status: StatusOf(v),
			Ratio:  v.Ratio(),
		}
	}
	return view
}

// Summary is one row of the population list.
type Summary struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	DateOfBirth Date     `json:"date_of_birth"`
	NextDue     DueLabel `json:"next_due"`
	Completion  string   `json:"completion"`
}

// Summarize derives the list row for a patient. s may be nil.
func Summarize(p Patient, s *Schedule) Summary {
	sum := Summary{
		ID:          p.ID,
		Name:        p.Name,
		DateOfBirth: p.DateOfBirth,
		NextDue:     NextDueLabel(s),
		Completion:  Ratio{}.String(),
	}
	if s != nil {
		sum.Completion = CompletionRatio(*s).String()
	}
	return sum
}
