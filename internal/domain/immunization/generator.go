package immunization

import "fmt"

// OffsetUnit selects how a visit offset is added to the birth date.
type OffsetUnit int

const (
	Weeks OffsetUnit = iota
	Months
)

func (u OffsetUnit) String() string {
	if u == Months {
		return "months"
	}
	return "weeks"
}

func (u OffsetUnit) MarshalText() ([]byte, error) { return []byte(u.String()), nil }

// VisitRule is one row of the vaccination protocol.
type VisitRule struct {
	Number   int        `json:"visit_number"`
	Label    string     `json:"label"`
	Offset   int        `json:"offset"`
	Unit     OffsetUnit `json:"unit"`
	Vaccines []string   `json:"vaccines"`
}

// DueDate applies the rule's offset to dob. Weeks add exactly 7*n days;
// months use calendar-month addition.
func (r VisitRule) DueDate(dob Date) Date {
	if r.Unit == Months {
		return dob.AddMonths(r.Offset)
	}
	return dob.AddDays(r.Offset * 7)
}

// Protocol is the current childhood immunization protocol in visit order.
var Protocol = []VisitRule{
	{Number: 1, Label: "At Birth", Offset: 0, Unit: Weeks, Vaccines: []string{"BCG", "OPV-0"}},
	{Number: 2, Label: "At 6 Weeks", Offset: 6, Unit: Weeks, Vaccines: []string{"OPV-1", "Penta-1", "PCV-1", "Rotavirus-1"}},
	{Number: 3, Label: "At 10 Weeks", Offset: 10, Unit: Weeks, Vaccines: []string{"OPV-2", "Penta-2", "PCV-2", "Rotavirus-2"}},
	{Number: 4, Label: "At 14 Weeks", Offset: 14, Unit: Weeks, Vaccines: []string{"OPV-3", "Penta-3", "PCV-3"}},
	{Number: 5, Label: "At 9 Months", Offset: 9, Unit: Months, Vaccines: []string{"Measles-Rubella (MR)", "Yellow Fever"}},
	{Number: 6, Label: "At 18 Months", Offset: 18, Unit: Months, Vaccines: []string{"Measles-Rubella (MR) II", "Meningococcal A conjugate"}},
}

// GenerateSchedule derives the visit sequence for a birth date. Every vaccine
// starts incomplete. The same date always yields identical output.
func GenerateSchedule(dob Date) ([]Visit, error) {
	if dob.IsZero() {
		return nil, fmt.Errorf("%w: date of birth is required", ErrInvalidBirthDate)
	}
	dob = DateOf(dob.Time())

	visits := make([]Visit, 0, len(Protocol))
	for _, rule := range Protocol {
		entries := make([]VaccineEntry, len(rule.Vaccines))
		for i, name := range rule.Vaccines {
			entries[i] = VaccineEntry{Name: name}
		}
		visits = append(visits, Visit{
			Number:   rule.Number,
			DueDate:  rule.DueDate(dob),
			Vaccines: entries,
		})
	}
	return visits, nil
}

// VisitLabel maps a visit ordinal to its human name.
func VisitLabel(number int) string {
	for _, rule := range Protocol {
		if rule.Number == number {
			return rule.Label
		}
	}
	return fmt.Sprintf("Visit %d", number)
}
