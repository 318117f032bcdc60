// Package population filters, sorts and pages a list of patients by their
// schedule status.
package population

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/text/collate"
	"golang.org/x/text/language"

	"github.com/vaxtrack/vaxtrack/internal/domain/immunization"
	"github.com/vaxtrack/vaxtrack/pkg/pagination"
)

var (
	ErrInvalidSort   = errors.New("invalid sort key")
	ErrInvalidOrder  = errors.New("invalid sort order")
	ErrInvalidRange  = errors.New("invalid date range")
	ErrInvalidLocale = errors.New("invalid locale")
)

// Record pairs a patient with its schedule. Schedule is nil when the patient
// has none.
type Record struct {
	Patient  immunization.Patient
	Schedule *immunization.Schedule
}

// Row is a record with its projections computed once for filtering,
// sorting and rendering.
type Row struct {
	Record
	Summary immunization.Summary
}

func newRow(r Record) Row {
	return Row{Record: r, Summary: immunization.Summarize(r.Patient, r.Schedule)}
}

type SortKey string

const (
	SortByName    SortKey = "name"
	SortByDOB     SortKey = "dob"
	SortByNextDue SortKey = "next_due"
)

// ParseSortKey accepts the API spellings of a sort key. Empty means name.
func ParseSortKey(s string) (SortKey, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "name":
		return SortByName, nil
	case "dob", "date_of_birth":
		return SortByDOB, nil
	case "next_due", "nextvaccine", "next_vaccine":
		return SortByNextDue, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidSort, s)
}

// ParseDescending maps "asc"/"desc" to a direction. Empty means ascending.
func ParseDescending(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "asc":
		return false, nil
	case "desc":
		return true, nil
	}
	return false, fmt.Errorf("%w: %q", ErrInvalidOrder, s)
}

// Query describes one population listing request.
type Query struct {
	Name       string
	From       *immunization.Date
	To         *immunization.Date
	SortBy     SortKey
	Descending bool
	Page       pagination.Params
}

// Validate rejects a date range whose lower bound is after its upper bound.
func (q Query) Validate() error {
	if q.From != nil && q.To != nil && q.From.After(*q.To) {
		return fmt.Errorf("%w: from %s is after to %s", ErrInvalidRange, q.From, q.To)
	}
	return nil
}

// Result is one page of a population query.
type Result struct {
	Rows       []Row
	Total      int
	Page       int
	PageSize   int
	TotalPages int
}

// Summaries returns the page rows as list summaries.
func (r Result) Summaries() []immunization.Summary {
	out := make([]immunization.Summary, len(r.Rows))
	for i, row := range r.Rows {
		out[i] = row.Summary
	}
	return out
}

// Engine runs population queries with a fixed collation locale.
type Engine struct {
	locale language.Tag
}

// NewEngine returns an engine that orders names by the given locale.
func NewEngine(locale language.Tag) *Engine {
	return &Engine{locale: locale}
}

// ParseLocale parses a BCP 47 tag such as "en" or "fr-CA".
func ParseLocale(s string) (language.Tag, error) {
	if strings.TrimSpace(s) == "" {
		return language.English, nil
	}
	tag, err := language.Parse(s)
	if err != nil {
		return language.Und, fmt.Errorf("%w: %q: %v", ErrInvalidLocale, s, err)
	}
	return tag, nil
}

// Run applies name filter, due-date range filter, sort and pagination in
// that order. Pages past the end come back empty; keeping page numbers in
// range is the caller's job.
func (e *Engine) Run(records []Record, q Query) Result {
	rows := make([]Row, 0, len(records))
	for _, r := range records {
		rows = append(rows, newRow(r))
	}
	rows = FilterByName(rows, q.Name)
	rows = FilterByDueRange(rows, q.From, q.To)
	e.Sort(rows, q.SortBy, q.Descending)

	page := q.Page
	if page.Size <= 0 {
		page.Size = pagination.DefaultPageSize
	}
	if page.Page <= 0 {
		page.Page = 1
	}
	return Result{
		Rows:       pagination.Slice(rows, page),
		Total:      len(rows),
		Page:       page.Page,
		PageSize:   page.Size,
		TotalPages: pagination.TotalPages(len(rows), page.Size),
	}
}

// FilterByName keeps rows whose patient name contains query, ignoring case.
func FilterByName(rows []Row, query string) []Row {
	q := strings.ToLower(query)
	if q == "" {
		return rows
	}
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		if strings.Contains(strings.ToLower(r.Patient.Name), q) {
			out = append(out, r)
		}
	}
	return out
}

// FilterByDueRange keeps rows whose next-due date falls within the inclusive
// bounds. With no bounds every row is kept; with any bound, rows labelled
// Completed or Not scheduled are dropped.
func FilterByDueRange(rows []Row, from, to *immunization.Date) []Row {
	if from == nil && to == nil {
		return rows
	}
	out := make([]Row, 0, len(rows))
	for _, r := range rows {
		label := r.Summary.NextDue
		if !label.HasDate() {
			continue
		}
		if from != nil && label.Date.Before(*from) {
			continue
		}
		if to != nil && label.Date.After(*to) {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Sort orders rows in place by key. Equal keys keep their input order in
// both directions.
func (e *Engine) Sort(rows []Row, key SortKey, descending bool) {
	cmp := e.comparator(key)
	sort.SliceStable(rows, func(i, j int) bool {
		c := cmp(rows[i], rows[j])
		if descending {
			return c > 0
		}
		return c < 0
	})
}

func (e *Engine) comparator(key SortKey) func(a, b Row) int {
	switch key {
	case SortByDOB:
		return func(a, b Row) int {
			return a.Patient.DateOfBirth.Compare(b.Patient.DateOfBirth)
		}
	case SortByNextDue:
		return func(a, b Row) int {
			return strings.Compare(a.Summary.NextDue.String(), b.Summary.NextDue.String())
		}
	default:
		col := collate.New(e.locale, collate.IgnoreCase)
		return func(a, b Row) int {
			return col.CompareString(a.Patient.Name, b.Patient.Name)
		}
	}
}
