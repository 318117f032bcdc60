package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/vaxtrack/vaxtrack/internal/domain/immunization"
	"github.com/vaxtrack/vaxtrack/internal/domain/population"
	"github.com/vaxtrack/vaxtrack/internal/platform/telemetry"
	"github.com/vaxtrack/vaxtrack/internal/platform/websocket"
	"github.com/vaxtrack/vaxtrack/pkg/pagination"
)

// -- Mock Repositories --

type mockPatientRepo struct {
	store   map[string]immunization.Patient
	order   []string
	failGet error
	failAll error
}

func newMockPatientRepo() *mockPatientRepo {
	return &mockPatientRepo{store: make(map[string]immunization.Patient)}
}

func (m *mockPatientRepo) Create(_ context.Context, p *immunization.Patient) error {
	if m.failAll != nil {
		return m.failAll
	}
	p.ID = uuid.NewString()
	p.CreatedAt = time.Now().UTC()
	p.UpdatedAt = p.CreatedAt
	m.store[p.ID] = *p
	m.order = append(m.order, p.ID)
	return nil
}

func (m *mockPatientRepo) Get(_ context.Context, id string) (*immunization.Patient, error) {
	if m.failGet != nil {
		return nil, m.failGet
	}
	p, ok := m.store[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPatientNotFound, id)
	}
	return &p, nil
}

func (m *mockPatientRepo) Update(_ context.Context, p *immunization.Patient) error {
	if m.failAll != nil {
		return m.failAll
	}
	if _, ok := m.store[p.ID]; !ok {
		return fmt.Errorf("%w: %s", ErrPatientNotFound, p.ID)
	}
	p.UpdatedAt = time.Now().UTC()
	m.store[p.ID] = *p
	return nil
}

func (m *mockPatientRepo) Delete(_ context.Context, id string) error {
	if _, ok := m.store[id]; !ok {
		return fmt.Errorf("%w: %s", ErrPatientNotFound, id)
	}
	delete(m.store, id)
	return nil
}

func (m *mockPatientRepo) List(_ context.Context) ([]*immunization.Patient, error) {
	if m.failAll != nil {
		return nil, m.failAll
	}
	var out []*immunization.Patient
	for _, id := range m.order {
		if p, ok := m.store[id]; ok {
			out = append(out, &p)
		}
	}
	return out, nil
}

type mockScheduleRepo struct {
	store    map[string]immunization.Schedule
	saves    int
	failSave error
}

func newMockScheduleRepo() *mockScheduleRepo {
	return &mockScheduleRepo{store: make(map[string]immunization.Schedule)}
}

func (m *mockScheduleRepo) Get(_ context.Context, patientID string) (*immunization.Schedule, error) {
	s, ok := m.store[patientID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScheduleNotFound, patientID)
	}
	c := s.Clone()
	return &c, nil
}

func (m *mockScheduleRepo) Save(_ context.Context, s *immunization.Schedule) error {
	if m.failSave != nil {
		return m.failSave
	}
	cur, exists := m.store[s.PatientID]
	switch {
	case s.Version == 0 && exists:
		return ErrVersionConflict
	case s.Version != 0 && (!exists || cur.Version != s.Version):
		return ErrVersionConflict
	}
	s.Version++
	s.UpdatedAt = time.Now().UTC()
	m.store[s.PatientID] = s.Clone()
	m.saves++
	return nil
}

func (m *mockScheduleRepo) List(_ context.Context) ([]*immunization.Schedule, error) {
	keys := make([]string, 0, len(m.store))
	for k := range m.store {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*immunization.Schedule, 0, len(keys))
	for _, k := range keys {
		s := m.store[k].Clone()
		out = append(out, &s)
	}
	return out, nil
}

type mockTx struct{ calls int }

func (m *mockTx) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.calls++
	return fn(ctx)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []websocket.Event
}

func (f *fakePublisher) Publish(_ context.Context, e websocket.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
	return nil
}

func (f *fakePublisher) types() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, e := range f.events {
		out[i] = e.Type
	}
	return out
}

type testEnv struct {
	svc       *Service
	patients  *mockPatientRepo
	schedules *mockScheduleRepo
	events    *fakePublisher
}

func newTestEnv() *testEnv {
	env := &testEnv{
		patients:  newMockPatientRepo(),
		schedules: newMockScheduleRepo(),
		events:    &fakePublisher{},
	}
	env.svc = NewService(env.patients, env.schedules, &mockTx{})
	env.svc.SetEventPublisher(env.events)
	return env
}

func date(t *testing.T, s string) immunization.Date {
	t.Helper()
	d, err := immunization.ParseDate(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return d
}

func (env *testEnv) register(t *testing.T, name, dob string) *PatientDetail {
	t.Helper()
	d, err := env.svc.Register(context.Background(), RegisterInput{Name: name, DateOfBirth: date(t, dob)})
	if err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
	return d
}

func equalStrings(a, b []string) bool {
	return strings.Join(a, "|") == strings.Join(b, "|")
}

// -- Register --

func TestRegister_GeneratesSchedule(t *testing.T) {
	env := newTestEnv()
	d := env.register(t, "  Ada   Obi ", "2024-01-01")

	if d.Name != "Ada Obi" {
		t.Errorf("expected normalized name, got %q", d.Name)
	}
	if d.Schedule == nil || len(d.Schedule.Visits) != len(immunization.Protocol) {
		t.Fatalf("expected %d visits, got %+v", len(immunization.Protocol), d.Schedule)
	}
	if d.Schedule.Version != 1 {
		t.Errorf("expected version 1, got %d", d.Schedule.Version)
	}
	if got := d.NextDue.String(); got != "2024-01-01" {
		t.Errorf("expected next due 2024-01-01, got %s", got)
	}
	if d.Schedule.Visits[1].DueDate.String() != "2024-02-12" {
		t.Errorf("expected 6-week visit on 2024-02-12, got %s", d.Schedule.Visits[1].DueDate)
	}
	if !equalStrings(env.events.types(), []string{websocket.EventPatientRegistered}) {
		t.Errorf("unexpected events %v", env.events.types())
	}
}

func TestRegister_Validation(t *testing.T) {
	env := newTestEnv()
	ctx := context.Background()

	if _, err := env.svc.Register(ctx, RegisterInput{Name: "  ", DateOfBirth: date(t, "2024-01-01")}); !errors.Is(err, ErrNameRequired) {
		t.Errorf("expected ErrNameRequired, got %v", err)
	}
	if _, err := env.svc.Register(ctx, RegisterInput{Name: strings.Repeat("x", maxNameLength+1), DateOfBirth: date(t, "2024-01-01")}); !errors.Is(err, ErrNameRequired) {
		t.Errorf("expected over-long name rejected, got %v", err)
	}
	if _, err := env.svc.Register(ctx, RegisterInput{Name: "Ada"}); !errors.Is(err, immunization.ErrInvalidBirthDate) {
		t.Errorf("expected ErrInvalidBirthDate, got %v", err)
	}
	if len(env.patients.store) != 0 || len(env.events.types()) != 0 {
		t.Error("invalid input must not persist or publish")
	}
}

func TestRegister_PersistenceFailure(t *testing.T) {
	env := newTestEnv()
	env.schedules.failSave = errors.New("disk full")

	_, err := env.svc.Register(context.Background(), RegisterInput{Name: "Ada", DateOfBirth: date(t, "2024-01-01")})
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("expected cause in error, got %v", err)
	}
	if len(env.events.types()) != 0 {
		t.Error("no event may be published after a failed write")
	}
}

// -- Get --

func TestGet_NotFound(t *testing.T) {
	env := newTestEnv()
	if _, err := env.svc.Get(context.Background(), "missing"); !errors.Is(err, ErrPatientNotFound) {
		t.Fatalf("expected ErrPatientNotFound, got %v", err)
	}
}

func TestGet_PatientWithoutSchedule(t *testing.T) {
	env := newTestEnv()
	p := &immunization.Patient{Name: "Legacy", DateOfBirth: date(t, "2020-05-05")}
	_ = env.patients.Create(context.Background(), p)

	d, err := env.svc.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Schedule != nil {
		t.Error("expected nil schedule")
	}
	if d.NextDue.String() != immunization.LabelNotScheduled {
		t.Errorf("expected %q, got %q", immunization.LabelNotScheduled, d.NextDue.String())
	}
}

func TestGet_ReadFailureIsPersistence(t *testing.T) {
	env := newTestEnv()
	env.patients.failGet = errors.New("connection reset")
	if _, err := env.svc.Get(context.Background(), "x"); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
}

// -- ToggleVaccine --

func TestToggleVaccine_FlipsAndPersists(t *testing.T) {
	env := newTestEnv()
	d := env.register(t, "Ada", "2024-01-01")
	ctx := context.Background()

	view, err := env.svc.ToggleVaccine(ctx, d.ID, 1, "BCG")
	if err != nil {
		t.Fatalf("toggle: %v", err)
	}
	if !view.Visits[0].Vaccines[0].Completed {
		t.Error("expected BCG completed")
	}
	if view.Version != 2 {
		t.Errorf("expected version 2, got %d", view.Version)
	}
	if view.Visits[0].Status != immunization.StatusPartiallyCompleted {
		t.Errorf("expected partial status, got %s", view.Visits[0].Status)
	}

	view, err = env.svc.ToggleVaccine(ctx, d.ID, 1, "BCG")
	if err != nil {
		t.Fatalf("second toggle: %v", err)
	}
	if view.Visits[0].Vaccines[0].Completed {
		t.Error("toggling twice should restore the original flag")
	}

	want := []string{websocket.EventPatientRegistered, websocket.EventScheduleUpdated, websocket.EventScheduleUpdated}
	if !equalStrings(env.events.types(), want) {
		t.Errorf("events = %v, want %v", env.events.types(), want)
	}
}

func TestToggleVaccine_UnknownTargets(t *testing.T) {
	env := newTestEnv()
	d := env.register(t, "Ada", "2024-01-01")
	ctx := context.Background()
	saves := env.schedules.saves

	if _, err := env.svc.ToggleVaccine(ctx, d.ID, 99, "BCG"); !errors.Is(err, ErrVisitNotFound) {
		t.Errorf("expected ErrVisitNotFound, got %v", err)
	}
	if _, err := env.svc.ToggleVaccine(ctx, d.ID, 1, "Penta-1"); !errors.Is(err, ErrVaccineNotFound) {
		t.Errorf("expected ErrVaccineNotFound, got %v", err)
	}
	if _, err := env.svc.ToggleVaccine(ctx, "missing", 1, "BCG"); !errors.Is(err, ErrPatientNotFound) {
		t.Errorf("expected ErrPatientNotFound, got %v", err)
	}
	if env.schedules.saves != saves {
		t.Error("rejected toggles must not write")
	}
}

func TestToggleVaccine_ConflictIsNotPersistence(t *testing.T) {
	env := newTestEnv()
	d := env.register(t, "Ada", "2024-01-01")
	env.schedules.failSave = fmt.Errorf("%w: stale", ErrVersionConflict)

	_, err := env.svc.ToggleVaccine(context.Background(), d.ID, 1, "BCG")
	if !errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrPersistence) {
		t.Fatalf("expected bare ErrVersionConflict, got %v", err)
	}
}

// -- MarkVisitComplete --

func TestMarkVisitComplete(t *testing.T) {
	env := newTestEnv()
	d := env.register(t, "Ada", "2024-01-01")
	ctx := context.Background()

	view, err := env.svc.MarkVisitComplete(ctx, d.ID, 2)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if view.Visits[1].Status != immunization.StatusCompleted {
		t.Errorf("expected visit 2 completed, got %s", view.Visits[1].Status)
	}
	if view.Ratio != "4/17" {
		t.Errorf("expected 4/17 overall, got %s", view.Ratio)
	}

	saves := len(env.events.types())
	again, err := env.svc.MarkVisitComplete(ctx, d.ID, 2)
	if err != nil {
		t.Fatalf("repeat complete: %v", err)
	}
	if again.Version != view.Version {
		t.Errorf("no-op completion must not bump version: %d -> %d", view.Version, again.Version)
	}
	if len(env.events.types()) != saves {
		t.Error("no-op completion must not publish")
	}

	if _, err := env.svc.MarkVisitComplete(ctx, d.ID, 0); !errors.Is(err, ErrVisitNotFound) {
		t.Errorf("expected ErrVisitNotFound, got %v", err)
	}
}

func TestScheduleMutation_PersistenceFailure(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(svc *Service, id string) (*immunization.ScheduleView, error)
	}{
		{"toggle vaccine", func(svc *Service, id string) (*immunization.ScheduleView, error) {
			return svc.ToggleVaccine(context.Background(), id, 1, "BCG")
		}},
		{"mark visit complete", func(svc *Service, id string) (*immunization.ScheduleView, error) {
			return svc.MarkVisitComplete(context.Background(), id, 2)
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv()
			d := env.register(t, "Ada", "2024-01-01")
			published := len(env.events.types())
			env.schedules.failSave = errors.New("disk full")

			view, err := tt.mutate(env.svc, d.ID)
			if !errors.Is(err, ErrPersistence) {
				t.Fatalf("expected ErrPersistence, got %v", err)
			}
			if view != nil {
				t.Errorf("expected no view on failure, got %+v", view)
			}
			if got := len(env.events.types()); got != published {
				t.Errorf("no event may be published after a failed write, got %v", env.events.types())
			}

			stored, _ := env.schedules.Get(context.Background(), d.ID)
			if stored.Version != 1 || immunization.CompletionRatio(*stored).Completed != 0 {
				t.Errorf("stored schedule changed: version %d ratio %s", stored.Version, immunization.CompletionRatio(*stored))
			}
		})
	}
}

// -- Update --

func TestUpdate_NameOnlyKeepsSchedule(t *testing.T) {
	env := newTestEnv()
	d := env.register(t, "Ada", "2024-01-01")
	ctx := context.Background()
	if _, err := env.svc.ToggleVaccine(ctx, d.ID, 1, "BCG"); err != nil {
		t.Fatalf("toggle: %v", err)
	}

	name := "Ada Obi"
	sameDOB := date(t, "2024-01-01")
	got, err := env.svc.Update(ctx, d.ID, UpdateInput{Name: &name, DateOfBirth: &sameDOB})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Name != "Ada Obi" {
		t.Errorf("expected new name, got %q", got.Name)
	}
	if !got.Schedule.Visits[0].Vaccines[0].Completed {
		t.Error("name change must keep completion state")
	}
}

func TestUpdate_DOBChangeRequiresConfirmation(t *testing.T) {
	env := newTestEnv()
	d := env.register(t, "Ada", "2024-01-01")
	ctx := context.Background()
	newDOB := date(t, "2024-03-01")

	_, err := env.svc.Update(ctx, d.ID, UpdateInput{DateOfBirth: &newDOB})
	if !errors.Is(err, ErrScheduleResetRequired) {
		t.Fatalf("expected ErrScheduleResetRequired, got %v", err)
	}
	stored, _ := env.patients.Get(ctx, d.ID)
	if stored.DateOfBirth.String() != "2024-01-01" {
		t.Error("unconfirmed change must not be saved")
	}
}

func TestUpdate_ConfirmedDOBChangeRegenerates(t *testing.T) {
	env := newTestEnv()
	d := env.register(t, "Ada", "2024-01-01")
	ctx := context.Background()
	if _, err := env.svc.MarkVisitComplete(ctx, d.ID, 1); err != nil {
		t.Fatalf("complete: %v", err)
	}

	newDOB := date(t, "2024-03-01")
	got, err := env.svc.Update(ctx, d.ID, UpdateInput{DateOfBirth: &newDOB, ConfirmScheduleReset: true})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Schedule.Visits[0].DueDate.String() != "2024-03-01" {
		t.Errorf("expected regenerated dates, got %s", got.Schedule.Visits[0].DueDate)
	}
	if got.Schedule.Ratio != "0/17" {
		t.Errorf("expected completion discarded, got %s", got.Schedule.Ratio)
	}
	if got.Schedule.Version != 3 {
		t.Errorf("expected version 3 after regenerate, got %d", got.Schedule.Version)
	}

	types := env.events.types()
	if types[len(types)-1] != websocket.EventScheduleRegenerated {
		t.Errorf("expected final event %s, got %v", websocket.EventScheduleRegenerated, types)
	}
}

func TestUpdate_NotFound(t *testing.T) {
	env := newTestEnv()
	name := "x"
	if _, err := env.svc.Update(context.Background(), "missing", UpdateInput{Name: &name}); !errors.Is(err, ErrPatientNotFound) {
		t.Fatalf("expected ErrPatientNotFound, got %v", err)
	}
}

// -- Delete --

func TestDelete(t *testing.T) {
	env := newTestEnv()
	d := env.register(t, "Ada", "2024-01-01")
	ctx := context.Background()

	if err := env.svc.Delete(ctx, d.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.svc.Get(ctx, d.ID); !errors.Is(err, ErrPatientNotFound) {
		t.Errorf("expected patient gone, got %v", err)
	}
	if err := env.svc.Delete(ctx, d.ID); !errors.Is(err, ErrPatientNotFound) {
		t.Errorf("expected ErrPatientNotFound on second delete, got %v", err)
	}
	types := env.events.types()
	if types[len(types)-1] != websocket.EventPatientDeleted {
		t.Errorf("expected delete event, got %v", types)
	}
}

// -- Population --

func TestList_FiltersAndPages(t *testing.T) {
	env := newTestEnv()
	env.register(t, "Ada", "2024-01-01")
	env.register(t, "Bola", "2023-06-01")
	env.register(t, "adaeze", "2024-02-01")

	res, err := env.svc.List(context.Background(), population.Query{
		Name: "ada",
		Page: pagination.Params{Page: 1, Size: 6},
	})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if res.Total != 2 {
		t.Fatalf("expected 2 matches, got %d", res.Total)
	}
	if res.Rows[0].Patient.Name != "Ada" || res.Rows[1].Patient.Name != "adaeze" {
		t.Errorf("unexpected order %v", res.Summaries())
	}
}

func TestList_InvalidRange(t *testing.T) {
	env := newTestEnv()
	from, to := date(t, "2024-05-01"), date(t, "2024-01-01")
	_, err := env.svc.List(context.Background(), population.Query{From: &from, To: &to})
	if !errors.Is(err, ErrInvalidQuery) || !errors.Is(err, population.ErrInvalidRange) {
		t.Fatalf("expected ErrInvalidQuery wrapping ErrInvalidRange, got %v", err)
	}
}

func TestList_StoreFailure(t *testing.T) {
	env := newTestEnv()
	env.patients.failAll = errors.New("timeout")
	if _, err := env.svc.List(context.Background(), population.Query{}); !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
}

func TestStats(t *testing.T) {
	env := newTestEnv()
	done := env.register(t, "Done", "2024-01-01")
	env.register(t, "Pending", "2024-01-01")
	legacy := &immunization.Patient{Name: "Legacy", DateOfBirth: date(t, "2020-01-01")}
	_ = env.patients.Create(context.Background(), legacy)

	for _, rule := range immunization.Protocol {
		if _, err := env.svc.MarkVisitComplete(context.Background(), done.ID, rule.Number); err != nil {
			t.Fatalf("complete visit %d: %v", rule.Number, err)
		}
	}

	stats, err := env.svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	want := population.Stats{Total: 3, NeedingVaccination: 1, Completed: 1, NotScheduled: 1}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}
}

// -- Export --

func TestExport(t *testing.T) {
	env := newTestEnv()
	d := env.register(t, "Ada Obi", "2024-01-01")

	exp, err := env.svc.Export(context.Background(), d.ID)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	if len(exp.Rows) != len(immunization.Protocol) {
		t.Fatalf("expected one row per visit, got %d", len(exp.Rows))
	}
	if exp.Rows[0].Visit != "At Birth" || exp.Rows[0].Vaccines != "BCG, OPV-0" {
		t.Errorf("unexpected first row %+v", exp.Rows[0])
	}
	if got := exp.FileName("csv"); got != "Ada_Obi_vaccination_schedule.csv" {
		t.Errorf("unexpected file name %q", got)
	}
}

// -- Telemetry --

func TestService_RecordsMutationOutcomes(t *testing.T) {
	env := newTestEnv()
	p := telemetry.NewProvider(telemetry.Config{Enabled: true})
	env.svc.SetTelemetry(p)

	env.register(t, "Ada", "2024-01-01")
	_, _ = env.svc.Register(context.Background(), RegisterInput{Name: ""})
	_, _ = env.svc.ToggleVaccine(context.Background(), "missing", 1, "BCG")

	expected := `
# HELP schedule_mutations_total Schedule and patient mutations by operation and outcome
# TYPE schedule_mutations_total counter
schedule_mutations_total{operation="register",outcome="invalid",service="vaxtrack"} 1
schedule_mutations_total{operation="register",outcome="ok",service="vaxtrack"} 1
schedule_mutations_total{operation="toggle_vaccine",outcome="not_found",service="vaxtrack"} 1
`
	if err := testutil.GatherAndCompare(p.Registry(), strings.NewReader(expected), "schedule_mutations_total"); err != nil {
		t.Fatal(err)
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{ErrNameRequired, "invalid"},
		{fmt.Errorf("%w: x", ErrVisitNotFound), "not_found"},
		{ErrScheduleResetRequired, "conflict"},
		{fmt.Errorf("%w: x: %w", ErrPersistence, errors.New("z")), "persistence"},
	}
	for _, tt := range tests {
		if got := outcome(tt.err); got != tt.want {
			t.Errorf("outcome(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}
