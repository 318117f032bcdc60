package population

import "github.com/vaxtrack/vaxtrack/internal/domain/immunization"

// Stats are the dashboard counters over the whole population.
type Stats struct {
	Total              int `json:"total"`
	NeedingVaccination int `json:"needing_vaccination"`
	Completed          int `json:"completed"`
	NotScheduled       int `json:"not_scheduled"`
}

// Count tallies records by next-due kind.
func Count(records []Record) Stats {
	st := Stats{Total: len(records)}
	for _, r := range records {
		switch immunization.NextDueLabel(r.Schedule).Kind {
		case immunization.DueOn:
			st.NeedingVaccination++
		case immunization.DueCompleted:
			st.Completed++
		case immunization.DueNotScheduled:
			st.NotScheduled++
		}
	}
	return st
}
