package immunization

// ToggleVaccine flips the completion flag of the vaccine named name in visit
// visitNumber. An unknown visit or vaccine leaves the schedule unchanged; use
// Schedule.Equal against the input to detect that case. The input is never
// modified.
func ToggleVaccine(s Schedule, visitNumber int, name string) Schedule {
	out := s.Clone()
	for i := range out.Visits {
		if out.Visits[i].Number != visitNumber {
			continue
		}
		for j := range out.Visits[i].Vaccines {
			if out.Visits[i].Vaccines[j].Name == name {
				out.Visits[i].Vaccines[j].Completed = !out.Visits[i].Vaccines[j].Completed
				return out
			}
		}
	}
	return out
}

// MarkVisitComplete sets every vaccine in visit visitNumber to completed.
// It is idempotent.
func MarkVisitComplete(s Schedule, visitNumber int) Schedule {
	out := s.Clone()
	for i := range out.Visits {
		if out.Visits[i].Number != visitNumber {
			continue
		}
		for j := range out.Visits[i].Vaccines {
			out.Visits[i].Vaccines[j].Completed = true
		}
	}
	return out
}
