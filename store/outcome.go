package store

// Outcome is the per-row result of a Save call.
type Outcome struct {
	ID        ID
	Ref       string
	Entity    Entity
	Operation Operation

	// Status is StatusOK on success, StatusSkipped for rows never dispatched,
	// and the backend-reported code otherwise.
	Status int

	// Message is the backend message for failed rows.
	Message string

	// Err is the error the row failed with, if any.
	Err error

	// Attempts counts backend calls made for the row.
	Attempts int
}

// OK reports whether the row was saved.
func (o Outcome) OK() bool { return o.Status == StatusOK }

// Skipped reports whether the row was never dispatched.
func (o Outcome) Skipped() bool { return o.Status == StatusSkipped }

// Failed returns the outcomes that failed with a status not tolerated by s.
func Failed(outcomes []Outcome, s Settings) []Outcome {
	var out []Outcome
	for _, o := range outcomes {
		if o.OK() || o.Skipped() || s.tolerated(o.Status) {
			continue
		}
		out = append(out, o)
	}
	return out
}
