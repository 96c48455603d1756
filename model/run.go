package model

// RunStatus is the final state reported when a run finishes.
type RunStatus string

const (
	RunStatusPassed   RunStatus = "passed"
	RunStatusFailed   RunStatus = "failed"
	RunStatusFinished RunStatus = "finished"
)

// ParseRunStatus maps CLI or producer input onto a RunStatus.
// Unknown values fall back to RunStatusFinished, which lets the
// destination derive the outcome from the reported tests.
func ParseRunStatus(s string) RunStatus {
	switch RunStatus(s) {
	case RunStatusPassed, RunStatusFailed:
		return RunStatus(s)
	default:
		return RunStatusFinished
	}
}

// RunParams is handed to every pipe when a run finishes.
type RunParams struct {
	Status RunStatus `json:"status"`
	// Parallel is set when several workers report into the same run and
	// this finish call must not close it for the others.
	Parallel bool `json:"parallel,omitempty"`
	// Counters collected by the dispatch client for the whole run.
	Tests RunCounts `json:"tests"`
	RunID string    `json:"run_id,omitempty"`
}

// RunCounts summarises delivered test records by status.
type RunCounts struct {
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
	Other   int `json:"other"`
}

// Add increments the counter matching status.
func (c *RunCounts) Add(status Status) {
	switch status {
	case StatusPassed:
		c.Passed++
	case StatusFailed:
		c.Failed++
	case StatusSkipped:
		c.Skipped++
	default:
		c.Other++
	}
}

// Total is the number of counted records.
func (c RunCounts) Total() int {
	return c.Passed + c.Failed + c.Skipped + c.Other
}
