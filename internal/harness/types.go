package harness

// Trace event types.
const (
	EventSubmitted = "submitted"
	EventFinished  = "finished"
)

// TraceEvent records one submission or job outcome.
type TraceEvent struct {
	Type     string   `json:"type"`
	Step     string   `json:"step"` // "setup[0]", "flow[2]", ...
	Document string   `json:"document"`
	Branch   string   `json:"branch,omitempty"`
	JobID    string   `json:"job_id"`
	Actions  []string `json:"actions,omitempty"`
	Status   string   `json:"status,omitempty"`
	Error    string   `json:"error,omitempty"`
	// Revisions are the consistency token coordinates of a finished job,
	// written "document/scope/branch@revision".
	Revisions []string `json:"revisions,omitempty"`
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every expect clause and assertion held.
	Pass bool `json:"pass"`

	// Trace contains submissions and outcomes in step order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains failed expectations and assertions.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

func (r *Result) add(ev TraceEvent) {
	r.Trace = append(r.Trace, ev)
}
