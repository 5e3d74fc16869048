package app

import "time"

// Operation tracks one run of a maintenance task, whether started by the
// scheduler or from the CLI.
type Operation struct {
	Name     string
	Trigger  string // "schedule" or "cli"
	Started  time.Time
	Finished time.Time
	Status   string // "running", "success" or "error"
	Err      error
}

// NewOperation starts an operation at now.
func NewOperation(name, trigger string, now time.Time) *Operation {
	return &Operation{
		Name:    name,
		Trigger: trigger,
		Started: now,
		Status:  "running",
	}
}

// Finish records the outcome of the operation.
func (op *Operation) Finish(err error, now time.Time) {
	op.Finished = now
	op.Err = err
	op.Status = "success"
	if err != nil {
		op.Status = "error"
	}
}

// Done returns true once Finish has been called.
func (op *Operation) Done() bool {
	return !op.Finished.IsZero()
}

// Duration is how long the operation ran, or zero while it is running.
func (op *Operation) Duration() time.Duration {
	if !op.Done() {
		return 0
	}
	return op.Finished.Sub(op.Started)
}
