// Package launch resolves which persisted run a launch executes and runs a
// workflow executable as that run.
package launch

import "fmt"

// RetryStrategy selects the run a launch executes. It is a closed set: the
// variants below are the only implementations.
type RetryStrategy interface {
	isRetryStrategy()
	fmt.Stringer
}

// NoRetry starts a new run with the given variables.
type NoRetry struct {
	Variables map[string]any
}

// Retry executes run RunIndex again, reusing checkpoints stored before the
// ReplayID key.
type Retry struct {
	ReplayID string
	RunIndex int
}

// RetryWithVariables is Retry after merging Variables into the run.
type RetryWithVariables struct {
	ReplayID  string
	RunIndex  int
	Variables map[string]any
}

// LastFailure executes the most recent run of the workflow again.
type LastFailure struct{}

// Preview is reserved and always fails.
type Preview struct{}

func (NoRetry) isRetryStrategy()            {}
func (Retry) isRetryStrategy()              {}
func (RetryWithVariables) isRetryStrategy() {}
func (LastFailure) isRetryStrategy()        {}
func (Preview) isRetryStrategy()            {}

func (NoRetry) String() string { return "new run" }

func (r Retry) String() string {
	return fmt.Sprintf("retry run %d from %q", r.RunIndex, r.ReplayID)
}

func (r RetryWithVariables) String() string {
	return fmt.Sprintf("retry run %d from %q with %d variables", r.RunIndex, r.ReplayID, len(r.Variables))
}

func (LastFailure) String() string { return "retry last run" }
func (Preview) String() string     { return "preview" }
