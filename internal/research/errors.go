package research

import "fmt"

// ConfigurationError reports an invalid query or session configuration. It is
// fatal and surfaced before any state is accumulated.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// CollaboratorError wraps a failure from one of the stage collaborators. The
// orchestrator decides per stage whether it is fatal.
type CollaboratorError struct {
	Stage Stage
	Err   error
}

func (e *CollaboratorError) Error() string {
	return fmt.Sprintf("%s collaborator failed: %v", e.Stage, e.Err)
}

func (e *CollaboratorError) Unwrap() error { return e.Err }
