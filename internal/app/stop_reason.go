package app

// StopReason is used for structured shutdown tracing.
type StopReason string

const (
	StopSignal      StopReason = "signal"
	StopFatalError  StopReason = "fatal_error"
	StopCommandDone StopReason = "command_done"
)
