package app

// StopReason is logged on shutdown.
type StopReason string

const (
	StopUnknown     StopReason = "unknown"
	StopSignal      StopReason = "signal"
	StopFatalError  StopReason = "fatal_error"
	StopServerError StopReason = "http_server_error"
)
