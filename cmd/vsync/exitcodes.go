package main

// Exit codes
const (
	ExitSuccess     = 0   // Success
	ExitError       = 1   // General error (invalid arguments, runtime failure)
	ExitConfigError = 2   // Missing credential or invalid parameter
	ExitHalted      = 3   // Upload halted on a failing batch, or the remote listing failed
	ExitInterrupted = 130 // Interrupted by SIGINT/SIGTERM; checkpoint flushed
)
