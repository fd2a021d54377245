package pipeline

import "errors"

// Errors surfaced to the operator. Every command error wraps one of these;
// the underlying cause is wrapped as well so errors.Is works on both.
var (
	// ErrInvalidInput indicates a missing or unreadable source folder, or a
	// folder without a usable series.
	ErrInvalidInput = errors.New("invalid input folder")

	// ErrInvalidOutput indicates the destination cannot be created or written.
	ErrInvalidOutput = errors.New("invalid output folder")

	// ErrConversionFailure indicates the series could not be turned into an artifact.
	ErrConversionFailure = errors.New("conversion failed")

	// ErrInvalidParameters indicates an unsupported method, task, tier or device.
	ErrInvalidParameters = errors.New("invalid segmentation parameters")

	// ErrJobAlreadyRunning rejects a second segmentation while one is active.
	ErrJobAlreadyRunning = errors.New("a segmentation job is already running")

	// ErrExternalToolMissing indicates the segmentation tool is not installed.
	ErrExternalToolMissing = errors.New("segmentation tool not found")

	// ErrJobFailure indicates the tool exited non-zero or produced no output.
	ErrJobFailure = errors.New("segmentation failed")

	// ErrPrecondition rejects a command that is not allowed in the current state.
	ErrPrecondition = errors.New("command not allowed in current state")

	// ErrCancelled reports a job or conversion stopped by the operator.
	ErrCancelled = errors.New("cancelled by operator")
)
