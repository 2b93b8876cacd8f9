package store

import "errors"

var (
	// ErrSessionNotFound indicates the upload session record could not be found.
	ErrSessionNotFound = errors.New("upload session not found")

	// ErrSessionConflict indicates the session is in a state that forbids the
	// requested mutation (for example a chunk arriving after a terminal state).
	ErrSessionConflict = errors.New("upload session state conflict")

	// ErrJobNotFound indicates the processing job record could not be found.
	ErrJobNotFound = errors.New("processing job not found")

	// ErrJobConflict indicates the job is in a state that forbids the
	// requested transition (for example starting a job twice).
	ErrJobConflict = errors.New("processing job state conflict")
)
