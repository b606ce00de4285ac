package domain

import "errors"

var (
	// ErrJobNotFound is returned when a job cannot be found by ID.
	ErrJobNotFound = errors.New("domain: job not found")

	// ErrInvalidStatusTransition is returned when a phase update would move a
	// job's status backward or skip the pipeline's monotone ordering.
	ErrInvalidStatusTransition = errors.New("domain: invalid status transition")

	// ErrInvalidMetadata is returned when a job's metadata fails validation.
	ErrInvalidMetadata = errors.New("domain: invalid job metadata")
)
