package domain

import "errors"

// Common domain errors
var (
	ErrServiceNotFound     = errors.New("no service matches the request")
	ErrServiceUnavailable  = errors.New("service matched but is unusable")
	ErrInvalidRule         = errors.New("invalid host rule")
	ErrCertificateNotFound = errors.New("no valid certificate for domain")
	ErrEnqueueFailed       = errors.New("job enqueue failed")
	ErrQueueEmpty          = errors.New("queue is empty")
	ErrJobNotFound         = errors.New("job not found")
	ErrNotLeased           = errors.New("job is not in flight")
	ErrAlreadyQueued       = errors.New("job is already queued")
	ErrTerminalStatus      = errors.New("job is in a terminal status")
)
