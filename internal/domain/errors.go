package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidSignal = errors.New("invalid signal")
	ErrQueueFull     = errors.New("candidate queue full")
	ErrShutdown      = errors.New("shutting down")
)
