package models

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound   = errors.New("not found")
	ErrValidation = errors.New("validation error")

	ErrInvalidStatus = errors.New("invalid job status")
	// ErrInvalidTransition also matches ErrInvalidStatus.
	ErrInvalidTransition = fmt.Errorf("%w: transition not allowed", ErrInvalidStatus)

	ErrConcurrentExecution = errors.New("There is a task currently in progress, please wait until finished")
)
