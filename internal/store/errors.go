package store

import (
	"errors"
	"fmt"

	"cncworker/internal/models"
)

var (
	// ErrNotFound also matches models.ErrNotFound.
	ErrNotFound  = fmt.Errorf("store: %w", models.ErrNotFound)
	ErrDuplicate = errors.New("store: duplicate resource")
	ErrConflict  = errors.New("store: conflicting resource state")
)
