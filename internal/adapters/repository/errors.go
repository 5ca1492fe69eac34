package repository

import "errors"

// Sentinel kinds for store errors.
var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrConcurrencyConflict = errors.New("watermark changed concurrently")
	ErrInvalidWatermark    = errors.New("watermark cannot move backwards")
	ErrInvalidRecord       = errors.New("invalid record")
	ErrClosed              = errors.New("store closed")
)
