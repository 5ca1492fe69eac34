package service

import "errors"

// Sentinel errors returned by the Service.
var (
	ErrInvalidUserID   = errors.New("invalid user id")
	ErrInvalidFeedback = errors.New("invalid feedback")
	ErrNotStarted      = errors.New("service not started")

	ErrInvalidPreferences = errors.New("invalid preferences")
	ErrInvalidInteraction = errors.New("invalid interaction")
)
