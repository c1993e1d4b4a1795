package app

import "errors"

var (
	// ErrVideoNotFound covers missing and soft-deleted videos.
	ErrVideoNotFound   = errors.New("video not found")
	ErrVideoForbidden  = errors.New("video forbidden")
	ErrInvalidInput    = errors.New("invalid input")
	ErrUnsupportedType = errors.New("unsupported file type")
	ErrTooLarge        = errors.New("file too large")
	ErrJobNotFound     = errors.New("ingest job not found")
	// ErrModelUnavailable reports a chat provider failure before any output.
	ErrModelUnavailable = errors.New("model unavailable")
	ErrQueueUnavailable = errors.New("ingest queue unavailable")
	// ErrStoragePermission reports object storage refusing our credentials.
	ErrStoragePermission = errors.New("storage permission denied")
)
