package upload

import (
	"errors"
	"fmt"
)

// ErrValidation is wrapped by every error that rejects a request before any
// state changes.
var ErrValidation = errors.New("upload: invalid request")

var (
	ErrSizeExceeded     = fmt.Errorf("%w: total size exceeds limit", ErrValidation)
	ErrInvalidRetention = fmt.Errorf("%w: retention must be 1, 3 or 7 days", ErrValidation)
	ErrChunkOutOfRange  = fmt.Errorf("%w: chunk index out of range", ErrValidation)
	ErrFileMismatch     = fmt.Errorf("%w: file id does not match session", ErrValidation)
)

var (
	ErrSessionNotFound  = errors.New("upload: session not found")
	ErrIncompleteUpload = errors.New("upload: not all chunks received")
	ErrMissingChunk     = errors.New("upload: chunk missing from staging area")
	ErrTooManySessions  = errors.New("upload: too many open sessions")
)
