// Copyright 2025 James Ross
package suspension

import "errors"

var (
	ErrNotFound         = errors.New("suspension not found")
	ErrCodecRoundTrip   = errors.New("suspension codec round-trip mismatch")
	ErrResumeInProgress = errors.New("resume already in progress for this handle")
)
