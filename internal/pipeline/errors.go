// Copyright 2025 James Ross
package pipeline

import "errors"

var (
	ErrSignatureMismatch = errors.New("module signature mismatch")
	ErrImageNotFound     = errors.New("pipeline image not found")
	ErrAliasNotFound     = errors.New("pipeline alias not found")
	ErrNilImage          = errors.New("nil pipeline image")
	ErrVersionNotFound   = errors.New("pipeline version not found")
	ErrNoActiveVersion   = errors.New("pipeline has no active version")
)
