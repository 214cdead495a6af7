// Copyright 2025 James Ross
package canary

import "errors"

var (
	ErrInvalidConfig   = errors.New("invalid canary configuration")
	ErrCanaryExists    = errors.New("canary already running for pipeline")
	ErrCanaryNotFound  = errors.New("no canary for pipeline")
	ErrCanaryFinished  = errors.New("canary already in a terminal state")
	ErrNoActiveVersion = errors.New("pipeline has no active version to canary against")
	ErrUnknownHash     = errors.New("hash does not match either canary version")
)
