// Copyright 2025 James Ross
package modules

import "errors"

var (
	ErrInvalidModule  = errors.New("invalid module definition")
	ErrModuleExists   = errors.New("module already registered")
	ErrModuleNotFound = errors.New("module not registered")
	ErrMissingArg     = errors.New("missing module argument")
)
