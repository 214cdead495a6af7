// Copyright 2025 James Ross
package dag

import "errors"

var (
	ErrInvalidDag    = errors.New("invalid dag spec")
	ErrCyclicDag     = errors.New("dag spec contains a cycle")
	ErrUnresolvedRef = errors.New("unresolved input reference")
)
