// Copyright 2025 James Ross
package canary

import (
	"time"
)

// Status is the canary state machine position.
type Status string

const (
	StatusObserving  Status = "observing"
	StatusPromoting  Status = "promoting"
	StatusRolledBack Status = "rolled_back"
	StatusComplete   Status = "complete"
)

// Terminal reports whether the canary has finished one way or the other.
func (s Status) Terminal() bool {
	return s == StatusRolledBack || s == StatusComplete
}

// VersionRef names one side of the traffic split.
type VersionRef struct {
	Version        int    `json:"version"`
	StructuralHash string `json:"structuralHash"`
}

// State is the full canary record for one pipeline name.
type State struct {
	PipelineName  string     `json:"pipelineName"`
	OldVersion    VersionRef `json:"oldVersion"`
	NewVersion    VersionRef `json:"newVersion"`
	Config        Config     `json:"config"`
	CurrentWeight float64    `json:"currentWeight"`
	CurrentStep   int        `json:"currentStep"`
	Status        Status     `json:"status"`
	StartedAt     time.Time  `json:"startedAt"`
	StepStartedAt time.Time  `json:"stepStartedAt"`
	// FinishedAt is set on entering a terminal status; the router removes
	// the record after the grace period.
	FinishedAt time.Time `json:"finishedAt,omitempty"`

	Old *VersionMetrics `json:"-"`
	New *VersionMetrics `json:"-"`
}

// View is the JSON rendering with metric snapshots attached.
type View struct {
	State
	Metrics struct {
		Old MetricsSnapshot `json:"old"`
		New MetricsSnapshot `json:"new"`
	} `json:"metrics"`
}

func (s *State) view() View {
	v := View{State: *s}
	v.Metrics.Old = s.Old.Snapshot()
	v.Metrics.New = s.New.Snapshot()
	return v
}
