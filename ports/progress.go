package ports

import (
	"golmm/domain/core"
	"golmm/domain/model"
)

// StageEvent reports one transition of a run's model through its lifecycle.
// Detail is human-readable and safe to surface verbatim.
type StageEvent struct {
	RunID   core.RunID  `json:"run_id"`
	State   model.State `json:"state"`
	Detail  string      `json:"detail"`
	Elapsed int64       `json:"elapsed_ms"`
}

// ProgressSinkPort receives stage events as a run advances. Implementations
// must be non-blocking; slow consumers drop events rather than stall the
// pipeline.
type ProgressSinkPort interface {
	Publish(event StageEvent)
}

// NopProgressSink discards every event
type NopProgressSink struct{}

func (NopProgressSink) Publish(StageEvent) {}
