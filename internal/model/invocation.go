package model

import (
	"encoding/json"
	"time"
)

// Invocation status constants.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusKilled    = "killed"
)

// validTransitions maps each status to the set of statuses it may transition to.
var validTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusRunning: true,
		StatusFailed:  true,
		StatusKilled:  true,
	},
	StatusRunning: {
		StatusCompleted: true,
		StatusFailed:    true,
		StatusKilled:    true,
	},
}

// Terminal reports whether a status is final.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed || status == StatusKilled
}

// ValidTransition reports whether transitioning from one status to another is allowed.
func ValidTransition(from, to string) bool {
	targets, ok := validTransitions[from]
	if !ok {
		return false
	}
	return targets[to]
}

// OutputLine represents a single persisted output line emitted by an engine
// while an invocation ran.
type OutputLine struct {
	ID           int64     `json:"id"`
	InvocationID string    `json:"invocation_id"`
	Seq          int       `json:"seq"`
	Line         string    `json:"line"`
	CreatedAt    time.Time `json:"created_at"`
}

// Invocation represents one operation call routed through the engine pool.
type Invocation struct {
	ID         string          `json:"id"`
	Status     string          `json:"status"`
	Operation  string          `json:"operation"`
	Options    []string        `json:"options"`
	Args       json.RawMessage `json:"args,omitempty"`
	EngineID   string          `json:"engine_id,omitempty"`
	Reused     *bool           `json:"reused,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
	TimeoutS   *int            `json:"timeout_s,omitempty"`
	DurationMS *int            `json:"duration_ms,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`
}
