// Package status implements the public status surface: a small,
// JSON-friendly snapshot of update progress that a transport can poll
// or that a Publisher can push out.
package status

import (
	"context"
	"time"
)

// State is the coarse public status enum.
type State int

const (
	Idle State = iota
	Progress
	Error
	Success
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Progress:
		return "progress"
	case Error:
		return "error"
	case Success:
		return "success"
	default:
		return "unknown"
	}
}

// MarshalJSON renders State as its lowercase name rather than an int, so
// a transport's JSON payload reads naturally.
func (s State) MarshalJSON() ([]byte, error) {
	return []byte(`"` + s.String() + `"`), nil
}

// Status is the externally observable snapshot of an in-flight or
// completed update.
type Status struct {
	State           State         `json:"state"`
	Msg             string        `json:"msg,omitempty"`
	ProgressPercent *int          `json:"progress_percent,omitempty"`
	IsCommitted     bool          `json:"is_committed"`
	CommitTimeout   time.Duration `json:"commit_timeout,omitempty"`
	Partition       uint8         `json:"partition"`
}

// Publisher pushes a Status snapshot to an external observer.
type Publisher interface {
	Publish(ctx context.Context, s Status) error
}
