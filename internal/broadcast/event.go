package broadcast

import (
	"fmt"
	"strings"
	"time"
)

// EventType identifies the kind of an event.
type EventType string

const (
	EventJobQueued    EventType = "job.queued"
	EventJobStarted   EventType = "job.started"
	EventJobProgress  EventType = "job.progress"
	EventJobRetrying  EventType = "job.retrying"
	EventJobCompleted EventType = "job.completed"
	EventJobFailed    EventType = "job.failed"
	EventJobCancelled EventType = "job.cancelled"
	EventHeartbeat    EventType = "heartbeat"
)

// EventTypes lists every known event type.
var EventTypes = []EventType{
	EventJobQueued, EventJobStarted, EventJobProgress, EventJobRetrying,
	EventJobCompleted, EventJobFailed, EventJobCancelled, EventHeartbeat,
}

// ParseEventTypes parses a comma separated list such as "job.progress,job.completed".
// Blank entries are ignored.
func ParseEventTypes(s string) ([]EventType, error) {
	var out []EventType
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		t := EventType(part)
		if !t.Valid() {
			return nil, fmt.Errorf("unknown event type %q", part)
		}
		out = append(out, t)
	}
	return out, nil
}

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	for _, known := range EventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// JobEvent is the payload of job.* events.
type JobEvent struct {
	JobID       string `json:"job_id"`
	Status      string `json:"status"`
	Progress    int    `json:"progress"`
	CurrentItem string `json:"current_item,omitempty"`
	Message     string `json:"message,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`
	MaxAttempts int    `json:"max_attempts,omitempty"`
}

// Event is one message delivered to a connection.
type Event struct {
	ID        uint64    `json:"id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Job       *JobEvent `json:"job,omitempty"`
}
