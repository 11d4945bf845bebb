// Package types defines the core domain model shared by the summaryq packages:
// jobs, their lifecycle status, priorities and the parameter variants that
// decide how a job's work is decomposed.
package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// JobID uniquely identifies a job.
type JobID string

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"   // accepted and waiting in the queue (or for a retry)
	StatusRunning   JobStatus = "running"   // owned by a worker
	StatusCompleted JobStatus = "completed" // finished, Result is set
	StatusFailed    JobStatus = "failed"    // attempts exhausted, Error is set
	StatusCancelled JobStatus = "cancelled" // cancelled before or during execution
)

// IsTerminal reports whether no further transition is expected.
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Priority orders jobs in the queue. Higher values are dequeued first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// Priorities lists every priority from highest to lowest.
var Priorities = []Priority{PriorityHigh, PriorityNormal, PriorityLow}

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	default:
		return fmt.Sprintf("priority(%d)", int(p))
	}
}

// Valid reports whether p is one of the defined priorities.
func (p Priority) Valid() bool {
	return p >= PriorityLow && p <= PriorityHigh
}

// ParsePriority converts a priority name. An empty string yields PriorityNormal.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "normal":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "low":
		return PriorityLow, nil
	default:
		return 0, fmt.Errorf("unknown priority %q", s)
	}
}

// MarshalJSON encodes the priority by name.
func (p Priority) MarshalJSON() ([]byte, error) {
	return json.Marshal(p.String())
}

// UnmarshalJSON accepts the priority name.
func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// JobType decides how the task body decomposes work.
type JobType string

const (
	JobTypeSingle     JobType = "single"     // one video
	JobTypeCollection JobType = "collection" // a playlist, expanded into ordered items
	JobTypeBatch      JobType = "batch"      // an explicit list of videos
)

// ErrInvalidParams is returned when job parameters fail validation.
var ErrInvalidParams = errors.New("invalid job params")

// Params is the closed set of per-type job parameters. Only the variants in
// this package implement it.
type Params interface {
	// Type returns the job type the variant belongs to.
	Type() JobType
	// Validate reports an ErrInvalidParams-wrapped error for unusable input.
	Validate() error

	sealed()
}

// SingleParams summarizes one video.
type SingleParams struct {
	URL       string `json:"url"`
	Language  string `json:"language,omitempty"`
	WithAudio bool   `json:"with_audio,omitempty"`
}

func (SingleParams) Type() JobType { return JobTypeSingle }
func (SingleParams) sealed()       {}

func (p SingleParams) Validate() error {
	if strings.TrimSpace(p.URL) == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidParams)
	}
	return nil
}

// CollectionParams summarizes every video of a playlist, in playlist order.
type CollectionParams struct {
	URL       string `json:"url"`
	MaxItems  int    `json:"max_items,omitempty"`
	Language  string `json:"language,omitempty"`
	WithAudio bool   `json:"with_audio,omitempty"`
}

func (CollectionParams) Type() JobType { return JobTypeCollection }
func (CollectionParams) sealed()       {}

func (p CollectionParams) Validate() error {
	if strings.TrimSpace(p.URL) == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidParams)
	}
	if p.MaxItems < 0 {
		return fmt.Errorf("%w: max_items must not be negative", ErrInvalidParams)
	}
	return nil
}

// BatchParams summarizes an explicit list of videos, in the given order.
type BatchParams struct {
	URLs      []string `json:"urls"`
	Language  string   `json:"language,omitempty"`
	WithAudio bool     `json:"with_audio,omitempty"`
}

func (BatchParams) Type() JobType { return JobTypeBatch }
func (BatchParams) sealed()       {}

func (p BatchParams) Validate() error {
	if len(p.URLs) == 0 {
		return fmt.Errorf("%w: urls must not be empty", ErrInvalidParams)
	}
	for i, u := range p.URLs {
		if strings.TrimSpace(u) == "" {
			return fmt.Errorf("%w: urls[%d] is empty", ErrInvalidParams, i)
		}
	}
	return nil
}

// DecodeParams decodes raw JSON into the params variant for jobType.
func DecodeParams(jobType JobType, raw json.RawMessage) (Params, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: params are required", ErrInvalidParams)
	}
	var (
		params Params
		err    error
	)
	switch jobType {
	case JobTypeSingle:
		var p SingleParams
		err = json.Unmarshal(raw, &p)
		params = p
	case JobTypeCollection:
		var p CollectionParams
		err = json.Unmarshal(raw, &p)
		params = p
	case JobTypeBatch:
		var p BatchParams
		err = json.Unmarshal(raw, &p)
		params = p
	default:
		return nil, fmt.Errorf("%w: unknown job type %q", ErrInvalidParams, jobType)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return params, nil
}

// Item is one video a job works on.
type Item struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Label returns the human readable name used as the progress label.
func (i Item) Label() string {
	if i.Title != "" {
		return i.Title
	}
	return i.URL
}

// ItemResult records the outcome of one sub-item of a collection or batch job.
type ItemResult struct {
	Item   Item           `json:"item"`
	OK     bool           `json:"ok"`
	Output map[string]any `json:"output,omitempty"`
	Error  string         `json:"error,omitempty"`
}

// Result is the payload of a completed job. Single jobs fill Output, collection
// and batch jobs fill Items with one entry per sub-item.
type Result struct {
	Output    map[string]any `json:"output,omitempty"`
	Items     []ItemResult   `json:"items,omitempty"`
	Succeeded int            `json:"succeeded,omitempty"`
	Failed    int            `json:"failed,omitempty"`
}

// Job is a unit of submitted work tracked through its status lifecycle.
type Job struct {
	ID       JobID    `json:"id"`
	Type     JobType  `json:"type"`
	Priority Priority `json:"priority"`
	ClientID string   `json:"client_id,omitempty"`
	Params   Params   `json:"params"`

	Status          JobStatus `json:"status"`
	Progress        int       `json:"progress"`
	CurrentItem     string    `json:"current_item,omitempty"`
	Attempt         int       `json:"attempt"`
	MaxAttempts     int       `json:"max_attempts"`
	CancelRequested bool      `json:"cancel_requested,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	NextRunAt   *time.Time `json:"next_run_at,omitempty"`

	Result *Result `json:"result,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// Clone returns a deep copy that shares no mutable state with j.
func (j *Job) Clone() Job {
	c := *j
	c.StartedAt = cloneTime(j.StartedAt)
	c.CompletedAt = cloneTime(j.CompletedAt)
	c.NextRunAt = cloneTime(j.NextRunAt)
	if j.Result != nil {
		r := *j.Result
		r.Items = append([]ItemResult(nil), j.Result.Items...)
		c.Result = &r
	}
	if bp, ok := j.Params.(BatchParams); ok {
		bp.URLs = append([]string(nil), bp.URLs...)
		c.Params = bp
	}
	return c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
