package task

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusRetrying  Status = "retrying"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s has no outgoing edges in normal operation.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusRetrying, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Type identifies the handler that executes a task.
type Type string

const (
	TypeSync         Type = "sync"
	TypeMediaProcess Type = "media-process"
	TypeBatchProcess Type = "batch-process"
	TypeNotification Type = "notification"
	TypeMaintenance  Type = "maintenance"
)

// KnownTypes lists the built-in task types.
var KnownTypes = []Type{TypeSync, TypeMediaProcess, TypeBatchProcess, TypeNotification, TypeMaintenance}

// Priority bounds and defaults.
const (
	MinPriority       = 1
	MaxPriority       = 10
	DefaultPriority   = 5
	DefaultMaxRetries = 3
)

// Errors returned for invalid tasks or operations.
var (
	ErrInvalidType       = errors.New("invalid task type")
	ErrInvalidPriority   = errors.New("priority must be between 1 and 10")
	ErrInvalidMaxRetries = errors.New("max retries must not be negative")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidPayload    = errors.New("payload must be valid JSON")
	ErrExpired           = errors.New("task expired")
)

// Task is a persisted unit of asynchronous work.
type Task struct {
	ID           string          `json:"id"`
	Type         Type            `json:"type"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     int             `json:"priority"`
	QueueName    string          `json:"queue_name"`
	Status       Status          `json:"status"`
	RetryCount   int             `json:"retry_count"`
	MaxRetries   int             `json:"max_retries"`
	CreatedBy    string          `json:"created_by,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	ExpiresAt    *time.Time      `json:"expires_at,omitempty"`
	ScheduledAt  time.Time       `json:"scheduled_at"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Progress     int             `json:"progress"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Clone returns a deep copy of t.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.Payload = cloneBytes(t.Payload)
	c.Result = cloneBytes(t.Result)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.ExpiresAt = cloneTime(t.ExpiresAt)
	return &c
}

// Expired reports whether t is unfinished and past its expiry at now.
func (t *Task) Expired(now time.Time) bool {
	return !t.Status.Terminal() && t.ExpiresAt != nil && !t.ExpiresAt.After(now)
}

// Validate checks the fields a producer controls.
func (t *Task) Validate() error {
	if t.Type == "" {
		return fmt.Errorf("%w: type is required", ErrInvalidType)
	}
	if t.Priority < MinPriority || t.Priority > MaxPriority {
		return fmt.Errorf("%w: got %d", ErrInvalidPriority, t.Priority)
	}
	if t.MaxRetries < 0 {
		return ErrInvalidMaxRetries
	}
	if len(t.Payload) > 0 && !json.Valid(t.Payload) {
		return ErrInvalidPayload
	}
	if !t.Status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, t.Status)
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append([]byte(nil), b...)
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
