package api

import (
	"encoding/json"
	"time"

	"github.com/phrazzld/taskqueue/internal/task"
)

// CreateTaskRequest is the body of POST /v1/tasks.
type CreateTaskRequest struct {
	Type         string              `json:"type" validate:"required,max=64"`
	Payload      json.RawMessage     `json:"payload,omitempty"`
	QueueName    string              `json:"queue_name,omitempty" validate:"omitempty,max=64"`
	Priority     int                 `json:"priority,omitempty" validate:"omitempty,min=1,max=10"`
	MaxRetries   *int                `json:"max_retries,omitempty" validate:"omitempty,min=0,max=100"`
	DelaySeconds int                 `json:"delay_seconds,omitempty" validate:"gte=0"`
	ExpiresAt    *time.Time          `json:"expires_at,omitempty"`
	DependsOn    []DependencyRequest `json:"depends_on,omitempty" validate:"omitempty,max=100,dive"`
}

// DependencyRequest names a task the new task waits for.
type DependencyRequest struct {
	TaskID string `json:"task_id" validate:"required"`
	Type   string `json:"type,omitempty" validate:"omitempty,oneof=completion finish"`
}

func (req CreateTaskRequest) toServiceRequest(createdBy string) task.CreateRequest {
	out := task.CreateRequest{
		Type:       task.Type(req.Type),
		Payload:    req.Payload,
		QueueName:  req.QueueName,
		Priority:   req.Priority,
		MaxRetries: req.MaxRetries,
		Delay:      time.Duration(req.DelaySeconds) * time.Second,
		ExpiresAt:  req.ExpiresAt,
		CreatedBy:  createdBy,
	}
	for _, d := range req.DependsOn {
		out.DependsOn = append(out.DependsOn, task.DependencySpec{
			TaskID: d.TaskID,
			Type:   task.DependencyType(d.Type),
		})
	}
	return out
}

// CreateTaskResponse is returned by POST /v1/tasks.
type CreateTaskResponse struct {
	ID string `json:"id"`
}

// CancelRequest is the optional body of POST /v1/tasks/{id}/cancel.
type CancelRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=500"`
}

// BulkCancelRequest is the body of POST /v1/tasks/cancel.
type BulkCancelRequest struct {
	IDs    []string `json:"ids" validate:"required,min=1,max=10000,dive,required"`
	Reason string   `json:"reason,omitempty" validate:"max=500"`
}

// BulkCancelResponse reports how many of the requested tasks were cancelled.
type BulkCancelResponse struct {
	Requested int  `json:"requested"`
	Cancelled int  `json:"cancelled"`
	Partial   bool `json:"partial,omitempty"`
}

// RetryRequest is the optional body of POST /v1/tasks/{id}/retry.
type RetryRequest struct {
	ResetCount bool `json:"reset_count"`
}

// ActionResponse reports the status a cancel or retry moved the task to.
type ActionResponse struct {
	ID     string      `json:"id"`
	Status task.Status `json:"status"`
}

// LogsResponse is returned by GET /v1/tasks/{id}/logs.
type LogsResponse struct {
	TaskID string               `json:"task_id"`
	Logs   []*task.ExecutionLog `json:"logs"`
}
