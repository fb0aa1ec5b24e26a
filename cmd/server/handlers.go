package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/phrazzld/taskqueue/internal/failure"
	"github.com/phrazzld/taskqueue/internal/platform/notify"
	"github.com/phrazzld/taskqueue/internal/task"
)

// notificationPayload is the payload of a notification task.
type notificationPayload struct {
	Severity notify.Severity `json:"severity"`
	Message  string          `json:"message"`
	Fields   map[string]any  `json:"fields"`
}

func registerHandlers(r *task.Registry, n notify.Notifier) {
	r.Register(task.TypeNotification, notificationHandler(n))
}

// notificationHandler forwards the payload to n. The send is recorded as a
// completed operation so a retried task does not notify twice.
func notificationHandler(n notify.Notifier) task.Handler {
	return task.HandlerFunc(func(ctx context.Context, payload json.RawMessage) (task.Outcome, error) {
		var p notificationPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return task.Outcome{}, failure.Validation(fmt.Errorf("invalid notification payload: %w", err))
		}
		if p.Message == "" {
			return task.Outcome{}, failure.Validation(errors.New("notification message is required"))
		}
		switch p.Severity {
		case notify.SeverityInfo, notify.SeverityWarning, notify.SeverityCritical:
		case "":
			p.Severity = notify.SeverityInfo
		default:
			return task.Outcome{}, failure.Validation(fmt.Errorf("unknown severity %q", p.Severity))
		}

		result, err := task.Once(ctx, "notify", func(ctx context.Context) (any, error) {
			n.Send(ctx, p.Severity, p.Message, p.Fields)
			return map[string]any{"delivered": true}, nil
		})
		if err != nil {
			return task.Outcome{}, err
		}
		return task.Outcome{Result: result, ProcessedItems: 1}, nil
	})
}
