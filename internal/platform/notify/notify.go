// Package notify delivers operator alerts. Sending is fire-and-forget:
// delivery failures are logged and never returned to the caller.
package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/phrazzld/taskqueue/internal/platform/logger"
)

// Severity of an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is the payload delivered to every sink.
type Alert struct {
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Fields   map[string]any `json:"fields,omitempty"`
	SentAt   time.Time      `json:"sent_at"`
}

// Notifier sends alerts.
type Notifier interface {
	Send(ctx context.Context, severity Severity, message string, fields map[string]any)
}

// Log writes alerts to the context logger.
type Log struct{}

func (Log) Send(ctx context.Context, severity Severity, message string, fields map[string]any) {
	attrs := make([]any, 0, len(fields)+1)
	attrs = append(attrs, slog.String("severity", string(severity)))
	for k, v := range fields {
		attrs = append(attrs, slog.Any(k, v))
	}

	log := logger.FromContext(ctx)
	switch severity {
	case SeverityCritical:
		log.Error(message, attrs...)
	case SeverityWarning:
		log.Warn(message, attrs...)
	default:
		log.Info(message, attrs...)
	}
}

// Multi fans an alert out to several notifiers.
type Multi []Notifier

func (m Multi) Send(ctx context.Context, severity Severity, message string, fields map[string]any) {
	for _, n := range m {
		if n != nil {
			n.Send(ctx, severity, message, fields)
		}
	}
}

// Nop drops every alert.
type Nop struct{}

func (Nop) Send(context.Context, Severity, string, map[string]any) {}
