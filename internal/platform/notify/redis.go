package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/phrazzld/taskqueue/internal/platform/logger"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel is the pub/sub channel alerts are published on.
const DefaultChannel = "taskqueue:alerts"

// Redis publishes alerts as JSON on a Redis pub/sub channel.
type Redis struct {
	client  redis.UniversalClient
	channel string
	timeout time.Duration
	now     func() time.Time
}

// NewRedis creates a Redis notifier. An empty channel uses DefaultChannel.
func NewRedis(client redis.UniversalClient, channel string) *Redis {
	if channel == "" {
		channel = DefaultChannel
	}
	return &Redis{
		client:  client,
		channel: channel,
		timeout: 2 * time.Second,
		now:     time.Now,
	}
}

func (r *Redis) Send(ctx context.Context, severity Severity, message string, fields map[string]any) {
	log := logger.FromContext(ctx)

	body, err := json.Marshal(Alert{
		Severity: severity,
		Message:  message,
		Fields:   fields,
		SentAt:   r.now().UTC(),
	})
	if err != nil {
		log.Error("failed to encode alert",
			slog.String("message", message),
			slog.String("error", err.Error()))
		return
	}

	// alerts outlive the request or task that raised them
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
	defer cancel()

	if err := r.client.Publish(pubCtx, r.channel, body).Err(); err != nil {
		log.Error("failed to publish alert",
			slog.String("channel", r.channel),
			slog.String("message", message),
			slog.String("error", err.Error()))
	}
}
