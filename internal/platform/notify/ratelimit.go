package notify

import (
	"context"
	"log/slog"

	"github.com/phrazzld/taskqueue/internal/platform/logger"
	"golang.org/x/time/rate"
)

// RateLimited drops alerts that exceed a token-bucket budget. Critical
// alerts are always delivered.
type RateLimited struct {
	next    Notifier
	limiter *rate.Limiter
}

// NewRateLimited allows perSecond alerts on average with bursts of burst.
func NewRateLimited(next Notifier, perSecond float64, burst int) *RateLimited {
	return &RateLimited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
	}
}

func (r *RateLimited) Send(ctx context.Context, severity Severity, message string, fields map[string]any) {
	if severity != SeverityCritical && !r.limiter.Allow() {
		logger.FromContext(ctx).Debug("alert dropped by rate limit",
			slog.String("severity", string(severity)),
			slog.String("message", message))
		return
	}
	r.next.Send(ctx, severity, message, fields)
}
