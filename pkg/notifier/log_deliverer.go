package notifier

import (
	"context"
	"log/slog"
)

// LogDeliverer writes intents to the log instead of sending anything. Used in
// development and as a fallback when no email configuration is present.
type LogDeliverer struct {
	log *slog.Logger
}

// NewLogDeliverer creates a log-only delivery channel.
func NewLogDeliverer(log *slog.Logger) *LogDeliverer {
	if log == nil {
		log = slog.Default()
	}
	return &LogDeliverer{log: log}
}

func (d *LogDeliverer) Deliver(_ context.Context, intent Intent) error {
	d.log.Info("notification",
		slog.String("template", intent.Template),
		slog.String("user_id", intent.UserID.String()),
		slog.Any("context", intent.Context))
	return nil
}
