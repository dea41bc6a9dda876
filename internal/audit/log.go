package audit

import (
	"context"
	"errors"
	"maps"
	"strings"

	"github.com/sirupsen/logrus"

	"evodash.io/internal/auth"
	"evodash.io/internal/obs"
)

// LogEvent writes an audit line to the operational log, enriched with the
// caller and principal found in ctx.
func LogEvent(ctx context.Context, event string, fields map[string]any) error {
	return logEvent(obs.Logger(), ctx, event, "", fields)
}

func logEvent(logger *logrus.Logger, ctx context.Context, event, userID string, fields map[string]any) error {
	event = strings.TrimSpace(event)
	if event == "" {
		return errors.New("event name is required")
	}
	client := auth.ClientFromContext(ctx)
	entry := logrus.Fields{
		"type":  "audit",
		"event": event,
		"ip":    client.IPAddress,
	}
	if client.RequestID != "" {
		entry["request_id"] = client.RequestID
	}
	if userID == "" {
		if p, ok := auth.PrincipalFromContext(ctx); ok {
			userID = p.User.ID
		}
	}
	if userID != "" {
		entry["user_id"] = userID
	}
	if len(fields) > 0 {
		entry["fields"] = maps.Clone(fields)
	} else {
		entry["fields"] = map[string]any{}
	}
	logger.WithFields(entry).Info("audit")
	return nil
}
