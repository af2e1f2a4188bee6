// Package analytics records comment events without blocking the request
// that produced them.
package analytics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"beacon/api/internal/comment"
)

const (
	defaultStream = "beacon:analytics"
	// Approximate cap for XADD MAXLEN ~.
	defaultMaxLen = 100_000
	writeTimeout  = 2 * time.Second
)

// StreamTracker appends events to a Redis stream.
type StreamTracker struct {
	client *redis.Client
	stream string
	maxLen int64
	logger *slog.Logger
}

func NewStreamTracker(client *redis.Client, stream string, logger *slog.Logger) *StreamTracker {
	if stream == "" {
		stream = defaultStream
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamTracker{client: client, stream: stream, maxLen: defaultMaxLen, logger: logger}
}

// Track writes one stream entry. The write is bounded by its own timeout so
// a cancelled request still records the event.
func (t *StreamTracker) Track(ctx context.Context, event comment.Event) error {
	values, err := streamValues(event)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()

	err = t.client.XAdd(writeCtx, &redis.XAddArgs{
		Stream: t.stream,
		MaxLen: t.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", t.stream, err)
	}
	return nil
}

// Observe implements comment.Observer. Failures are logged, never returned.
func (t *StreamTracker) Observe(ctx context.Context, event comment.Event) {
	if err := t.Track(ctx, event); err != nil {
		t.logger.WarnContext(ctx, "analytics event dropped", "event", event.Name, "error", err)
	}
}

func streamValues(event comment.Event) (map[string]any, error) {
	properties, err := json.Marshal(map[string]any{
		"dashboardUuid":     event.DashboardUUID,
		"dashboardTileUuid": event.DashboardTileUUID,
		"isReply":           event.IsReply,
		"hasMention":        event.HasMention,
		"isOwner":           event.IsOwner,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal event properties: %w", err)
	}
	return map[string]any{
		"event":            event.Name,
		"userId":           event.UserUUID,
		"organizationUuid": event.OrganizationUUID,
		"projectUuid":      event.ProjectUUID,
		"properties":       string(properties),
		"timestamp":        strconv.FormatInt(time.Now().UTC().UnixMilli(), 10),
	}, nil
}

// LogTracker writes events to a slog logger. Used when Redis is not
// configured.
type LogTracker struct {
	logger *slog.Logger
}

func NewLogTracker(logger *slog.Logger) *LogTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTracker{logger: logger}
}

func (t *LogTracker) Observe(ctx context.Context, event comment.Event) {
	t.logger.InfoContext(ctx, "analytics event",
		"event", event.Name,
		"user_uuid", event.UserUUID,
		"dashboard_uuid", event.DashboardUUID,
		"dashboard_tile_uuid", event.DashboardTileUUID,
		"is_reply", event.IsReply,
		"has_mention", event.HasMention,
		"is_owner", event.IsOwner,
	)
}
