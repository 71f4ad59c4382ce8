// Package events carries the structured events this core emits for
// downstream consumers: first_traffic, first_daily_traffic, and alert.
// Delivery is fire-and-forget; sink errors are surfaced to the caller but
// never change metering or authorization outcomes.
package events

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type Type string

const (
	TypeFirstTraffic      Type = "first_traffic"
	TypeFirstDailyTraffic Type = "first_daily_traffic"
	TypeAlert             Type = "alert"
)

type Event struct {
	ID            string         `json:"id"`
	Type          Type           `json:"type"`
	ServiceID     string         `json:"service_id"`
	ApplicationID string         `json:"application_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Payload       map[string]any `json:"payload,omitempty"`
}

// New builds an event with a fresh id and a UTC timestamp.
func New(t Type, serviceID, applicationID string, ts time.Time, payload map[string]any) Event {
	return Event{
		ID:            uuid.NewString(),
		Type:          t,
		ServiceID:     serviceID,
		ApplicationID: applicationID,
		Timestamp:     ts.UTC(),
		Payload:       payload,
	}
}

type Sink interface {
	Publish(ctx context.Context, event Event) error
}

// LogSink writes events to the structured log. It is the sink of last
// resort and always present.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

func (s *LogSink) Publish(ctx context.Context, event Event) error {
	if s == nil || s.logger == nil {
		return nil
	}
	s.logger.InfoContext(ctx, "event",
		slog.String("event_id", event.ID),
		slog.String("type", string(event.Type)),
		slog.String("service_id", event.ServiceID),
		slog.String("application_id", event.ApplicationID),
		slog.Time("timestamp", event.Timestamp),
		slog.Any("payload", event.Payload),
	)
	return nil
}

// CompositeSink fans out events to multiple sinks.
type CompositeSink struct {
	sinks []Sink
}

func NewCompositeSink(sinks ...Sink) Sink {
	filtered := make([]Sink, 0, len(sinks))
	for _, sink := range sinks {
		if sink == nil {
			continue
		}
		filtered = append(filtered, sink)
	}
	if len(filtered) == 0 {
		return nil
	}
	return &CompositeSink{sinks: filtered}
}

func (c *CompositeSink) Publish(ctx context.Context, event Event) error {
	if c == nil {
		return nil
	}
	var err error
	for _, sink := range c.sinks {
		if publishErr := sink.Publish(ctx, event); publishErr != nil {
			err = errors.Join(err, publishErr)
		}
	}
	return err
}
