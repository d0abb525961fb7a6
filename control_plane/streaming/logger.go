package streaming

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/itskum47/FwForge/control_plane/logging"
)

const source = "fwforge-control-plane"

// NewEvent wraps payload into an Event with a fresh id.
func NewEvent(topic string, payload any) (Event, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Payload:   data,
		Timestamp: time.Now().UTC(),
		Source:    source,
	}, nil
}

// LogPublisher writes every event as a structured log record.
type LogPublisher struct {
	logger *slog.Logger
}

func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	return &LogPublisher{logger: logging.OrDefault(logger).With("component", "streaming")}
}

func (p *LogPublisher) Publish(ctx context.Context, topic string, payload any) error {
	event, err := NewEvent(topic, payload)
	if err != nil {
		return err
	}
	p.logger.LogAttrs(ctx, slog.LevelDebug, "event published",
		slog.String("event_id", event.ID),
		slog.String("topic", topic),
		slog.String("payload", string(event.Payload)),
	)
	return nil
}

func (p *LogPublisher) Close() error {
	return nil
}

// MultiPublisher fans one event out to several publishers.
type MultiPublisher []Publisher

func (m MultiPublisher) Publish(ctx context.Context, topic string, payload any) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, topic, payload); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiPublisher) Close() error {
	var errs []error
	for _, p := range m {
		errs = append(errs, p.Close())
	}
	return errors.Join(errs...)
}
