package streaming

import (
	"context"
	"encoding/json"
	"time"
)

// Topics published by the control plane.
const (
	TopicStageUpdated        = "stage.updated"
	TopicBuildStarted        = "build.started"
	TopicBuildFinished       = "build.finished"
	TopicBuildDispatchFailed = "build.dispatch_failed"
	TopicQueueChanged        = "queue.changed"
)

type Event struct {
	ID        string          `json:"id"`
	Topic     string          `json:"topic"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
	Source    string          `json:"source"`
}

type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
	Close() error
}
