package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/trellis-notes/trellis/backend/internal/queue"
)

// JobKindNotification names the queue kind consumed by the fan-out worker.
const JobKindNotification = "notification"

// Notification is the queued payload for one realtime delivery: a room, an
// event name, and the JSON the subscriber should receive.
type Notification struct {
	Room        string `json:"room"`
	Event       string `json:"event"`
	PayloadJSON string `json:"payloadJson"`
}

// FanoutConfig describes the fan-out worker dependencies.
type FanoutConfig struct {
	Dispatcher *Dispatcher
	Logger     *zap.Logger
}

// Fanout consumes notification jobs one at a time and emits them to the
// realtime transport. Per-room ordering follows queue claim order.
type Fanout struct {
	dispatcher *Dispatcher
	logger     *zap.Logger
}

var errMissingDispatcher = errors.New("realtime: dispatcher is required")

// NewFanout constructs the fan-out worker.
func NewFanout(cfg FanoutConfig) (*Fanout, error) {
	if cfg.Dispatcher == nil {
		return nil, errMissingDispatcher
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fanout{dispatcher: cfg.Dispatcher, logger: logger}, nil
}

// Handle delivers one queued notification. The JSON payload is parsed back
// to a structured object before emission; parse and delivery failures are
// reported so the queue's retry policy applies.
func (f *Fanout) Handle(ctx context.Context, job queue.Job) error {
	var notification Notification
	if err := json.Unmarshal([]byte(job.PayloadJSON), &notification); err != nil {
		return fmt.Errorf("realtime: decode notification: %w", err)
	}
	if notification.Room == "" || notification.Event == "" {
		return fmt.Errorf("realtime: notification missing room or event")
	}

	var payload map[string]any
	if notification.PayloadJSON != "" {
		if err := json.Unmarshal([]byte(notification.PayloadJSON), &payload); err != nil {
			f.logger.Error("realtime notification payload invalid",
				zap.String("room", notification.Room),
				zap.String("event", notification.Event),
				zap.Error(err))
			return fmt.Errorf("realtime: decode notification payload: %w", err)
		}
	}

	f.dispatcher.Publish(notification.Room, notification.Event, payload)
	return nil
}
