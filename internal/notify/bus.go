// Package notify carries proactive notifications from background producers
// (the important-email poller) to whatever delivers them to the user.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const TopicImportantMail = "inbox.important"

// Notification is one message for one user.
type Notification struct {
	ID         string    `json:"id"`
	UserID     string    `json:"user_id"`
	Text       string    `json:"text"`
	MessageIDs []string  `json:"message_ids,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Handler delivers a notification. A returned error is logged; the
// notification is not redelivered.
type Handler func(ctx context.Context, n Notification) error

type Bus struct {
	pubsub *gochannel.GoChannel
	topic  string
	logger zerolog.Logger
}

// NewBus creates an in-process bus. Only subscribers present at publish
// time receive a notification.
func NewBus() *Bus {
	logger := log.With().Str("component", "notify").Logger()
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, watermillLogger{logger}),
		topic:  TopicImportantMail,
		logger: logger,
	}
}

func (b *Bus) Publish(ctx context.Context, n Notification) error {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	msg := message.NewMessage(n.ID, payload)
	msg.SetContext(ctx)
	if err := b.pubsub.Publish(b.topic, msg); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// Listen subscribes before returning and delivers notifications to h until
// ctx ends. The returned channel is closed when delivery stops.
func (b *Bus) Listen(ctx context.Context, h Handler) (<-chan struct{}, error) {
	ch, err := b.pubsub.Subscribe(ctx, b.topic)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", b.topic, err)
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range ch {
			var n Notification
			if err := json.Unmarshal(msg.Payload, &n); err != nil {
				b.logger.Warn().Err(err).Str("message_uuid", msg.UUID).Msg("failed to decode notification")
				msg.Ack()
				continue
			}
			if err := h(ctx, n); err != nil {
				b.logger.Error().Err(err).Str("user_id", n.UserID).Str("notification_id", n.ID).Msg("notification not delivered")
			}
			msg.Ack()
		}
	}()
	return done, nil
}

func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// watermillLogger adapts zerolog to watermill.LoggerAdapter.
type watermillLogger struct {
	l zerolog.Logger
}

func (w watermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	w.l.Error().Err(err).Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w watermillLogger) Info(msg string, fields watermill.LogFields) {
	w.l.Debug().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w watermillLogger) Debug(msg string, fields watermill.LogFields) {
	w.l.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w watermillLogger) Trace(msg string, fields watermill.LogFields) {
	w.l.Trace().Fields(map[string]interface{}(fields)).Msg(msg)
}

func (w watermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return watermillLogger{w.l.With().Fields(map[string]interface{}(fields)).Logger()}
}
