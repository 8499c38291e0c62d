package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/sampark/internal/observability"
	"github.com/pitabwire/sampark/model"
)

// Notifier hands committed notification intents to communication
// collaborators. A delivery error is logged and counted by the
// orchestrator; the committed transition stands.
type Notifier interface {
	Notify(ctx context.Context, intent model.NotificationIntent) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, intent model.NotificationIntent) error

// Notify calls f.
func (f NotifierFunc) Notify(ctx context.Context, intent model.NotificationIntent) error {
	return f(ctx, intent)
}

// LogNotifier writes intents to the log. Useful when no channel adapter is
// deployed.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(_ context.Context, intent model.NotificationIntent) error {
	n.logger.Info("notification",
		zap.String("run_id", intent.RunID),
		zap.String("kind", string(intent.Kind)),
		zap.String("channel_type", intent.ChannelType),
		zap.String("channel_id", intent.ChannelID),
		zap.String("status", string(intent.Status)),
		zap.Any("message", intent.Message),
	)
	return nil
}

// Message metadata keys set on published intents.
const (
	MetadataRunID = "run_id"
	MetadataKind  = "kind"
)

// WatermillNotifier publishes intents as JSON messages on a watermill topic.
type WatermillNotifier struct {
	publisher message.Publisher
	topic     string
}

// NewWatermillNotifier creates a notifier publishing to topic.
func NewWatermillNotifier(publisher message.Publisher, topic string) *WatermillNotifier {
	return &WatermillNotifier{publisher: publisher, topic: topic}
}

// Notify implements Notifier. The current trace context is carried in the
// message metadata.
func (n *WatermillNotifier) Notify(ctx context.Context, intent model.NotificationIntent) error {
	ctx, span := observability.StartSpan(ctx, "notify.publish",
		observability.AttrRunID.String(intent.RunID),
	)

	payload, err := json.Marshal(intent)
	if err != nil {
		err = fmt.Errorf("marshal notification intent: %w", err)
		observability.EndSpanWithError(span, err)
		return err
	}

	msg := message.NewMessage(uuid.NewString(), payload)
	msg.Metadata.Set(MetadataRunID, intent.RunID)
	msg.Metadata.Set(MetadataKind, string(intent.Kind))
	observability.InjectTraceMetadata(ctx, msg.Metadata)
	msg.SetContext(ctx)

	if err := n.publisher.Publish(n.topic, msg); err != nil {
		err = fmt.Errorf("publish to %q: %w", n.topic, err)
		observability.EndSpanWithError(span, err)
		return err
	}
	span.End()
	return nil
}
