package notify

import (
	"context"
	"fmt"

	firebase "firebase.google.com/go"
	"firebase.google.com/go/messaging"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

type fcmSender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMDispatcher publishes each notification to the audience's topic.
// Devices subscribe to their user, role and role-zone topics at login.
type FCMDispatcher struct {
	client fcmSender
	logger *zap.Logger
}

func NewFCMDispatcher(ctx context.Context, credentialsFile string, logger *zap.Logger) (*FCMDispatcher, error) {
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("initialize firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("get messaging client: %w", err)
	}
	return newFCMDispatcher(client, logger), nil
}

func newFCMDispatcher(client fcmSender, logger *zap.Logger) *FCMDispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FCMDispatcher{client: client, logger: logger}
}

func (d *FCMDispatcher) Notify(ctx context.Context, n Notification) error {
	message := &messaging.Message{
		Topic: n.Audience.Topic(),
		Notification: &messaging.Notification{
			Title: n.Title,
			Body:  n.Body,
		},
		Data: n.Data,
	}
	id, err := d.client.Send(ctx, message)
	if err != nil {
		d.logger.Warn("notify: fcm send failed", zap.String("topic", message.Topic), zap.Error(err))
		return fmt.Errorf("send fcm message to %s: %w", message.Topic, err)
	}
	d.logger.Debug("notify: fcm sent", zap.String("topic", message.Topic), zap.String("message_id", id))
	return nil
}
