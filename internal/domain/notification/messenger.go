package notification

import (
	"context"

	"ledgermatch/internal/domain/tenant"
)

// Messenger pushes a message to a topic.
// Implemented by the Firebase FCM client in the infrastructure layer.
type Messenger interface {
	SendToTopic(ctx context.Context, topic, title, body string, data map[string]string) error
}

type Repository interface {
	Create(ctx context.Context, scope tenant.Scope, params CreateParams) (*Notification, error)
	List(ctx context.Context, scope tenant.Scope, limit, offset int) ([]*Notification, int, error)
}

// Notifier is what other domains depend on to tell operators about
// connection and match events.
type Notifier interface {
	Notify(ctx context.Context, scope tenant.Scope, params CreateParams)
}

// Nop discards every notification.
type Nop struct{}

func (Nop) Notify(context.Context, tenant.Scope, CreateParams) {}
