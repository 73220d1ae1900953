package notification

import (
	"context"

	"go.uber.org/zap"

	"ledgermatch/internal/domain/tenant"
)

const maxPerPage = 100

// Service stores notifications and pushes them to the tenant topic.
// Failures are logged and never returned to the operation that triggered
// the notification.
type Service struct {
	repo      Repository
	messenger Messenger
	logger    *zap.Logger
}

// NewService creates a notification service. messenger may be nil when push
// delivery is not configured.
func NewService(repo Repository, messenger Messenger, logger *zap.Logger) *Service {
	return &Service{repo: repo, messenger: messenger, logger: logger}
}

func (s *Service) Notify(ctx context.Context, scope tenant.Scope, params CreateParams) {
	if err := params.Validate(); err != nil {
		s.logger.Warn("dropping invalid notification", zap.Error(err), zap.String("category", params.Category))
		return
	}

	if _, err := s.repo.Create(ctx, scope, params); err != nil {
		s.logger.Warn("failed to store notification",
			zap.Stringer("scope", scope),
			zap.String("category", params.Category),
			zap.Error(err),
		)
	}

	if s.messenger == nil {
		return
	}
	topic := Topic(scope.ID())
	if err := s.messenger.SendToTopic(ctx, topic, params.Title, params.Message, params.Data); err != nil {
		s.logger.Warn("failed to push notification", zap.String("topic", topic), zap.Error(err))
	}
}

// List returns a page of notifications for the tenant, newest first.
func (s *Service) List(ctx context.Context, scope tenant.Scope, page, perPage int) ([]*Notification, int, error) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 || perPage > maxPerPage {
		perPage = 20
	}
	return s.repo.List(ctx, scope, perPage, (page-1)*perPage)
}
