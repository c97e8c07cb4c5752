package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"go-eventflow/internal/scheduler"
	"go-eventflow/internal/store"
	"go-eventflow/pkg/models"
)

type NotificationHandler struct {
	store  store.Store
	unread UnreadCounters
	now    func() time.Time
	logger *logrus.Entry
}

func NewNotificationHandler(s store.Store, unread UnreadCounters, now func() time.Time) *NotificationHandler {
	return &NotificationHandler{store: s, unread: unread, now: now, logger: handlerLogger("notifications")}
}

// Handle drops the recipient's cached unread count on any change.
func (h *NotificationHandler) Handle(ctx context.Context, e models.NotificationEvent) error {
	recipient := e.Notification.RecipientID
	if recipient == "" {
		return nil
	}
	if err := h.unread.InvalidateUnread(ctx, recipient); err != nil {
		return fmt.Errorf("invalidate unread count: %w", err)
	}
	return nil
}

// Expire moves the listed notifications from Active to Expired once due.
func (h *NotificationHandler) Expire(ctx context.Context, e models.NotificationsExpiredEvent) error {
	if err := scheduler.Due(h.now(), e.ExpiredAt); err != nil {
		return err
	}
	expired, err := h.store.Notifications().ExpireActive(ctx, e.NotificationIDs, e.ExpiredAt)
	if err != nil {
		return fmt.Errorf("expire notifications: %w", err)
	}
	h.logger.WithFields(logrus.Fields{
		"requested": len(e.NotificationIDs),
		"expired":   expired,
	}).Info("Notifications expired")
	return nil
}
