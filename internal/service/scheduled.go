package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"go-eventflow/internal/scheduler"
	"go-eventflow/internal/store"
	"go-eventflow/pkg/models"
)

// ScheduledHandler applies expirations once their due time has passed.
type ScheduledHandler struct {
	store  store.Store
	now    func() time.Time
	logger *logrus.Entry
}

func NewScheduledHandler(s store.Store, now func() time.Time) *ScheduledHandler {
	return &ScheduledHandler{store: s, now: now, logger: handlerLogger("scheduled")}
}

func (h *ScheduledHandler) ExpireInvitation(ctx context.Context, e models.ExpiredInvitationEvent) error {
	if err := scheduler.Due(h.now(), e.ExpiredAt); err != nil {
		return err
	}
	logger := h.logger.WithField("folder_id", e.FolderID)
	err := h.store.Folders().RemovePendingInvitations(ctx, e.FolderID, e.Emails)
	if errors.Is(err, store.ErrNotFound) {
		logger.Info("Folder gone, nothing to expire")
		return nil
	}
	if err != nil {
		return fmt.Errorf("expire pending invitations: %w", err)
	}
	logger.WithField("emails", len(e.Emails)).Info("Pending invitations expired")
	return nil
}

func (h *ScheduledHandler) ExpirePomodoro(ctx context.Context, e models.ExpiredPomodoroEvent) error {
	if err := scheduler.Due(h.now(), e.ExpiredAt); err != nil {
		return err
	}
	logger := h.logger.WithField("pomodoro_id", e.PomodoroID)
	expired, err := h.store.Pomodoros().ExpireRunning(ctx, e.PomodoroID, e.ExpiredAt)
	if errors.Is(err, store.ErrNotFound) {
		logger.Info("Pomodoro gone, nothing to expire")
		return nil
	}
	if err != nil {
		return fmt.Errorf("expire pomodoro: %w", err)
	}
	logger.WithFields(logrus.Fields{"expired": expired}).Info("Pomodoro expiry applied")
	return nil
}
