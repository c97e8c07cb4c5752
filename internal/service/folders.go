package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"go-eventflow/internal/processor"
	"go-eventflow/internal/scheduler"
	"go-eventflow/internal/store"
	"go-eventflow/pkg/models"
)

var errNoInvitees = errors.New("invitation names no invitees")

type FolderHandler struct {
	store     store.Store
	scheduler *scheduler.Scheduler
	window    time.Duration
	now       func() time.Time
	logger    *logrus.Entry
}

func NewFolderHandler(s store.Store, sched *scheduler.Scheduler, window time.Duration, now func() time.Time) *FolderHandler {
	return &FolderHandler{store: s, scheduler: sched, window: window, now: now, logger: handlerLogger("folders")}
}

func (h *FolderHandler) Handle(ctx context.Context, e models.FolderEvent) error {
	switch e.Subject {
	case models.SubjectFolderInvited:
		return h.invite(ctx, e)
	case models.SubjectFolderWithdrawInvitation:
		return h.withdraw(ctx, e)
	case models.SubjectFolderDeleted:
		removed, err := h.store.Notifications().DeleteMany(ctx, models.NotificationFilter{
			Type:     models.NotificationInviteJoinFolder,
			FolderID: e.Folder.ID,
		})
		if err != nil {
			return fmt.Errorf("remove folder invitations: %w", err)
		}
		h.logger.WithFields(logrus.Fields{"folder_id": e.Folder.ID, "removed": removed}).Info("Folder invitations removed")
		return nil
	default:
		return nil
	}
}

// invite notifies every resolved invitee except the actor and schedules the
// expiry of the created notifications.
func (h *FolderHandler) invite(ctx context.Context, e models.FolderEvent) error {
	if len(e.Request.Emails) == 0 {
		return processor.BusinessLogic(errNoInvitees)
	}
	invitees, err := h.store.Accounts().FindByEmails(ctx, e.Request.Emails)
	if err != nil {
		return fmt.Errorf("resolve invitees: %w", err)
	}

	now := h.now().UTC()
	var ids []string
	err = h.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		for _, invitee := range invitees {
			if invitee.ID == e.Actor.AccountID {
				continue
			}
			filter := models.NotificationFilter{
				Type:        models.NotificationInviteJoinFolder,
				RecipientID: invitee.ID,
				FolderID:    e.Folder.ID,
			}
			if _, err := tx.Notifications().DeleteMany(ctx, filter); err != nil {
				return fmt.Errorf("replace invitation of %s: %w", invitee.ID, err)
			}
			n := models.Notification{
				ID:          models.NewMessageID(),
				Type:        models.NotificationInviteJoinFolder,
				Status:      models.NotificationActive,
				RecipientID: invitee.ID,
				SenderID:    e.Actor.AccountID,
				FolderID:    e.Folder.ID,
				Title:       e.Folder.Name,
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := tx.Notifications().Insert(ctx, n); err != nil {
				return fmt.Errorf("create invitation of %s: %w", invitee.ID, err)
			}
			ids = append(ids, n.ID)
		}
		return nil
	})
	if err != nil {
		return err
	}

	logger := h.logger.WithFields(logrus.Fields{
		"folder_id": e.Folder.ID,
		"invited":   len(ids),
		"requested": len(e.Request.Emails),
	})
	if len(ids) == 0 {
		logger.Info("No invitee resolved to an account")
		return nil
	}

	expiredAt := now.Add(h.window)
	if _, err := h.scheduler.Schedule(ctx, models.SubjectNotificationExpired, models.NotificationsExpiredEvent{
		NotificationIDs: ids,
		ExpiredAt:       expiredAt,
	}, expiredAt); err != nil {
		return scheduleError("schedule invitation expiry", err)
	}
	if _, err := h.scheduler.Schedule(ctx, models.SubjectScheduledExpiredInvitation, models.ExpiredInvitationEvent{
		FolderID:  e.Folder.ID,
		Emails:    e.Request.Emails,
		ExpiredAt: expiredAt,
	}, expiredAt); err != nil {
		return scheduleError("schedule pending invitation expiry", err)
	}

	logger.WithField("expired_at", expiredAt).Info("Invitations created")
	return nil
}

// A delay beyond the scheduler bound fails the same way on every delivery.
func scheduleError(op string, err error) error {
	err = fmt.Errorf("%s: %w", op, err)
	if errors.Is(err, scheduler.ErrDelayTooLong) {
		return processor.BusinessLogic(err)
	}
	return err
}

func (h *FolderHandler) withdraw(ctx context.Context, e models.FolderEvent) error {
	recipients := make([]string, 0, 1)
	if e.Request.InviteeID != "" {
		recipients = append(recipients, e.Request.InviteeID)
	}
	if len(e.Request.Emails) > 0 {
		accounts, err := h.store.Accounts().FindByEmails(ctx, e.Request.Emails)
		if err != nil {
			return fmt.Errorf("resolve invitees: %w", err)
		}
		for _, a := range accounts {
			recipients = append(recipients, a.ID)
		}
	}
	if len(recipients) == 0 {
		return processor.BusinessLogic(errNoInvitees)
	}

	removed := 0
	for _, recipient := range recipients {
		n, err := h.store.Notifications().DeleteMany(ctx, models.NotificationFilter{
			Type:        models.NotificationInviteJoinFolder,
			RecipientID: recipient,
			FolderID:    e.Folder.ID,
		})
		if err != nil {
			return fmt.Errorf("withdraw invitation of %s: %w", recipient, err)
		}
		removed += n
	}

	h.logger.WithFields(logrus.Fields{
		"folder_id": e.Folder.ID,
		"removed":   removed,
	}).Info("Invitation withdrawn")
	return nil
}
