package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"go-eventflow/internal/store"
	"go-eventflow/pkg/models"
)

type TaskHandler struct {
	store  store.Store
	now    func() time.Time
	logger *logrus.Entry
}

func NewTaskHandler(s store.Store, now func() time.Time) *TaskHandler {
	return &TaskHandler{store: s, now: now, logger: handlerLogger("tasks")}
}

func (h *TaskHandler) Handle(ctx context.Context, e models.TaskEvent) error {
	switch e.Subject {
	case models.SubjectTaskCreated, models.SubjectTaskUpdated:
		return h.assign(ctx, e)
	case models.SubjectTaskDeleted:
		removed, err := h.store.Notifications().DeleteMany(ctx, models.NotificationFilter{TaskID: e.Task.ID})
		if err != nil {
			return fmt.Errorf("remove task notifications: %w", err)
		}
		h.logger.WithFields(logrus.Fields{"task_id": e.Task.ID, "removed": removed}).Info("Task notifications removed")
		return nil
	default:
		return nil
	}
}

// assign replaces the assignment notification of the new assignee. Self
// assignment and unchanged assignees notify nobody.
func (h *TaskHandler) assign(ctx context.Context, e models.TaskEvent) error {
	assignee := e.Request.AssigneeID
	if assignee == "" || assignee == e.Actor.AccountID {
		return nil
	}
	if e.Subject == models.SubjectTaskUpdated && assignee == e.Task.AssigneeID() {
		return nil
	}

	now := h.now().UTC()
	var replaced int
	err := h.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		var err error
		replaced, err = tx.Notifications().DeleteMany(ctx, models.NotificationFilter{
			Type:        models.NotificationAssignedTask,
			RecipientID: assignee,
			TaskID:      e.Task.ID,
		})
		if err != nil {
			return fmt.Errorf("remove previous assignment: %w", err)
		}
		return tx.Notifications().Insert(ctx, models.Notification{
			ID:          models.NewMessageID(),
			Type:        models.NotificationAssignedTask,
			Status:      models.NotificationActive,
			RecipientID: assignee,
			SenderID:    e.Actor.AccountID,
			FolderID:    e.Task.FolderID,
			TaskID:      e.Task.ID,
			Title:       e.Task.Title,
			CreatedAt:   now,
			UpdatedAt:   now,
		})
	})
	if err != nil {
		return err
	}

	h.logger.WithFields(logrus.Fields{
		"task_id":  e.Task.ID,
		"assignee": assignee,
		"replaced": replaced,
	}).Info("Assignment notification created")
	return nil
}
