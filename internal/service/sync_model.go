package service

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"go-eventflow/internal/store"
	"go-eventflow/pkg/models"
)

// SyncModelHandler copies an account projection into every folder and task
// that embeds it.
type SyncModelHandler struct {
	store  store.Store
	logger *logrus.Entry
}

func NewSyncModelHandler(s store.Store) *SyncModelHandler {
	return &SyncModelHandler{store: s, logger: handlerLogger("sync_model")}
}

// Handle rewrites folders and tasks in one transaction so readers never see
// a half-propagated profile.
func (h *SyncModelHandler) Handle(ctx context.Context, e models.SyncModelEvent) error {
	var folders, tasks int
	err := h.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		var err error
		if folders, err = tx.Folders().UpdateAccountProjection(ctx, e.Account); err != nil {
			return fmt.Errorf("sync folders: %w", err)
		}
		if tasks, err = tx.Tasks().UpdateAssigneeProjection(ctx, e.Account); err != nil {
			return fmt.Errorf("sync tasks: %w", err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	h.logger.WithFields(logrus.Fields{
		"account_id": e.Account.ID,
		"folders":    folders,
		"tasks":      tasks,
	}).Info("Account projection synced")
	return nil
}
