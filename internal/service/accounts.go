package service

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"go-eventflow/internal/broker"
	"go-eventflow/internal/store"
	"go-eventflow/pkg/models"
)

type AccountHandler struct {
	store     store.Store
	sessions  SessionCache
	publisher broker.Publisher
	logger    *logrus.Entry
}

func NewAccountHandler(s store.Store, sessions SessionCache, publisher broker.Publisher) *AccountHandler {
	return &AccountHandler{store: s, sessions: sessions, publisher: publisher, logger: handlerLogger("accounts")}
}

func (h *AccountHandler) Handle(ctx context.Context, e models.AccountEvent) error {
	logger := h.logger.WithFields(logrus.Fields{
		"subject":    e.Subject,
		"account_id": e.Account.ID,
	})

	switch e.Subject {
	case models.SubjectAccountCreated, models.SubjectAccountUpdated:
		if err := models.Validate(e.Account); err != nil {
			return err
		}
		if err := h.store.Accounts().Upsert(ctx, e.Account); err != nil {
			return fmt.Errorf("store account: %w", err)
		}
		if err := h.sessions.PutAccount(ctx, e.Account); err != nil {
			return fmt.Errorf("refresh session cache: %w", err)
		}
		if e.Subject == models.SubjectAccountUpdated {
			env, err := h.publisher.Publish(ctx, models.SubjectSyncModel, models.SyncModelEvent{
				Account: e.Account.Projection(),
				Actor:   e.Actor,
			})
			if err != nil {
				return fmt.Errorf("publish sync model: %w", err)
			}
			logger = logger.WithField("sync_message_id", env.MessageID)
		}
	case models.SubjectAccountDeleted:
		if err := h.sessions.EvictAccount(ctx, e.Account.ID); err != nil {
			return fmt.Errorf("evict session cache: %w", err)
		}
	default:
		logger.Debug("Ignoring account event")
		return nil
	}

	logger.Info("Account event handled")
	return nil
}
