// Package service holds the domain handlers behind the event processor.
// Handlers return errors only; settling deliveries is the processor's job.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"go-eventflow/internal/broker"
	"go-eventflow/internal/observability"
	"go-eventflow/internal/processor"
	"go-eventflow/internal/scheduler"
	"go-eventflow/internal/store"
	"go-eventflow/pkg/models"
)

// SessionCache keeps the per-account session view.
type SessionCache interface {
	PutAccount(ctx context.Context, account models.Account) error
	EvictAccount(ctx context.Context, accountID string) error
}

// UnreadCounters caches per-recipient unread notification counts.
type UnreadCounters interface {
	InvalidateUnread(ctx context.Context, recipientID string) error
}

type Deps struct {
	Store     store.Store
	Publisher broker.Publisher
	Scheduler *scheduler.Scheduler
	// Sessions and Unread are optional.
	Sessions SessionCache
	Unread   UnreadCounters
	// InvitationWindow is how long a folder invitation stays valid.
	InvitationWindow time.Duration
	Now              func() time.Time
}

// Router dispatches each event variant to exactly one handler family.
type Router struct {
	syncModel     *SyncModelHandler
	accounts      *AccountHandler
	folders       *FolderHandler
	tasks         *TaskHandler
	notifications *NotificationHandler
	scheduled     *ScheduledHandler
}

var _ processor.Handler = (*Router)(nil)

func NewRouter(d Deps) *Router {
	if d.Now == nil {
		d.Now = time.Now
	}
	if d.Sessions == nil {
		d.Sessions = noopCache{}
	}
	if d.Unread == nil {
		d.Unread = noopCache{}
	}
	if d.Scheduler == nil {
		d.Scheduler = scheduler.New(d.Publisher, 0)
	}
	return &Router{
		syncModel:     NewSyncModelHandler(d.Store),
		accounts:      NewAccountHandler(d.Store, d.Sessions, d.Publisher),
		folders:       NewFolderHandler(d.Store, d.Scheduler, d.InvitationWindow, d.Now),
		tasks:         NewTaskHandler(d.Store, d.Now),
		notifications: NewNotificationHandler(d.Store, d.Unread, d.Now),
		scheduled:     NewScheduledHandler(d.Store, d.Now),
	}
}

func (r *Router) Handle(ctx context.Context, evt models.Event) error {
	switch e := evt.(type) {
	case models.SyncModelEvent:
		return r.syncModel.Handle(ctx, e)
	case models.AccountEvent:
		return r.accounts.Handle(ctx, e)
	case models.FolderEvent:
		return r.folders.Handle(ctx, e)
	case models.TaskEvent:
		return r.tasks.Handle(ctx, e)
	case models.NotificationEvent:
		return r.notifications.Handle(ctx, e)
	case models.NotificationsExpiredEvent:
		return r.notifications.Expire(ctx, e)
	case models.ExpiredInvitationEvent:
		return r.scheduled.ExpireInvitation(ctx, e)
	case models.ExpiredPomodoroEvent:
		return r.scheduled.ExpirePomodoro(ctx, e)
	default:
		return processor.Poison(fmt.Errorf("no handler for event %T", evt))
	}
}

func handlerLogger(name string) *logrus.Entry {
	return observability.Component("service").WithField("handler", name)
}

type noopCache struct{}

func (noopCache) PutAccount(context.Context, models.Account) error { return nil }
func (noopCache) EvictAccount(context.Context, string) error       { return nil }
func (noopCache) InvalidateUnread(context.Context, string) error   { return nil }
