// Package store declares the document-store collaborators used by handlers.
package store

import (
	"context"
	"errors"
	"time"

	"go-eventflow/pkg/models"
)

var (
	ErrNotFound  = errors.New("store: not found")
	ErrDuplicate = errors.New("store: duplicate")
)

type Accounts interface {
	Get(ctx context.Context, id string) (models.Account, error)
	FindByEmails(ctx context.Context, emails []string) ([]models.Account, error)
	Upsert(ctx context.Context, account models.Account) error
}

type Folders interface {
	Get(ctx context.Context, id string) (models.Folder, error)
	Upsert(ctx context.Context, folder models.Folder) error
	// UpdateAccountProjection rewrites the owner and member entries of p.ID.
	UpdateAccountProjection(ctx context.Context, p models.AccountProjection) (int, error)
	RemovePendingInvitations(ctx context.Context, folderID string, emails []string) error
}

type Tasks interface {
	Get(ctx context.Context, id string) (models.Task, error)
	Upsert(ctx context.Context, task models.Task) error
	InsertMany(ctx context.Context, tasks []models.Task) error
	// UpdateAssigneeProjection rewrites the assignee entry of every task assigned to p.ID.
	UpdateAssigneeProjection(ctx context.Context, p models.AccountProjection) (int, error)
}

type Notifications interface {
	Insert(ctx context.Context, n models.Notification) error
	Find(ctx context.Context, filter models.NotificationFilter) ([]models.Notification, error)
	DeleteMany(ctx context.Context, filter models.NotificationFilter) (int, error)
	// ExpireActive moves the listed notifications that are still Active to Expired.
	ExpireActive(ctx context.Context, ids []string, at time.Time) (int, error)
	CountActive(ctx context.Context, recipientID string) (int, error)
}

type Pomodoros interface {
	Get(ctx context.Context, id string) (models.Pomodoro, error)
	Upsert(ctx context.Context, p models.Pomodoro) error
	// ExpireRunning moves a Running pomodoro to Expired and reports whether it did.
	ExpireRunning(ctx context.Context, id string, at time.Time) (bool, error)
}

// Store groups the collections. WithTx runs fn against a transactional view
// that commits only when fn returns nil.
type Store interface {
	Accounts() Accounts
	Folders() Folders
	Tasks() Tasks
	Notifications() Notifications
	Pomodoros() Pomodoros
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
