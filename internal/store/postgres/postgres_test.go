package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-eventflow/internal/store"
	"go-eventflow/pkg/models"
)

func TestMapError(t *testing.T) {
	assert.NoError(t, MapError(nil))
	assert.ErrorIs(t, MapError(pgx.ErrNoRows), store.ErrNotFound)
	assert.ErrorIs(t, MapError(&pgconn.PgError{Code: "23505"}), store.ErrDuplicate)

	other := errors.New("boom")
	assert.Equal(t, other, MapError(other))
}

func TestFilterClause(t *testing.T) {
	where, args := filterClause(models.NotificationFilter{})
	assert.Equal(t, "TRUE", where)
	assert.Empty(t, args)

	where, args = filterClause(models.NotificationFilter{Type: models.NotificationAssignedTask, TaskID: "t1"})
	assert.Equal(t, "TRUE AND doc->>'type' = $1 AND doc->>'taskId' = $2", where)
	assert.Equal(t, []any{"AssignedTask", "t1"}, args)
}

// openTestStore connects to TEST_DATABASE_URL and skips otherwise.
func openTestStore(t *testing.T) *Store {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := Open(ctx, url, 4)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, Migrate(ctx, pool))

	for _, table := range []string{"accounts", "folders", "tasks", "notifications", "pomodoros"} {
		_, err := pool.Exec(ctx, "TRUNCATE "+table)
		require.NoError(t, err)
	}
	return New(pool)
}

func TestStore_NotificationLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Notifications().Insert(ctx, models.Notification{
			ID:          fmt.Sprintf("n%d", i),
			Type:        models.NotificationInviteJoinFolder,
			Status:      models.NotificationActive,
			RecipientID: "u2",
			FolderID:    "f1",
			CreatedAt:   now,
		}))
	}
	err := s.Notifications().Insert(ctx, models.Notification{ID: "n0"})
	assert.ErrorIs(t, err, store.ErrDuplicate)

	expired, err := s.Notifications().ExpireActive(ctx, []string{"n0", "n1", "missing"}, now)
	require.NoError(t, err)
	assert.Equal(t, 2, expired)

	again, err := s.Notifications().ExpireActive(ctx, []string{"n0"}, now)
	require.NoError(t, err)
	assert.Zero(t, again)

	active, err := s.Notifications().CountActive(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, 1, active)

	deleted, err := s.Notifications().DeleteMany(ctx, models.NotificationFilter{FolderID: "f1"})
	require.NoError(t, err)
	assert.Equal(t, 3, deleted)
}

func TestStore_WithTxRollsBack(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		require.NoError(t, tx.Tasks().Upsert(ctx, models.Task{ID: "t1", Title: "draft"}))
		return boom
	})
	assert.ErrorIs(t, err, boom)

	_, err = s.Tasks().Get(ctx, "t1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_ProjectionUpdates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	owner := models.AccountProjection{ID: "u1", Name: "Old"}
	require.NoError(t, s.Folders().Upsert(ctx, models.Folder{ID: "f1", Owner: owner}))
	require.NoError(t, s.Folders().Upsert(ctx, models.Folder{
		ID: "f2", Owner: models.AccountProjection{ID: "u9"}, Members: []models.AccountProjection{owner},
	}))
	require.NoError(t, s.Tasks().InsertMany(ctx, []models.Task{
		{ID: "t1", Assignee: &owner},
		{ID: "t2"},
	}))

	renamed := models.AccountProjection{ID: "u1", Name: "New", Email: "new@x.com"}
	folders, err := s.Folders().UpdateAccountProjection(ctx, renamed)
	require.NoError(t, err)
	assert.Equal(t, 2, folders)
	tasks, err := s.Tasks().UpdateAssigneeProjection(ctx, renamed)
	require.NoError(t, err)
	assert.Equal(t, 1, tasks)

	f2, err := s.Folders().Get(ctx, "f2")
	require.NoError(t, err)
	assert.Equal(t, "New", f2.Members[0].Name)
	t1, err := s.Tasks().Get(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "new@x.com", t1.Assignee.Email)
}
