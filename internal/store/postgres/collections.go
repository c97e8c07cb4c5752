package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"go-eventflow/pkg/models"
)

type accounts struct{ db DBTX }

func (a accounts) Get(ctx context.Context, id string) (models.Account, error) {
	return getDoc[models.Account](ctx, a.db, "accounts", id)
}

func (a accounts) FindByEmails(ctx context.Context, emails []string) ([]models.Account, error) {
	lowered := make([]string, len(emails))
	for i, e := range emails {
		lowered[i] = strings.ToLower(e)
	}
	return queryDocs[models.Account](ctx, a.db,
		`SELECT doc FROM accounts WHERE lower(doc->>'email') = ANY($1) ORDER BY doc->>'email'`, lowered)
}

func (a accounts) Upsert(ctx context.Context, account models.Account) error {
	return upsertDoc(ctx, a.db, "accounts", account.ID, account)
}

type folders struct{ db DBTX }

func (f folders) Get(ctx context.Context, id string) (models.Folder, error) {
	return getDoc[models.Folder](ctx, f.db, "folders", id)
}

func (f folders) Upsert(ctx context.Context, folder models.Folder) error {
	return upsertDoc(ctx, f.db, "folders", folder.ID, folder)
}

func (f folders) UpdateAccountProjection(ctx context.Context, p models.AccountProjection) (int, error) {
	matches, err := queryDocs[models.Folder](ctx, f.db, `
		SELECT doc FROM folders
		WHERE doc->'owner'->>'id' = $1
		   OR doc->'members' @> jsonb_build_array(jsonb_build_object('id', $1::text))
		FOR UPDATE`, p.ID)
	if err != nil {
		return 0, fmt.Errorf("find folders of %s: %w", p.ID, err)
	}
	for _, folder := range matches {
		if folder.Owner.ID == p.ID {
			folder.Owner = p
		}
		for i := range folder.Members {
			if folder.Members[i].ID == p.ID {
				folder.Members[i] = p
			}
		}
		if err := upsertDoc(ctx, f.db, "folders", folder.ID, folder); err != nil {
			return 0, err
		}
	}
	return len(matches), nil
}

func (f folders) RemovePendingInvitations(ctx context.Context, folderID string, emails []string) error {
	lowered := make([]string, len(emails))
	for i, e := range emails {
		lowered[i] = strings.ToLower(e)
	}
	tag, err := f.db.Exec(ctx, `
		UPDATE folders SET doc = jsonb_set(doc, '{pendingInvitations}', COALESCE((
			SELECT jsonb_agg(e) FROM jsonb_array_elements_text(COALESCE(doc->'pendingInvitations', '[]'::jsonb)) AS e
			WHERE lower(e) <> ALL($2)
		), '[]'::jsonb)), updated_at = now()
		WHERE id = $1`, folderID, lowered)
	if err != nil {
		return fmt.Errorf("remove invitations from %s: %w", folderID, MapError(err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("folder %s: %w", folderID, MapError(pgx.ErrNoRows))
	}
	return nil
}

type tasks struct{ db DBTX }

func (t tasks) Get(ctx context.Context, id string) (models.Task, error) {
	return getDoc[models.Task](ctx, t.db, "tasks", id)
}

func (t tasks) Upsert(ctx context.Context, task models.Task) error {
	return upsertDoc(ctx, t.db, "tasks", task.ID, task)
}

func (t tasks) InsertMany(ctx context.Context, batch []models.Task) error {
	b := &pgx.Batch{}
	for _, task := range batch {
		raw, err := marshalDoc(task)
		if err != nil {
			return err
		}
		b.Queue("INSERT INTO tasks (id, doc) VALUES ($1, $2)", task.ID, raw)
	}
	db, ok := t.db.(interface {
		SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	})
	if !ok {
		for _, task := range batch {
			if err := insertDoc(ctx, t.db, "tasks", task.ID, task); err != nil {
				return err
			}
		}
		return nil
	}
	results := db.SendBatch(ctx, b)
	defer results.Close()
	for range batch {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("insert tasks: %w", MapError(err))
		}
	}
	return nil
}

func (t tasks) UpdateAssigneeProjection(ctx context.Context, p models.AccountProjection) (int, error) {
	raw, err := marshalDoc(p)
	if err != nil {
		return 0, err
	}
	tag, err := t.db.Exec(ctx, `
		UPDATE tasks SET doc = jsonb_set(doc, '{assignee}', $2::jsonb), updated_at = now()
		WHERE doc->'assignee'->>'id' = $1`, p.ID, raw)
	if err != nil {
		return 0, fmt.Errorf("update assignee %s: %w", p.ID, MapError(err))
	}
	return int(tag.RowsAffected()), nil
}

type notifications struct{ db DBTX }

func (n notifications) Insert(ctx context.Context, notification models.Notification) error {
	return insertDoc(ctx, n.db, "notifications", notification.ID, notification)
}

func (n notifications) Find(ctx context.Context, filter models.NotificationFilter) ([]models.Notification, error) {
	where, args := filterClause(filter)
	return queryDocs[models.Notification](ctx, n.db,
		"SELECT doc FROM notifications WHERE "+where+" ORDER BY doc->>'createdAt', id", args...)
}

func (n notifications) DeleteMany(ctx context.Context, filter models.NotificationFilter) (int, error) {
	where, args := filterClause(filter)
	tag, err := n.db.Exec(ctx, "DELETE FROM notifications WHERE "+where, args...)
	if err != nil {
		return 0, fmt.Errorf("delete notifications: %w", MapError(err))
	}
	return int(tag.RowsAffected()), nil
}

func (n notifications) ExpireActive(ctx context.Context, ids []string, at time.Time) (int, error) {
	stamp, err := marshalDoc(at.UTC())
	if err != nil {
		return 0, err
	}
	tag, err := n.db.Exec(ctx, `
		UPDATE notifications
		SET doc = doc || jsonb_build_object('status', $3::text, 'updatedAt', $2::jsonb, 'expiredAt', $2::jsonb),
		    updated_at = now()
		WHERE id = ANY($1) AND doc->>'status' = $4`,
		ids, stamp, string(models.NotificationExpired), string(models.NotificationActive))
	if err != nil {
		return 0, fmt.Errorf("expire notifications: %w", MapError(err))
	}
	return int(tag.RowsAffected()), nil
}

func (n notifications) CountActive(ctx context.Context, recipientID string) (int, error) {
	var count int
	err := n.db.QueryRow(ctx,
		`SELECT count(*) FROM notifications WHERE doc->>'recipientId' = $1 AND doc->>'status' = $2`,
		recipientID, string(models.NotificationActive)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count notifications of %s: %w", recipientID, MapError(err))
	}
	return count, nil
}

// filterClause renders a NotificationFilter; empty fields match anything.
func filterClause(f models.NotificationFilter) (string, []any) {
	clauses := []string{"TRUE"}
	var args []any
	add := func(field, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		clauses = append(clauses, fmt.Sprintf("doc->>'%s' = $%d", field, len(args)))
	}
	add("type", string(f.Type))
	add("recipientId", f.RecipientID)
	add("folderId", f.FolderID)
	add("taskId", f.TaskID)
	return strings.Join(clauses, " AND "), args
}

type pomodoros struct{ db DBTX }

func (p pomodoros) Get(ctx context.Context, id string) (models.Pomodoro, error) {
	return getDoc[models.Pomodoro](ctx, p.db, "pomodoros", id)
}

func (p pomodoros) Upsert(ctx context.Context, pomodoro models.Pomodoro) error {
	return upsertDoc(ctx, p.db, "pomodoros", pomodoro.ID, pomodoro)
}

func (p pomodoros) ExpireRunning(ctx context.Context, id string, at time.Time) (bool, error) {
	if _, err := p.Get(ctx, id); err != nil {
		return false, err
	}
	stamp, err := marshalDoc(at.UTC())
	if err != nil {
		return false, err
	}
	tag, err := p.db.Exec(ctx, `
		UPDATE pomodoros
		SET doc = doc || jsonb_build_object('status', $3::text, 'expiredAt', $2::jsonb), updated_at = now()
		WHERE id = $1 AND doc->>'status' = $4`,
		id, stamp, string(models.PomodoroExpired), string(models.PomodoroRunning))
	if err != nil {
		return false, fmt.Errorf("expire pomodoro %s: %w", id, MapError(err))
	}
	return tag.RowsAffected() == 1, nil
}
