// Package memory is an in-process Store used by tests and local runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go-eventflow/internal/store"
	"go-eventflow/pkg/models"
)

type dataset struct {
	accounts      map[string]models.Account
	folders       map[string]models.Folder
	tasks         map[string]models.Task
	notifications map[string]models.Notification
	pomodoros     map[string]models.Pomodoro
}

func newDataset() *dataset {
	return &dataset{
		accounts:      make(map[string]models.Account),
		folders:       make(map[string]models.Folder),
		tasks:         make(map[string]models.Task),
		notifications: make(map[string]models.Notification),
		pomodoros:     make(map[string]models.Pomodoro),
	}
}

func (d *dataset) clone() *dataset {
	c := newDataset()
	for k, v := range d.accounts {
		c.accounts[k] = v
	}
	for k, v := range d.folders {
		c.folders[k] = cloneFolder(v)
	}
	for k, v := range d.tasks {
		c.tasks[k] = cloneTask(v)
	}
	for k, v := range d.notifications {
		c.notifications[k] = cloneNotification(v)
	}
	for k, v := range d.pomodoros {
		c.pomodoros[k] = v
	}
	return c
}

// Store keeps every collection in maps behind one lock. Transactions hold
// the lock for their whole run and work on a copy that replaces the live
// data on commit.
type Store struct {
	mu     *sync.RWMutex
	data   *dataset
	inTx   bool
	faults *faults
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		mu:     &sync.RWMutex{},
		data:   newDataset(),
		faults: &faults{errs: make(map[string]error)},
	}
}

// FailNext makes the next call of op (e.g. "tasks.UpdateAssigneeProjection")
// return err.
func (s *Store) FailNext(op string, err error) {
	s.faults.set(op, err)
}

func (s *Store) Accounts() store.Accounts           { return accounts{s} }
func (s *Store) Folders() store.Folders             { return folders{s} }
func (s *Store) Tasks() store.Tasks                 { return tasks{s} }
func (s *Store) Notifications() store.Notifications { return notifications{s} }
func (s *Store) Pomodoros() store.Pomodoros         { return pomodoros{s} }

func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	if s.inTx {
		return fn(ctx, s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &Store{
		mu:     &sync.RWMutex{},
		data:   s.data.clone(),
		inTx:   true,
		faults: s.faults,
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	s.data = tx.data
	return nil
}

func (s *Store) read(fn func(d *dataset) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(s.data)
}

func (s *Store) write(op string, fn func(d *dataset) error) error {
	if err := s.faults.take(op); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.data)
}

type faults struct {
	mu   sync.Mutex
	errs map[string]error
}

func (f *faults) set(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[op] = err
}

func (f *faults) take(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := f.errs[op]
	delete(f.errs, op)
	return err
}

type accounts struct{ s *Store }

func (a accounts) Get(_ context.Context, id string) (models.Account, error) {
	var out models.Account
	err := a.s.read(func(d *dataset) error {
		acc, ok := d.accounts[id]
		if !ok {
			return fmt.Errorf("account %s: %w", id, store.ErrNotFound)
		}
		out = acc
		return nil
	})
	return out, err
}

func (a accounts) FindByEmails(_ context.Context, emails []string) ([]models.Account, error) {
	wanted := make(map[string]struct{}, len(emails))
	for _, e := range emails {
		wanted[strings.ToLower(e)] = struct{}{}
	}
	var out []models.Account
	err := a.s.read(func(d *dataset) error {
		for _, acc := range d.accounts {
			if _, ok := wanted[strings.ToLower(acc.Email)]; ok {
				out = append(out, acc)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Email < out[j].Email })
	return out, err
}

func (a accounts) Upsert(_ context.Context, account models.Account) error {
	return a.s.write("accounts.Upsert", func(d *dataset) error {
		d.accounts[account.ID] = account
		return nil
	})
}

type folders struct{ s *Store }

func (f folders) Get(_ context.Context, id string) (models.Folder, error) {
	var out models.Folder
	err := f.s.read(func(d *dataset) error {
		folder, ok := d.folders[id]
		if !ok {
			return fmt.Errorf("folder %s: %w", id, store.ErrNotFound)
		}
		out = cloneFolder(folder)
		return nil
	})
	return out, err
}

func (f folders) Upsert(_ context.Context, folder models.Folder) error {
	return f.s.write("folders.Upsert", func(d *dataset) error {
		d.folders[folder.ID] = cloneFolder(folder)
		return nil
	})
}

func (f folders) UpdateAccountProjection(_ context.Context, p models.AccountProjection) (int, error) {
	updated := 0
	err := f.s.write("folders.UpdateAccountProjection", func(d *dataset) error {
		for id, folder := range d.folders {
			changed := false
			folder = cloneFolder(folder)
			if folder.Owner.ID == p.ID {
				folder.Owner = p
				changed = true
			}
			for i := range folder.Members {
				if folder.Members[i].ID == p.ID {
					folder.Members[i] = p
					changed = true
				}
			}
			if changed {
				d.folders[id] = folder
				updated++
			}
		}
		return nil
	})
	return updated, err
}

func (f folders) RemovePendingInvitations(_ context.Context, folderID string, emails []string) error {
	return f.s.write("folders.RemovePendingInvitations", func(d *dataset) error {
		folder, ok := d.folders[folderID]
		if !ok {
			return fmt.Errorf("folder %s: %w", folderID, store.ErrNotFound)
		}
		drop := make(map[string]struct{}, len(emails))
		for _, e := range emails {
			drop[strings.ToLower(e)] = struct{}{}
		}
		kept := make([]string, 0, len(folder.PendingInvitations))
		for _, e := range folder.PendingInvitations {
			if _, ok := drop[strings.ToLower(e)]; !ok {
				kept = append(kept, e)
			}
		}
		folder = cloneFolder(folder)
		folder.PendingInvitations = kept
		d.folders[folderID] = folder
		return nil
	})
}

type tasks struct{ s *Store }

func (t tasks) Get(_ context.Context, id string) (models.Task, error) {
	var out models.Task
	err := t.s.read(func(d *dataset) error {
		task, ok := d.tasks[id]
		if !ok {
			return fmt.Errorf("task %s: %w", id, store.ErrNotFound)
		}
		out = cloneTask(task)
		return nil
	})
	return out, err
}

func (t tasks) Upsert(_ context.Context, task models.Task) error {
	return t.s.write("tasks.Upsert", func(d *dataset) error {
		d.tasks[task.ID] = cloneTask(task)
		return nil
	})
}

func (t tasks) InsertMany(_ context.Context, batch []models.Task) error {
	return t.s.write("tasks.InsertMany", func(d *dataset) error {
		for _, task := range batch {
			if _, exists := d.tasks[task.ID]; exists {
				return fmt.Errorf("task %s: %w", task.ID, store.ErrDuplicate)
			}
		}
		for _, task := range batch {
			d.tasks[task.ID] = cloneTask(task)
		}
		return nil
	})
}

func (t tasks) UpdateAssigneeProjection(_ context.Context, p models.AccountProjection) (int, error) {
	updated := 0
	err := t.s.write("tasks.UpdateAssigneeProjection", func(d *dataset) error {
		for id, task := range d.tasks {
			if task.AssigneeID() != p.ID {
				continue
			}
			task = cloneTask(task)
			assignee := p
			task.Assignee = &assignee
			d.tasks[id] = task
			updated++
		}
		return nil
	})
	return updated, err
}

type notifications struct{ s *Store }

func (n notifications) Insert(_ context.Context, notification models.Notification) error {
	return n.s.write("notifications.Insert", func(d *dataset) error {
		if _, exists := d.notifications[notification.ID]; exists {
			return fmt.Errorf("notification %s: %w", notification.ID, store.ErrDuplicate)
		}
		d.notifications[notification.ID] = cloneNotification(notification)
		return nil
	})
}

func (n notifications) Find(_ context.Context, filter models.NotificationFilter) ([]models.Notification, error) {
	var out []models.Notification
	err := n.s.read(func(d *dataset) error {
		for _, notification := range d.notifications {
			if filter.Matches(notification) {
				out = append(out, cloneNotification(notification))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, err
}

func (n notifications) DeleteMany(_ context.Context, filter models.NotificationFilter) (int, error) {
	deleted := 0
	err := n.s.write("notifications.DeleteMany", func(d *dataset) error {
		for id, notification := range d.notifications {
			if filter.Matches(notification) {
				delete(d.notifications, id)
				deleted++
			}
		}
		return nil
	})
	return deleted, err
}

func (n notifications) ExpireActive(_ context.Context, ids []string, at time.Time) (int, error) {
	expired := 0
	err := n.s.write("notifications.ExpireActive", func(d *dataset) error {
		for _, id := range ids {
			notification, ok := d.notifications[id]
			if !ok || notification.Status != models.NotificationActive {
				continue
			}
			notification = cloneNotification(notification)
			notification.Status = models.NotificationExpired
			notification.UpdatedAt = at
			expiredAt := at
			notification.ExpiredAt = &expiredAt
			d.notifications[id] = notification
			expired++
		}
		return nil
	})
	return expired, err
}

func (n notifications) CountActive(_ context.Context, recipientID string) (int, error) {
	count := 0
	err := n.s.read(func(d *dataset) error {
		for _, notification := range d.notifications {
			if notification.RecipientID == recipientID && notification.Status == models.NotificationActive {
				count++
			}
		}
		return nil
	})
	return count, err
}

type pomodoros struct{ s *Store }

func (p pomodoros) Get(_ context.Context, id string) (models.Pomodoro, error) {
	var out models.Pomodoro
	err := p.s.read(func(d *dataset) error {
		pomodoro, ok := d.pomodoros[id]
		if !ok {
			return fmt.Errorf("pomodoro %s: %w", id, store.ErrNotFound)
		}
		out = pomodoro
		return nil
	})
	return out, err
}

func (p pomodoros) Upsert(_ context.Context, pomodoro models.Pomodoro) error {
	return p.s.write("pomodoros.Upsert", func(d *dataset) error {
		d.pomodoros[pomodoro.ID] = pomodoro
		return nil
	})
}

func (p pomodoros) ExpireRunning(_ context.Context, id string, at time.Time) (bool, error) {
	expired := false
	err := p.s.write("pomodoros.ExpireRunning", func(d *dataset) error {
		pomodoro, ok := d.pomodoros[id]
		if !ok {
			return fmt.Errorf("pomodoro %s: %w", id, store.ErrNotFound)
		}
		if pomodoro.Status != models.PomodoroRunning {
			return nil
		}
		pomodoro.Status = models.PomodoroExpired
		pomodoro.ExpiredAt = at
		d.pomodoros[id] = pomodoro
		expired = true
		return nil
	})
	return expired, err
}

func cloneFolder(f models.Folder) models.Folder {
	f.Members = append([]models.AccountProjection(nil), f.Members...)
	f.PendingInvitations = append([]string(nil), f.PendingInvitations...)
	return f
}

func cloneTask(t models.Task) models.Task {
	if t.Assignee != nil {
		assignee := *t.Assignee
		t.Assignee = &assignee
	}
	return t
}

func cloneNotification(n models.Notification) models.Notification {
	if n.ExpiredAt != nil {
		at := *n.ExpiredAt
		n.ExpiredAt = &at
	}
	return n
}
