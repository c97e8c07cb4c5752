package models

import "time"

// Actor is the authenticated identity captured from the publishing request.
type Actor struct {
	AccountID string   `json:"accountId"`
	Email     string   `json:"email,omitempty"`
	Roles     []string `json:"roles,omitempty"`
}

// AccountProjection holds the profile fields denormalised into folders and tasks.
type AccountProjection struct {
	ID        string `json:"id" validate:"required"`
	Name      string `json:"name"`
	Email     string `json:"email" validate:"omitempty,email"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

type Account struct {
	ID        string    `json:"id" validate:"required"`
	Name      string    `json:"name"`
	Email     string    `json:"email" validate:"required,email"`
	AvatarURL string    `json:"avatarUrl,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Projection returns the denormalised view of the account.
func (a Account) Projection() AccountProjection {
	return AccountProjection{ID: a.ID, Name: a.Name, Email: a.Email, AvatarURL: a.AvatarURL}
}

type Folder struct {
	ID                 string              `json:"id" validate:"required"`
	Name               string              `json:"name"`
	Owner              AccountProjection   `json:"owner"`
	Members            []AccountProjection `json:"members,omitempty"`
	PendingInvitations []string            `json:"pendingInvitations,omitempty"`
	CreatedAt          time.Time           `json:"createdAt"`
	UpdatedAt          time.Time           `json:"updatedAt"`
}

// HasMember reports whether accountID owns or belongs to the folder.
func (f Folder) HasMember(accountID string) bool {
	if f.Owner.ID == accountID {
		return true
	}
	for _, m := range f.Members {
		if m.ID == accountID {
			return true
		}
	}
	return false
}

type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "Todo"
	TaskStatusInProgress TaskStatus = "InProgress"
	TaskStatusDone       TaskStatus = "Done"
)

type Task struct {
	ID          string             `json:"id" validate:"required"`
	FolderID    string             `json:"folderId"`
	Title       string             `json:"title"`
	Description string             `json:"description,omitempty"`
	Status      TaskStatus         `json:"status,omitempty"`
	Assignee    *AccountProjection `json:"assignee,omitempty"`
	CreatedBy   string             `json:"createdBy,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt"`
}

// AssigneeID returns the current assignee id or "".
func (t Task) AssigneeID() string {
	if t.Assignee == nil {
		return ""
	}
	return t.Assignee.ID
}

type NotificationType string

const (
	NotificationInviteJoinFolder NotificationType = "InviteJoinFolder"
	NotificationAssignedTask     NotificationType = "AssignedTask"
)

type NotificationStatus string

const (
	NotificationActive  NotificationStatus = "Active"
	NotificationRead    NotificationStatus = "Read"
	NotificationExpired NotificationStatus = "Expired"
)

type Notification struct {
	ID          string             `json:"id"`
	Type        NotificationType   `json:"type"`
	Status      NotificationStatus `json:"status"`
	RecipientID string             `json:"recipientId"`
	SenderID    string             `json:"senderId,omitempty"`
	FolderID    string             `json:"folderId,omitempty"`
	TaskID      string             `json:"taskId,omitempty"`
	Title       string             `json:"title,omitempty"`
	CreatedAt   time.Time          `json:"createdAt"`
	UpdatedAt   time.Time          `json:"updatedAt"`
	ExpiredAt   *time.Time         `json:"expiredAt,omitempty"`
}

// NotificationFilter selects notifications; empty fields match anything.
type NotificationFilter struct {
	Type        NotificationType
	RecipientID string
	FolderID    string
	TaskID      string
}

// Matches applies the filter to n.
func (f NotificationFilter) Matches(n Notification) bool {
	return (f.Type == "" || n.Type == f.Type) &&
		(f.RecipientID == "" || n.RecipientID == f.RecipientID) &&
		(f.FolderID == "" || n.FolderID == f.FolderID) &&
		(f.TaskID == "" || n.TaskID == f.TaskID)
}

type PomodoroStatus string

const (
	PomodoroRunning   PomodoroStatus = "Running"
	PomodoroCompleted PomodoroStatus = "Completed"
	PomodoroExpired   PomodoroStatus = "Expired"
)

type Pomodoro struct {
	ID        string         `json:"id" validate:"required"`
	AccountID string         `json:"accountId"`
	TaskID    string         `json:"taskId,omitempty"`
	Status    PomodoroStatus `json:"status"`
	StartedAt time.Time      `json:"startedAt"`
	ExpiredAt time.Time      `json:"expiredAt"`
}
