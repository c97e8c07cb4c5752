package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

var (
	// ErrMalformedPayload marks data that is not valid JSON for its subject.
	ErrMalformedPayload = errors.New("malformed event payload")
	// ErrInvalidPayload marks data that decodes but breaks a field rule.
	ErrInvalidPayload = errors.New("invalid event payload")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks v against its `validate` struct tags.
func Validate(v any) error {
	if err := validate.Struct(v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}

// Event is the closed set of decoded domain events. Each variant carries the
// typed payload of one subject family; the router switches on the concrete type.
type Event interface {
	EventSubject() Subject
	isEvent()
}

// SyncModelEvent carries an account projection to fan out into folders and tasks.
type SyncModelEvent struct {
	Subject Subject           `json:"-"`
	Account AccountProjection `json:"account"`
	Actor   Actor             `json:"actor"`
}

type AccountEvent struct {
	Subject Subject `json:"-"`
	Account Account `json:"account"`
	Actor   Actor   `json:"actor"`
}

// FolderRequest is the request body that produced a folder event.
type FolderRequest struct {
	Emails    []string `json:"emails,omitempty" validate:"omitempty,dive,email"`
	InviteeID string   `json:"inviteeId,omitempty"`
}

type FolderEvent struct {
	Subject Subject       `json:"-"`
	Folder  Folder        `json:"folder"`
	Request FolderRequest `json:"request"`
	Actor   Actor         `json:"actor" validate:"required"`
}

// TaskRequest is the request body that produced a task event.
type TaskRequest struct {
	AssigneeID string `json:"assigneeId,omitempty"`
}

// TaskEvent holds the task as stored before the request was applied for
// updates, and the created task for creates.
type TaskEvent struct {
	Subject Subject     `json:"-"`
	Task    Task        `json:"task"`
	Request TaskRequest `json:"request"`
	Actor   Actor       `json:"actor" validate:"required"`
}

type NotificationEvent struct {
	Subject      Subject      `json:"-"`
	Notification Notification `json:"notification"`
	Actor        Actor        `json:"actor"`
}

// NotificationsExpiredEvent asks for the listed notifications to expire at ExpiredAt.
type NotificationsExpiredEvent struct {
	Subject         Subject   `json:"-"`
	NotificationIDs []string  `json:"notificationIds" validate:"required,min=1,dive,required"`
	ExpiredAt       time.Time `json:"expiredAt" validate:"required"`
}

// ExpiredInvitationEvent removes pending invitations from a folder at ExpiredAt.
type ExpiredInvitationEvent struct {
	Subject   Subject   `json:"-"`
	FolderID  string    `json:"folderId" validate:"required"`
	Emails    []string  `json:"emails" validate:"required,min=1"`
	ExpiredAt time.Time `json:"expiredAt" validate:"required"`
}

// ExpiredPomodoroEvent stops a running pomodoro at ExpiredAt.
type ExpiredPomodoroEvent struct {
	Subject    Subject   `json:"-"`
	PomodoroID string    `json:"pomodoroId" validate:"required"`
	ExpiredAt  time.Time `json:"expiredAt" validate:"required"`
}

func (e SyncModelEvent) EventSubject() Subject            { return e.Subject }
func (e AccountEvent) EventSubject() Subject              { return e.Subject }
func (e FolderEvent) EventSubject() Subject               { return e.Subject }
func (e TaskEvent) EventSubject() Subject                 { return e.Subject }
func (e NotificationEvent) EventSubject() Subject         { return e.Subject }
func (e NotificationsExpiredEvent) EventSubject() Subject { return e.Subject }
func (e ExpiredInvitationEvent) EventSubject() Subject    { return e.Subject }
func (e ExpiredPomodoroEvent) EventSubject() Subject      { return e.Subject }

func (SyncModelEvent) isEvent()            {}
func (AccountEvent) isEvent()              {}
func (FolderEvent) isEvent()               {}
func (TaskEvent) isEvent()                 {}
func (NotificationEvent) isEvent()         {}
func (NotificationsExpiredEvent) isEvent() {}
func (ExpiredInvitationEvent) isEvent()    {}
func (ExpiredPomodoroEvent) isEvent()      {}

// DecodeEvent maps the raw subject onto its variant and decodes the payload.
// Subjects outside every handler family decode to (nil, nil).
func DecodeEvent(env Envelope) (Event, error) {
	switch FamilyOf(env.Subject) {
	case FamilySyncModel:
		return decodeInto[SyncModelEvent](env, func(e *SyncModelEvent) { e.Subject = env.Subject })
	case FamilyAccounts:
		return decodeInto[AccountEvent](env, func(e *AccountEvent) { e.Subject = env.Subject })
	case FamilyFolders:
		return decodeInto[FolderEvent](env, func(e *FolderEvent) { e.Subject = env.Subject })
	case FamilyTasks:
		return decodeInto[TaskEvent](env, func(e *TaskEvent) { e.Subject = env.Subject })
	case FamilyNotifications:
		if env.Subject == SubjectNotificationExpired {
			return decodeInto[NotificationsExpiredEvent](env, func(e *NotificationsExpiredEvent) { e.Subject = env.Subject })
		}
		return decodeInto[NotificationEvent](env, func(e *NotificationEvent) { e.Subject = env.Subject })
	case FamilyScheduled:
		switch env.Subject {
		case SubjectScheduledExpiredInvitation:
			return decodeInto[ExpiredInvitationEvent](env, func(e *ExpiredInvitationEvent) { e.Subject = env.Subject })
		case SubjectScheduledExpiredPomodoro:
			return decodeInto[ExpiredPomodoroEvent](env, func(e *ExpiredPomodoroEvent) { e.Subject = env.Subject })
		}
	}
	return nil, nil
}

func decodeInto[T Event](env Envelope, stamp func(*T)) (Event, error) {
	var evt T
	if len(env.Data) == 0 {
		return nil, fmt.Errorf("%w: %s: empty data", ErrMalformedPayload, env.Subject)
	}
	if err := json.Unmarshal(env.Data, &evt); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformedPayload, env.Subject, err)
	}
	stamp(&evt)
	if err := Validate(evt); err != nil {
		return nil, fmt.Errorf("%s: %w", env.Subject, err)
	}
	return evt, nil
}
