package models

import "strings"

// Subject is a dot-delimited routing key. Durable consumers filter on these
// strings, so renaming one needs a migration.
type Subject string

const (
	SubjectRoot     = "events"
	SubjectWildcard = "events.>"

	SubjectSyncModel Subject = "events.sync_model"

	SubjectScheduledExpiredInvitation Subject = "events.scheduled.expired_invitation"
	SubjectScheduledExpiredPomodoro   Subject = "events.scheduled.expired_pomodoro"

	SubjectAccountCreated Subject = "events.accounts.created"
	SubjectAccountUpdated Subject = "events.accounts.updated"
	SubjectAccountDeleted Subject = "events.accounts.deleted"

	SubjectFolderCreated            Subject = "events.folders.created"
	SubjectFolderUpdated            Subject = "events.folders.updated"
	SubjectFolderDeleted            Subject = "events.folders.deleted"
	SubjectFolderInvited            Subject = "events.folders.invited"
	SubjectFolderWithdrawInvitation Subject = "events.folders.withdraw_invitation"

	SubjectTaskCreated Subject = "events.tasks.created"
	SubjectTaskUpdated Subject = "events.tasks.updated"
	SubjectTaskDeleted Subject = "events.tasks.deleted"

	SubjectNotificationCreated Subject = "events.notifications.created"
	SubjectNotificationUpdated Subject = "events.notifications.updated"
	SubjectNotificationDeleted Subject = "events.notifications.deleted"
	SubjectNotificationExpired Subject = "events.notifications.expired"

	SubjectPomodoroCreated Subject = "events.pomodoros.created"
	SubjectPomodoroUpdated Subject = "events.pomodoros.updated"
	SubjectPomodoroDeleted Subject = "events.pomodoros.deleted"
)

var knownSubjects = map[Subject]struct{}{
	SubjectSyncModel:                  {},
	SubjectScheduledExpiredInvitation: {},
	SubjectScheduledExpiredPomodoro:   {},
	SubjectAccountCreated:             {},
	SubjectAccountUpdated:             {},
	SubjectAccountDeleted:             {},
	SubjectFolderCreated:              {},
	SubjectFolderUpdated:              {},
	SubjectFolderDeleted:              {},
	SubjectFolderInvited:              {},
	SubjectFolderWithdrawInvitation:   {},
	SubjectTaskCreated:                {},
	SubjectTaskUpdated:                {},
	SubjectTaskDeleted:                {},
	SubjectNotificationCreated:        {},
	SubjectNotificationUpdated:        {},
	SubjectNotificationDeleted:        {},
	SubjectNotificationExpired:        {},
	SubjectPomodoroCreated:            {},
	SubjectPomodoroUpdated:            {},
	SubjectPomodoroDeleted:            {},
}

// Known reports whether s belongs to the closed subject taxonomy.
func (s Subject) Known() bool {
	_, ok := knownSubjects[s]
	return ok
}

// Action returns the last token, e.g. "updated" for events.tasks.updated.
func (s Subject) Action() string {
	str := string(s)
	if i := strings.LastIndexByte(str, '.'); i >= 0 {
		return str[i+1:]
	}
	return str
}

func (s Subject) String() string { return string(s) }

// Family groups subjects handled by one handler. Prefixes are mutually exclusive.
type Family string

const (
	FamilyNone          Family = ""
	FamilySyncModel     Family = "sync_model"
	FamilyAccounts      Family = "accounts"
	FamilyFolders       Family = "folders"
	FamilyTasks         Family = "tasks"
	FamilyNotifications Family = "notifications"
	FamilyScheduled     Family = "scheduled"
)

var familyPrefixes = []struct {
	prefix string
	family Family
}{
	{"events.sync_model", FamilySyncModel},
	{"events.accounts.", FamilyAccounts},
	{"events.folders.", FamilyFolders},
	{"events.tasks.", FamilyTasks},
	{"events.notifications.", FamilyNotifications},
	{"events.scheduled.", FamilyScheduled},
}

// FamilyOf maps a raw subject to its handler family, FamilyNone when unmatched.
func FamilyOf(s Subject) Family {
	for _, fp := range familyPrefixes {
		if strings.HasPrefix(string(s), fp.prefix) {
			return fp.family
		}
	}
	return FamilyNone
}
