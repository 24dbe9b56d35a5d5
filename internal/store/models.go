package store

import "time"

// Provider identifies the external calendar system a connection talks to.
type Provider string

const (
	ProviderGoogle    Provider = "GOOGLE"
	ProviderMicrosoft Provider = "MICROSOFT"
	ProviderICS       Provider = "ICS"
)

// ConnectionStatus reflects whether a connection is usable for sync.
type ConnectionStatus string

const (
	ConnectionActive       ConnectionStatus = "ACTIVE"
	ConnectionError        ConnectionStatus = "ERROR"
	ConnectionDisconnected ConnectionStatus = "DISCONNECTED"
)

// EventStatus is the provider-facing status of an event.
type EventStatus string

const (
	EventConfirmed EventStatus = "CONFIRMED"
	EventTentative EventStatus = "TENTATIVE"
	EventCancelled EventStatus = "CANCELLED"
)

// SyncStatus tracks where an event row stands relative to its provider.
type SyncStatus string

const (
	SyncPending SyncStatus = "PENDING"
	SyncSynced  SyncStatus = "SYNCED"
	SyncFailed  SyncStatus = "FAILED"
	SyncDeleted SyncStatus = "DELETED"
)

// AuditStatus records whether an audited action succeeded.
type AuditStatus string

const (
	AuditSuccess AuditStatus = "SUCCESS"
	AuditFailure AuditStatus = "FAILURE"
)

// JobState tracks a queued sync job through its lifecycle.
type JobState string

const (
	JobPending JobState = "PENDING"
	JobRunning JobState = "RUNNING"
	JobDone    JobState = "DONE"
	JobFailed  JobState = "FAILED"
)

// Connection is a linked external calendar account or feed.
//
// TokenBlob holds the sealed OAuth credentials (or the sealed feed URL for
// ICS connections); its format is opaque to everything but the vault.
type Connection struct {
	ID                string
	UserID            string
	Provider          Provider
	ExternalAccountID string
	CalendarID        string
	Name              string
	Color             *string
	TokenBlob         []byte
	TokenExpiresAt    *time.Time
	ReadOnly          bool
	SyncCursor        *string
	FeedETag          *string
	FeedLastModified  *string
	LastSyncedAt      *time.Time
	Status            ConnectionStatus
	LastError         string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Event is the canonical, provider-independent event representation.
//
// ProviderEventID is empty until the event has been pushed to (or pulled
// from) its provider. ContentHash is only populated for ICS connections,
// where it drives feed diffing.
type Event struct {
	ID                 string
	ConnectionID       string
	ProviderEventID    string
	Title              string
	Description        string
	Location           string
	StartTime          time.Time
	EndTime            time.Time
	Timezone           string
	AllDay             bool
	RecurrenceRule     string
	ExceptionDates     []time.Time
	Status             EventStatus
	SyncStatus         SyncStatus
	LastModifiedLocal  *time.Time
	LastModifiedRemote *time.Time
	ContentHash        string
	IdempotencyKey     string
	PushAttempts       int
	NextPushAt         *time.Time
	RemoteDeleted      bool
	ProviderMetadata   []byte
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeletedAt          *time.Time
}

// Attendee is a participant on an event.
type Attendee struct {
	EventID     string
	Email       string
	DisplayName string
	RSVPStatus  string
	IsOrganizer bool
}

// Reminder is a notification preference attached to an event.
type Reminder struct {
	EventID       string
	Method        string
	MinutesBefore int
}

// Subscription is a provider push-notification channel for a connection.
type Subscription struct {
	ID                 string
	ConnectionID       string
	Provider           Provider
	SubscriptionID     string
	ResourcePath       string
	ExpiresAt          time.Time
	ClientState        string
	NotificationURL    string
	LastNotificationAt *time.Time
	Active             bool
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// AuditEntry is one immutable row in the audit trail.
type AuditEntry struct {
	ID           string
	UserID       string
	Action       string
	ResourceType string
	ResourceID   string
	Status       AuditStatus
	Error        string
	Metadata     []byte
	CreatedAt    time.Time
}

// SyncJob is a durable record of a requested sync pass. Pending jobs for a
// connection are coalesced; the row survives restarts so triggers are not
// lost with the process.
type SyncJob struct {
	ID           string
	ConnectionID string
	Reason       string
	State        JobState
	EnqueuedAt   time.Time
	StartedAt    *time.Time
	FinishedAt   *time.Time
	Error        string
}
