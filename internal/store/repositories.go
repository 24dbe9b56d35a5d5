package store

import (
	"context"
	"time"
)

// ConnectionRepository defines persistence operations for calendar connections.
type ConnectionRepository interface {
	Create(ctx context.Context, conn Connection) (*Connection, error)
	GetByID(ctx context.Context, id string) (*Connection, error)
	ListByUser(ctx context.Context, userID string) ([]Connection, error)
	ListActiveByProvider(ctx context.Context, p Provider) ([]Connection, error)
	FindByCalendar(ctx context.Context, userID string, p Provider, calendarID string) (*Connection, error)
	UpdateTokens(ctx context.Context, id string, blob []byte, expiresAt *time.Time) error
	SetStatus(ctx context.Context, id string, status ConnectionStatus, lastError string) error
	ClearCursor(ctx context.Context, id string) error
	TouchSynced(ctx context.Context, id string, at time.Time) error
}

// EventRepository handles canonical event storage.
type EventRepository interface {
	Create(ctx context.Context, ev Event) (*Event, error)
	Update(ctx context.Context, ev Event) (*Event, error)
	GetByID(ctx context.Context, id string) (*Event, error)
	GetByProviderID(ctx context.Context, connectionID, providerEventID string) (*Event, error)
	ListWindow(ctx context.Context, userID string, from, to time.Time, connectionIDs []string) ([]Event, error)
	ListPushable(ctx context.Context, now time.Time, limit int) ([]Event, error)
	HashesByConnection(ctx context.Context, connectionID string) (map[string]string, error)
	MarkSynced(ctx context.Context, id, providerEventID string, at time.Time) error
	MarkPushFailed(ctx context.Context, id string, attempts int, nextPushAt *time.Time, failed bool) error
	MarkRemoteDeleted(ctx context.Context, id string) error
	SoftDelete(ctx context.Context, id string, at time.Time) error
	Reap(ctx context.Context, olderThan time.Time) (int64, error)
	ListAttendees(ctx context.Context, eventID string) ([]Attendee, error)
	ListReminders(ctx context.Context, eventID string) ([]Reminder, error)
}

// SubscriptionRepository manages webhook subscription rows.
type SubscriptionRepository interface {
	Create(ctx context.Context, sub Subscription) (*Subscription, error)
	GetBySubscriptionID(ctx context.Context, p Provider, subscriptionID string) (*Subscription, error)
	ListActiveByConnection(ctx context.Context, connectionID string) ([]Subscription, error)
	ListExpiring(ctx context.Context, before time.Time) ([]Subscription, error)
	UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error
	TouchNotified(ctx context.Context, id string, at time.Time) error
	Deactivate(ctx context.Context, id string) error
	DeactivateExpired(ctx context.Context, now time.Time) (int64, error)
}

// AuditRepository is an append-only sink; entries are never mutated.
type AuditRepository interface {
	Append(ctx context.Context, entry AuditEntry) error
}

// JobRepository is the durable sync job queue. At most one PENDING job
// exists per connection; a second enqueue coalesces onto it.
type JobRepository interface {
	Enqueue(ctx context.Context, connectionID, reason string) (*SyncJob, bool, error)
	ClaimPending(ctx context.Context, connectionID string, at time.Time) (*SyncJob, error)
	Finish(ctx context.Context, id string, state JobState, errMsg string, at time.Time) error
	RequeueStale(ctx context.Context, olderThan time.Time) (int64, error)
}

// SyncBatch is the write surface available inside one per-connection sync
// transaction. The cursor is saved in the same transaction as the event
// writes, so a crash mid-batch re-fetches the same delta next time.
type SyncBatch interface {
	// UpsertRemoteEvent inserts or updates an event keyed by
	// (connectionID, providerEventID). The write is skipped when the
	// stored row carries a strictly newer lastModifiedRemote; the
	// returned bool reports whether the row changed.
	UpsertRemoteEvent(ctx context.Context, connectionID string, ev Event) (string, bool, error)
	MarkEventsDeleted(ctx context.Context, connectionID string, providerEventIDs []string, at time.Time) (int64, error)
	ReplaceAttendees(ctx context.Context, eventID string, attendees []Attendee) error
	ReplaceReminders(ctx context.Context, eventID string, reminders []Reminder) error
	SaveCursor(ctx context.Context, connectionID, cursor, feedETag, feedLastModified string, syncedAt time.Time) error
}

// BatchRepository runs a sync batch inside a single transaction.
type BatchRepository interface {
	Run(ctx context.Context, fn func(SyncBatch) error) error
}
