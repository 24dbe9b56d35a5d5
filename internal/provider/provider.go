package provider

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/jw6ventures/calsync/internal/store"
)

// Event is the canonical representation exchanged between adapters and the
// sync engine. Adapters translate provider payloads into this form on fetch
// and back out of it on push.
type Event struct {
	ProviderEventID    string
	Title              string
	Description        string
	Location           string
	Start              time.Time
	End                time.Time
	Timezone           string
	AllDay             bool
	RecurrenceRule     string
	ExceptionDates     []time.Time
	Status             store.EventStatus
	Attendees          []store.Attendee
	Reminders          []store.Reminder
	LastModifiedRemote *time.Time
	ProviderMetadata   []byte
}

// CalendarInfo describes a calendar discovered on the provider side.
type CalendarInfo struct {
	ID       string
	Name     string
	Color    string
	ReadOnly bool
	Primary  bool
}

// FetchInput carries everything an adapter needs for one incremental fetch.
// OAuth providers use AccessToken/CalendarID/Cursor; the ICS adapter uses
// FeedURL plus the conditional-request validators and the hash set of events
// already stored for the connection.
type FetchInput struct {
	AccessToken      string
	CalendarID       string
	Cursor           string
	FeedURL          string
	FeedETag         string
	FeedLastModified string
	KnownHashes      map[string]string
}

// FetchOutput is the result of one incremental fetch.
type FetchOutput struct {
	Events           []Event
	DeletedIDs       []string
	NextCursor       string
	NotModified      bool
	FeedETag         string
	FeedLastModified string
}

// SubscriptionRequest asks a provider to start delivering change
// notifications for a calendar.
type SubscriptionRequest struct {
	AccessToken     string
	CalendarID      string
	NotificationURL string
	ClientState     string
}

// RemoteSubscription is the provider's view of an active subscription.
type RemoteSubscription struct {
	ID        string
	Resource  string
	ExpiresAt time.Time
}

// Capabilities reports which optional operations a provider supports.
type Capabilities struct {
	Push          bool
	Subscriptions bool
}

// Adapter is the uniform surface the sync engine drives. Each provider
// implements fetch; push and subscription operations return ErrNotSupported
// where the provider cannot perform them.
type Adapter interface {
	Provider() store.Provider
	Capabilities() Capabilities

	ListCalendars(ctx context.Context, accessToken string) ([]CalendarInfo, error)
	FetchChanges(ctx context.Context, in FetchInput) (*FetchOutput, error)

	// CreateEvent and UpdateEvent return the provider-assigned event ID.
	// idempotencyKey deduplicates retried creates.
	CreateEvent(ctx context.Context, accessToken, calendarID string, ev Event, idempotencyKey string) (string, error)
	UpdateEvent(ctx context.Context, accessToken, calendarID string, ev Event) error
	DeleteEvent(ctx context.Context, accessToken, calendarID, providerEventID string) error

	// Subscribe starts change notifications. RenewSubscription extends an
	// existing subscription; providers without in-place renewal replace it
	// and return the new identity.
	Subscribe(ctx context.Context, req SubscriptionRequest) (*RemoteSubscription, error)
	RenewSubscription(ctx context.Context, req SubscriptionRequest, sub RemoteSubscription) (*RemoteSubscription, error)
	Unsubscribe(ctx context.Context, accessToken string, sub RemoteSubscription) error
}

// ContentHash fingerprints the sync-relevant fields of an event. Two events
// with equal hashes are considered identical for change detection; volatile
// provider metadata is deliberately excluded.
func ContentHash(ev Event) string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(ev.Title)
	write(ev.Description)
	write(ev.Location)
	write(ev.Start.UTC().Format(time.RFC3339))
	write(ev.End.UTC().Format(time.RFC3339))
	write(ev.Timezone)
	write(fmt.Sprintf("%t", ev.AllDay))
	write(ev.RecurrenceRule)
	exdates := make([]string, 0, len(ev.ExceptionDates))
	for _, d := range ev.ExceptionDates {
		exdates = append(exdates, d.UTC().Format(time.RFC3339))
	}
	sort.Strings(exdates)
	write(strings.Join(exdates, ","))
	write(string(ev.Status))

	attendees := make([]string, 0, len(ev.Attendees))
	for _, a := range ev.Attendees {
		attendees = append(attendees, fmt.Sprintf("%s|%s|%s|%t", strings.ToLower(a.Email), a.DisplayName, a.RSVPStatus, a.IsOrganizer))
	}
	sort.Strings(attendees)
	write(strings.Join(attendees, ","))

	reminders := make([]string, 0, len(ev.Reminders))
	for _, r := range ev.Reminders {
		reminders = append(reminders, fmt.Sprintf("%s|%d", r.Method, r.MinutesBefore))
	}
	sort.Strings(reminders)
	write(strings.Join(reminders, ","))

	return hex.EncodeToString(h.Sum(nil))
}

// Field caps applied at the ingest boundary. Provider payloads can carry
// arbitrarily long text; rows are clamped to the same limits the write API
// enforces.
const (
	MaxTitleLen       = 500
	MaxDescriptionLen = 2000
	MaxLocationLen    = 500
)

func clampText(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max])
}

// ClampEvent caps the free-text fields of an event. Applied before hashing
// so the stored content hash always describes the stored row.
func ClampEvent(ev Event) Event {
	ev.Title = clampText(ev.Title, MaxTitleLen)
	ev.Description = clampText(ev.Description, MaxDescriptionLen)
	ev.Location = clampText(ev.Location, MaxLocationLen)
	return ev
}

// ToStoreEvent converts a canonical event into a store row for the given
// connection, clamping oversized text and computing the content hash.
func ToStoreEvent(connectionID string, ev Event) store.Event {
	ev = ClampEvent(ev)
	return store.Event{
		ConnectionID:       connectionID,
		ProviderEventID:    ev.ProviderEventID,
		Title:              ev.Title,
		Description:        ev.Description,
		Location:           ev.Location,
		StartTime:          ev.Start,
		EndTime:            ev.End,
		Timezone:           ev.Timezone,
		AllDay:             ev.AllDay,
		RecurrenceRule:     ev.RecurrenceRule,
		ExceptionDates:     ev.ExceptionDates,
		Status:             ev.Status,
		SyncStatus:         store.SyncSynced,
		LastModifiedRemote: ev.LastModifiedRemote,
		ContentHash:        ContentHash(ev),
		ProviderMetadata:   ev.ProviderMetadata,
	}
}

// FromStoreEvent converts a store row back into the canonical form used for
// pushing local changes out to a provider.
func FromStoreEvent(ev store.Event, attendees []store.Attendee, reminders []store.Reminder) Event {
	return Event{
		ProviderEventID:    ev.ProviderEventID,
		Title:              ev.Title,
		Description:        ev.Description,
		Location:           ev.Location,
		Start:              ev.StartTime,
		End:                ev.EndTime,
		Timezone:           ev.Timezone,
		AllDay:             ev.AllDay,
		RecurrenceRule:     ev.RecurrenceRule,
		ExceptionDates:     ev.ExceptionDates,
		Status:             ev.Status,
		Attendees:          attendees,
		Reminders:          reminders,
		LastModifiedRemote: ev.LastModifiedRemote,
	}
}

// SyncWindow returns the default fetch window: thirty days back, one year
// forward.
func SyncWindow(now time.Time) (time.Time, time.Time) {
	return now.AddDate(0, 0, -30), now.AddDate(1, 0, 0)
}
