// Package calendar is the application service behind the HTTP API: it owns
// connection lifecycle, event CRUD with push-out, and the unified event
// window query.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/jw6ventures/calsync/internal/audit"
	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/sync"
	"github.com/jw6ventures/calsync/internal/vault"
)

const maxWindowDays = 366

// Identity holds what the OAuth identity layer learned about the account
// that authorized access.
type Identity struct {
	AccountID string
	Email     string
}

// IdentityResolver extracts the external account identity from a freshly
// exchanged token, normally by verifying its ID token.
type IdentityResolver interface {
	Resolve(ctx context.Context, p store.Provider, tok *oauth2.Token) (Identity, error)
}

// FeedValidator checks that an ICS feed URL is fetchable and parseable.
// Implemented by the ICS adapter.
type FeedValidator interface {
	ValidateICSFeed(ctx context.Context, feedURL string) (name string, err error)
}

// SubscriptionSetup is the subset of the subscription manager the service
// uses during connect and disconnect.
type SubscriptionSetup interface {
	EnsureSubscription(ctx context.Context, conn *store.Connection) error
	Teardown(ctx context.Context, conn *store.Connection)
}

type Service struct {
	store    *store.Store
	vault    *vault.TokenVault
	engine   *sync.Engine
	subs     SubscriptionSetup
	auditor  *audit.Logger
	identity IdentityResolver
	adapters map[store.Provider]provider.Adapter
	feeds    FeedValidator
	configs  map[store.Provider]*oauth2.Config
	now      func() time.Time
}

func NewService(st *store.Store, tv *vault.TokenVault, engine *sync.Engine, subs SubscriptionSetup, auditor *audit.Logger, identity IdentityResolver, adapters map[store.Provider]provider.Adapter, feeds FeedValidator, configs map[store.Provider]*oauth2.Config) *Service {
	return &Service{
		store:    st,
		vault:    tv,
		engine:   engine,
		subs:     subs,
		auditor:  auditor,
		identity: identity,
		adapters: adapters,
		feeds:    feeds,
		configs:  configs,
		now:      time.Now,
	}
}

// AuthURL returns the provider consent URL for the OAuth connect flow.
func (s *Service) AuthURL(p store.Provider, state string) (string, error) {
	cfg, ok := s.configs[p]
	if !ok {
		return "", invalid("provider", fmt.Sprintf("%s does not support OAuth connect", p))
	}
	return cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce), nil
}

// CompleteOAuthConnect exchanges the authorization code, resolves the
// account identity, and creates one connection per selected calendar. With
// no explicit selection the provider's primary calendar is connected. Each
// new connection gets an initial sync and, where supported, a webhook
// subscription.
func (s *Service) CompleteOAuthConnect(ctx context.Context, userID string, p store.Provider, code string, calendarIDs []string) ([]store.Connection, error) {
	if userID == "" {
		return nil, invalid("user", "missing user identity")
	}
	cfg, ok := s.configs[p]
	if !ok {
		return nil, invalid("provider", fmt.Sprintf("%s does not support OAuth connect", p))
	}
	adapter, ok := s.adapters[p]
	if !ok {
		return nil, fmt.Errorf("no adapter registered for provider %s", p)
	}

	tok, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("exchange authorization code: %w", err)
	}
	ident, err := s.identity.Resolve(ctx, p, tok)
	if err != nil {
		return nil, fmt.Errorf("resolve account identity: %w", err)
	}

	calendars, err := adapter.ListCalendars(ctx, tok.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("list calendars: %w", err)
	}
	selected := pickCalendars(calendars, calendarIDs)
	if len(selected) == 0 {
		return nil, invalid("calendar_ids", "no matching calendars on the account")
	}

	blob, err := s.vault.SealToken(tok)
	if err != nil {
		return nil, err
	}
	var expires *time.Time
	if !tok.Expiry.IsZero() {
		e := tok.Expiry.UTC()
		expires = &e
	}

	var out []store.Connection
	for _, cal := range selected {
		existing, err := s.store.Connections.FindByCalendar(ctx, userID, p, cal.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("check existing connection: %w", err)
		}
		if existing != nil {
			// Reconnecting refreshes the stored grant and revives an
			// errored connection.
			if err := s.store.Connections.UpdateTokens(ctx, existing.ID, blob, expires); err != nil {
				return nil, fmt.Errorf("update tokens: %w", err)
			}
			if err := s.store.Connections.SetStatus(ctx, existing.ID, store.ConnectionActive, ""); err != nil {
				return nil, fmt.Errorf("reactivate connection: %w", err)
			}
			refreshed, err := s.store.Connections.GetByID(ctx, existing.ID)
			if err != nil {
				return nil, err
			}
			out = append(out, *refreshed)
			s.afterConnect(ctx, refreshed)
			continue
		}

		conn := store.Connection{
			UserID:            userID,
			Provider:          p,
			ExternalAccountID: ident.AccountID,
			CalendarID:        cal.ID,
			Name:              cal.Name,
			TokenBlob:         blob,
			TokenExpiresAt:    expires,
			ReadOnly:          cal.ReadOnly,
			Status:            store.ConnectionActive,
		}
		if cal.Color != "" {
			conn.Color = &cal.Color
		}
		created, err := s.store.Connections.Create(ctx, conn)
		if err != nil {
			return nil, fmt.Errorf("create connection: %w", err)
		}
		s.auditor.Success(ctx, userID, audit.ActionConnectionCreated, "connection", created.ID,
			map[string]any{"provider": p, "calendar_id": cal.ID, "account": ident.Email})
		out = append(out, *created)
		s.afterConnect(ctx, created)
	}
	return out, nil
}

// ConnectICS validates the feed and creates a read-only connection with
// the sealed feed URL stored in the token column.
func (s *Service) ConnectICS(ctx context.Context, userID, feedURL, name string) (*store.Connection, error) {
	if userID == "" {
		return nil, invalid("user", "missing user identity")
	}
	parsed, err := url.Parse(feedURL)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, invalid("feed_url", "must be an absolute http(s) URL")
	}

	feedName, err := s.feeds.ValidateICSFeed(ctx, feedURL)
	if err != nil {
		return nil, invalid("feed_url", err.Error())
	}
	if name == "" {
		name = feedName
	}
	if name == "" {
		name = parsed.Host
	}

	// The calendar ID must be stable and unique per user+feed without
	// exposing the URL, so a deterministic UUID of the URL is used.
	calendarID := uuid.NewSHA1(uuid.NameSpaceURL, []byte(feedURL)).String()

	existing, err := s.store.Connections.FindByCalendar(ctx, userID, store.ProviderICS, calendarID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("check existing connection: %w", err)
	}
	if existing != nil {
		return nil, invalid("feed_url", "feed is already connected")
	}

	blob, err := s.vault.SealFeedURL(feedURL)
	if err != nil {
		return nil, err
	}
	conn := store.Connection{
		UserID:            userID,
		Provider:          store.ProviderICS,
		ExternalAccountID: parsed.Host,
		CalendarID:        calendarID,
		Name:              name,
		TokenBlob:         blob,
		ReadOnly:          true,
		Status:            store.ConnectionActive,
	}
	created, err := s.store.Connections.Create(ctx, conn)
	if err != nil {
		return nil, fmt.Errorf("create connection: %w", err)
	}
	s.auditor.Success(ctx, userID, audit.ActionConnectionCreated, "connection", created.ID,
		map[string]any{"provider": store.ProviderICS, "host": parsed.Host})
	s.afterConnect(ctx, created)
	return created, nil
}

func (s *Service) afterConnect(ctx context.Context, conn *store.Connection) {
	if err := s.engine.RequestSync(ctx, conn.ID, sync.ReasonInitial); err != nil {
		log.Printf("[ERROR] calendar: initial sync for connection %s: %v", conn.ID, err)
	}
	if err := s.subs.EnsureSubscription(ctx, conn); err != nil {
		log.Printf("[WARN] calendar: subscription for connection %s, staying on polling: %v", conn.ID, err)
	}
}

func (s *Service) ListConnections(ctx context.Context, userID string) ([]store.Connection, error) {
	return s.store.Connections.ListByUser(ctx, userID)
}

// Disconnect tears down provider subscriptions, marks the connection
// DISCONNECTED, and soft-deletes nothing: mirrored events are kept until
// the reaper collects them.
func (s *Service) Disconnect(ctx context.Context, userID, connectionID string) error {
	conn, err := s.ownedConnection(ctx, userID, connectionID)
	if err != nil {
		return err
	}
	s.subs.Teardown(ctx, conn)
	if err := s.store.Connections.SetStatus(ctx, conn.ID, store.ConnectionDisconnected, ""); err != nil {
		return fmt.Errorf("disconnect connection: %w", err)
	}
	s.auditor.Success(ctx, userID, audit.ActionConnectionDisconnected, "connection", conn.ID, nil)
	return nil
}

// TriggerSync runs a manual sync pass synchronously.
func (s *Service) TriggerSync(ctx context.Context, userID, connectionID string) error {
	conn, err := s.ownedConnection(ctx, userID, connectionID)
	if err != nil {
		return err
	}
	return s.engine.SyncNow(ctx, conn.ID, sync.ReasonManual)
}

// EventWindow is a unified query across a user's connections.
type EventWindow struct {
	From          time.Time
	To            time.Time
	ConnectionIDs []string
	Expand        bool
}

// WindowEvent is an event, or one expanded occurrence of a recurring
// event, inside the queried window.
type WindowEvent struct {
	store.Event
	OccurrenceStart *time.Time `json:"occurrence_start,omitempty"`
	OccurrenceEnd   *time.Time `json:"occurrence_end,omitempty"`
}

// ListEvents returns the user's events inside the window, optionally
// expanding recurring events into their concrete occurrences.
func (s *Service) ListEvents(ctx context.Context, userID string, q EventWindow) ([]WindowEvent, error) {
	if q.To.Before(q.From) || q.To.Equal(q.From) {
		return nil, invalid("window", "to must be after from")
	}
	if q.To.Sub(q.From) > maxWindowDays*24*time.Hour {
		return nil, invalid("window", fmt.Sprintf("window exceeds %d days", maxWindowDays))
	}

	events, err := s.store.Events.ListWindow(ctx, userID, q.From, q.To, q.ConnectionIDs)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}

	out := make([]WindowEvent, 0, len(events))
	for i := range events {
		ev := events[i]
		if !q.Expand || ev.RecurrenceRule == "" {
			out = append(out, WindowEvent{Event: ev})
			continue
		}
		occs, err := provider.ExpandOccurrences(provider.FromStoreEvent(ev, nil, nil), q.From, q.To)
		if err != nil {
			log.Printf("[WARN] calendar: expand event %s: %v", ev.ID, err)
			out = append(out, WindowEvent{Event: ev})
			continue
		}
		for _, occ := range occs {
			os, oe := occ.Start, occ.End
			out = append(out, WindowEvent{Event: ev, OccurrenceStart: &os, OccurrenceEnd: &oe})
		}
	}
	return out, nil
}

// EventInput carries the caller-editable fields of an event.
type EventInput struct {
	Title          string
	Description    string
	Location       string
	Start          time.Time
	End            time.Time
	Timezone       string
	AllDay         bool
	RecurrenceRule string
	Attendees      []store.Attendee
	Reminders      []store.Reminder
}

func (in *EventInput) validate() error {
	if strings.TrimSpace(in.Title) == "" {
		return invalid("title", "must not be empty")
	}
	if len([]rune(in.Title)) > provider.MaxTitleLen {
		return invalid("title", "too long")
	}
	if len([]rune(in.Description)) > provider.MaxDescriptionLen {
		return invalid("description", "too long")
	}
	if len([]rune(in.Location)) > provider.MaxLocationLen {
		return invalid("location", "too long")
	}
	if in.Start.IsZero() || in.End.IsZero() {
		return invalid("time", "start and end are required")
	}
	if !in.End.After(in.Start) && !in.AllDay {
		return invalid("time", "end must be after start")
	}
	if in.Timezone != "" {
		if _, err := time.LoadLocation(in.Timezone); err != nil {
			return invalid("timezone", "unknown IANA timezone")
		}
	}
	if in.RecurrenceRule != "" {
		rule, err := provider.NormalizeRRule(in.RecurrenceRule)
		if err != nil {
			return invalid("recurrence_rule", err.Error())
		}
		in.RecurrenceRule = rule
	}
	return nil
}

// CreateEvent stores a local event as PENDING and schedules its push to
// the provider. Validation and the read-only check happen before any
// state changes.
func (s *Service) CreateEvent(ctx context.Context, userID, connectionID string, in EventInput) (*store.Event, error) {
	conn, err := s.ownedConnection(ctx, userID, connectionID)
	if err != nil {
		return nil, err
	}
	if conn.ReadOnly || conn.Provider == store.ProviderICS {
		return nil, ErrReadOnly
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	nowUTC := s.now().UTC()
	ev := store.Event{
		ConnectionID:      conn.ID,
		Title:             in.Title,
		Description:       in.Description,
		Location:          in.Location,
		StartTime:         in.Start,
		EndTime:           in.End,
		Timezone:          defaultTZ(in.Timezone),
		AllDay:            in.AllDay,
		RecurrenceRule:    in.RecurrenceRule,
		Status:            store.EventConfirmed,
		SyncStatus:        store.SyncPending,
		LastModifiedLocal: &nowUTC,
		IdempotencyKey:    uuid.NewString(),
	}
	ev.ContentHash = provider.ContentHash(provider.FromStoreEvent(ev, in.Attendees, in.Reminders))

	created, err := s.store.Events.Create(ctx, ev)
	if err != nil {
		return nil, fmt.Errorf("create event: %w", err)
	}
	if err := s.replaceParticipants(ctx, created.ID, in); err != nil {
		return nil, err
	}
	s.auditor.Success(ctx, userID, audit.ActionEventCreated, "event", created.ID, nil)
	s.schedulePush()
	return created, nil
}

// UpdateEvent applies local changes and re-marks the event PENDING for
// push-out.
func (s *Service) UpdateEvent(ctx context.Context, userID, eventID string, in EventInput) (*store.Event, error) {
	ev, conn, err := s.ownedEvent(ctx, userID, eventID)
	if err != nil {
		return nil, err
	}
	if conn.ReadOnly || conn.Provider == store.ProviderICS {
		return nil, ErrReadOnly
	}
	if err := in.validate(); err != nil {
		return nil, err
	}

	nowUTC := s.now().UTC()
	ev.Title = in.Title
	ev.Description = in.Description
	ev.Location = in.Location
	ev.StartTime = in.Start
	ev.EndTime = in.End
	ev.Timezone = defaultTZ(in.Timezone)
	ev.AllDay = in.AllDay
	ev.RecurrenceRule = in.RecurrenceRule
	ev.SyncStatus = store.SyncPending
	ev.LastModifiedLocal = &nowUTC
	ev.PushAttempts = 0
	ev.NextPushAt = nil
	ev.ContentHash = provider.ContentHash(provider.FromStoreEvent(*ev, in.Attendees, in.Reminders))

	updated, err := s.store.Events.Update(ctx, *ev)
	if err != nil {
		return nil, fmt.Errorf("update event: %w", err)
	}
	if err := s.replaceParticipants(ctx, updated.ID, in); err != nil {
		return nil, err
	}
	s.auditor.Success(ctx, userID, audit.ActionEventUpdated, "event", updated.ID, nil)
	s.schedulePush()
	return updated, nil
}

// DeleteEvent soft-deletes locally; the provider-side delete is pushed
// asynchronously for events that have a provider identity.
func (s *Service) DeleteEvent(ctx context.Context, userID, eventID string) error {
	ev, conn, err := s.ownedEvent(ctx, userID, eventID)
	if err != nil {
		return err
	}
	if conn.ReadOnly || conn.Provider == store.ProviderICS {
		return ErrReadOnly
	}
	if err := s.store.Events.SoftDelete(ctx, ev.ID, s.now()); err != nil {
		return fmt.Errorf("delete event: %w", err)
	}
	s.auditor.Success(ctx, userID, audit.ActionEventDeleted, "event", ev.ID, nil)
	s.schedulePush()
	return nil
}

func (s *Service) replaceParticipants(ctx context.Context, eventID string, in EventInput) error {
	return s.store.Batches.Run(ctx, func(b store.SyncBatch) error {
		if err := b.ReplaceAttendees(ctx, eventID, in.Attendees); err != nil {
			return fmt.Errorf("store attendees: %w", err)
		}
		if err := b.ReplaceReminders(ctx, eventID, in.Reminders); err != nil {
			return fmt.Errorf("store reminders: %w", err)
		}
		return nil
	})
}

// schedulePush kicks an immediate push cycle so local edits reach the
// provider ahead of the five-minute dispatch cadence.
func (s *Service) schedulePush() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()
		if err := s.engine.PushPending(ctx); err != nil {
			log.Printf("[ERROR] calendar: push pending events: %v", err)
		}
	}()
}

func (s *Service) ownedConnection(ctx context.Context, userID, connectionID string) (*store.Connection, error) {
	conn, err := s.store.Connections.GetByID(ctx, connectionID)
	if err != nil {
		return nil, err
	}
	if conn.UserID != userID {
		return nil, ErrForbidden
	}
	return conn, nil
}

func (s *Service) ownedEvent(ctx context.Context, userID, eventID string) (*store.Event, *store.Connection, error) {
	ev, err := s.store.Events.GetByID(ctx, eventID)
	if err != nil {
		return nil, nil, err
	}
	conn, err := s.store.Connections.GetByID(ctx, ev.ConnectionID)
	if err != nil {
		return nil, nil, err
	}
	if conn.UserID != userID {
		return nil, nil, ErrForbidden
	}
	return ev, conn, nil
}

func pickCalendars(calendars []provider.CalendarInfo, ids []string) []provider.CalendarInfo {
	if len(ids) == 0 {
		for _, c := range calendars {
			if c.Primary {
				return []provider.CalendarInfo{c}
			}
		}
		if len(calendars) > 0 {
			return calendars[:1]
		}
		return nil
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	var out []provider.CalendarInfo
	for _, c := range calendars {
		if want[c.ID] {
			out = append(out, c)
		}
	}
	return out
}

func defaultTZ(tz string) string {
	if tz == "" {
		return "UTC"
	}
	return tz
}
