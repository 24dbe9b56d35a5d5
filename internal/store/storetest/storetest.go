// Package storetest provides in-memory implementations of the store
// repository interfaces for tests that exercise the layers above the
// database.
package storetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/jw6ventures/calsync/internal/store"
)

// New returns a Store backed entirely by memory.
func New() *store.Store {
	m := &memory{
		connections:   make(map[string]*store.Connection),
		events:        make(map[string]*store.Event),
		attendees:     make(map[string][]store.Attendee),
		reminders:     make(map[string][]store.Reminder),
		subscriptions: make(map[string]*store.Subscription),
		jobs:          make(map[string]*store.SyncJob),
	}
	return &store.Store{
		Connections:   &connectionRepo{m},
		Events:        &eventRepo{m},
		Subscriptions: &subscriptionRepo{m},
		Audit:         &auditRepo{m},
		Jobs:          &jobRepo{m},
		Batches:       &batchRepo{m},
	}
}

// Audited returns the audit entries recorded through the store.
func Audited(s *store.Store) []store.AuditEntry {
	repo := s.Audit.(*auditRepo)
	repo.m.mu.Lock()
	defer repo.m.mu.Unlock()
	out := make([]store.AuditEntry, len(repo.m.audit))
	copy(out, repo.m.audit)
	return out
}

type memory struct {
	mu            sync.Mutex
	seq           int
	connections   map[string]*store.Connection
	events        map[string]*store.Event
	attendees     map[string][]store.Attendee
	reminders     map[string][]store.Reminder
	subscriptions map[string]*store.Subscription
	jobs          map[string]*store.SyncJob
	audit         []store.AuditEntry
}

func (m *memory) nextID(prefix string) string {
	m.seq++
	return fmt.Sprintf("%s-%d", prefix, m.seq)
}

type connectionRepo struct{ m *memory }

func (r *connectionRepo) Create(ctx context.Context, conn store.Connection) (*store.Connection, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	conn.ID = r.m.nextID("conn")
	now := time.Now().UTC()
	conn.CreatedAt, conn.UpdatedAt = now, now
	c := conn
	r.m.connections[conn.ID] = &c
	out := c
	return &out, nil
}

func (r *connectionRepo) GetByID(ctx context.Context, id string) (*store.Connection, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	conn, ok := r.m.connections[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *conn
	return &out, nil
}

func (r *connectionRepo) ListByUser(ctx context.Context, userID string) ([]store.Connection, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []store.Connection
	for _, c := range r.m.connections {
		if c.UserID == userID {
			out = append(out, *c)
		}
	}
	sortConnections(out)
	return out, nil
}

func (r *connectionRepo) ListActiveByProvider(ctx context.Context, p store.Provider) ([]store.Connection, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []store.Connection
	for _, c := range r.m.connections {
		if c.Provider == p && c.Status == store.ConnectionActive {
			out = append(out, *c)
		}
	}
	sortConnections(out)
	return out, nil
}

func (r *connectionRepo) FindByCalendar(ctx context.Context, userID string, p store.Provider, calendarID string) (*store.Connection, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, c := range r.m.connections {
		if c.UserID == userID && c.Provider == p && c.CalendarID == calendarID {
			out := *c
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *connectionRepo) UpdateTokens(ctx context.Context, id string, blob []byte, expiresAt *time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	conn, ok := r.m.connections[id]
	if !ok {
		return store.ErrNotFound
	}
	conn.TokenBlob = blob
	conn.TokenExpiresAt = expiresAt
	conn.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *connectionRepo) SetStatus(ctx context.Context, id string, status store.ConnectionStatus, lastError string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	conn, ok := r.m.connections[id]
	if !ok {
		return store.ErrNotFound
	}
	conn.Status = status
	conn.LastError = lastError
	conn.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *connectionRepo) ClearCursor(ctx context.Context, id string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	conn, ok := r.m.connections[id]
	if !ok {
		return store.ErrNotFound
	}
	conn.SyncCursor = nil
	conn.FeedETag = nil
	conn.FeedLastModified = nil
	return nil
}

func (r *connectionRepo) TouchSynced(ctx context.Context, id string, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	conn, ok := r.m.connections[id]
	if !ok {
		return store.ErrNotFound
	}
	t := at.UTC()
	conn.LastSyncedAt = &t
	return nil
}

type eventRepo struct{ m *memory }

func (r *eventRepo) Create(ctx context.Context, ev store.Event) (*store.Event, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	ev.ID = r.m.nextID("ev")
	now := time.Now().UTC()
	ev.CreatedAt, ev.UpdatedAt = now, now
	e := ev
	r.m.events[ev.ID] = &e
	out := e
	return &out, nil
}

func (r *eventRepo) Update(ctx context.Context, ev store.Event) (*store.Event, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	existing, ok := r.m.events[ev.ID]
	if !ok {
		return nil, store.ErrNotFound
	}
	ev.CreatedAt = existing.CreatedAt
	ev.UpdatedAt = time.Now().UTC()
	e := ev
	r.m.events[ev.ID] = &e
	out := e
	return &out, nil
}

func (r *eventRepo) GetByID(ctx context.Context, id string) (*store.Event, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	ev, ok := r.m.events[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *ev
	return &out, nil
}

func (r *eventRepo) GetByProviderID(ctx context.Context, connectionID, providerEventID string) (*store.Event, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, ev := range r.m.events {
		if ev.ConnectionID == connectionID && ev.ProviderEventID == providerEventID && ev.DeletedAt == nil {
			out := *ev
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *eventRepo) ListWindow(ctx context.Context, userID string, from, to time.Time, connectionIDs []string) ([]store.Event, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	wanted := map[string]bool{}
	for _, id := range connectionIDs {
		wanted[id] = true
	}
	var out []store.Event
	for _, ev := range r.m.events {
		conn, ok := r.m.connections[ev.ConnectionID]
		if !ok || conn.UserID != userID {
			continue
		}
		if len(wanted) > 0 && !wanted[ev.ConnectionID] {
			continue
		}
		if ev.DeletedAt != nil || ev.SyncStatus == store.SyncDeleted {
			continue
		}
		// Recurring events are window-matched by the service layer after
		// expansion, mirroring the SQL query's recurrence clause.
		if ev.RecurrenceRule == "" && (ev.EndTime.Before(from) || ev.StartTime.After(to)) {
			continue
		}
		out = append(out, *ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (r *eventRepo) ListPushable(ctx context.Context, now time.Time, limit int) ([]store.Event, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []store.Event
	for _, ev := range r.m.events {
		if ev.NextPushAt != nil && ev.NextPushAt.After(now) {
			continue
		}
		switch {
		case ev.SyncStatus == store.SyncPending:
			out = append(out, *ev)
		case ev.SyncStatus == store.SyncDeleted && ev.ProviderEventID != "" && !ev.RemoteDeleted:
			out = append(out, *ev)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *eventRepo) HashesByConnection(ctx context.Context, connectionID string) (map[string]string, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	out := make(map[string]string)
	for _, ev := range r.m.events {
		if ev.ConnectionID == connectionID && ev.ProviderEventID != "" && ev.SyncStatus != store.SyncDeleted && ev.DeletedAt == nil {
			out[ev.ProviderEventID] = ev.ContentHash
		}
	}
	return out, nil
}

func (r *eventRepo) MarkSynced(ctx context.Context, id, providerEventID string, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	ev, ok := r.m.events[id]
	if !ok {
		return store.ErrNotFound
	}
	ev.ProviderEventID = providerEventID
	ev.SyncStatus = store.SyncSynced
	ev.PushAttempts = 0
	ev.NextPushAt = nil
	ev.UpdatedAt = at.UTC()
	return nil
}

func (r *eventRepo) MarkPushFailed(ctx context.Context, id string, attempts int, nextPushAt *time.Time, failed bool) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	ev, ok := r.m.events[id]
	if !ok {
		return store.ErrNotFound
	}
	ev.PushAttempts = attempts
	ev.NextPushAt = nextPushAt
	if failed {
		ev.SyncStatus = store.SyncFailed
	}
	return nil
}

func (r *eventRepo) MarkRemoteDeleted(ctx context.Context, id string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	ev, ok := r.m.events[id]
	if !ok {
		return store.ErrNotFound
	}
	ev.RemoteDeleted = true
	return nil
}

func (r *eventRepo) SoftDelete(ctx context.Context, id string, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	ev, ok := r.m.events[id]
	if !ok {
		return store.ErrNotFound
	}
	t := at.UTC()
	ev.SyncStatus = store.SyncDeleted
	ev.DeletedAt = &t
	ev.PushAttempts = 0
	ev.NextPushAt = nil
	return nil
}

func (r *eventRepo) Reap(ctx context.Context, olderThan time.Time) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var n int64
	for id, ev := range r.m.events {
		if ev.DeletedAt != nil && ev.DeletedAt.Before(olderThan) {
			delete(r.m.events, id)
			delete(r.m.attendees, id)
			delete(r.m.reminders, id)
			n++
		}
	}
	return n, nil
}

func (r *eventRepo) ListAttendees(ctx context.Context, eventID string) ([]store.Attendee, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	out := make([]store.Attendee, len(r.m.attendees[eventID]))
	copy(out, r.m.attendees[eventID])
	return out, nil
}

func (r *eventRepo) ListReminders(ctx context.Context, eventID string) ([]store.Reminder, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	out := make([]store.Reminder, len(r.m.reminders[eventID]))
	copy(out, r.m.reminders[eventID])
	return out, nil
}

type subscriptionRepo struct{ m *memory }

func (r *subscriptionRepo) Create(ctx context.Context, sub store.Subscription) (*store.Subscription, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	sub.ID = r.m.nextID("sub")
	now := time.Now().UTC()
	sub.CreatedAt, sub.UpdatedAt = now, now
	s := sub
	r.m.subscriptions[sub.ID] = &s
	out := s
	return &out, nil
}

func (r *subscriptionRepo) GetBySubscriptionID(ctx context.Context, p store.Provider, subscriptionID string) (*store.Subscription, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, s := range r.m.subscriptions {
		if s.Provider == p && s.SubscriptionID == subscriptionID {
			out := *s
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (r *subscriptionRepo) ListActiveByConnection(ctx context.Context, connectionID string) ([]store.Subscription, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []store.Subscription
	for _, s := range r.m.subscriptions {
		if s.ConnectionID == connectionID && s.Active {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *subscriptionRepo) ListExpiring(ctx context.Context, before time.Time) ([]store.Subscription, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var out []store.Subscription
	for _, s := range r.m.subscriptions {
		if s.Active && s.ExpiresAt.Before(before) {
			out = append(out, *s)
		}
	}
	return out, nil
}

func (r *subscriptionRepo) UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.subscriptions[id]
	if !ok {
		return store.ErrNotFound
	}
	s.ExpiresAt = expiresAt.UTC()
	return nil
}

func (r *subscriptionRepo) TouchNotified(ctx context.Context, id string, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.subscriptions[id]
	if !ok {
		return store.ErrNotFound
	}
	t := at.UTC()
	s.LastNotificationAt = &t
	return nil
}

func (r *subscriptionRepo) Deactivate(ctx context.Context, id string) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	s, ok := r.m.subscriptions[id]
	if !ok {
		return store.ErrNotFound
	}
	s.Active = false
	return nil
}

func (r *subscriptionRepo) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var n int64
	for _, s := range r.m.subscriptions {
		if s.Active && s.ExpiresAt.Before(now) {
			s.Active = false
			n++
		}
	}
	return n, nil
}

type auditRepo struct{ m *memory }

func (r *auditRepo) Append(ctx context.Context, entry store.AuditEntry) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	entry.ID = r.m.nextID("audit")
	entry.CreatedAt = time.Now().UTC()
	r.m.audit = append(r.m.audit, entry)
	return nil
}

type jobRepo struct{ m *memory }

func (r *jobRepo) Enqueue(ctx context.Context, connectionID, reason string) (*store.SyncJob, bool, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, j := range r.m.jobs {
		if j.ConnectionID == connectionID && j.State == store.JobPending {
			out := *j
			return &out, false, nil
		}
	}
	job := &store.SyncJob{
		ID:           r.m.nextID("job"),
		ConnectionID: connectionID,
		Reason:       reason,
		State:        store.JobPending,
		EnqueuedAt:   time.Now().UTC(),
	}
	r.m.jobs[job.ID] = job
	out := *job
	return &out, true, nil
}

func (r *jobRepo) ClaimPending(ctx context.Context, connectionID string, at time.Time) (*store.SyncJob, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	for _, j := range r.m.jobs {
		if j.ConnectionID == connectionID && j.State == store.JobPending {
			t := at.UTC()
			j.State = store.JobRunning
			j.StartedAt = &t
			out := *j
			return &out, nil
		}
	}
	return nil, nil
}

func (r *jobRepo) Finish(ctx context.Context, id string, state store.JobState, errMsg string, at time.Time) error {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	j, ok := r.m.jobs[id]
	if !ok {
		return store.ErrNotFound
	}
	t := at.UTC()
	j.State = state
	j.Error = errMsg
	j.FinishedAt = &t
	return nil
}

func (r *jobRepo) RequeueStale(ctx context.Context, olderThan time.Time) (int64, error) {
	r.m.mu.Lock()
	defer r.m.mu.Unlock()
	var n int64
	for _, j := range r.m.jobs {
		if j.State == store.JobRunning && j.StartedAt != nil && j.StartedAt.Before(olderThan) {
			j.State = store.JobPending
			j.StartedAt = nil
			n++
		}
	}
	return n, nil
}

type batchRepo struct{ m *memory }

func (r *batchRepo) Run(ctx context.Context, fn func(store.SyncBatch) error) error {
	return fn(&syncBatch{r.m})
}

type syncBatch struct{ m *memory }

func (b *syncBatch) UpsertRemoteEvent(ctx context.Context, connectionID string, ev store.Event) (string, bool, error) {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	for _, existing := range b.m.events {
		if existing.ConnectionID != connectionID || existing.ProviderEventID != ev.ProviderEventID {
			continue
		}
		if existing.LastModifiedRemote != nil && ev.LastModifiedRemote != nil &&
			existing.LastModifiedRemote.After(*ev.LastModifiedRemote) {
			return existing.ID, false, nil
		}
		ev.ID = existing.ID
		ev.CreatedAt = existing.CreatedAt
		ev.UpdatedAt = time.Now().UTC()
		e := ev
		b.m.events[existing.ID] = &e
		return existing.ID, true, nil
	}
	ev.ID = b.m.nextID("ev")
	now := time.Now().UTC()
	ev.CreatedAt, ev.UpdatedAt = now, now
	e := ev
	b.m.events[ev.ID] = &e
	return ev.ID, true, nil
}

func (b *syncBatch) MarkEventsDeleted(ctx context.Context, connectionID string, providerEventIDs []string, at time.Time) (int64, error) {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	wanted := map[string]bool{}
	for _, id := range providerEventIDs {
		wanted[id] = true
	}
	var n int64
	t := at.UTC()
	for _, ev := range b.m.events {
		if ev.ConnectionID == connectionID && wanted[ev.ProviderEventID] && ev.SyncStatus != store.SyncDeleted {
			ev.SyncStatus = store.SyncDeleted
			ev.RemoteDeleted = true
			ev.DeletedAt = &t
			n++
		}
	}
	return n, nil
}

func (b *syncBatch) ReplaceAttendees(ctx context.Context, eventID string, attendees []store.Attendee) error {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	out := make([]store.Attendee, len(attendees))
	copy(out, attendees)
	b.m.attendees[eventID] = out
	return nil
}

func (b *syncBatch) ReplaceReminders(ctx context.Context, eventID string, reminders []store.Reminder) error {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	out := make([]store.Reminder, len(reminders))
	copy(out, reminders)
	b.m.reminders[eventID] = out
	return nil
}

func (b *syncBatch) SaveCursor(ctx context.Context, connectionID, cursor, feedETag, feedLastModified string, syncedAt time.Time) error {
	b.m.mu.Lock()
	defer b.m.mu.Unlock()
	conn, ok := b.m.connections[connectionID]
	if !ok {
		return store.ErrNotFound
	}
	if cursor != "" {
		c := cursor
		conn.SyncCursor = &c
	}
	if feedETag != "" {
		e := feedETag
		conn.FeedETag = &e
	}
	if feedLastModified != "" {
		l := feedLastModified
		conn.FeedLastModified = &l
	}
	t := syncedAt.UTC()
	conn.LastSyncedAt = &t
	conn.LastError = ""
	return nil
}

func sortConnections(conns []store.Connection) {
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })
}
