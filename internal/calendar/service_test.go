package calendar

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/jw6ventures/calsync/internal/audit"
	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/store/storetest"
	"github.com/jw6ventures/calsync/internal/sync"
	"github.com/jw6ventures/calsync/internal/vault"
)

type fakeAdapter struct {
	provider  store.Provider
	caps      provider.Capabilities
	calendars []provider.CalendarInfo
}

func (f *fakeAdapter) Provider() store.Provider            { return f.provider }
func (f *fakeAdapter) Capabilities() provider.Capabilities { return f.caps }
func (f *fakeAdapter) ListCalendars(ctx context.Context, accessToken string) ([]provider.CalendarInfo, error) {
	return f.calendars, nil
}
func (f *fakeAdapter) FetchChanges(ctx context.Context, in provider.FetchInput) (*provider.FetchOutput, error) {
	return &provider.FetchOutput{}, nil
}
func (f *fakeAdapter) CreateEvent(ctx context.Context, accessToken, calendarID string, ev provider.Event, key string) (string, error) {
	return "remote-1", nil
}
func (f *fakeAdapter) UpdateEvent(ctx context.Context, accessToken, calendarID string, ev provider.Event) error {
	return nil
}
func (f *fakeAdapter) DeleteEvent(ctx context.Context, accessToken, calendarID, providerEventID string) error {
	return nil
}
func (f *fakeAdapter) Subscribe(ctx context.Context, req provider.SubscriptionRequest) (*provider.RemoteSubscription, error) {
	return nil, provider.ErrNotSupported
}
func (f *fakeAdapter) RenewSubscription(ctx context.Context, req provider.SubscriptionRequest, sub provider.RemoteSubscription) (*provider.RemoteSubscription, error) {
	return nil, provider.ErrNotSupported
}
func (f *fakeAdapter) Unsubscribe(ctx context.Context, accessToken string, sub provider.RemoteSubscription) error {
	return nil
}

type fakeSubs struct {
	ensured  []string
	tornDown []string
}

func (f *fakeSubs) EnsureSubscription(ctx context.Context, conn *store.Connection) error {
	f.ensured = append(f.ensured, conn.ID)
	return nil
}

func (f *fakeSubs) Teardown(ctx context.Context, conn *store.Connection) {
	f.tornDown = append(f.tornDown, conn.ID)
}

type fakeIdentity struct{}

func (fakeIdentity) Resolve(ctx context.Context, p store.Provider, tok *oauth2.Token) (Identity, error) {
	return Identity{AccountID: "acct-1", Email: "user@example.com"}, nil
}

type fakeFeeds struct {
	name string
	err  error
}

func (f *fakeFeeds) ValidateICSFeed(ctx context.Context, feedURL string) (string, error) {
	return f.name, f.err
}

type serviceRig struct {
	service *Service
	store   *store.Store
	vault   *vault.TokenVault
	subs    *fakeSubs
	adapter *fakeAdapter
	configs map[store.Provider]*oauth2.Config
}

func newServiceRig(t *testing.T) *serviceRig {
	t.Helper()
	key := make([]byte, vault.KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sealer, err := vault.NewSealer(key)
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	st := storetest.New()
	auditor := audit.NewLogger(st.Audit)
	tv := vault.NewTokenVault(sealer, st.Connections, auditor, nil)

	adapter := &fakeAdapter{
		provider: store.ProviderGoogle,
		caps:     provider.Capabilities{Push: true, Subscriptions: true},
		calendars: []provider.CalendarInfo{
			{ID: "primary", Name: "Personal", Primary: true},
			{ID: "work", Name: "Work"},
			{ID: "shared", Name: "Shared", ReadOnly: true},
		},
	}
	adapters := map[store.Provider]provider.Adapter{store.ProviderGoogle: adapter}
	engine := sync.NewEngine(st, tv, adapters, auditor, 2)
	subs := &fakeSubs{}
	configs := map[store.Provider]*oauth2.Config{
		store.ProviderGoogle: {
			ClientID:    "client-1",
			RedirectURL: "https://calsync.example.com/connect/google/callback",
			Endpoint: oauth2.Endpoint{
				AuthURL:  "https://accounts.example.com/auth",
				TokenURL: "https://accounts.example.com/token",
			},
			Scopes: []string{"calendar"},
		},
	}
	svc := NewService(st, tv, engine, subs, auditor, fakeIdentity{}, adapters, &fakeFeeds{name: "Team Calendar"}, configs)
	return &serviceRig{service: svc, store: st, vault: tv, subs: subs, adapter: adapter, configs: configs}
}

func (r *serviceRig) addConnection(t *testing.T, userID string, readOnly bool) *store.Connection {
	t.Helper()
	blob, err := r.vault.SealToken(&oauth2.Token{AccessToken: "tok"})
	if err != nil {
		t.Fatalf("seal token: %v", err)
	}
	conn, err := r.store.Connections.Create(context.Background(), store.Connection{
		UserID:     userID,
		Provider:   store.ProviderGoogle,
		CalendarID: "primary",
		Status:     store.ConnectionActive,
		ReadOnly:   readOnly,
		TokenBlob:  blob,
	})
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}
	return conn
}

func validInput() EventInput {
	start := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	return EventInput{
		Title:    "Planning",
		Start:    start,
		End:      start.Add(time.Hour),
		Timezone: "UTC",
	}
}

func TestAuthURL(t *testing.T) {
	r := newServiceRig(t)

	u, err := r.service.AuthURL(store.ProviderGoogle, "state-1")
	if err != nil {
		t.Fatalf("auth url: %v", err)
	}
	if !strings.Contains(u, "client_id=client-1") || !strings.Contains(u, "state=state-1") {
		t.Errorf("url: %s", u)
	}
	if !strings.Contains(u, "access_type=offline") {
		t.Errorf("offline access not requested: %s", u)
	}

	if _, err := r.service.AuthURL(store.ProviderICS, "s"); !IsValidation(err) {
		t.Errorf("ICS auth url should fail validation, got %v", err)
	}
}

func TestCompleteOAuthConnectDefaultsToPrimary(t *testing.T) {
	r := newServiceRig(t)
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at","refresh_token":"rt","token_type":"Bearer","expires_in":3600}`)
	}))
	defer tokenSrv.Close()
	r.configs[store.ProviderGoogle].Endpoint.TokenURL = tokenSrv.URL

	conns, err := r.service.CompleteOAuthConnect(context.Background(), "user-1", store.ProviderGoogle, "code-1", nil)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if len(conns) != 1 {
		t.Fatalf("connections: %+v", conns)
	}
	conn := conns[0]
	if conn.CalendarID != "primary" || conn.Name != "Personal" {
		t.Errorf("picked calendar: %+v", conn)
	}
	if conn.ExternalAccountID != "acct-1" {
		t.Errorf("account: %q", conn.ExternalAccountID)
	}

	// The stored grant round-trips through the vault.
	stored, _ := r.store.Connections.GetByID(context.Background(), conn.ID)
	tok, err := r.vault.OpenToken(stored.TokenBlob)
	if err != nil {
		t.Fatalf("open token: %v", err)
	}
	if tok.AccessToken != "at" || tok.RefreshToken != "rt" {
		t.Errorf("stored token: %+v", tok)
	}

	if len(r.subs.ensured) != 1 || r.subs.ensured[0] != conn.ID {
		t.Errorf("subscription setup: %v", r.subs.ensured)
	}
}

func TestCompleteOAuthConnectSelectedCalendars(t *testing.T) {
	r := newServiceRig(t)
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at","token_type":"Bearer","expires_in":3600}`)
	}))
	defer tokenSrv.Close()
	r.configs[store.ProviderGoogle].Endpoint.TokenURL = tokenSrv.URL

	conns, err := r.service.CompleteOAuthConnect(context.Background(), "user-1", store.ProviderGoogle, "code-1",
		[]string{"work", "shared"})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if len(conns) != 2 {
		t.Fatalf("connections: %+v", conns)
	}
	byCal := map[string]store.Connection{}
	for _, c := range conns {
		byCal[c.CalendarID] = c
	}
	if !byCal["shared"].ReadOnly {
		t.Error("reader-role calendar should connect read-only")
	}
	if byCal["work"].ReadOnly {
		t.Error("writable calendar marked read-only")
	}

	if _, err := r.service.CompleteOAuthConnect(context.Background(), "user-1", store.ProviderGoogle, "code-2",
		[]string{"nonexistent"}); !IsValidation(err) {
		t.Errorf("unknown calendar selection: got %v", err)
	}
}

func TestCompleteOAuthReconnectReactivates(t *testing.T) {
	r := newServiceRig(t)
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"new-at","refresh_token":"new-rt","token_type":"Bearer","expires_in":3600}`)
	}))
	defer tokenSrv.Close()
	r.configs[store.ProviderGoogle].Endpoint.TokenURL = tokenSrv.URL

	conn := r.addConnection(t, "user-1", false)
	if err := r.store.Connections.SetStatus(context.Background(), conn.ID, store.ConnectionError, "token revoked"); err != nil {
		t.Fatalf("seed error: %v", err)
	}

	conns, err := r.service.CompleteOAuthConnect(context.Background(), "user-1", store.ProviderGoogle, "code-1", nil)
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if len(conns) != 1 || conns[0].ID != conn.ID {
		t.Fatalf("expected the existing connection back, got %+v", conns)
	}
	if conns[0].Status != store.ConnectionActive {
		t.Errorf("status: %s", conns[0].Status)
	}
	tok, err := r.vault.OpenToken(conns[0].TokenBlob)
	if err != nil {
		t.Fatalf("open token: %v", err)
	}
	if tok.AccessToken != "new-at" {
		t.Errorf("grant not replaced: %+v", tok)
	}
}

func TestConnectICS(t *testing.T) {
	r := newServiceRig(t)

	conn, err := r.service.ConnectICS(context.Background(), "user-1", "https://example.com/team.ics", "")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if conn.Provider != store.ProviderICS || !conn.ReadOnly {
		t.Errorf("connection: %+v", conn)
	}
	if conn.Name != "Team Calendar" {
		t.Errorf("name from feed: %q", conn.Name)
	}
	if conn.CalendarID == "" {
		t.Error("calendar id missing")
	}

	url, err := r.vault.OpenFeedURL(conn.TokenBlob)
	if err != nil {
		t.Fatalf("unseal feed url: %v", err)
	}
	if url != "https://example.com/team.ics" {
		t.Errorf("feed url: %q", url)
	}

	// The same feed connects with the same deterministic calendar ID, so a
	// second attempt is rejected as a duplicate.
	if _, err := r.service.ConnectICS(context.Background(), "user-1", "https://example.com/team.ics", ""); !IsValidation(err) {
		t.Errorf("duplicate feed: got %v", err)
	}
}

func TestConnectICSRejectsBadURLs(t *testing.T) {
	r := newServiceRig(t)
	for _, feedURL := range []string{"", "not a url", "ftp://example.com/x.ics", "/relative/path.ics"} {
		if _, err := r.service.ConnectICS(context.Background(), "user-1", feedURL, ""); !IsValidation(err) {
			t.Errorf("%q: got %v", feedURL, err)
		}
	}
}

func TestConnectICSUnfetchableFeed(t *testing.T) {
	r := newServiceRig(t)
	r.service.feeds = &fakeFeeds{err: errors.New("status 404")}
	if _, err := r.service.ConnectICS(context.Background(), "user-1", "https://example.com/gone.ics", ""); !IsValidation(err) {
		t.Errorf("got %v", err)
	}
}

func TestCreateEvent(t *testing.T) {
	r := newServiceRig(t)
	conn := r.addConnection(t, "user-1", false)

	in := validInput()
	in.Attendees = []store.Attendee{{Email: "a@example.com"}}
	created, err := r.service.CreateEvent(context.Background(), "user-1", conn.ID, in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.SyncStatus != store.SyncPending {
		t.Errorf("new event should be pending: %s", created.SyncStatus)
	}
	if created.IdempotencyKey == "" {
		t.Error("idempotency key missing")
	}
	if created.ContentHash == "" {
		t.Error("content hash missing")
	}
	if created.LastModifiedLocal == nil {
		t.Error("local modification time missing")
	}

	attendees, _ := r.store.Events.ListAttendees(context.Background(), created.ID)
	if len(attendees) != 1 {
		t.Errorf("attendees: %+v", attendees)
	}
}

func TestCreateEventReadOnlyConnection(t *testing.T) {
	r := newServiceRig(t)
	conn := r.addConnection(t, "user-1", true)

	_, err := r.service.CreateEvent(context.Background(), "user-1", conn.ID, validInput())
	if !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}

	// Rejection happens before any state change.
	events, _ := r.store.Events.ListWindow(context.Background(), "user-1",
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC), nil)
	if len(events) != 0 {
		t.Errorf("events created despite rejection: %+v", events)
	}
}

func TestCreateEventValidation(t *testing.T) {
	r := newServiceRig(t)
	conn := r.addConnection(t, "user-1", false)

	cases := []struct {
		name   string
		mutate func(*EventInput)
	}{
		{"empty title", func(in *EventInput) { in.Title = "  " }},
		{"missing times", func(in *EventInput) { in.Start = time.Time{} }},
		{"end before start", func(in *EventInput) { in.End = in.Start.Add(-time.Hour) }},
		{"bad timezone", func(in *EventInput) { in.Timezone = "Mars/Olympus" }},
		{"bad rrule", func(in *EventInput) { in.RecurrenceRule = "FREQ=SOMETIMES" }},
		{"oversized title", func(in *EventInput) { in.Title = strings.Repeat("t", provider.MaxTitleLen+1) }},
		{"oversized description", func(in *EventInput) { in.Description = strings.Repeat("d", provider.MaxDescriptionLen+1) }},
		{"oversized location", func(in *EventInput) { in.Location = strings.Repeat("l", provider.MaxLocationLen+1) }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := validInput()
			tc.mutate(&in)
			if _, err := r.service.CreateEvent(context.Background(), "user-1", conn.ID, in); !IsValidation(err) {
				t.Errorf("got %v", err)
			}
		})
	}
}

func TestCreateEventForeignConnection(t *testing.T) {
	r := newServiceRig(t)
	conn := r.addConnection(t, "someone-else", false)

	_, err := r.service.CreateEvent(context.Background(), "user-1", conn.ID, validInput())
	if !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestUpdateEventRemarksPending(t *testing.T) {
	r := newServiceRig(t)
	conn := r.addConnection(t, "user-1", false)

	seeded, err := r.store.Events.Create(context.Background(), store.Event{
		ConnectionID:    conn.ID,
		ProviderEventID: "remote-1",
		Title:           "Old title",
		StartTime:       time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
		EndTime:         time.Date(2026, 5, 4, 11, 0, 0, 0, time.UTC),
		Timezone:        "UTC",
		Status:          store.EventConfirmed,
		SyncStatus:      store.SyncSynced,
		PushAttempts:    3,
	})
	if err != nil {
		t.Fatalf("seed event: %v", err)
	}

	in := validInput()
	in.Title = "New title"
	updated, err := r.service.UpdateEvent(context.Background(), "user-1", seeded.ID, in)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.Title != "New title" || updated.SyncStatus != store.SyncPending {
		t.Errorf("updated: %+v", updated)
	}
	if updated.PushAttempts != 0 || updated.NextPushAt != nil {
		t.Errorf("retry state should reset on edit: %+v", updated)
	}
	if updated.ProviderEventID != "remote-1" {
		t.Errorf("provider identity lost: %q", updated.ProviderEventID)
	}
}

func TestDeleteEventSoftDeletes(t *testing.T) {
	r := newServiceRig(t)
	conn := r.addConnection(t, "user-1", false)

	seeded, err := r.store.Events.Create(context.Background(), store.Event{
		ConnectionID:    conn.ID,
		ProviderEventID: "remote-1",
		Title:           "Doomed",
		StartTime:       time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC),
		EndTime:         time.Date(2026, 5, 4, 11, 0, 0, 0, time.UTC),
		SyncStatus:      store.SyncSynced,
	})
	if err != nil {
		t.Fatalf("seed event: %v", err)
	}

	if err := r.service.DeleteEvent(context.Background(), "user-1", seeded.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	after, _ := r.store.Events.GetByID(context.Background(), seeded.ID)
	if after.SyncStatus != store.SyncDeleted || after.DeletedAt == nil {
		t.Errorf("after delete: %+v", after)
	}
}

func TestDeleteEventReadOnly(t *testing.T) {
	r := newServiceRig(t)
	conn := r.addConnection(t, "user-1", true)
	seeded, _ := r.store.Events.Create(context.Background(), store.Event{
		ConnectionID: conn.ID,
		Title:        "Mirrored",
		StartTime:    time.Now(),
		EndTime:      time.Now().Add(time.Hour),
		SyncStatus:   store.SyncSynced,
	})

	if err := r.service.DeleteEvent(context.Background(), "user-1", seeded.ID); !errors.Is(err, ErrReadOnly) {
		t.Fatalf("expected ErrReadOnly, got %v", err)
	}
}

func TestListEventsWindowValidation(t *testing.T) {
	r := newServiceRig(t)
	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	if _, err := r.service.ListEvents(context.Background(), "user-1", EventWindow{From: from, To: from}); !IsValidation(err) {
		t.Errorf("empty window: got %v", err)
	}
	if _, err := r.service.ListEvents(context.Background(), "user-1", EventWindow{From: from, To: from.AddDate(0, 0, -1)}); !IsValidation(err) {
		t.Errorf("inverted window: got %v", err)
	}
	if _, err := r.service.ListEvents(context.Background(), "user-1", EventWindow{From: from, To: from.AddDate(2, 0, 0)}); !IsValidation(err) {
		t.Errorf("oversized window: got %v", err)
	}
}

func TestListEventsExpandsRecurrences(t *testing.T) {
	r := newServiceRig(t)
	conn := r.addConnection(t, "user-1", false)

	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC) // a Monday
	if _, err := r.store.Events.Create(context.Background(), store.Event{
		ConnectionID:   conn.ID,
		Title:          "Weekly standup",
		StartTime:      start,
		EndTime:        start.Add(30 * time.Minute),
		Timezone:       "UTC",
		RecurrenceRule: "FREQ=WEEKLY;BYDAY=MO",
		SyncStatus:     store.SyncSynced,
	}); err != nil {
		t.Fatalf("seed event: %v", err)
	}

	window := EventWindow{From: start, To: start.AddDate(0, 0, 21), Expand: true}
	events, err := r.service.ListEvents(context.Background(), "user-1", window)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 occurrences, got %d: %+v", len(events), events)
	}
	for i, ev := range events {
		if ev.OccurrenceStart == nil || ev.OccurrenceEnd == nil {
			t.Fatalf("occurrence %d missing times: %+v", i, ev)
		}
		want := start.AddDate(0, 0, 7*i)
		if !ev.OccurrenceStart.Equal(want) {
			t.Errorf("occurrence %d: got %v, want %v", i, ev.OccurrenceStart, want)
		}
	}

	// Without expansion the recurring event comes back once, unexpanded.
	plain, err := r.service.ListEvents(context.Background(), "user-1", EventWindow{From: window.From, To: window.To})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(plain) != 1 || plain[0].OccurrenceStart != nil {
		t.Errorf("unexpanded query: %+v", plain)
	}
}

func TestDisconnect(t *testing.T) {
	r := newServiceRig(t)
	conn := r.addConnection(t, "user-1", false)

	if err := r.service.Disconnect(context.Background(), "user-1", conn.ID); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if len(r.subs.tornDown) != 1 || r.subs.tornDown[0] != conn.ID {
		t.Errorf("teardown calls: %v", r.subs.tornDown)
	}
	after, _ := r.store.Connections.GetByID(context.Background(), conn.ID)
	if after.Status != store.ConnectionDisconnected {
		t.Errorf("status: %s", after.Status)
	}

	if err := r.service.Disconnect(context.Background(), "intruder", conn.ID); !errors.Is(err, ErrForbidden) {
		t.Errorf("foreign disconnect: got %v", err)
	}
}

func TestTriggerSyncOwnership(t *testing.T) {
	r := newServiceRig(t)
	conn := r.addConnection(t, "someone-else", false)

	if err := r.service.TriggerSync(context.Background(), "user-1", conn.ID); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}
