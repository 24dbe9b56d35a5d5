package api

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"

	"github.com/jw6ventures/calsync/internal/audit"
	"github.com/jw6ventures/calsync/internal/calendar"
	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/store/storetest"
	"github.com/jw6ventures/calsync/internal/sync"
	"github.com/jw6ventures/calsync/internal/vault"
)

type stubAdapter struct{}

func (stubAdapter) Provider() store.Provider            { return store.ProviderGoogle }
func (stubAdapter) Capabilities() provider.Capabilities { return provider.Capabilities{Push: true} }
func (stubAdapter) ListCalendars(ctx context.Context, accessToken string) ([]provider.CalendarInfo, error) {
	return []provider.CalendarInfo{{ID: "primary", Name: "Personal", Primary: true}}, nil
}
func (stubAdapter) FetchChanges(ctx context.Context, in provider.FetchInput) (*provider.FetchOutput, error) {
	return &provider.FetchOutput{}, nil
}
func (stubAdapter) CreateEvent(ctx context.Context, accessToken, calendarID string, ev provider.Event, key string) (string, error) {
	return "remote-1", nil
}
func (stubAdapter) UpdateEvent(ctx context.Context, accessToken, calendarID string, ev provider.Event) error {
	return nil
}
func (stubAdapter) DeleteEvent(ctx context.Context, accessToken, calendarID, providerEventID string) error {
	return nil
}
func (stubAdapter) Subscribe(ctx context.Context, req provider.SubscriptionRequest) (*provider.RemoteSubscription, error) {
	return nil, provider.ErrNotSupported
}
func (stubAdapter) RenewSubscription(ctx context.Context, req provider.SubscriptionRequest, sub provider.RemoteSubscription) (*provider.RemoteSubscription, error) {
	return nil, provider.ErrNotSupported
}
func (stubAdapter) Unsubscribe(ctx context.Context, accessToken string, sub provider.RemoteSubscription) error {
	return nil
}

type noopSubs struct{}

func (noopSubs) EnsureSubscription(ctx context.Context, conn *store.Connection) error { return nil }
func (noopSubs) Teardown(ctx context.Context, conn *store.Connection)                 {}

type stubIdentity struct{}

func (stubIdentity) Resolve(ctx context.Context, p store.Provider, tok *oauth2.Token) (calendar.Identity, error) {
	return calendar.Identity{AccountID: "acct-1"}, nil
}

type stubFeeds struct{}

func (stubFeeds) ValidateICSFeed(ctx context.Context, feedURL string) (string, error) {
	return "Feed", nil
}

type apiRig struct {
	router chi.Router
	store  *store.Store
	vault  *vault.TokenVault
}

func newAPIRig(t *testing.T) *apiRig {
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
	adapters := map[store.Provider]provider.Adapter{store.ProviderGoogle: stubAdapter{}}
	engine := sync.NewEngine(st, tv, adapters, auditor, 2)
	configs := map[store.Provider]*oauth2.Config{
		store.ProviderGoogle: {
			ClientID: "client-1",
			Endpoint: oauth2.Endpoint{AuthURL: "https://accounts.example.com/auth"},
		},
	}
	svc := calendar.NewService(st, tv, engine, noopSubs{}, auditor, stubIdentity{}, adapters, stubFeeds{}, configs)

	router := chi.NewRouter()
	NewHandler(svc).Routes(router)
	return &apiRig{router: router, store: st, vault: tv}
}

func (r *apiRig) addConnection(t *testing.T, userID string, readOnly bool) *store.Connection {
	t.Helper()
	blob, err := r.vault.SealToken(&oauth2.Token{AccessToken: "tok"})
	if err != nil {
		t.Fatalf("seal token: %v", err)
	}
	conn, err := r.store.Connections.Create(context.Background(), store.Connection{
		UserID:     userID,
		Provider:   store.ProviderGoogle,
		CalendarID: "primary",
		Name:       "Personal",
		Status:     store.ConnectionActive,
		ReadOnly:   readOnly,
		TokenBlob:  blob,
	})
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}
	return conn
}

func (r *apiRig) do(t *testing.T, method, target, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	r.router.ServeHTTP(w, req)
	return w
}

func TestMissingUserHeaderUnauthorized(t *testing.T) {
	r := newAPIRig(t)
	for _, tc := range []struct{ method, target string }{
		{http.MethodGet, "/connections"},
		{http.MethodGet, "/events?from=2026-03-01T00:00:00Z&to=2026-03-02T00:00:00Z"},
		{http.MethodPost, "/connections/ics"},
		{http.MethodDelete, "/connections/x"},
	} {
		w := r.do(t, tc.method, tc.target, "", "")
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: status %d", tc.method, tc.target, w.Code)
		}
	}
}

func TestListConnections(t *testing.T) {
	r := newAPIRig(t)
	r.addConnection(t, "user-1", false)
	r.addConnection(t, "user-2", false)

	w := r.do(t, http.MethodGet, "/connections", "user-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}
	var body struct {
		Connections []store.Connection `json:"connections"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Connections) != 1 || body.Connections[0].UserID != "user-1" {
		t.Errorf("connections: %+v", body.Connections)
	}
}

func TestAuthURLEndpoint(t *testing.T) {
	r := newAPIRig(t)

	w := r.do(t, http.MethodGet, "/connect/google/url?state=s1", "user-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}
	var body map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if !strings.Contains(body["url"], "client_id=client-1") {
		t.Errorf("url: %q", body["url"])
	}

	if w := r.do(t, http.MethodGet, "/connect/facebook/url", "user-1", ""); w.Code != http.StatusBadRequest {
		t.Errorf("unknown provider: status %d", w.Code)
	}
}

func TestConnectICSEndpoint(t *testing.T) {
	r := newAPIRig(t)

	w := r.do(t, http.MethodPost, "/connections/ics", "user-1",
		`{"feed_url":"https://example.com/team.ics","name":"Team"}`)
	if w.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}
	var body struct {
		Connection store.Connection `json:"connection"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Connection.Provider != store.ProviderICS || body.Connection.Name != "Team" {
		t.Errorf("connection: %+v", body.Connection)
	}

	// Validation failures map to 400.
	if w := r.do(t, http.MethodPost, "/connections/ics", "user-1", `{"feed_url":"not a url"}`); w.Code != http.StatusBadRequest {
		t.Errorf("bad feed url: status %d: %s", w.Code, w.Body)
	}
	// Unknown fields are rejected.
	if w := r.do(t, http.MethodPost, "/connections/ics", "user-1", `{"feed_url":"https://x.com/a.ics","bogus":1}`); w.Code != http.StatusBadRequest {
		t.Errorf("unknown field: status %d", w.Code)
	}
}

func TestCompleteConnectRequiresCode(t *testing.T) {
	r := newAPIRig(t)
	w := r.do(t, http.MethodPost, "/connect/google", "user-1", `{"calendar_ids":["primary"]}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d: %s", w.Code, w.Body)
	}
}

func TestCreateEventEndpoint(t *testing.T) {
	r := newAPIRig(t)
	conn := r.addConnection(t, "user-1", false)

	payload := `{"title":"Review","start":"2026-05-04T10:00:00Z","end":"2026-05-04T11:00:00Z","timezone":"UTC"}`
	w := r.do(t, http.MethodPost, "/connections/"+conn.ID+"/events", "user-1", payload)
	if w.Code != http.StatusCreated {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}
	var body struct {
		Event store.Event `json:"event"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Event.Title != "Review" || body.Event.SyncStatus != store.SyncPending {
		t.Errorf("event: %+v", body.Event)
	}
}

func TestCreateEventErrorMapping(t *testing.T) {
	r := newAPIRig(t)
	writable := r.addConnection(t, "user-1", false)
	readonly := r.addConnection(t, "user-1", true)
	foreign := r.addConnection(t, "user-2", false)

	payload := `{"title":"X","start":"2026-05-04T10:00:00Z","end":"2026-05-04T11:00:00Z"}`

	if w := r.do(t, http.MethodPost, "/connections/"+readonly.ID+"/events", "user-1", payload); w.Code != http.StatusForbidden {
		t.Errorf("read-only: status %d", w.Code)
	}
	// Foreign and missing connections are indistinguishable.
	if w := r.do(t, http.MethodPost, "/connections/"+foreign.ID+"/events", "user-1", payload); w.Code != http.StatusNotFound {
		t.Errorf("foreign: status %d", w.Code)
	}
	if w := r.do(t, http.MethodPost, "/connections/nope/events", "user-1", payload); w.Code != http.StatusNotFound {
		t.Errorf("missing: status %d", w.Code)
	}
	if w := r.do(t, http.MethodPost, "/connections/"+writable.ID+"/events", "user-1", `{"title":""}`); w.Code != http.StatusBadRequest {
		t.Errorf("invalid body: status %d", w.Code)
	}
}

func TestListEventsEndpoint(t *testing.T) {
	r := newAPIRig(t)
	conn := r.addConnection(t, "user-1", false)
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if _, err := r.store.Events.Create(context.Background(), store.Event{
		ConnectionID: conn.ID,
		Title:        "Visible",
		StartTime:    start,
		EndTime:      start.Add(time.Hour),
		SyncStatus:   store.SyncSynced,
	}); err != nil {
		t.Fatalf("seed event: %v", err)
	}

	w := r.do(t, http.MethodGet, "/events?from=2026-03-01T00:00:00Z&to=2026-03-08T00:00:00Z", "user-1", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}
	var body struct {
		Events []calendar.WindowEvent `json:"events"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(body.Events) != 1 || body.Events[0].Title != "Visible" {
		t.Errorf("events: %+v", body.Events)
	}

	if w := r.do(t, http.MethodGet, "/events?from=bogus&to=2026-03-08T00:00:00Z", "user-1", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad from: status %d", w.Code)
	}
	if w := r.do(t, http.MethodGet, "/events?from=2026-03-08T00:00:00Z&to=2026-03-01T00:00:00Z", "user-1", ""); w.Code != http.StatusBadRequest {
		t.Errorf("inverted window: status %d", w.Code)
	}
}

func TestUpdateAndDeleteEventEndpoints(t *testing.T) {
	r := newAPIRig(t)
	conn := r.addConnection(t, "user-1", false)
	start := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	seeded, err := r.store.Events.Create(context.Background(), store.Event{
		ConnectionID:    conn.ID,
		ProviderEventID: "remote-1",
		Title:           "Old",
		StartTime:       start,
		EndTime:         start.Add(time.Hour),
		SyncStatus:      store.SyncSynced,
	})
	if err != nil {
		t.Fatalf("seed event: %v", err)
	}

	payload := `{"title":"New","start":"2026-05-04T10:00:00Z","end":"2026-05-04T12:00:00Z"}`
	w := r.do(t, http.MethodPut, "/events/"+seeded.ID, "user-1", payload)
	if w.Code != http.StatusOK {
		t.Fatalf("update status %d: %s", w.Code, w.Body)
	}
	var body struct {
		Event store.Event `json:"event"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	if body.Event.Title != "New" {
		t.Errorf("updated: %+v", body.Event)
	}

	if w := r.do(t, http.MethodPut, "/events/"+seeded.ID, "user-2", payload); w.Code != http.StatusNotFound {
		t.Errorf("foreign update: status %d", w.Code)
	}

	if w := r.do(t, http.MethodDelete, "/events/"+seeded.ID, "user-1", ""); w.Code != http.StatusNoContent {
		t.Errorf("delete status %d", w.Code)
	}
	after, _ := r.store.Events.GetByID(context.Background(), seeded.ID)
	if after.SyncStatus != store.SyncDeleted {
		t.Errorf("after delete: %+v", after)
	}
}

func TestDisconnectEndpoint(t *testing.T) {
	r := newAPIRig(t)
	conn := r.addConnection(t, "user-1", false)

	if w := r.do(t, http.MethodDelete, "/connections/"+conn.ID, "user-1", ""); w.Code != http.StatusNoContent {
		t.Errorf("status %d", w.Code)
	}
	after, _ := r.store.Connections.GetByID(context.Background(), conn.ID)
	if after.Status != store.ConnectionDisconnected {
		t.Errorf("status: %s", after.Status)
	}
}

func TestTriggerSyncEndpoint(t *testing.T) {
	r := newAPIRig(t)
	conn := r.addConnection(t, "user-1", false)

	if w := r.do(t, http.MethodPost, "/connections/"+conn.ID+"/sync", "user-1", ""); w.Code != http.StatusOK {
		t.Errorf("status %d", w.Code)
	}
	if w := r.do(t, http.MethodPost, "/connections/"+conn.ID+"/sync", "user-2", ""); w.Code != http.StatusNotFound {
		t.Errorf("foreign trigger: status %d", w.Code)
	}
}
