package vault

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"net/http"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/jw6ventures/calsync/internal/audit"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/store/storetest"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func TestSealerRoundTrip(t *testing.T) {
	sealer, err := NewSealer(testKey(t))
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}

	plaintext := []byte(`{"access_token":"secret"}`)
	sealed, err := sealer.Seal(plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if bytes.Contains(sealed, []byte("secret")) {
		t.Fatal("ciphertext leaks plaintext")
	}

	opened, err := sealer.Open(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("round trip mismatch: %q", opened)
	}
}

func TestSealerDistinctNonces(t *testing.T) {
	sealer, _ := NewSealer(testKey(t))
	a, _ := sealer.Seal([]byte("same"))
	b, _ := sealer.Seal([]byte("same"))
	if bytes.Equal(a, b) {
		t.Fatal("two seals of the same plaintext should differ")
	}
}

func TestSealerRejectsTampering(t *testing.T) {
	sealer, _ := NewSealer(testKey(t))
	sealed, _ := sealer.Seal([]byte("payload"))
	sealed[len(sealed)-1] ^= 0xff
	if _, err := sealer.Open(sealed); err == nil {
		t.Fatal("tampered blob should fail authentication")
	}
}

func TestSealerRejectsShortBlobAndBadKey(t *testing.T) {
	sealer, _ := NewSealer(testKey(t))
	if _, err := sealer.Open([]byte("short")); err == nil {
		t.Fatal("short blob should fail")
	}
	if _, err := NewSealer([]byte("too short")); err == nil {
		t.Fatal("wrong key size should fail")
	}
}

func newTestVault(t *testing.T) (*TokenVault, *store.Store) {
	t.Helper()
	sealer, err := NewSealer(testKey(t))
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	st := storetest.New()
	v := NewTokenVault(sealer, st.Connections, audit.NewLogger(st.Audit), nil)
	return v, st
}

func seedConnection(t *testing.T, v *TokenVault, st *store.Store, tok *oauth2.Token) *store.Connection {
	t.Helper()
	blob, err := v.SealToken(tok)
	if err != nil {
		t.Fatalf("seal token: %v", err)
	}
	conn, err := st.Connections.Create(context.Background(), store.Connection{
		UserID:     "user-1",
		Provider:   store.ProviderGoogle,
		CalendarID: "primary",
		Status:     store.ConnectionActive,
		TokenBlob:  blob,
	})
	if err != nil {
		t.Fatalf("create connection: %v", err)
	}
	return conn
}

func TestAccessTokenFreshTokenSkipsRefresh(t *testing.T) {
	v, st := newTestVault(t)
	v.refresh = func(ctx context.Context, p store.Provider, tok *oauth2.Token) (*oauth2.Token, error) {
		t.Fatal("refresh should not run for a fresh token")
		return nil, nil
	}

	conn := seedConnection(t, v, st, &oauth2.Token{
		AccessToken: "fresh",
		Expiry:      time.Now().Add(time.Hour),
	})

	got, err := v.AccessToken(context.Background(), conn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "fresh" {
		t.Errorf("got %q", got)
	}
}

func TestAccessTokenRefreshesNearExpiry(t *testing.T) {
	v, st := newTestVault(t)
	var refreshed int
	v.refresh = func(ctx context.Context, p store.Provider, tok *oauth2.Token) (*oauth2.Token, error) {
		refreshed++
		if tok.RefreshToken != "rt-1" {
			t.Errorf("refresh token: %q", tok.RefreshToken)
		}
		return &oauth2.Token{
			AccessToken:  "new-access",
			RefreshToken: "rt-2",
			Expiry:       time.Now().Add(time.Hour),
		}, nil
	}

	// Expires inside the refresh lead window.
	conn := seedConnection(t, v, st, &oauth2.Token{
		AccessToken:  "stale",
		RefreshToken: "rt-1",
		Expiry:       time.Now().Add(time.Minute),
	})

	got, err := v.AccessToken(context.Background(), conn)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "new-access" {
		t.Errorf("got %q", got)
	}
	if refreshed != 1 {
		t.Errorf("refresh calls: %d", refreshed)
	}

	// The rotated token is sealed back onto the connection.
	current, err := st.Connections.GetByID(context.Background(), conn.ID)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	stored, err := v.OpenToken(current.TokenBlob)
	if err != nil {
		t.Fatalf("open stored token: %v", err)
	}
	if stored.AccessToken != "new-access" || stored.RefreshToken != "rt-2" {
		t.Errorf("stored token: %+v", stored)
	}

	entries := storetest.Audited(st)
	if len(entries) != 1 || entries[0].Action != audit.ActionTokenRefreshed {
		t.Errorf("audit entries: %+v", entries)
	}
}

func TestAccessTokenKeepsRefreshTokenWhenRotationOmitsIt(t *testing.T) {
	v, st := newTestVault(t)
	v.refresh = func(ctx context.Context, p store.Provider, tok *oauth2.Token) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "new-access", Expiry: time.Now().Add(time.Hour)}, nil
	}

	conn := seedConnection(t, v, st, &oauth2.Token{
		AccessToken:  "stale",
		RefreshToken: "keep-me",
		Expiry:       time.Now().Add(-time.Minute),
	})

	if _, err := v.AccessToken(context.Background(), conn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	current, _ := st.Connections.GetByID(context.Background(), conn.ID)
	stored, err := v.OpenToken(current.TokenBlob)
	if err != nil {
		t.Fatalf("open stored token: %v", err)
	}
	if stored.RefreshToken != "keep-me" {
		t.Errorf("refresh token dropped: %+v", stored)
	}
}

func TestAccessTokenRevokedGrantDemotesConnection(t *testing.T) {
	v, st := newTestVault(t)
	v.refresh = func(ctx context.Context, p store.Provider, tok *oauth2.Token) (*oauth2.Token, error) {
		return nil, &oauth2.RetrieveError{
			Response:  &http.Response{StatusCode: http.StatusBadRequest},
			ErrorCode: "invalid_grant",
		}
	}

	conn := seedConnection(t, v, st, &oauth2.Token{
		AccessToken:  "stale",
		RefreshToken: "revoked",
		Expiry:       time.Now().Add(-time.Minute),
	})

	_, err := v.AccessToken(context.Background(), conn)
	if !errors.Is(err, ErrReauthorizationRequired) {
		t.Fatalf("expected reauthorization error, got %v", err)
	}

	current, _ := st.Connections.GetByID(context.Background(), conn.ID)
	if current.Status != store.ConnectionError {
		t.Errorf("connection status: %s", current.Status)
	}

	entries := storetest.Audited(st)
	if len(entries) != 1 || entries[0].Action != audit.ActionTokenRefreshFailed {
		t.Errorf("audit entries: %+v", entries)
	}
	if entries[0].Status != store.AuditFailure {
		t.Errorf("audit status: %s", entries[0].Status)
	}
}

func TestAccessTokenTransientRefreshFailureLeavesConnectionAlone(t *testing.T) {
	v, st := newTestVault(t)
	v.refresh = func(ctx context.Context, p store.Provider, tok *oauth2.Token) (*oauth2.Token, error) {
		return nil, &oauth2.RetrieveError{
			Response: &http.Response{StatusCode: http.StatusServiceUnavailable},
		}
	}

	conn := seedConnection(t, v, st, &oauth2.Token{
		AccessToken:  "stale",
		RefreshToken: "rt",
		Expiry:       time.Now().Add(-time.Minute),
	})

	_, err := v.AccessToken(context.Background(), conn)
	if err == nil || errors.Is(err, ErrReauthorizationRequired) {
		t.Fatalf("expected a plain failure, got %v", err)
	}

	current, _ := st.Connections.GetByID(context.Background(), conn.ID)
	if current.Status != store.ConnectionActive {
		t.Errorf("5xx at the token endpoint should not demote the connection: %s", current.Status)
	}
}

func TestAccessTokenRateLimitedRefreshLeavesConnectionActive(t *testing.T) {
	v, st := newTestVault(t)
	v.refresh = func(ctx context.Context, p store.Provider, tok *oauth2.Token) (*oauth2.Token, error) {
		return nil, &oauth2.RetrieveError{
			Response: &http.Response{StatusCode: http.StatusTooManyRequests},
		}
	}

	conn := seedConnection(t, v, st, &oauth2.Token{
		AccessToken:  "stale",
		RefreshToken: "rt",
		Expiry:       time.Now().Add(-time.Minute),
	})

	_, err := v.AccessToken(context.Background(), conn)
	if err == nil || errors.Is(err, ErrReauthorizationRequired) {
		t.Fatalf("expected a plain failure, got %v", err)
	}

	current, _ := st.Connections.GetByID(context.Background(), conn.ID)
	if current.Status != store.ConnectionActive {
		t.Errorf("rate-limited refresh should not demote the connection: %s", current.Status)
	}
	for _, entry := range storetest.Audited(st) {
		if entry.Action == audit.ActionTokenRefreshFailed {
			t.Errorf("rate-limited refresh audited as failed grant: %+v", entry)
		}
	}
}

func TestAccessTokenSecondCallerSeesRefreshedToken(t *testing.T) {
	v, st := newTestVault(t)
	var refreshed int
	v.refresh = func(ctx context.Context, p store.Provider, tok *oauth2.Token) (*oauth2.Token, error) {
		refreshed++
		return &oauth2.Token{AccessToken: "new-access", RefreshToken: "rt", Expiry: time.Now().Add(time.Hour)}, nil
	}

	conn := seedConnection(t, v, st, &oauth2.Token{
		AccessToken:  "stale",
		RefreshToken: "rt",
		Expiry:       time.Now().Add(-time.Minute),
	})

	if _, err := v.AccessToken(context.Background(), conn); err != nil {
		t.Fatalf("first call: %v", err)
	}
	// The second call carries the stale snapshot but must reload under the
	// lock and find the already-refreshed token.
	got, err := v.AccessToken(context.Background(), conn)
	if err != nil {
		t.Fatalf("second call: %v", err)
	}
	if got != "new-access" {
		t.Errorf("got %q", got)
	}
	if refreshed != 1 {
		t.Errorf("token refreshed %d times", refreshed)
	}
}

func TestFeedURLRoundTrip(t *testing.T) {
	v, _ := newTestVault(t)
	blob, err := v.SealFeedURL("https://example.com/cal.ics")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	got, err := v.OpenFeedURL(blob)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got != "https://example.com/cal.ics" {
		t.Errorf("got %q", got)
	}
}
