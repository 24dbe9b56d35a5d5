package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/jw6ventures/calsync/internal/audit"
	"github.com/jw6ventures/calsync/internal/store"
)

// refreshLead is how far before expiry a token is refreshed, so an access
// token handed to a caller stays valid for the duration of a sync pass.
const refreshLead = 5 * time.Minute

// ErrReauthorizationRequired indicates the refresh token was revoked or
// expired; the connection is demoted to ERROR until the user reconnects.
var ErrReauthorizationRequired = errors.New("refresh token rejected, reauthorization required")

// refreshFunc exchanges a refresh token for a new token. Swapped in tests.
type refreshFunc func(ctx context.Context, provider store.Provider, tok *oauth2.Token) (*oauth2.Token, error)

// TokenVault stores sealed OAuth tokens per connection and serves fresh
// access tokens, refreshing lazily. Refreshes for the same connection are
// serialized so concurrent sync passes do not race on a one-time-use
// refresh token.
type TokenVault struct {
	sealer  *Sealer
	conns   store.ConnectionRepository
	auditor *audit.Logger
	configs map[store.Provider]*oauth2.Config
	refresh refreshFunc
	now     func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewTokenVault(sealer *Sealer, conns store.ConnectionRepository, auditor *audit.Logger, configs map[store.Provider]*oauth2.Config) *TokenVault {
	v := &TokenVault{
		sealer:  sealer,
		conns:   conns,
		auditor: auditor,
		configs: configs,
		now:     time.Now,
		locks:   make(map[string]*sync.Mutex),
	}
	v.refresh = v.refreshWithConfig
	return v
}

// SealToken serializes and seals a token for storage on a connection.
func (v *TokenVault) SealToken(tok *oauth2.Token) ([]byte, error) {
	raw, err := json.Marshal(tok)
	if err != nil {
		return nil, fmt.Errorf("encode token: %w", err)
	}
	return v.sealer.Seal(raw)
}

// OpenToken unseals a stored token blob.
func (v *TokenVault) OpenToken(blob []byte) (*oauth2.Token, error) {
	raw, err := v.sealer.Open(blob)
	if err != nil {
		return nil, fmt.Errorf("unseal token: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &tok, nil
}

// SealFeedURL seals an ICS feed URL for storage in the token column.
func (v *TokenVault) SealFeedURL(feedURL string) ([]byte, error) {
	return v.sealer.SealString(feedURL)
}

// OpenFeedURL unseals a stored ICS feed URL.
func (v *TokenVault) OpenFeedURL(blob []byte) (string, error) {
	return v.sealer.OpenString(blob)
}

// AccessToken returns a currently valid access token for the connection,
// refreshing and re-sealing it when it expires within the lead window. A
// rejected refresh token marks the connection ERROR and returns
// ErrReauthorizationRequired.
func (v *TokenVault) AccessToken(ctx context.Context, conn *store.Connection) (string, error) {
	tok, err := v.OpenToken(conn.TokenBlob)
	if err != nil {
		return "", err
	}
	if v.fresh(tok) {
		return tok.AccessToken, nil
	}

	lock := v.connLock(conn.ID)
	lock.Lock()
	defer lock.Unlock()

	// Another caller may have refreshed while we waited on the lock.
	current, err := v.conns.GetByID(ctx, conn.ID)
	if err != nil {
		return "", fmt.Errorf("reload connection: %w", err)
	}
	tok, err = v.OpenToken(current.TokenBlob)
	if err != nil {
		return "", err
	}
	if v.fresh(tok) {
		return tok.AccessToken, nil
	}

	refreshed, err := v.refresh(ctx, current.Provider, tok)
	if err != nil {
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) && isTerminalOAuthError(retrieveErr) {
			if serr := v.conns.SetStatus(ctx, current.ID, store.ConnectionError, "refresh token rejected"); serr != nil {
				log.Printf("[ERROR] vault: mark connection %s errored: %v", current.ID, serr)
			}
			v.auditor.Failure(ctx, current.UserID, audit.ActionTokenRefreshFailed, "connection", current.ID, err, nil)
			return "", fmt.Errorf("%w: %v", ErrReauthorizationRequired, err)
		}
		return "", fmt.Errorf("refresh token: %w", err)
	}

	// Providers that rotate refresh tokens omit the new one sometimes;
	// keep the previous refresh token in that case.
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = tok.RefreshToken
	}

	blob, err := v.SealToken(refreshed)
	if err != nil {
		return "", err
	}
	var expires *time.Time
	if !refreshed.Expiry.IsZero() {
		e := refreshed.Expiry.UTC()
		expires = &e
	}
	if err := v.conns.UpdateTokens(ctx, current.ID, blob, expires); err != nil {
		return "", fmt.Errorf("persist refreshed token: %w", err)
	}
	v.auditor.Success(ctx, current.UserID, audit.ActionTokenRefreshed, "connection", current.ID, nil)
	return refreshed.AccessToken, nil
}

func (v *TokenVault) fresh(tok *oauth2.Token) bool {
	if tok.AccessToken == "" {
		return false
	}
	if tok.Expiry.IsZero() {
		return true
	}
	return tok.Expiry.After(v.now().Add(refreshLead))
}

func (v *TokenVault) connLock(id string) *sync.Mutex {
	v.mu.Lock()
	defer v.mu.Unlock()
	lock, ok := v.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		v.locks[id] = lock
	}
	return lock
}

func (v *TokenVault) refreshWithConfig(ctx context.Context, provider store.Provider, tok *oauth2.Token) (*oauth2.Token, error) {
	cfg, ok := v.configs[provider]
	if !ok {
		return nil, fmt.Errorf("no oauth config for provider %s", provider)
	}
	// Force a refresh regardless of what expiry the stored token claims.
	stale := &oauth2.Token{
		RefreshToken: tok.RefreshToken,
		Expiry:       time.Now().Add(-time.Hour),
	}
	return cfg.TokenSource(ctx, stale).Token()
}

// isTerminalOAuthError reports whether the authorization server rejected
// the grant outright, as opposed to a transient failure. Only the RFC 6749
// grant-rejection codes count; rate limits and server errors are left for
// the next sync pass to retry.
func isTerminalOAuthError(err *oauth2.RetrieveError) bool {
	switch err.ErrorCode {
	case "invalid_grant", "invalid_client", "unauthorized_client":
		return true
	}
	return false
}
