// Package subscription manages provider webhook subscriptions: creating
// them when a connection is established, renewing them before expiry, and
// demoting connections to polling when renewal fails.
package subscription

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log"
	"time"

	"github.com/jw6ventures/calsync/internal/audit"
	"github.com/jw6ventures/calsync/internal/metrics"
	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/vault"
)

// renewalLead is how close to expiry a subscription must be before the
// renewal job picks it up. Renewal runs every 12 hours, so a 24 hour lead
// gives each subscription two chances before it lapses.
const renewalLead = 24 * time.Hour

type Manager struct {
	store    *store.Store
	vault    *vault.TokenVault
	adapters map[store.Provider]provider.Adapter
	auditor  *audit.Logger
	baseURL  string
	now      func() time.Time
}

func NewManager(st *store.Store, tv *vault.TokenVault, adapters map[store.Provider]provider.Adapter, auditor *audit.Logger, baseURL string) *Manager {
	return &Manager{
		store:    st,
		vault:    tv,
		adapters: adapters,
		auditor:  auditor,
		baseURL:  baseURL,
		now:      time.Now,
	}
}

// EnsureSubscription creates a webhook subscription for the connection if
// the provider supports them and none is active. Failure is not fatal; the
// connection simply stays on scheduled polling.
func (m *Manager) EnsureSubscription(ctx context.Context, conn *store.Connection) error {
	adapter, ok := m.adapters[conn.Provider]
	if !ok || !adapter.Capabilities().Subscriptions {
		return nil
	}

	existing, err := m.store.Subscriptions.ListActiveByConnection(ctx, conn.ID)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}

	token, err := m.vault.AccessToken(ctx, conn)
	if err != nil {
		return fmt.Errorf("access token: %w", err)
	}

	clientState, err := newClientState()
	if err != nil {
		return err
	}
	req := provider.SubscriptionRequest{
		AccessToken:     token,
		CalendarID:      conn.CalendarID,
		NotificationURL: m.notificationURL(conn.Provider),
		ClientState:     clientState,
	}

	remote, err := adapter.Subscribe(ctx, req)
	if err != nil {
		metrics.CountSubscriptionRenewal(string(conn.Provider), "create_failed")
		m.auditor.Failure(ctx, conn.UserID, audit.ActionSubscriptionCreated, "connection", conn.ID, err, nil)
		return fmt.Errorf("subscribe: %w", err)
	}

	sub := store.Subscription{
		ConnectionID:    conn.ID,
		Provider:        conn.Provider,
		SubscriptionID:  remote.ID,
		ResourcePath:    remote.Resource,
		ExpiresAt:       remote.ExpiresAt,
		ClientState:     clientState,
		NotificationURL: req.NotificationURL,
		Active:          true,
	}
	created, err := m.store.Subscriptions.Create(ctx, sub)
	if err != nil {
		return fmt.Errorf("persist subscription: %w", err)
	}

	metrics.CountSubscriptionRenewal(string(conn.Provider), "created")
	m.auditor.Success(ctx, conn.UserID, audit.ActionSubscriptionCreated, "subscription", created.ID,
		map[string]any{"provider_subscription_id": remote.ID, "expires_at": remote.ExpiresAt})
	log.Printf("[INFO] subscription: created %s subscription %s for connection %s, expires %s",
		conn.Provider, remote.ID, conn.ID, remote.ExpiresAt.Format(time.RFC3339))
	return nil
}

// RenewExpiring renews every active subscription expiring inside the lead
// window. A failed renewal deactivates the subscription, leaving the
// connection on the scheduled polling fallback.
func (m *Manager) RenewExpiring(ctx context.Context) error {
	subs, err := m.store.Subscriptions.ListExpiring(ctx, m.now().Add(renewalLead))
	if err != nil {
		return fmt.Errorf("list expiring subscriptions: %w", err)
	}
	for i := range subs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		m.renewOne(ctx, &subs[i])
	}
	return nil
}

func (m *Manager) renewOne(ctx context.Context, sub *store.Subscription) {
	conn, err := m.store.Connections.GetByID(ctx, sub.ConnectionID)
	if err != nil {
		log.Printf("[ERROR] subscription: load connection %s: %v", sub.ConnectionID, err)
		return
	}
	if conn.Status != store.ConnectionActive {
		m.deactivate(ctx, conn, sub, fmt.Errorf("connection is %s", conn.Status))
		return
	}

	adapter, ok := m.adapters[sub.Provider]
	if !ok {
		m.deactivate(ctx, conn, sub, fmt.Errorf("no adapter for provider %s", sub.Provider))
		return
	}

	token, err := m.vault.AccessToken(ctx, conn)
	if err != nil {
		m.deactivate(ctx, conn, sub, err)
		return
	}

	req := provider.SubscriptionRequest{
		AccessToken:     token,
		CalendarID:      conn.CalendarID,
		NotificationURL: sub.NotificationURL,
		ClientState:     sub.ClientState,
	}
	remote := provider.RemoteSubscription{
		ID:        sub.SubscriptionID,
		Resource:  sub.ResourcePath,
		ExpiresAt: sub.ExpiresAt,
	}

	renewed, err := adapter.RenewSubscription(ctx, req, remote)
	if err != nil {
		m.deactivate(ctx, conn, sub, err)
		return
	}

	if renewed.ID != sub.SubscriptionID {
		// Providers without in-place renewal hand back a replacement
		// subscription; retire the old row and record the new one.
		if err := m.store.Subscriptions.Deactivate(ctx, sub.ID); err != nil {
			log.Printf("[ERROR] subscription: retire %s: %v", sub.ID, err)
		}
		replacement := store.Subscription{
			ConnectionID:    sub.ConnectionID,
			Provider:        sub.Provider,
			SubscriptionID:  renewed.ID,
			ResourcePath:    renewed.Resource,
			ExpiresAt:       renewed.ExpiresAt,
			ClientState:     sub.ClientState,
			NotificationURL: sub.NotificationURL,
			Active:          true,
		}
		if _, err := m.store.Subscriptions.Create(ctx, replacement); err != nil {
			log.Printf("[ERROR] subscription: persist replacement for %s: %v", sub.ID, err)
			return
		}
	} else if err := m.store.Subscriptions.UpdateExpiry(ctx, sub.ID, renewed.ExpiresAt); err != nil {
		log.Printf("[ERROR] subscription: update expiry for %s: %v", sub.ID, err)
		return
	}

	metrics.CountSubscriptionRenewal(string(sub.Provider), "renewed")
	m.auditor.Success(ctx, conn.UserID, audit.ActionSubscriptionRenewed, "subscription", sub.ID,
		map[string]any{"expires_at": renewed.ExpiresAt})
	log.Printf("[INFO] subscription: renewed %s for connection %s until %s",
		sub.SubscriptionID, conn.ID, renewed.ExpiresAt.Format(time.RFC3339))
}

func (m *Manager) deactivate(ctx context.Context, conn *store.Connection, sub *store.Subscription, cause error) {
	if err := m.store.Subscriptions.Deactivate(ctx, sub.ID); err != nil {
		log.Printf("[ERROR] subscription: deactivate %s: %v", sub.ID, err)
		return
	}
	metrics.CountSubscriptionRenewal(string(sub.Provider), "lapsed")
	m.auditor.Failure(ctx, conn.UserID, audit.ActionSubscriptionLapsed, "subscription", sub.ID, cause, nil)
	log.Printf("[WARN] subscription: %s for connection %s lapsed, falling back to polling: %v",
		sub.SubscriptionID, conn.ID, cause)
}

// Teardown removes the provider-side subscriptions for a connection being
// disconnected. Provider errors are logged and swallowed since the local
// rows are deactivated regardless.
func (m *Manager) Teardown(ctx context.Context, conn *store.Connection) {
	subs, err := m.store.Subscriptions.ListActiveByConnection(ctx, conn.ID)
	if err != nil {
		log.Printf("[ERROR] subscription: list for teardown of connection %s: %v", conn.ID, err)
		return
	}
	adapter, hasAdapter := m.adapters[conn.Provider]
	for i := range subs {
		sub := &subs[i]
		if hasAdapter && adapter.Capabilities().Subscriptions {
			token, err := m.vault.AccessToken(ctx, conn)
			if err == nil {
				remote := provider.RemoteSubscription{ID: sub.SubscriptionID, Resource: sub.ResourcePath}
				if err := adapter.Unsubscribe(ctx, token, remote); err != nil {
					log.Printf("[WARN] subscription: provider-side teardown of %s: %v", sub.SubscriptionID, err)
				}
			}
		}
		if err := m.store.Subscriptions.Deactivate(ctx, sub.ID); err != nil {
			log.Printf("[ERROR] subscription: deactivate %s: %v", sub.ID, err)
		}
	}
}

func (m *Manager) notificationURL(p store.Provider) string {
	switch p {
	case store.ProviderGoogle:
		return m.baseURL + "/webhooks/google"
	case store.ProviderMicrosoft:
		return m.baseURL + "/webhooks/microsoft"
	default:
		return ""
	}
}

func newClientState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate client state: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
