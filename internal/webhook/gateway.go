// Package webhook receives provider change notifications and turns them
// into targeted sync requests. Handlers acknowledge quickly and
// unconditionally: providers retry or disable subscriptions that respond
// slowly or with errors, so all real work happens after the response.
package webhook

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/jw6ventures/calsync/internal/audit"
	"github.com/jw6ventures/calsync/internal/metrics"
	"github.com/jw6ventures/calsync/internal/store"
)

const maxNotificationBody = 1 << 20

// SyncRequester enqueues a sync pass for a connection. Implemented by the
// sync engine.
type SyncRequester interface {
	RequestSync(ctx context.Context, connectionID, reason string) error
}

type Gateway struct {
	store   *store.Store
	engine  SyncRequester
	auditor *audit.Logger
}

func NewGateway(st *store.Store, engine SyncRequester, auditor *audit.Logger) *Gateway {
	return &Gateway{store: st, engine: engine, auditor: auditor}
}

// HandleMicrosoft processes Graph change notifications. Subscription
// validation handshakes echo the validation token back as plain text;
// everything else is acknowledged with 202 regardless of outcome.
func (g *Gateway) HandleMicrosoft(w http.ResponseWriter, r *http.Request) {
	if token := r.URL.Query().Get("validationToken"); token != "" {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, token)
		return
	}

	var payload struct {
		Value []struct {
			SubscriptionID string `json:"subscriptionId"`
			ClientState    string `json:"clientState"`
			ChangeType     string `json:"changeType"`
			Resource       string `json:"resource"`
		} `json:"value"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxNotificationBody)).Decode(&payload); err != nil {
		log.Printf("[WARN] webhook: undecodable microsoft notification: %v", err)
		metrics.CountWebhookNotification("MICROSOFT", "malformed")
		w.WriteHeader(http.StatusAccepted)
		return
	}

	for _, n := range payload.Value {
		g.dispatch(r.Context(), store.ProviderMicrosoft, n.SubscriptionID, n.ClientState,
			map[string]any{"change_type": n.ChangeType, "resource": n.Resource})
	}
	w.WriteHeader(http.StatusAccepted)
}

// HandleGoogle processes calendar push channel notifications, which carry
// everything in headers. The initial "sync" message that confirms channel
// creation is acknowledged and ignored.
func (g *Gateway) HandleGoogle(w http.ResponseWriter, r *http.Request) {
	channelID := r.Header.Get("X-Goog-Channel-ID")
	state := r.Header.Get("X-Goog-Resource-State")
	token := r.Header.Get("X-Goog-Channel-Token")

	if channelID == "" {
		metrics.CountWebhookNotification("GOOGLE", "malformed")
		w.WriteHeader(http.StatusAccepted)
		return
	}
	if state == "sync" {
		metrics.CountWebhookNotification("GOOGLE", "handshake")
		w.WriteHeader(http.StatusOK)
		return
	}

	g.dispatch(r.Context(), store.ProviderGoogle, channelID, token,
		map[string]any{"resource_state": state})
	w.WriteHeader(http.StatusAccepted)
}

// dispatch validates the notification against the stored subscription and
// enqueues a sync for its connection. Unknown subscriptions and client
// state mismatches are dropped without signaling anything to the sender.
func (g *Gateway) dispatch(ctx context.Context, p store.Provider, subscriptionID, clientState string, meta map[string]any) {
	sub, err := g.store.Subscriptions.GetBySubscriptionID(ctx, p, subscriptionID)
	if err != nil {
		log.Printf("[WARN] webhook: %s notification for unknown subscription %s", p, subscriptionID)
		metrics.CountWebhookNotification(string(p), "unknown")
		return
	}
	if sub.ClientState != "" && sub.ClientState != clientState {
		log.Printf("[WARN] webhook: %s notification for subscription %s with wrong client state", p, subscriptionID)
		metrics.CountWebhookNotification(string(p), "rejected")
		return
	}
	if !sub.Active {
		metrics.CountWebhookNotification(string(p), "inactive")
		return
	}

	if err := g.store.Subscriptions.TouchNotified(ctx, sub.ID, time.Now()); err != nil {
		log.Printf("[ERROR] webhook: touch subscription %s: %v", sub.ID, err)
	}
	g.auditor.Success(ctx, "", audit.ActionWebhookReceived, "subscription", sub.ID, meta)

	if err := g.engine.RequestSync(ctx, sub.ConnectionID, "webhook"); err != nil {
		log.Printf("[ERROR] webhook: enqueue sync for connection %s: %v", sub.ConnectionID, err)
		metrics.CountWebhookNotification(string(p), "enqueue_failed")
		return
	}
	metrics.CountWebhookNotification(string(p), "ok")
}
