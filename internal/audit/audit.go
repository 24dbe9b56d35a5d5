// Package audit records security and sync relevant actions in an
// append-only log. Recording is best effort: a failed audit write is logged
// and never propagated, so auditing cannot break the operation it describes.
package audit

import (
	"context"
	"encoding/json"
	"log"

	"github.com/jw6ventures/calsync/internal/store"
)

// Action names recorded in the log.
const (
	ActionConnectionCreated      = "connection.created"
	ActionConnectionDisconnected = "connection.disconnected"
	ActionConnectionError        = "connection.error"
	ActionTokenRefreshed         = "token.refreshed"
	ActionTokenRefreshFailed     = "token.refresh_failed"
	ActionSyncCompleted          = "sync.completed"
	ActionSyncFailed             = "sync.failed"
	ActionEventCreated           = "event.created"
	ActionEventUpdated           = "event.updated"
	ActionEventDeleted           = "event.deleted"
	ActionEventPushed            = "event.pushed"
	ActionEventPushFailed        = "event.push_failed"
	ActionSubscriptionCreated    = "subscription.created"
	ActionSubscriptionRenewed    = "subscription.renewed"
	ActionSubscriptionLapsed     = "subscription.lapsed"
	ActionWebhookReceived        = "webhook.received"
)

type Logger struct {
	repo store.AuditRepository
}

func NewLogger(repo store.AuditRepository) *Logger {
	return &Logger{repo: repo}
}

// Success records a successful action.
func (l *Logger) Success(ctx context.Context, userID, action, resourceType, resourceID string, metadata map[string]any) {
	l.append(ctx, userID, action, resourceType, resourceID, store.AuditSuccess, "", metadata)
}

// Failure records a failed action together with the error text.
func (l *Logger) Failure(ctx context.Context, userID, action, resourceType, resourceID string, err error, metadata map[string]any) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	l.append(ctx, userID, action, resourceType, resourceID, store.AuditFailure, msg, metadata)
}

func (l *Logger) append(ctx context.Context, userID, action, resourceType, resourceID string, status store.AuditStatus, errMsg string, metadata map[string]any) {
	if l == nil || l.repo == nil {
		return
	}
	var meta []byte
	if len(metadata) > 0 {
		meta, _ = json.Marshal(metadata)
	}
	entry := store.AuditEntry{
		UserID:       userID,
		Action:       action,
		ResourceType: resourceType,
		ResourceID:   resourceID,
		Status:       status,
		Error:        errMsg,
		Metadata:     meta,
	}
	if err := l.repo.Append(ctx, entry); err != nil {
		log.Printf("[WARN] audit: append %s for %s/%s: %v", action, resourceType, resourceID, err)
	}
}
