package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"time"

	"github.com/jw6ventures/calsync/internal/audit"
	"github.com/jw6ventures/calsync/internal/metrics"
	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/store"
)

const (
	maxPushAttempts  = 5
	pushBatchSize    = 100
	pushBackoffBase  = 30 * time.Second
	pushBackoffLimit = time.Hour
)

// PushPending pushes locally created, updated, and deleted events whose
// retry time has come out to their providers. Events exhaust their retry
// budget into FAILED rather than blocking the queue.
func (e *Engine) PushPending(ctx context.Context) error {
	events, err := e.store.Events.ListPushable(ctx, e.now(), pushBatchSize)
	if err != nil {
		return fmt.Errorf("list pushable events: %w", err)
	}
	for i := range events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.pushEvent(ctx, &events[i])
	}
	return nil
}

func (e *Engine) pushEvent(ctx context.Context, ev *store.Event) {
	conn, err := e.store.Connections.GetByID(ctx, ev.ConnectionID)
	if err != nil {
		log.Printf("[ERROR] push: load connection for event %s: %v", ev.ID, err)
		return
	}
	if conn.Status != store.ConnectionActive {
		return
	}

	adapter, ok := e.adapters[conn.Provider]
	if !ok || !adapter.Capabilities().Push || conn.ReadOnly {
		// Nothing to push to; stop retrying.
		e.settlePushFailure(ctx, conn, ev, errors.New("calendar does not accept pushes"), true)
		return
	}

	token, err := e.vault.AccessToken(ctx, conn)
	if err != nil {
		log.Printf("[WARN] push: access token for connection %s: %v", conn.ID, err)
		e.settlePushFailure(ctx, conn, ev, err, false)
		return
	}

	var pushErr error
	switch {
	case ev.SyncStatus == store.SyncDeleted:
		pushErr = adapter.DeleteEvent(ctx, token, conn.CalendarID, ev.ProviderEventID)
		if pushErr == nil {
			if err := e.store.Events.MarkRemoteDeleted(ctx, ev.ID); err != nil {
				log.Printf("[ERROR] push: mark event %s remote-deleted: %v", ev.ID, err)
				return
			}
			e.auditor.Success(ctx, conn.UserID, audit.ActionEventDeleted, "event", ev.ID, nil)
		}
	case ev.ProviderEventID == "":
		var providerID string
		providerID, pushErr = adapter.CreateEvent(ctx, token, conn.CalendarID,
			e.outboundEvent(ctx, ev), ev.IdempotencyKey)
		if pushErr == nil {
			if err := e.store.Events.MarkSynced(ctx, ev.ID, providerID, e.now()); err != nil {
				log.Printf("[ERROR] push: mark event %s synced: %v", ev.ID, err)
				return
			}
			e.auditor.Success(ctx, conn.UserID, audit.ActionEventPushed, "event", ev.ID,
				map[string]any{"provider_event_id": providerID})
		}
	default:
		pushErr = adapter.UpdateEvent(ctx, token, conn.CalendarID, e.outboundEvent(ctx, ev))
		if pushErr == nil {
			if err := e.store.Events.MarkSynced(ctx, ev.ID, ev.ProviderEventID, e.now()); err != nil {
				log.Printf("[ERROR] push: mark event %s synced: %v", ev.ID, err)
				return
			}
			e.auditor.Success(ctx, conn.UserID, audit.ActionEventPushed, "event", ev.ID, nil)
		}
	}

	if pushErr == nil {
		metrics.CountPushOutcome(string(conn.Provider), "ok")
		return
	}
	e.settlePushFailure(ctx, conn, ev, pushErr, !provider.IsTransient(pushErr) && !provider.IsAuth(pushErr))
}

// settlePushFailure schedules the next retry with exponential backoff, or
// parks the event as FAILED once the budget is spent or the failure is
// permanent.
func (e *Engine) settlePushFailure(ctx context.Context, conn *store.Connection, ev *store.Event, cause error, permanent bool) {
	attempts := ev.PushAttempts + 1
	exhausted := permanent || attempts >= maxPushAttempts

	if exhausted {
		if err := e.store.Events.MarkPushFailed(ctx, ev.ID, attempts, nil, true); err != nil {
			log.Printf("[ERROR] push: mark event %s failed: %v", ev.ID, err)
		}
		e.auditor.Failure(ctx, conn.UserID, audit.ActionEventPushFailed, "event", ev.ID, cause,
			map[string]any{"attempts": attempts})
		metrics.CountPushOutcome(string(conn.Provider), "failed")
		log.Printf("[ERROR] push: event %s gave up after %d attempts: %v", ev.ID, attempts, cause)
		return
	}

	delay := pushBackoff(attempts)
	if ra := provider.RetryAfter(cause); ra > delay {
		delay = ra
	}
	next := e.now().Add(delay)
	if err := e.store.Events.MarkPushFailed(ctx, ev.ID, attempts, &next, false); err != nil {
		log.Printf("[ERROR] push: schedule retry for event %s: %v", ev.ID, err)
	}
	metrics.CountPushOutcome(string(conn.Provider), "retry")
	log.Printf("[WARN] push: event %s attempt %d failed, retrying in %s: %v", ev.ID, attempts, delay.Round(time.Second), cause)
}

func (e *Engine) outboundEvent(ctx context.Context, ev *store.Event) provider.Event {
	attendees, err := e.store.Events.ListAttendees(ctx, ev.ID)
	if err != nil {
		log.Printf("[WARN] push: load attendees for event %s: %v", ev.ID, err)
	}
	reminders, err := e.store.Events.ListReminders(ctx, ev.ID)
	if err != nil {
		log.Printf("[WARN] push: load reminders for event %s: %v", ev.ID, err)
	}
	return provider.FromStoreEvent(*ev, attendees, reminders)
}

// pushBackoff doubles per attempt from the base, capped at an hour, with
// up to 20% jitter to spread retry bursts.
func pushBackoff(attempt int) time.Duration {
	d := pushBackoffBase
	for i := 1; i < attempt && d < pushBackoffLimit; i++ {
		d *= 2
	}
	if d > pushBackoffLimit {
		d = pushBackoffLimit
	}
	jitter := time.Duration(rand.Int63n(int64(d / 5)))
	return d + jitter
}
