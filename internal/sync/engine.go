// Package sync orchestrates per-connection synchronization passes, pushes
// local changes back out to providers, and schedules recurring maintenance.
package sync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jw6ventures/calsync/internal/audit"
	"github.com/jw6ventures/calsync/internal/metrics"
	"github.com/jw6ventures/calsync/internal/provider"
	"github.com/jw6ventures/calsync/internal/store"
	"github.com/jw6ventures/calsync/internal/vault"
)

// Sync trigger reasons recorded on jobs and in metrics.
const (
	ReasonManual    = "manual"
	ReasonWebhook   = "webhook"
	ReasonScheduled = "scheduled"
	ReasonInitial   = "initial"
)

// Engine drives sync passes. Concurrency is bounded by a weighted
// semaphore; per-connection serialization is enforced twice, by the
// database's single-pending-job constraint and by an in-process flight
// latch that ensures only one drain loop runs per connection.
type Engine struct {
	store    *store.Store
	vault    *vault.TokenVault
	adapters map[store.Provider]provider.Adapter
	auditor  *audit.Logger
	sem      *semaphore.Weighted
	now      func() time.Time

	mu       sync.Mutex
	inFlight map[string]bool
	wg       sync.WaitGroup
}

func NewEngine(st *store.Store, tv *vault.TokenVault, adapters map[store.Provider]provider.Adapter, auditor *audit.Logger, maxConcurrent int64) *Engine {
	if maxConcurrent < 1 {
		maxConcurrent = 4
	}
	return &Engine{
		store:    st,
		vault:    tv,
		adapters: adapters,
		auditor:  auditor,
		sem:      semaphore.NewWeighted(maxConcurrent),
		now:      time.Now,
		inFlight: make(map[string]bool),
	}
}

// RequestSync enqueues a sync job for the connection and kicks off an
// asynchronous drain. A request arriving while a job is already pending
// coalesces onto it.
func (e *Engine) RequestSync(ctx context.Context, connectionID, reason string) error {
	_, created, err := e.store.Jobs.Enqueue(ctx, connectionID, reason)
	if err != nil {
		return fmt.Errorf("enqueue sync job: %w", err)
	}
	if !created {
		log.Printf("[INFO] sync: request for connection %s coalesced onto pending job", connectionID)
	}
	e.kick(connectionID)
	return nil
}

// SyncNow runs the pending work for a connection synchronously and returns
// the first pass error. Used by the API's manual trigger.
func (e *Engine) SyncNow(ctx context.Context, connectionID, reason string) error {
	if _, _, err := e.store.Jobs.Enqueue(ctx, connectionID, reason); err != nil {
		return fmt.Errorf("enqueue sync job: %w", err)
	}
	return e.drain(ctx, connectionID)
}

// Kick starts drains for any connections with pending jobs, e.g. after a
// restart requeued jobs that were mid-flight during a crash.
func (e *Engine) Kick(ctx context.Context) {
	for _, p := range []store.Provider{store.ProviderGoogle, store.ProviderMicrosoft, store.ProviderICS} {
		conns, err := e.store.Connections.ListActiveByProvider(ctx, p)
		if err != nil {
			log.Printf("[ERROR] sync: list %s connections: %v", p, err)
			continue
		}
		for _, conn := range conns {
			e.kick(conn.ID)
		}
	}
}

// Wait blocks until all asynchronous drains have finished.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) kick(connectionID string) {
	e.mu.Lock()
	if e.inFlight[connectionID] {
		e.mu.Unlock()
		return
	}
	e.inFlight[connectionID] = true
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.inFlight, connectionID)
			e.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if err := e.drain(ctx, connectionID); err != nil {
			log.Printf("[ERROR] sync: connection %s: %v", connectionID, err)
		}
	}()
}

// drain claims and runs pending jobs for one connection until the queue is
// empty, so a request that arrived mid-pass triggers one more pass.
func (e *Engine) drain(ctx context.Context, connectionID string) error {
	var firstErr error
	for {
		job, err := e.store.Jobs.ClaimPending(ctx, connectionID, e.now())
		if err != nil {
			return fmt.Errorf("claim sync job: %w", err)
		}
		if job == nil {
			return firstErr
		}

		if err := e.sem.Acquire(ctx, 1); err != nil {
			_ = e.store.Jobs.Finish(ctx, job.ID, store.JobFailed, err.Error(), e.now())
			return err
		}
		passErr := e.runPass(ctx, connectionID, job.Reason)
		e.sem.Release(1)

		state := store.JobDone
		errMsg := ""
		if passErr != nil {
			state = store.JobFailed
			errMsg = passErr.Error()
			if firstErr == nil {
				firstErr = passErr
			}
		}
		if err := e.store.Jobs.Finish(ctx, job.ID, state, errMsg, e.now()); err != nil {
			log.Printf("[ERROR] sync: finish job %s: %v", job.ID, err)
		}
	}
}

func (e *Engine) runPass(ctx context.Context, connectionID, reason string) error {
	start := e.now()
	conn, err := e.store.Connections.GetByID(ctx, connectionID)
	if err != nil {
		return fmt.Errorf("load connection: %w", err)
	}
	if conn.Status == store.ConnectionDisconnected {
		return nil
	}

	result := "ok"
	err = e.syncConnection(ctx, conn, reason)
	switch {
	case err == nil:
		e.auditor.Success(ctx, conn.UserID, audit.ActionSyncCompleted, "connection", conn.ID,
			map[string]any{"reason": reason})
	case provider.IsAuth(err) || errors.Is(err, vault.ErrReauthorizationRequired):
		result = "auth_error"
		if serr := e.store.Connections.SetStatus(ctx, conn.ID, store.ConnectionError, err.Error()); serr != nil {
			log.Printf("[ERROR] sync: mark connection %s errored: %v", conn.ID, serr)
		}
		e.auditor.Failure(ctx, conn.UserID, audit.ActionSyncFailed, "connection", conn.ID, err,
			map[string]any{"reason": reason})
	default:
		result = "error"
		e.auditor.Failure(ctx, conn.UserID, audit.ActionSyncFailed, "connection", conn.ID, err,
			map[string]any{"reason": reason})
	}
	metrics.ObserveSyncPass(string(conn.Provider), reason, result, start)
	return err
}

// syncConnection performs one fetch-and-apply pass. A provider that
// rejects the stored cursor gets exactly one retry from scratch.
func (e *Engine) syncConnection(ctx context.Context, conn *store.Connection, reason string) error {
	adapter, ok := e.adapters[conn.Provider]
	if !ok {
		return fmt.Errorf("no adapter registered for provider %s", conn.Provider)
	}

	in, err := e.buildFetchInput(ctx, conn)
	if err != nil {
		return err
	}

	out, err := adapter.FetchChanges(ctx, in)
	if errors.Is(err, provider.ErrCursorInvalid) {
		log.Printf("[WARN] sync: connection %s cursor invalidated, running full resync", conn.ID)
		if cerr := e.store.Connections.ClearCursor(ctx, conn.ID); cerr != nil {
			return fmt.Errorf("clear cursor: %w", cerr)
		}
		in.Cursor = ""
		out, err = adapter.FetchChanges(ctx, in)
	}
	if err != nil {
		return fmt.Errorf("fetch changes: %w", err)
	}

	if out.NotModified {
		if err := e.store.Connections.TouchSynced(ctx, conn.ID, e.now()); err != nil {
			return fmt.Errorf("touch synced: %w", err)
		}
		return nil
	}

	applied := 0
	err = e.store.Batches.Run(ctx, func(b store.SyncBatch) error {
		for _, ev := range out.Events {
			row := provider.ToStoreEvent(conn.ID, ev)
			id, changed, err := b.UpsertRemoteEvent(ctx, conn.ID, row)
			if err != nil {
				return fmt.Errorf("upsert event %s: %w", ev.ProviderEventID, err)
			}
			if !changed {
				continue
			}
			applied++
			if err := b.ReplaceAttendees(ctx, id, ev.Attendees); err != nil {
				return fmt.Errorf("replace attendees for %s: %w", id, err)
			}
			if err := b.ReplaceReminders(ctx, id, ev.Reminders); err != nil {
				return fmt.Errorf("replace reminders for %s: %w", id, err)
			}
		}
		if len(out.DeletedIDs) > 0 {
			if _, err := b.MarkEventsDeleted(ctx, conn.ID, out.DeletedIDs, e.now()); err != nil {
				return fmt.Errorf("mark deletions: %w", err)
			}
		}
		return b.SaveCursor(ctx, conn.ID, out.NextCursor, out.FeedETag, out.FeedLastModified, e.now())
	})
	if err != nil {
		return err
	}

	if conn.Status == store.ConnectionError {
		if err := e.store.Connections.SetStatus(ctx, conn.ID, store.ConnectionActive, ""); err != nil {
			log.Printf("[ERROR] sync: restore connection %s to active: %v", conn.ID, err)
		}
	}

	log.Printf("[INFO] sync: connection %s (%s, %s): %d applied, %d deleted",
		conn.ID, conn.Provider, reason, applied, len(out.DeletedIDs))
	return nil
}

func (e *Engine) buildFetchInput(ctx context.Context, conn *store.Connection) (provider.FetchInput, error) {
	in := provider.FetchInput{CalendarID: conn.CalendarID}
	if conn.SyncCursor != nil {
		in.Cursor = *conn.SyncCursor
	}

	switch conn.Provider {
	case store.ProviderICS:
		feedURL, err := e.vault.OpenFeedURL(conn.TokenBlob)
		if err != nil {
			return in, fmt.Errorf("unseal feed url: %w", err)
		}
		in.FeedURL = feedURL
		if conn.FeedETag != nil {
			in.FeedETag = *conn.FeedETag
		}
		if conn.FeedLastModified != nil {
			in.FeedLastModified = *conn.FeedLastModified
		}
		hashes, err := e.store.Events.HashesByConnection(ctx, conn.ID)
		if err != nil {
			return in, fmt.Errorf("load event hashes: %w", err)
		}
		in.KnownHashes = hashes
	default:
		token, err := e.vault.AccessToken(ctx, conn)
		if err != nil {
			return in, err
		}
		in.AccessToken = token
	}
	return in, nil
}
