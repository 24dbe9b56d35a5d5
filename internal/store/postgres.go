package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// dbConn is the query surface shared by pgxpool.Pool and pgx.Tx so the same
// SQL helpers serve both pooled and transactional paths.
type dbConn interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const connectionColumns = `id, user_id, provider, external_account_id, calendar_id, name, color,
token_blob, token_expires_at, read_only, sync_cursor, feed_etag, feed_last_modified,
last_synced_at, status, last_error, created_at, updated_at`

func scanConnection(row pgx.Row) (*Connection, error) {
	var c Connection
	err := row.Scan(
		&c.ID, &c.UserID, &c.Provider, &c.ExternalAccountID, &c.CalendarID, &c.Name, &c.Color,
		&c.TokenBlob, &c.TokenExpiresAt, &c.ReadOnly, &c.SyncCursor, &c.FeedETag, &c.FeedLastModified,
		&c.LastSyncedAt, &c.Status, &c.LastError, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan connection: %w", err)
	}
	return &c, nil
}

// connectionRepo implements ConnectionRepository.
type connectionRepo struct {
	pool *pgxpool.Pool
}

func (r *connectionRepo) Create(ctx context.Context, conn Connection) (*Connection, error) {
	defer observeDB(ctx, "db.connections.create")()
	const q = `INSERT INTO connections
(user_id, provider, external_account_id, calendar_id, name, color, token_blob, token_expires_at, read_only, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
RETURNING ` + connectionColumns
	return scanConnection(r.pool.QueryRow(ctx, q,
		conn.UserID, conn.Provider, conn.ExternalAccountID, conn.CalendarID, conn.Name, conn.Color,
		conn.TokenBlob, conn.TokenExpiresAt, conn.ReadOnly, ConnectionActive))
}

func (r *connectionRepo) GetByID(ctx context.Context, id string) (*Connection, error) {
	defer observeDB(ctx, "db.connections.get")()
	const q = `SELECT ` + connectionColumns + ` FROM connections WHERE id=$1`
	return scanConnection(r.pool.QueryRow(ctx, q, id))
}

func (r *connectionRepo) ListByUser(ctx context.Context, userID string) ([]Connection, error) {
	defer observeDB(ctx, "db.connections.list_by_user")()
	const q = `SELECT ` + connectionColumns + ` FROM connections WHERE user_id=$1 ORDER BY created_at`
	return r.list(ctx, q, userID)
}

func (r *connectionRepo) ListActiveByProvider(ctx context.Context, p Provider) ([]Connection, error) {
	defer observeDB(ctx, "db.connections.list_active")()
	const q = `SELECT ` + connectionColumns + ` FROM connections WHERE provider=$1 AND status='ACTIVE' ORDER BY created_at`
	return r.list(ctx, q, p)
}

func (r *connectionRepo) FindByCalendar(ctx context.Context, userID string, p Provider, calendarID string) (*Connection, error) {
	defer observeDB(ctx, "db.connections.find_by_calendar")()
	const q = `SELECT ` + connectionColumns + ` FROM connections
WHERE user_id=$1 AND provider=$2 AND calendar_id=$3`
	return scanConnection(r.pool.QueryRow(ctx, q, userID, p, calendarID))
}

func (r *connectionRepo) list(ctx context.Context, q string, args ...any) ([]Connection, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list connections: %w", err)
	}
	defer rows.Close()

	var conns []Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, *c)
	}
	return conns, rows.Err()
}

func (r *connectionRepo) UpdateTokens(ctx context.Context, id string, blob []byte, expiresAt *time.Time) error {
	defer observeDB(ctx, "db.connections.update_tokens")()
	const q = `UPDATE connections SET token_blob=$2, token_expires_at=$3, updated_at=NOW() WHERE id=$1`
	tag, err := r.pool.Exec(ctx, q, id, blob, expiresAt)
	if err != nil {
		return fmt.Errorf("update tokens: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *connectionRepo) SetStatus(ctx context.Context, id string, status ConnectionStatus, lastError string) error {
	defer observeDB(ctx, "db.connections.set_status")()
	const q = `UPDATE connections SET status=$2, last_error=$3, updated_at=NOW() WHERE id=$1`
	tag, err := r.pool.Exec(ctx, q, id, status, lastError)
	if err != nil {
		return fmt.Errorf("set connection status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *connectionRepo) ClearCursor(ctx context.Context, id string) error {
	defer observeDB(ctx, "db.connections.clear_cursor")()
	const q = `UPDATE connections SET sync_cursor=NULL, feed_etag=NULL, feed_last_modified=NULL, updated_at=NOW()
WHERE id=$1`
	_, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("clear cursor: %w", err)
	}
	return nil
}

func (r *connectionRepo) TouchSynced(ctx context.Context, id string, at time.Time) error {
	defer observeDB(ctx, "db.connections.touch_synced")()
	const q = `UPDATE connections SET last_synced_at=$2, updated_at=NOW() WHERE id=$1`
	_, err := r.pool.Exec(ctx, q, id, at)
	if err != nil {
		return fmt.Errorf("touch synced: %w", err)
	}
	return nil
}

const eventColumns = `id, connection_id, provider_event_id, title, description, location,
start_time, end_time, timezone, all_day, recurrence_rule, exception_dates,
status, sync_status, last_modified_local, last_modified_remote, content_hash,
idempotency_key, push_attempts, next_push_at, remote_deleted, provider_metadata,
created_at, updated_at, deleted_at`

func scanEvent(row pgx.Row) (*Event, error) {
	var e Event
	err := row.Scan(
		&e.ID, &e.ConnectionID, &e.ProviderEventID, &e.Title, &e.Description, &e.Location,
		&e.StartTime, &e.EndTime, &e.Timezone, &e.AllDay, &e.RecurrenceRule, &e.ExceptionDates,
		&e.Status, &e.SyncStatus, &e.LastModifiedLocal, &e.LastModifiedRemote, &e.ContentHash,
		&e.IdempotencyKey, &e.PushAttempts, &e.NextPushAt, &e.RemoteDeleted, &e.ProviderMetadata,
		&e.CreatedAt, &e.UpdatedAt, &e.DeletedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan event: %w", err)
	}
	return &e, nil
}

// eventRepo implements EventRepository.
type eventRepo struct {
	pool *pgxpool.Pool
}

func (r *eventRepo) Create(ctx context.Context, ev Event) (*Event, error) {
	defer observeDB(ctx, "db.events.create")()
	const q = `INSERT INTO events
(connection_id, provider_event_id, title, description, location, start_time, end_time,
 timezone, all_day, recurrence_rule, exception_dates, status, sync_status,
 last_modified_local, idempotency_key, provider_metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
RETURNING ` + eventColumns
	return scanEvent(r.pool.QueryRow(ctx, q,
		ev.ConnectionID, ev.ProviderEventID, ev.Title, ev.Description, ev.Location,
		ev.StartTime, ev.EndTime, ev.Timezone, ev.AllDay, ev.RecurrenceRule,
		ev.ExceptionDates, ev.Status, ev.SyncStatus, ev.LastModifiedLocal,
		ev.IdempotencyKey, ev.ProviderMetadata))
}

func (r *eventRepo) Update(ctx context.Context, ev Event) (*Event, error) {
	defer observeDB(ctx, "db.events.update")()
	const q = `UPDATE events SET
title=$2, description=$3, location=$4, start_time=$5, end_time=$6, timezone=$7,
all_day=$8, recurrence_rule=$9, exception_dates=$10, status=$11, sync_status=$12,
last_modified_local=$13, push_attempts=0, next_push_at=NULL, updated_at=NOW()
WHERE id=$1
RETURNING ` + eventColumns
	return scanEvent(r.pool.QueryRow(ctx, q,
		ev.ID, ev.Title, ev.Description, ev.Location, ev.StartTime, ev.EndTime, ev.Timezone,
		ev.AllDay, ev.RecurrenceRule, ev.ExceptionDates, ev.Status, ev.SyncStatus,
		ev.LastModifiedLocal))
}

func (r *eventRepo) GetByID(ctx context.Context, id string) (*Event, error) {
	defer observeDB(ctx, "db.events.get")()
	const q = `SELECT ` + eventColumns + ` FROM events WHERE id=$1`
	return scanEvent(r.pool.QueryRow(ctx, q, id))
}

func (r *eventRepo) GetByProviderID(ctx context.Context, connectionID, providerEventID string) (*Event, error) {
	defer observeDB(ctx, "db.events.get_by_provider_id")()
	const q = `SELECT ` + eventColumns + ` FROM events WHERE connection_id=$1 AND provider_event_id=$2`
	return scanEvent(r.pool.QueryRow(ctx, q, connectionID, providerEventID))
}

func (r *eventRepo) ListWindow(ctx context.Context, userID string, from, to time.Time, connectionIDs []string) ([]Event, error) {
	defer observeDB(ctx, "db.events.list_window")()
	q := `SELECT ` + eventColumnsPrefixed("e") + ` FROM events e
JOIN connections c ON c.id = e.connection_id
WHERE c.user_id=$1 AND e.deleted_at IS NULL AND e.sync_status <> 'DELETED'
  AND e.start_time < $3 AND (e.end_time > $2 OR e.recurrence_rule <> '')`
	args := []any{userID, from, to}
	if len(connectionIDs) > 0 {
		q += ` AND e.connection_id = ANY($4)`
		args = append(args, connectionIDs)
	}
	q += ` ORDER BY e.start_time`

	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (r *eventRepo) ListPushable(ctx context.Context, now time.Time, limit int) ([]Event, error) {
	defer observeDB(ctx, "db.events.list_pushable")()
	const q = `SELECT ` + eventColumns + ` FROM events
WHERE (sync_status='PENDING'
       OR (sync_status='DELETED' AND provider_event_id <> '' AND NOT remote_deleted))
  AND (next_push_at IS NULL OR next_push_at <= $1)
ORDER BY created_at
LIMIT $2`
	rows, err := r.pool.Query(ctx, q, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list pushable events: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

func (r *eventRepo) HashesByConnection(ctx context.Context, connectionID string) (map[string]string, error) {
	defer observeDB(ctx, "db.events.hashes")()
	const q = `SELECT provider_event_id, content_hash FROM events
WHERE connection_id=$1 AND provider_event_id <> '' AND sync_status <> 'DELETED'`
	rows, err := r.pool.Query(ctx, q, connectionID)
	if err != nil {
		return nil, fmt.Errorf("list event hashes: %w", err)
	}
	defer rows.Close()

	hashes := make(map[string]string)
	for rows.Next() {
		var id, hash string
		if err := rows.Scan(&id, &hash); err != nil {
			return nil, fmt.Errorf("scan event hash: %w", err)
		}
		hashes[id] = hash
	}
	return hashes, rows.Err()
}

func (r *eventRepo) MarkSynced(ctx context.Context, id, providerEventID string, at time.Time) error {
	defer observeDB(ctx, "db.events.mark_synced")()
	const q = `UPDATE events SET
provider_event_id=$2, sync_status='SYNCED', last_modified_remote=$3,
push_attempts=0, next_push_at=NULL, updated_at=NOW()
WHERE id=$1`
	tag, err := r.pool.Exec(ctx, q, id, providerEventID, at)
	if err != nil {
		return fmt.Errorf("mark event synced: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *eventRepo) MarkPushFailed(ctx context.Context, id string, attempts int, nextPushAt *time.Time, failed bool) error {
	defer observeDB(ctx, "db.events.mark_push_failed")()
	status := SyncPending
	if failed {
		status = SyncFailed
	}
	const q = `UPDATE events SET push_attempts=$2, next_push_at=$3, sync_status=$4, updated_at=NOW()
WHERE id=$1 AND sync_status <> 'DELETED'`
	_, err := r.pool.Exec(ctx, q, id, attempts, nextPushAt, status)
	if err != nil {
		return fmt.Errorf("mark push failed: %w", err)
	}
	return nil
}

func (r *eventRepo) MarkRemoteDeleted(ctx context.Context, id string) error {
	defer observeDB(ctx, "db.events.mark_remote_deleted")()
	const q = `UPDATE events SET remote_deleted=TRUE, updated_at=NOW() WHERE id=$1`
	_, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("mark remote deleted: %w", err)
	}
	return nil
}

func (r *eventRepo) SoftDelete(ctx context.Context, id string, at time.Time) error {
	defer observeDB(ctx, "db.events.soft_delete")()
	const q = `UPDATE events SET sync_status='DELETED', deleted_at=$2, last_modified_local=$2, updated_at=NOW()
WHERE id=$1`
	tag, err := r.pool.Exec(ctx, q, id, at)
	if err != nil {
		return fmt.Errorf("soft delete event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *eventRepo) Reap(ctx context.Context, olderThan time.Time) (int64, error) {
	defer observeDB(ctx, "db.events.reap")()
	const q = `DELETE FROM events
WHERE sync_status='DELETED' AND deleted_at IS NOT NULL AND deleted_at < $1`
	tag, err := r.pool.Exec(ctx, q, olderThan)
	if err != nil {
		return 0, fmt.Errorf("reap deleted events: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *eventRepo) ListAttendees(ctx context.Context, eventID string) ([]Attendee, error) {
	defer observeDB(ctx, "db.events.list_attendees")()
	const q = `SELECT event_id, email, display_name, rsvp_status, is_organizer
FROM event_attendees WHERE event_id=$1 ORDER BY email`
	rows, err := r.pool.Query(ctx, q, eventID)
	if err != nil {
		return nil, fmt.Errorf("list attendees: %w", err)
	}
	defer rows.Close()

	var out []Attendee
	for rows.Next() {
		var a Attendee
		if err := rows.Scan(&a.EventID, &a.Email, &a.DisplayName, &a.RSVPStatus, &a.IsOrganizer); err != nil {
			return nil, fmt.Errorf("scan attendee: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *eventRepo) ListReminders(ctx context.Context, eventID string) ([]Reminder, error) {
	defer observeDB(ctx, "db.events.list_reminders")()
	const q = `SELECT event_id, method, minutes_before
FROM event_reminders WHERE event_id=$1 ORDER BY minutes_before`
	rows, err := r.pool.Query(ctx, q, eventID)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	defer rows.Close()

	var out []Reminder
	for rows.Next() {
		var rm Reminder
		if err := rows.Scan(&rm.EventID, &rm.Method, &rm.MinutesBefore); err != nil {
			return nil, fmt.Errorf("scan reminder: %w", err)
		}
		out = append(out, rm)
	}
	return out, rows.Err()
}

func collectEvents(rows pgx.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func eventColumnsPrefixed(alias string) string {
	cols := strings.Split(eventColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

const subscriptionColumns = `id, connection_id, provider, subscription_id, resource_path,
expires_at, client_state, notification_url, last_notification_at, active, created_at, updated_at`

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var s Subscription
	err := row.Scan(
		&s.ID, &s.ConnectionID, &s.Provider, &s.SubscriptionID, &s.ResourcePath,
		&s.ExpiresAt, &s.ClientState, &s.NotificationURL, &s.LastNotificationAt,
		&s.Active, &s.CreatedAt, &s.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan subscription: %w", err)
	}
	return &s, nil
}

// subscriptionRepo implements SubscriptionRepository.
type subscriptionRepo struct {
	pool *pgxpool.Pool
}

func (r *subscriptionRepo) Create(ctx context.Context, sub Subscription) (*Subscription, error) {
	defer observeDB(ctx, "db.subscriptions.create")()
	const q = `INSERT INTO webhook_subscriptions
(connection_id, provider, subscription_id, resource_path, expires_at, client_state, notification_url, active)
VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
RETURNING ` + subscriptionColumns
	return scanSubscription(r.pool.QueryRow(ctx, q,
		sub.ConnectionID, sub.Provider, sub.SubscriptionID, sub.ResourcePath,
		sub.ExpiresAt, sub.ClientState, sub.NotificationURL))
}

func (r *subscriptionRepo) GetBySubscriptionID(ctx context.Context, p Provider, subscriptionID string) (*Subscription, error) {
	defer observeDB(ctx, "db.subscriptions.get_by_sub_id")()
	const q = `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions
WHERE provider=$1 AND subscription_id=$2 AND active`
	return scanSubscription(r.pool.QueryRow(ctx, q, p, subscriptionID))
}

func (r *subscriptionRepo) ListActiveByConnection(ctx context.Context, connectionID string) ([]Subscription, error) {
	defer observeDB(ctx, "db.subscriptions.list_by_connection")()
	const q = `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions
WHERE connection_id=$1 AND active ORDER BY created_at`
	return r.list(ctx, q, connectionID)
}

func (r *subscriptionRepo) ListExpiring(ctx context.Context, before time.Time) ([]Subscription, error) {
	defer observeDB(ctx, "db.subscriptions.list_expiring")()
	const q = `SELECT ` + subscriptionColumns + ` FROM webhook_subscriptions
WHERE active AND expires_at < $1 ORDER BY expires_at`
	return r.list(ctx, q, before)
}

func (r *subscriptionRepo) list(ctx context.Context, q string, args ...any) ([]Subscription, error) {
	rows, err := r.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		s, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, *s)
	}
	return subs, rows.Err()
}

func (r *subscriptionRepo) UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	defer observeDB(ctx, "db.subscriptions.update_expiry")()
	const q = `UPDATE webhook_subscriptions SET expires_at=$2, updated_at=NOW() WHERE id=$1`
	tag, err := r.pool.Exec(ctx, q, id, expiresAt)
	if err != nil {
		return fmt.Errorf("update subscription expiry: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *subscriptionRepo) TouchNotified(ctx context.Context, id string, at time.Time) error {
	defer observeDB(ctx, "db.subscriptions.touch_notified")()
	const q = `UPDATE webhook_subscriptions SET last_notification_at=$2, updated_at=NOW() WHERE id=$1`
	_, err := r.pool.Exec(ctx, q, id, at)
	if err != nil {
		return fmt.Errorf("touch subscription: %w", err)
	}
	return nil
}

func (r *subscriptionRepo) Deactivate(ctx context.Context, id string) error {
	defer observeDB(ctx, "db.subscriptions.deactivate")()
	const q = `UPDATE webhook_subscriptions SET active=FALSE, updated_at=NOW() WHERE id=$1`
	_, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return fmt.Errorf("deactivate subscription: %w", err)
	}
	return nil
}

func (r *subscriptionRepo) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	defer observeDB(ctx, "db.subscriptions.deactivate_expired")()
	const q = `UPDATE webhook_subscriptions SET active=FALSE, updated_at=NOW()
WHERE active AND expires_at < $1`
	tag, err := r.pool.Exec(ctx, q, now)
	if err != nil {
		return 0, fmt.Errorf("deactivate expired subscriptions: %w", err)
	}
	return tag.RowsAffected(), nil
}

// auditRepo implements AuditRepository. Append-only: there are no update or
// delete statements for audit_log anywhere in this package.
type auditRepo struct {
	pool *pgxpool.Pool
}

func (r *auditRepo) Append(ctx context.Context, entry AuditEntry) error {
	defer observeDB(ctx, "db.audit.append")()
	const q = `INSERT INTO audit_log
(user_id, action, resource_type, resource_id, status, error_message, metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, q,
		entry.UserID, entry.Action, entry.ResourceType, entry.ResourceID,
		entry.Status, entry.Error, entry.Metadata)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

const jobColumns = `id, connection_id, reason, state, enqueued_at, started_at, finished_at, error_message`

func scanJob(row pgx.Row) (*SyncJob, error) {
	var j SyncJob
	err := row.Scan(&j.ID, &j.ConnectionID, &j.Reason, &j.State, &j.EnqueuedAt, &j.StartedAt, &j.FinishedAt, &j.Error)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan sync job: %w", err)
	}
	return &j, nil
}

// jobRepo implements JobRepository.
type jobRepo struct {
	pool *pgxpool.Pool
}

func (r *jobRepo) Enqueue(ctx context.Context, connectionID, reason string) (*SyncJob, bool, error) {
	defer observeDB(ctx, "db.jobs.enqueue")()
	// The partial unique index on (connection_id) WHERE state='PENDING'
	// makes concurrent triggers coalesce onto one pending job.
	const q = `INSERT INTO sync_jobs (connection_id, reason)
VALUES ($1, $2)
ON CONFLICT (connection_id) WHERE state='PENDING' DO NOTHING
RETURNING ` + jobColumns
	job, err := scanJob(r.pool.QueryRow(ctx, q, connectionID, reason))
	if errors.Is(err, ErrNotFound) {
		const existing = `SELECT ` + jobColumns + ` FROM sync_jobs WHERE connection_id=$1 AND state='PENDING'`
		job, err = scanJob(r.pool.QueryRow(ctx, existing, connectionID))
		if err != nil {
			return nil, false, err
		}
		return job, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return job, true, nil
}

func (r *jobRepo) ClaimPending(ctx context.Context, connectionID string, at time.Time) (*SyncJob, error) {
	defer observeDB(ctx, "db.jobs.claim")()
	const q = `UPDATE sync_jobs SET state='RUNNING', started_at=$2
WHERE id = (
    SELECT id FROM sync_jobs
    WHERE connection_id=$1 AND state='PENDING'
    ORDER BY enqueued_at
    LIMIT 1
    FOR UPDATE SKIP LOCKED
)
RETURNING ` + jobColumns
	job, err := scanJob(r.pool.QueryRow(ctx, q, connectionID, at))
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	return job, err
}

func (r *jobRepo) Finish(ctx context.Context, id string, state JobState, errMsg string, at time.Time) error {
	defer observeDB(ctx, "db.jobs.finish")()
	const q = `UPDATE sync_jobs SET state=$2, error_message=$3, finished_at=$4 WHERE id=$1`
	_, err := r.pool.Exec(ctx, q, id, state, errMsg, at)
	if err != nil {
		return fmt.Errorf("finish sync job: %w", err)
	}
	return nil
}

func (r *jobRepo) RequeueStale(ctx context.Context, olderThan time.Time) (int64, error) {
	defer observeDB(ctx, "db.jobs.requeue_stale")()
	// RUNNING jobs whose process died are returned to PENDING so a restart
	// picks them up; duplicates collapse against the partial unique index.
	const q = `UPDATE sync_jobs SET state='PENDING', started_at=NULL
WHERE state='RUNNING' AND started_at < $1
  AND NOT EXISTS (
      SELECT 1 FROM sync_jobs p
      WHERE p.connection_id = sync_jobs.connection_id AND p.state='PENDING'
  )`
	tag, err := r.pool.Exec(ctx, q, olderThan)
	if err != nil {
		return 0, fmt.Errorf("requeue stale jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// batchRepo implements BatchRepository over a pgx transaction.
type batchRepo struct {
	pool *pgxpool.Pool
}

func (r *batchRepo) Run(ctx context.Context, fn func(SyncBatch) error) error {
	defer observeDB(ctx, "db.batch.run")()
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin sync batch: %w", err)
	}

	if err := fn(&syncBatch{tx: tx}); err != nil {
		_ = tx.Rollback(ctx)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit sync batch: %w", err)
	}
	return nil
}

type syncBatch struct {
	tx pgx.Tx
}

func (b *syncBatch) UpsertRemoteEvent(ctx context.Context, connectionID string, ev Event) (string, bool, error) {
	// Last-writer-wins on last_modified_remote; the remote copy wins ties
	// because inbound sync is provider-authoritative.
	const q = `INSERT INTO events
(connection_id, provider_event_id, title, description, location, start_time, end_time,
 timezone, all_day, recurrence_rule, exception_dates, status, sync_status,
 last_modified_remote, content_hash, provider_metadata, deleted_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 'SYNCED', $13, $14, $15, NULL)
ON CONFLICT (connection_id, provider_event_id) WHERE provider_event_id <> ''
DO UPDATE SET
    title=EXCLUDED.title, description=EXCLUDED.description, location=EXCLUDED.location,
    start_time=EXCLUDED.start_time, end_time=EXCLUDED.end_time, timezone=EXCLUDED.timezone,
    all_day=EXCLUDED.all_day, recurrence_rule=EXCLUDED.recurrence_rule,
    exception_dates=EXCLUDED.exception_dates, status=EXCLUDED.status, sync_status='SYNCED',
    last_modified_remote=EXCLUDED.last_modified_remote, content_hash=EXCLUDED.content_hash,
    provider_metadata=EXCLUDED.provider_metadata, deleted_at=NULL, updated_at=NOW()
WHERE events.last_modified_remote IS NULL
   OR events.last_modified_remote <= EXCLUDED.last_modified_remote
RETURNING id, (xmax = 0) AS inserted`
	var id string
	var inserted bool
	err := b.tx.QueryRow(ctx, q,
		connectionID, ev.ProviderEventID, ev.Title, ev.Description, ev.Location,
		ev.StartTime, ev.EndTime, ev.Timezone, ev.AllDay, ev.RecurrenceRule,
		ev.ExceptionDates, ev.Status, ev.LastModifiedRemote, ev.ContentHash,
		ev.ProviderMetadata).Scan(&id, &inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		// Stored row is newer; look up its id so callers can still
		// attach children if they need to.
		const sel = `SELECT id FROM events WHERE connection_id=$1 AND provider_event_id=$2`
		if err := b.tx.QueryRow(ctx, sel, connectionID, ev.ProviderEventID).Scan(&id); err != nil {
			return "", false, fmt.Errorf("lookup skipped event: %w", err)
		}
		return id, false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("upsert remote event: %w", err)
	}
	return id, true, nil
}

func (b *syncBatch) MarkEventsDeleted(ctx context.Context, connectionID string, providerEventIDs []string, at time.Time) (int64, error) {
	if len(providerEventIDs) == 0 {
		return 0, nil
	}
	const q = `UPDATE events SET sync_status='DELETED', deleted_at=$3, updated_at=NOW()
WHERE connection_id=$1 AND provider_event_id = ANY($2) AND sync_status <> 'DELETED'`
	tag, err := b.tx.Exec(ctx, q, connectionID, providerEventIDs, at)
	if err != nil {
		return 0, fmt.Errorf("mark events deleted: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (b *syncBatch) ReplaceAttendees(ctx context.Context, eventID string, attendees []Attendee) error {
	if _, err := b.tx.Exec(ctx, `DELETE FROM event_attendees WHERE event_id=$1`, eventID); err != nil {
		return fmt.Errorf("clear attendees: %w", err)
	}
	const q = `INSERT INTO event_attendees (event_id, email, display_name, rsvp_status, is_organizer)
VALUES ($1, $2, $3, $4, $5) ON CONFLICT DO NOTHING`
	for _, a := range attendees {
		if _, err := b.tx.Exec(ctx, q, eventID, a.Email, a.DisplayName, a.RSVPStatus, a.IsOrganizer); err != nil {
			return fmt.Errorf("insert attendee: %w", err)
		}
	}
	return nil
}

func (b *syncBatch) ReplaceReminders(ctx context.Context, eventID string, reminders []Reminder) error {
	if _, err := b.tx.Exec(ctx, `DELETE FROM event_reminders WHERE event_id=$1`, eventID); err != nil {
		return fmt.Errorf("clear reminders: %w", err)
	}
	const q = `INSERT INTO event_reminders (event_id, method, minutes_before)
VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`
	for _, rm := range reminders {
		if _, err := b.tx.Exec(ctx, q, eventID, rm.Method, rm.MinutesBefore); err != nil {
			return fmt.Errorf("insert reminder: %w", err)
		}
	}
	return nil
}

func (b *syncBatch) SaveCursor(ctx context.Context, connectionID, cursor, feedETag, feedLastModified string, syncedAt time.Time) error {
	// Empty values keep whatever validator the connection already carries;
	// a feed response without an ETag does not discard the stored one.
	const q = `UPDATE connections SET
sync_cursor=COALESCE(NULLIF($2, ''), sync_cursor),
feed_etag=COALESCE(NULLIF($3, ''), feed_etag),
feed_last_modified=COALESCE(NULLIF($4, ''), feed_last_modified),
last_synced_at=$5, last_error='', updated_at=NOW()
WHERE id=$1`
	tag, err := b.tx.Exec(ctx, q, connectionID, cursor, feedETag, feedLastModified, syncedAt)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
