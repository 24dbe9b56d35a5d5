package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/jw6ventures/calsync/internal/metrics"
	"github.com/jw6ventures/calsync/internal/store"
)

const (
	googlePageSize      = 250
	googleChannelType   = "web_hook"
	idempotencyPropName = "calsyncKey"
)

// GoogleAdapter syncs against the Google Calendar API using incremental
// sync tokens and push channels.
type GoogleAdapter struct {
	// newService is swapped in tests to avoid real API clients.
	newService func(ctx context.Context, accessToken string) (*calendar.Service, error)
}

func NewGoogleAdapter() *GoogleAdapter {
	return &GoogleAdapter{newService: googleService}
}

func googleService(ctx context.Context, accessToken string) (*calendar.Service, error) {
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	return calendar.NewService(ctx, option.WithTokenSource(ts))
}

func (a *GoogleAdapter) Provider() store.Provider { return store.ProviderGoogle }

func (a *GoogleAdapter) Capabilities() Capabilities {
	return Capabilities{Push: true, Subscriptions: true}
}

func (a *GoogleAdapter) ListCalendars(ctx context.Context, accessToken string) ([]CalendarInfo, error) {
	defer metrics.ObserveProviderCall("GOOGLE", "list_calendars", time.Now())

	srv, err := a.newService(ctx, accessToken)
	if err != nil {
		return nil, fmt.Errorf("google calendar client: %w", err)
	}

	var out []CalendarInfo
	pageToken := ""
	for {
		call := srv.CalendarList.List().Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, googleError("list calendars", err)
		}
		for _, item := range resp.Items {
			out = append(out, CalendarInfo{
				ID:       item.Id,
				Name:     item.Summary,
				Color:    item.BackgroundColor,
				ReadOnly: item.AccessRole == "reader" || item.AccessRole == "freeBusyReader",
				Primary:  item.Primary,
			})
		}
		if resp.NextPageToken == "" {
			return out, nil
		}
		pageToken = resp.NextPageToken
	}
}

// FetchChanges runs one incremental pass. With a stored sync token only the
// delta comes back; without one the adapter walks the full window and the
// response's final page carries the token for next time. A rejected token
// surfaces as ErrCursorInvalid so the caller can clear it and rerun.
func (a *GoogleAdapter) FetchChanges(ctx context.Context, in FetchInput) (*FetchOutput, error) {
	defer metrics.ObserveProviderCall("GOOGLE", "fetch_changes", time.Now())

	srv, err := a.newService(ctx, in.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("google calendar client: %w", err)
	}

	out := &FetchOutput{}
	pageToken := ""
	for {
		call := srv.Events.List(in.CalendarID).
			Context(ctx).
			ShowDeleted(true).
			MaxResults(googlePageSize)
		if in.Cursor != "" {
			call = call.SyncToken(in.Cursor)
		} else {
			from, to := SyncWindow(time.Now())
			call = call.TimeMin(from.Format(time.RFC3339)).TimeMax(to.Format(time.RFC3339))
		}
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			if gerr, ok := err.(*googleapi.Error); ok && gerr.Code == http.StatusGone {
				return nil, ErrCursorInvalid
			}
			return nil, googleError("fetch events", err)
		}

		for _, item := range resp.Items {
			if item.Status == "cancelled" {
				out.DeletedIDs = append(out.DeletedIDs, item.Id)
				continue
			}
			ev, err := googleToEvent(item)
			if err != nil {
				return nil, fmt.Errorf("convert event %s: %w", item.Id, err)
			}
			out.Events = append(out.Events, ev)
		}

		if resp.NextPageToken != "" {
			pageToken = resp.NextPageToken
			continue
		}
		out.NextCursor = resp.NextSyncToken
		return out, nil
	}
}

// CreateEvent tags the new event with a private extended property holding
// the idempotency key and searches for it first, so a retried create after
// a lost response finds the original instead of duplicating it.
func (a *GoogleAdapter) CreateEvent(ctx context.Context, accessToken, calendarID string, ev Event, idempotencyKey string) (string, error) {
	defer metrics.ObserveProviderCall("GOOGLE", "create_event", time.Now())

	srv, err := a.newService(ctx, accessToken)
	if err != nil {
		return "", fmt.Errorf("google calendar client: %w", err)
	}

	if idempotencyKey != "" {
		existing, err := srv.Events.List(calendarID).
			Context(ctx).
			PrivateExtendedProperty(idempotencyPropName + "=" + idempotencyKey).
			MaxResults(1).
			Do()
		if err != nil {
			return "", googleError("lookup idempotency key", err)
		}
		if len(existing.Items) > 0 {
			return existing.Items[0].Id, nil
		}
	}

	gev := eventToGoogle(ev)
	if idempotencyKey != "" {
		gev.ExtendedProperties = &calendar.EventExtendedProperties{
			Private: map[string]string{idempotencyPropName: idempotencyKey},
		}
	}

	created, err := srv.Events.Insert(calendarID, gev).Context(ctx).Do()
	if err != nil {
		return "", googleError("create event", err)
	}
	return created.Id, nil
}

func (a *GoogleAdapter) UpdateEvent(ctx context.Context, accessToken, calendarID string, ev Event) error {
	defer metrics.ObserveProviderCall("GOOGLE", "update_event", time.Now())

	srv, err := a.newService(ctx, accessToken)
	if err != nil {
		return fmt.Errorf("google calendar client: %w", err)
	}
	if _, err := srv.Events.Update(calendarID, ev.ProviderEventID, eventToGoogle(ev)).Context(ctx).Do(); err != nil {
		return googleError("update event", err)
	}
	return nil
}

func (a *GoogleAdapter) DeleteEvent(ctx context.Context, accessToken, calendarID, providerEventID string) error {
	defer metrics.ObserveProviderCall("GOOGLE", "delete_event", time.Now())

	srv, err := a.newService(ctx, accessToken)
	if err != nil {
		return fmt.Errorf("google calendar client: %w", err)
	}
	if err := srv.Events.Delete(calendarID, providerEventID).Context(ctx).Do(); err != nil {
		if gerr, ok := err.(*googleapi.Error); ok && (gerr.Code == http.StatusNotFound || gerr.Code == http.StatusGone) {
			return nil
		}
		return googleError("delete event", err)
	}
	return nil
}

// Subscribe opens a push channel on the calendar's events collection. The
// channel ID is our subscription ID; the returned resource ID is needed
// later to stop the channel.
func (a *GoogleAdapter) Subscribe(ctx context.Context, req SubscriptionRequest) (*RemoteSubscription, error) {
	defer metrics.ObserveProviderCall("GOOGLE", "subscribe", time.Now())

	srv, err := a.newService(ctx, req.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("google calendar client: %w", err)
	}

	ch := &calendar.Channel{
		Id:      newChannelID(),
		Type:    googleChannelType,
		Address: req.NotificationURL,
		Token:   req.ClientState,
	}
	created, err := srv.Events.Watch(req.CalendarID, ch).Context(ctx).Do()
	if err != nil {
		return nil, googleError("watch calendar", err)
	}
	return &RemoteSubscription{
		ID:        created.Id,
		Resource:  created.ResourceId,
		ExpiresAt: time.UnixMilli(created.Expiration).UTC(),
	}, nil
}

// RenewSubscription replaces the channel: Google channels cannot be
// extended in place, so a fresh watch is opened and the old one stopped.
func (a *GoogleAdapter) RenewSubscription(ctx context.Context, req SubscriptionRequest, sub RemoteSubscription) (*RemoteSubscription, error) {
	renewed, err := a.Subscribe(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := a.Unsubscribe(ctx, req.AccessToken, sub); err != nil {
		log.Printf("[WARN] google: stop superseded channel %s: %v", sub.ID, err)
	}
	return renewed, nil
}

func (a *GoogleAdapter) Unsubscribe(ctx context.Context, accessToken string, sub RemoteSubscription) error {
	defer metrics.ObserveProviderCall("GOOGLE", "unsubscribe", time.Now())

	srv, err := a.newService(ctx, accessToken)
	if err != nil {
		return fmt.Errorf("google calendar client: %w", err)
	}
	err = srv.Channels.Stop(&calendar.Channel{Id: sub.ID, ResourceId: sub.Resource}).Context(ctx).Do()
	if err != nil {
		if gerr, ok := err.(*googleapi.Error); ok && gerr.Code == http.StatusNotFound {
			return nil
		}
		return googleError("stop channel", err)
	}
	return nil
}

func googleToEvent(item *calendar.Event) (Event, error) {
	start, allDay, tz, err := googleTime(item.Start)
	if err != nil {
		return Event{}, fmt.Errorf("start: %w", err)
	}
	end, _, _, err := googleTime(item.End)
	if err != nil {
		return Event{}, fmt.Errorf("end: %w", err)
	}

	ev := Event{
		ProviderEventID: item.Id,
		Title:           item.Summary,
		Description:     item.Description,
		Location:        item.Location,
		Start:           start,
		End:             end,
		Timezone:        tz,
		AllDay:          allDay,
		Status:          googleStatus(item.Status),
	}

	for _, line := range item.Recurrence {
		switch {
		case strings.HasPrefix(line, "RRULE:"):
			rule, err := NormalizeRRule(line)
			if err != nil {
				return Event{}, err
			}
			ev.RecurrenceRule = rule
		case strings.HasPrefix(line, "EXDATE"):
			dates, err := parseExdateLine(line, tz)
			if err != nil {
				return Event{}, err
			}
			ev.ExceptionDates = append(ev.ExceptionDates, dates...)
		}
	}

	if item.Updated != "" {
		if t, err := time.Parse(time.RFC3339, item.Updated); err == nil {
			u := t.UTC()
			ev.LastModifiedRemote = &u
		}
	}

	for _, att := range item.Attendees {
		ev.Attendees = append(ev.Attendees, store.Attendee{
			Email:       att.Email,
			DisplayName: att.DisplayName,
			RSVPStatus:  att.ResponseStatus,
			IsOrganizer: att.Organizer,
		})
	}
	if item.Reminders != nil && !item.Reminders.UseDefault {
		for _, r := range item.Reminders.Overrides {
			ev.Reminders = append(ev.Reminders, store.Reminder{
				Method:        r.Method,
				MinutesBefore: int(r.Minutes),
			})
		}
	}

	meta, _ := json.Marshal(map[string]string{
		"htmlLink":       item.HtmlLink,
		"iCalUID":        item.ICalUID,
		"recurringEvent": item.RecurringEventId,
	})
	ev.ProviderMetadata = meta
	return ev, nil
}

func eventToGoogle(ev Event) *calendar.Event {
	gev := &calendar.Event{
		Summary:     ev.Title,
		Description: ev.Description,
		Location:    ev.Location,
		Status:      strings.ToLower(string(ev.Status)),
	}
	if ev.AllDay {
		gev.Start = &calendar.EventDateTime{Date: ev.Start.Format("2006-01-02")}
		gev.End = &calendar.EventDateTime{Date: ev.End.Format("2006-01-02")}
	} else {
		gev.Start = &calendar.EventDateTime{DateTime: ev.Start.Format(time.RFC3339), TimeZone: ev.Timezone}
		gev.End = &calendar.EventDateTime{DateTime: ev.End.Format(time.RFC3339), TimeZone: ev.Timezone}
	}
	if ev.RecurrenceRule != "" {
		gev.Recurrence = []string{"RRULE:" + ev.RecurrenceRule}
		if len(ev.ExceptionDates) > 0 {
			vals := make([]string, 0, len(ev.ExceptionDates))
			for _, d := range ev.ExceptionDates {
				vals = append(vals, d.UTC().Format("20060102T150405Z"))
			}
			gev.Recurrence = append(gev.Recurrence, "EXDATE:"+strings.Join(vals, ","))
		}
	}
	for _, att := range ev.Attendees {
		gev.Attendees = append(gev.Attendees, &calendar.EventAttendee{
			Email:          att.Email,
			DisplayName:    att.DisplayName,
			ResponseStatus: att.RSVPStatus,
			Organizer:      att.IsOrganizer,
		})
	}
	if len(ev.Reminders) > 0 {
		overrides := make([]*calendar.EventReminder, 0, len(ev.Reminders))
		for _, r := range ev.Reminders {
			overrides = append(overrides, &calendar.EventReminder{
				Method:  r.Method,
				Minutes: int64(r.MinutesBefore),
			})
		}
		gev.Reminders = &calendar.EventReminders{
			UseDefault:      false,
			Overrides:       overrides,
			ForceSendFields: []string{"UseDefault"},
		}
	}
	return gev
}

func googleTime(edt *calendar.EventDateTime) (time.Time, bool, string, error) {
	if edt == nil {
		return time.Time{}, false, "", fmt.Errorf("missing time")
	}
	if edt.Date != "" {
		t, err := time.Parse("2006-01-02", edt.Date)
		if err != nil {
			return time.Time{}, false, "", err
		}
		return t, true, "UTC", nil
	}
	t, err := time.Parse(time.RFC3339, edt.DateTime)
	if err != nil {
		return time.Time{}, false, "", err
	}
	tz := edt.TimeZone
	if tz == "" {
		tz = "UTC"
	}
	return t, false, tz, nil
}

func googleStatus(s string) store.EventStatus {
	switch s {
	case "tentative":
		return store.EventTentative
	case "cancelled":
		return store.EventCancelled
	default:
		return store.EventConfirmed
	}
}

// parseExdateLine handles "EXDATE:...", "EXDATE;TZID=Zone:..." and
// "EXDATE;VALUE=DATE:..." with comma-separated values.
func parseExdateLine(line, defaultTZ string) ([]time.Time, error) {
	idx := strings.Index(line, ":")
	if idx < 0 {
		return nil, fmt.Errorf("malformed EXDATE line %q", line)
	}
	params, values := line[:idx], line[idx+1:]

	loc := time.UTC
	if tzIdx := strings.Index(params, "TZID="); tzIdx >= 0 {
		name := params[tzIdx+len("TZID="):]
		if semi := strings.Index(name, ";"); semi >= 0 {
			name = name[:semi]
		}
		if l, err := time.LoadLocation(name); err == nil {
			loc = l
		}
	} else if defaultTZ != "" {
		if l, err := time.LoadLocation(defaultTZ); err == nil {
			loc = l
		}
	}

	var out []time.Time
	for _, v := range strings.Split(values, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		var t time.Time
		var err error
		switch {
		case strings.HasSuffix(v, "Z"):
			t, err = time.Parse("20060102T150405Z", v)
		case strings.Contains(v, "T"):
			t, err = time.ParseInLocation("20060102T150405", v, loc)
		default:
			t, err = time.ParseInLocation("20060102", v, loc)
		}
		if err != nil {
			return nil, fmt.Errorf("parse EXDATE value %q: %w", v, err)
		}
		out = append(out, t.UTC())
	}
	return out, nil
}

// googleError maps API failures onto the shared taxonomy. Google reports
// quota exhaustion as 403 with a rate-limit reason, which must retry rather
// than demote the connection.
func googleError(op string, err error) error {
	gerr, ok := err.(*googleapi.Error)
	if !ok {
		return &TransientError{Op: op, Err: err}
	}
	if gerr.Code == http.StatusForbidden {
		for _, e := range gerr.Errors {
			if e.Reason == "rateLimitExceeded" || e.Reason == "userRateLimitExceeded" {
				return &TransientError{Op: op, Err: err}
			}
		}
	}
	return classifyStatus(op, gerr.Code, gerr.Header, err)
}

func newChannelID() string {
	return uuid.NewString()
}
