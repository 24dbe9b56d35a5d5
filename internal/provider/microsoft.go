package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/jw6ventures/calsync/internal/metrics"
	"github.com/jw6ventures/calsync/internal/store"
)

const (
	graphBaseURL = "https://graph.microsoft.com/v1.0"

	// Graph caps calendar event subscriptions at 4230 minutes.
	graphSubscriptionTTL = 4230 * time.Minute

	graphPageSizeHeader = `odata.maxpagesize=50`
	graphTimezoneHeader = `outlook.timezone="UTC"`
)

// MicrosoftAdapter syncs against Microsoft Graph using delta queries and
// change notification subscriptions.
type MicrosoftAdapter struct {
	baseURL string
	client  *http.Client
}

func NewMicrosoftAdapter(client *http.Client) *MicrosoftAdapter {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &MicrosoftAdapter{baseURL: graphBaseURL, client: client}
}

func (a *MicrosoftAdapter) Provider() store.Provider { return store.ProviderMicrosoft }

func (a *MicrosoftAdapter) Capabilities() Capabilities {
	return Capabilities{Push: true, Subscriptions: true}
}

type graphCalendar struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Color   string `json:"hexColor"`
	CanEdit bool   `json:"canEdit"`
	Default bool   `json:"isDefaultCalendar"`
}

func (a *MicrosoftAdapter) ListCalendars(ctx context.Context, accessToken string) ([]CalendarInfo, error) {
	defer metrics.ObserveProviderCall("MICROSOFT", "list_calendars", time.Now())

	var out []CalendarInfo
	next := a.baseURL + "/me/calendars"
	for next != "" {
		var page struct {
			Value    []graphCalendar `json:"value"`
			NextLink string          `json:"@odata.nextLink"`
		}
		if err := a.do(ctx, http.MethodGet, next, accessToken, nil, nil, &page); err != nil {
			return nil, fmt.Errorf("list calendars: %w", err)
		}
		for _, c := range page.Value {
			out = append(out, CalendarInfo{
				ID:       c.ID,
				Name:     c.Name,
				Color:    c.Color,
				ReadOnly: !c.CanEdit,
				Primary:  c.Default,
			})
		}
		next = page.NextLink
	}
	return out, nil
}

type graphEvent struct {
	ID             string           `json:"id,omitempty"`
	Removed        *struct{}        `json:"@removed,omitempty"`
	Subject        string           `json:"subject,omitempty"`
	BodyPreview    string           `json:"bodyPreview,omitempty"`
	Body           *graphBody       `json:"body,omitempty"`
	Location       *graphLocation   `json:"location,omitempty"`
	Start          *graphDateTime   `json:"start,omitempty"`
	End            *graphDateTime   `json:"end,omitempty"`
	IsAllDay       bool             `json:"isAllDay,omitempty"`
	IsCancelled    bool             `json:"isCancelled,omitempty"`
	ShowAs         string           `json:"showAs,omitempty"`
	Recurrence     json.RawMessage  `json:"recurrence,omitempty"`
	SeriesMasterID string           `json:"seriesMasterId,omitempty"`
	Type           string           `json:"type,omitempty"`
	LastModified   string           `json:"lastModifiedDateTime,omitempty"`
	WebLink        string           `json:"webLink,omitempty"`
	Attendees      []graphAttendee  `json:"attendees,omitempty"`
	Organizer      *graphRecipient  `json:"organizer,omitempty"`
	ReminderOn     *bool            `json:"isReminderOn,omitempty"`
	ReminderLead   *int             `json:"reminderMinutesBeforeStart,omitempty"`
	TransactionID  string           `json:"transactionId,omitempty"`
}

type graphBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type graphLocation struct {
	DisplayName string `json:"displayName"`
}

type graphDateTime struct {
	DateTime string `json:"dateTime"`
	TimeZone string `json:"timeZone"`
}

type graphAttendee struct {
	EmailAddress graphEmail `json:"emailAddress"`
	Status       *struct {
		Response string `json:"response"`
	} `json:"status,omitempty"`
	Type string `json:"type,omitempty"`
}

type graphRecipient struct {
	EmailAddress graphEmail `json:"emailAddress"`
}

type graphEmail struct {
	Address string `json:"address"`
	Name    string `json:"name"`
}

// FetchChanges walks the delta feed. The stored cursor is the full
// @odata.deltaLink URL from the previous pass; without one the walk starts
// from the default window. Entries flagged @removed become deletions.
func (a *MicrosoftAdapter) FetchChanges(ctx context.Context, in FetchInput) (*FetchOutput, error) {
	defer metrics.ObserveProviderCall("MICROSOFT", "fetch_changes", time.Now())

	next := in.Cursor
	if next == "" {
		from, to := SyncWindow(time.Now())
		next = fmt.Sprintf("%s/me/calendars/%s/events/delta?startDateTime=%s&endDateTime=%s",
			a.baseURL,
			url.PathEscape(in.CalendarID),
			url.QueryEscape(from.UTC().Format(time.RFC3339)),
			url.QueryEscape(to.UTC().Format(time.RFC3339)))
	}

	headers := map[string]string{
		"Prefer": graphPageSizeHeader + ", " + graphTimezoneHeader,
	}

	out := &FetchOutput{}
	for next != "" {
		var page struct {
			Value     []graphEvent `json:"value"`
			NextLink  string       `json:"@odata.nextLink"`
			DeltaLink string       `json:"@odata.deltaLink"`
		}
		if err := a.do(ctx, http.MethodGet, next, in.AccessToken, headers, nil, &page); err != nil {
			if isGraphGone(err) {
				return nil, ErrCursorInvalid
			}
			return nil, fmt.Errorf("delta fetch: %w", err)
		}

		for _, item := range page.Value {
			if item.Removed != nil || item.IsCancelled {
				out.DeletedIDs = append(out.DeletedIDs, item.ID)
				continue
			}
			// Expanded instances of a series are carried by the master's
			// recurrence rule; only masters and single events are stored.
			if item.Type == "occurrence" {
				continue
			}
			ev, err := graphToEvent(item)
			if err != nil {
				return nil, fmt.Errorf("convert event %s: %w", item.ID, err)
			}
			out.Events = append(out.Events, ev)
		}

		if page.NextLink != "" {
			next = page.NextLink
			continue
		}
		out.NextCursor = page.DeltaLink
		next = ""
	}
	return out, nil
}

// CreateEvent passes the idempotency key as the Graph transactionId, which
// makes retried creates return the original event instead of a duplicate.
func (a *MicrosoftAdapter) CreateEvent(ctx context.Context, accessToken, calendarID string, ev Event, idempotencyKey string) (string, error) {
	defer metrics.ObserveProviderCall("MICROSOFT", "create_event", time.Now())

	body, err := eventToGraph(ev)
	if err != nil {
		return "", err
	}
	body.TransactionID = idempotencyKey

	var created graphEvent
	path := fmt.Sprintf("%s/me/calendars/%s/events", a.baseURL, url.PathEscape(calendarID))
	if err := a.do(ctx, http.MethodPost, path, accessToken, nil, body, &created); err != nil {
		return "", fmt.Errorf("create event: %w", err)
	}
	return created.ID, nil
}

func (a *MicrosoftAdapter) UpdateEvent(ctx context.Context, accessToken, calendarID string, ev Event) error {
	defer metrics.ObserveProviderCall("MICROSOFT", "update_event", time.Now())

	body, err := eventToGraph(ev)
	if err != nil {
		return err
	}
	path := fmt.Sprintf("%s/me/calendars/%s/events/%s",
		a.baseURL, url.PathEscape(calendarID), url.PathEscape(ev.ProviderEventID))
	if err := a.do(ctx, http.MethodPatch, path, accessToken, nil, body, nil); err != nil {
		return fmt.Errorf("update event: %w", err)
	}
	return nil
}

func (a *MicrosoftAdapter) DeleteEvent(ctx context.Context, accessToken, calendarID, providerEventID string) error {
	defer metrics.ObserveProviderCall("MICROSOFT", "delete_event", time.Now())

	path := fmt.Sprintf("%s/me/calendars/%s/events/%s",
		a.baseURL, url.PathEscape(calendarID), url.PathEscape(providerEventID))
	if err := a.do(ctx, http.MethodDelete, path, accessToken, nil, nil, nil); err != nil {
		if isGraphNotFound(err) {
			return nil
		}
		return fmt.Errorf("delete event: %w", err)
	}
	return nil
}

type graphSubscription struct {
	ID                 string `json:"id,omitempty"`
	ChangeType         string `json:"changeType,omitempty"`
	NotificationURL    string `json:"notificationUrl,omitempty"`
	Resource           string `json:"resource,omitempty"`
	ExpirationDateTime string `json:"expirationDateTime,omitempty"`
	ClientState        string `json:"clientState,omitempty"`
}

func (a *MicrosoftAdapter) Subscribe(ctx context.Context, req SubscriptionRequest) (*RemoteSubscription, error) {
	defer metrics.ObserveProviderCall("MICROSOFT", "subscribe", time.Now())

	resource := fmt.Sprintf("/me/calendars/%s/events", req.CalendarID)
	body := graphSubscription{
		ChangeType:         "created,updated,deleted",
		NotificationURL:    req.NotificationURL,
		Resource:           resource,
		ExpirationDateTime: time.Now().Add(graphSubscriptionTTL).UTC().Format(time.RFC3339),
		ClientState:        req.ClientState,
	}

	var created graphSubscription
	if err := a.do(ctx, http.MethodPost, a.baseURL+"/subscriptions", req.AccessToken, nil, body, &created); err != nil {
		return nil, fmt.Errorf("create subscription: %w", err)
	}
	expires, err := time.Parse(time.RFC3339, created.ExpirationDateTime)
	if err != nil {
		return nil, fmt.Errorf("parse subscription expiry %q: %w", created.ExpirationDateTime, err)
	}
	return &RemoteSubscription{ID: created.ID, Resource: resource, ExpiresAt: expires.UTC()}, nil
}

func (a *MicrosoftAdapter) RenewSubscription(ctx context.Context, req SubscriptionRequest, sub RemoteSubscription) (*RemoteSubscription, error) {
	defer metrics.ObserveProviderCall("MICROSOFT", "renew_subscription", time.Now())

	body := graphSubscription{
		ExpirationDateTime: time.Now().Add(graphSubscriptionTTL).UTC().Format(time.RFC3339),
	}
	var updated graphSubscription
	path := a.baseURL + "/subscriptions/" + url.PathEscape(sub.ID)
	if err := a.do(ctx, http.MethodPatch, path, req.AccessToken, nil, body, &updated); err != nil {
		return nil, fmt.Errorf("renew subscription: %w", err)
	}
	expires, err := time.Parse(time.RFC3339, updated.ExpirationDateTime)
	if err != nil {
		return nil, fmt.Errorf("parse subscription expiry %q: %w", updated.ExpirationDateTime, err)
	}
	return &RemoteSubscription{ID: sub.ID, Resource: sub.Resource, ExpiresAt: expires.UTC()}, nil
}

func (a *MicrosoftAdapter) Unsubscribe(ctx context.Context, accessToken string, sub RemoteSubscription) error {
	defer metrics.ObserveProviderCall("MICROSOFT", "unsubscribe", time.Now())

	path := a.baseURL + "/subscriptions/" + url.PathEscape(sub.ID)
	if err := a.do(ctx, http.MethodDelete, path, accessToken, nil, nil, nil); err != nil {
		if isGraphNotFound(err) {
			return nil
		}
		return fmt.Errorf("delete subscription: %w", err)
	}
	return nil
}

// graphStatusError carries the HTTP status alongside the classified error so
// helpers can inspect 404/410 without string matching.
type graphStatusError struct {
	status int
	err    error
}

func (e *graphStatusError) Error() string { return e.err.Error() }
func (e *graphStatusError) Unwrap() error { return e.err }

func isGraphGone(err error) bool {
	var se *graphStatusError
	return asGraphStatus(err, &se) && se.status == http.StatusGone
}

func isGraphNotFound(err error) bool {
	var se *graphStatusError
	return asGraphStatus(err, &se) && se.status == http.StatusNotFound
}

func asGraphStatus(err error, target **graphStatusError) bool {
	for err != nil {
		if se, ok := err.(*graphStatusError); ok {
			*target = se
			return true
		}
		err = unwrapOnce(err)
	}
	return false
}

func unwrapOnce(err error) error {
	u, ok := err.(interface{ Unwrap() error })
	if !ok {
		return nil
	}
	return u.Unwrap()
}

func (a *MicrosoftAdapter) do(ctx context.Context, method, rawURL, accessToken string, headers map[string]string, body, out any) error {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return &TransientError{Op: method + " " + rawURL, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		base := fmt.Errorf("graph %s %s: status %d: %s", method, rawURL, resp.StatusCode, strings.TrimSpace(string(payload)))
		return &graphStatusError{
			status: resp.StatusCode,
			err:    classifyStatus("graph request", resp.StatusCode, resp.Header, base),
		}
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func graphToEvent(item graphEvent) (Event, error) {
	start, err := parseGraphTime(item.Start)
	if err != nil {
		return Event{}, fmt.Errorf("start: %w", err)
	}
	end, err := parseGraphTime(item.End)
	if err != nil {
		return Event{}, fmt.Errorf("end: %w", err)
	}

	tz := "UTC"
	if item.Start != nil && item.Start.TimeZone != "" {
		tz = item.Start.TimeZone
	}

	ev := Event{
		ProviderEventID: item.ID,
		Title:           item.Subject,
		Description:     item.BodyPreview,
		Start:           start,
		End:             end,
		Timezone:        tz,
		AllDay:          item.IsAllDay,
		Status:          graphStatus(item),
	}
	if item.Body != nil && item.Body.ContentType == "text" && item.Body.Content != "" {
		ev.Description = strings.TrimSpace(item.Body.Content)
	}
	if item.Location != nil {
		ev.Location = item.Location.DisplayName
	}

	if len(item.Recurrence) > 0 && string(item.Recurrence) != "null" {
		var rec graphRecurrence
		if err := json.Unmarshal(item.Recurrence, &rec); err != nil {
			return Event{}, fmt.Errorf("decode recurrence: %w", err)
		}
		rule, err := rruleFromGraph(rec)
		if err != nil {
			return Event{}, err
		}
		ev.RecurrenceRule = rule
	}

	if item.LastModified != "" {
		if t, err := time.Parse(time.RFC3339, item.LastModified); err == nil {
			u := t.UTC()
			ev.LastModifiedRemote = &u
		}
	}

	for _, att := range item.Attendees {
		sa := store.Attendee{
			Email:       att.EmailAddress.Address,
			DisplayName: att.EmailAddress.Name,
		}
		if att.Status != nil {
			sa.RSVPStatus = graphResponse(att.Status.Response)
		}
		ev.Attendees = append(ev.Attendees, sa)
	}
	if item.Organizer != nil {
		found := false
		for i := range ev.Attendees {
			if strings.EqualFold(ev.Attendees[i].Email, item.Organizer.EmailAddress.Address) {
				ev.Attendees[i].IsOrganizer = true
				found = true
			}
		}
		if !found && item.Organizer.EmailAddress.Address != "" {
			ev.Attendees = append(ev.Attendees, store.Attendee{
				Email:       item.Organizer.EmailAddress.Address,
				DisplayName: item.Organizer.EmailAddress.Name,
				RSVPStatus:  "accepted",
				IsOrganizer: true,
			})
		}
	}

	if item.ReminderOn != nil && *item.ReminderOn && item.ReminderLead != nil {
		ev.Reminders = append(ev.Reminders, store.Reminder{
			Method:        "popup",
			MinutesBefore: *item.ReminderLead,
		})
	}

	meta, _ := json.Marshal(map[string]string{
		"webLink":      item.WebLink,
		"seriesMaster": item.SeriesMasterID,
		"showAs":       item.ShowAs,
	})
	ev.ProviderMetadata = meta
	return ev, nil
}

func eventToGraph(ev Event) (*graphEvent, error) {
	out := &graphEvent{
		Subject:  ev.Title,
		IsAllDay: ev.AllDay,
		Start:    formatGraphTime(ev.Start, ev.AllDay),
		End:      formatGraphTime(ev.End, ev.AllDay),
	}
	if ev.Description != "" {
		out.Body = &graphBody{ContentType: "text", Content: ev.Description}
	}
	if ev.Location != "" {
		out.Location = &graphLocation{DisplayName: ev.Location}
	}
	if ev.RecurrenceRule != "" {
		rec, err := graphRecurrenceFromRRule(ev.RecurrenceRule, ev.Start)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("encode recurrence: %w", err)
		}
		out.Recurrence = raw
	}
	for _, att := range ev.Attendees {
		if att.IsOrganizer {
			continue
		}
		out.Attendees = append(out.Attendees, graphAttendee{
			EmailAddress: graphEmail{Address: att.Email, Name: att.DisplayName},
			Type:         "required",
		})
	}
	if len(ev.Reminders) > 0 {
		on := true
		lead := ev.Reminders[0].MinutesBefore
		out.ReminderOn = &on
		out.ReminderLead = &lead
	}
	return out, nil
}

// parseGraphTime handles Graph's fractional-second local timestamps, e.g.
// "2024-03-01T09:00:00.0000000" qualified by the timeZone field.
func parseGraphTime(dt *graphDateTime) (time.Time, error) {
	if dt == nil {
		return time.Time{}, fmt.Errorf("missing time")
	}
	raw := dt.DateTime
	if idx := strings.Index(raw, "."); idx >= 0 {
		raw = raw[:idx]
	}
	loc := time.UTC
	if dt.TimeZone != "" && dt.TimeZone != "UTC" {
		if l, err := time.LoadLocation(dt.TimeZone); err == nil {
			loc = l
		}
	}
	t, err := time.ParseInLocation("2006-01-02T15:04:05", raw, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse %q: %w", dt.DateTime, err)
	}
	return t.UTC(), nil
}

func formatGraphTime(t time.Time, allDay bool) *graphDateTime {
	if allDay {
		return &graphDateTime{DateTime: t.Format("2006-01-02T00:00:00"), TimeZone: "UTC"}
	}
	return &graphDateTime{DateTime: t.UTC().Format("2006-01-02T15:04:05"), TimeZone: "UTC"}
}

func graphStatus(item graphEvent) store.EventStatus {
	if item.IsCancelled {
		return store.EventCancelled
	}
	if item.ShowAs == "tentative" {
		return store.EventTentative
	}
	return store.EventConfirmed
}

func graphResponse(r string) string {
	switch strings.ToLower(r) {
	case "accepted", "organizer":
		return "accepted"
	case "declined":
		return "declined"
	case "tentativelyaccepted":
		return "tentative"
	default:
		return "needsAction"
	}
}
