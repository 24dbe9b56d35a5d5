package provider

import (
	"errors"
	"net/http"
	"testing"
	"time"

	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/googleapi"

	"github.com/jw6ventures/calsync/internal/store"
)

func TestGoogleToEvent(t *testing.T) {
	item := &calendar.Event{
		Id:          "ev-1",
		Summary:     "Design review",
		Description: "Weekly design sync",
		Location:    "Room 2",
		Status:      "confirmed",
		Updated:     "2026-03-01T08:30:00Z",
		Start:       &calendar.EventDateTime{DateTime: "2026-03-02T09:00:00Z", TimeZone: "UTC"},
		End:         &calendar.EventDateTime{DateTime: "2026-03-02T10:00:00Z", TimeZone: "UTC"},
		Recurrence: []string{
			"RRULE:FREQ=WEEKLY;BYDAY=MO",
			"EXDATE:20260309T090000Z",
		},
		Attendees: []*calendar.EventAttendee{
			{Email: "lead@example.com", DisplayName: "Lead", ResponseStatus: "accepted", Organizer: true},
			{Email: "dev@example.com", ResponseStatus: "needsAction"},
		},
		Reminders: &calendar.EventReminders{
			UseDefault: false,
			Overrides:  []*calendar.EventReminder{{Method: "popup", Minutes: 10}},
		},
	}

	ev, err := googleToEvent(item)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ev.ProviderEventID != "ev-1" || ev.Title != "Design review" {
		t.Errorf("fields: %+v", ev)
	}
	if ev.RecurrenceRule != "FREQ=WEEKLY;BYDAY=MO" {
		t.Errorf("rrule: %q", ev.RecurrenceRule)
	}
	if len(ev.ExceptionDates) != 1 || !ev.ExceptionDates[0].Equal(time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)) {
		t.Errorf("exdates: %v", ev.ExceptionDates)
	}
	if ev.LastModifiedRemote == nil || !ev.LastModifiedRemote.Equal(time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)) {
		t.Errorf("last modified: %v", ev.LastModifiedRemote)
	}
	if len(ev.Attendees) != 2 || !ev.Attendees[0].IsOrganizer {
		t.Errorf("attendees: %+v", ev.Attendees)
	}
	if len(ev.Reminders) != 1 || ev.Reminders[0].MinutesBefore != 10 {
		t.Errorf("reminders: %+v", ev.Reminders)
	}
}

func TestGoogleToEventAllDay(t *testing.T) {
	item := &calendar.Event{
		Id:     "ev-2",
		Status: "confirmed",
		Start:  &calendar.EventDateTime{Date: "2026-03-10"},
		End:    &calendar.EventDateTime{Date: "2026-03-11"},
	}
	ev, err := googleToEvent(item)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ev.AllDay {
		t.Error("date-only times should mark the event all-day")
	}
	if ev.End.Sub(ev.Start) != 24*time.Hour {
		t.Errorf("span: %v to %v", ev.Start, ev.End)
	}
}

func TestEventToGoogleRoundTripsRecurrence(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	ev := Event{
		Title:          "Standup",
		Start:          start,
		End:            start.Add(15 * time.Minute),
		Timezone:       "UTC",
		Status:         store.EventConfirmed,
		RecurrenceRule: "FREQ=DAILY;COUNT=5",
		ExceptionDates: []time.Time{start.AddDate(0, 0, 2)},
		Reminders:      []store.Reminder{{Method: "email", MinutesBefore: 30}},
	}

	gev := eventToGoogle(ev)
	if gev.Status != "confirmed" {
		t.Errorf("status: %q", gev.Status)
	}
	if len(gev.Recurrence) != 2 {
		t.Fatalf("recurrence lines: %v", gev.Recurrence)
	}
	if gev.Recurrence[0] != "RRULE:FREQ=DAILY;COUNT=5" {
		t.Errorf("rrule line: %q", gev.Recurrence[0])
	}
	if gev.Recurrence[1] != "EXDATE:20260304T090000Z" {
		t.Errorf("exdate line: %q", gev.Recurrence[1])
	}
	if gev.Reminders == nil || gev.Reminders.UseDefault {
		t.Fatalf("reminders: %+v", gev.Reminders)
	}
	if len(gev.Reminders.Overrides) != 1 || gev.Reminders.Overrides[0].Minutes != 30 {
		t.Errorf("overrides: %+v", gev.Reminders.Overrides)
	}

	back, err := googleToEvent(&calendar.Event{
		Id:         "rt",
		Status:     "confirmed",
		Start:      gev.Start,
		End:        gev.End,
		Recurrence: gev.Recurrence,
	})
	if err != nil {
		t.Fatalf("round trip: %v", err)
	}
	if back.RecurrenceRule != ev.RecurrenceRule {
		t.Errorf("rrule drifted: %q", back.RecurrenceRule)
	}
	if len(back.ExceptionDates) != 1 || !back.ExceptionDates[0].Equal(ev.ExceptionDates[0]) {
		t.Errorf("exdates drifted: %v", back.ExceptionDates)
	}
}

func TestParseExdateLine(t *testing.T) {
	cases := []struct {
		name string
		line string
		tz   string
		want []time.Time
	}{
		{
			name: "utc values",
			line: "EXDATE:20260304T090000Z,20260305T090000Z",
			want: []time.Time{
				time.Date(2026, 3, 4, 9, 0, 0, 0, time.UTC),
				time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC),
			},
		},
		{
			name: "explicit tzid",
			line: "EXDATE;TZID=America/New_York:20260304T090000",
			want: []time.Time{time.Date(2026, 3, 4, 14, 0, 0, 0, time.UTC)},
		},
		{
			name: "date only",
			line: "EXDATE;VALUE=DATE:20260310",
			want: []time.Time{time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseExdateLine(tc.line, tc.tz)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if len(got) != len(tc.want) {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
			for i := range got {
				if !got[i].Equal(tc.want[i]) {
					t.Errorf("value %d: got %v, want %v", i, got[i], tc.want[i])
				}
			}
		})
	}
}

func TestParseExdateLineMalformed(t *testing.T) {
	if _, err := parseExdateLine("EXDATE no colon", "UTC"); err == nil {
		t.Fatal("expected error")
	}
}

func TestGoogleErrorClassification(t *testing.T) {
	rateLimited := &googleapi.Error{
		Code:   http.StatusForbidden,
		Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}},
	}
	if !IsTransient(googleError("op", rateLimited)) {
		t.Error("403 rateLimitExceeded should be transient")
	}

	forbidden := &googleapi.Error{Code: http.StatusForbidden}
	if !IsAuth(googleError("op", forbidden)) {
		t.Error("plain 403 should be an auth error")
	}

	unauthorized := &googleapi.Error{Code: http.StatusUnauthorized}
	if !IsAuth(googleError("op", unauthorized)) {
		t.Error("401 should be an auth error")
	}

	server := &googleapi.Error{Code: http.StatusServiceUnavailable}
	if !IsTransient(googleError("op", server)) {
		t.Error("503 should be transient")
	}

	if !IsTransient(googleError("op", errors.New("connection reset"))) {
		t.Error("non-API errors should be transient")
	}
}

func TestGoogleStatusMapping(t *testing.T) {
	if googleStatus("tentative") != store.EventTentative {
		t.Error("tentative")
	}
	if googleStatus("cancelled") != store.EventCancelled {
		t.Error("cancelled")
	}
	if googleStatus("confirmed") != store.EventConfirmed {
		t.Error("confirmed")
	}
	if googleStatus("") != store.EventConfirmed {
		t.Error("default")
	}
}

func TestGoogleAdapterIdentity(t *testing.T) {
	adapter := NewGoogleAdapter()
	if adapter.Provider() != store.ProviderGoogle {
		t.Errorf("provider: %s", adapter.Provider())
	}
	caps := adapter.Capabilities()
	if !caps.Push || !caps.Subscriptions {
		t.Errorf("capabilities: %+v", caps)
	}
}
