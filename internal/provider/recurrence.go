package provider

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// maxOccurrences caps expansion of unbounded rules so a FREQ=DAILY without
// UNTIL or COUNT cannot produce an infinite series.
const maxOccurrences = 1000

// Occurrence is one concrete instance of a recurring event.
type Occurrence struct {
	Start time.Time
	End   time.Time
}

// NormalizeRRule strips an optional "RRULE:" prefix and validates the rule
// text, returning the canonical property value without the prefix.
func NormalizeRRule(rule string) (string, error) {
	rule = strings.TrimSpace(rule)
	rule = strings.TrimPrefix(rule, "RRULE:")
	if rule == "" {
		return "", nil
	}
	if _, err := rrule.StrToRRule(rule); err != nil {
		return "", fmt.Errorf("parse recurrence rule %q: %w", rule, err)
	}
	return rule, nil
}

// ExpandOccurrences materializes the instances of an event inside [from, to).
// Exception dates are excluded by their start instant. A non-recurring event
// yields itself when it overlaps the window.
func ExpandOccurrences(ev Event, from, to time.Time) ([]Occurrence, error) {
	duration := ev.End.Sub(ev.Start)

	if ev.RecurrenceRule == "" {
		if ev.End.After(from) && ev.Start.Before(to) {
			return []Occurrence{{Start: ev.Start, End: ev.End}}, nil
		}
		return nil, nil
	}

	r, err := rrule.StrToRRule(ev.RecurrenceRule)
	if err != nil {
		return nil, fmt.Errorf("parse recurrence rule %q: %w", ev.RecurrenceRule, err)
	}
	r.DTStart(ev.Start)

	set := rrule.Set{}
	set.RRule(r)
	for _, ex := range ev.ExceptionDates {
		set.ExDate(ex)
	}

	// Widen the lower bound by the event duration so instances that started
	// before the window but are still in progress are included.
	starts := set.Between(from.Add(-duration), to, true)
	occs := make([]Occurrence, 0, len(starts))
	for _, s := range starts {
		if len(occs) >= maxOccurrences {
			break
		}
		e := s.Add(duration)
		if !e.After(from) || !s.Before(to) {
			continue
		}
		occs = append(occs, Occurrence{Start: s, End: e})
	}
	sort.Slice(occs, func(i, j int) bool { return occs[i].Start.Before(occs[j].Start) })
	return occs, nil
}

// graphRecurrence mirrors the Microsoft Graph patternedRecurrence shape.
type graphRecurrence struct {
	Pattern struct {
		Type       string   `json:"type"`
		Interval   int      `json:"interval"`
		DaysOfWeek []string `json:"daysOfWeek"`
		DayOfMonth int      `json:"dayOfMonth"`
		Month      int      `json:"month"`
	} `json:"pattern"`
	Range struct {
		Type                string `json:"type"`
		EndDate             string `json:"endDate"`
		NumberOfOccurrences int    `json:"numberOfOccurrences"`
	} `json:"range"`
}

var graphFreqNames = map[string]string{
	"daily":           "DAILY",
	"weekly":          "WEEKLY",
	"absolutemonthly": "MONTHLY",
	"relativemonthly": "MONTHLY",
	"absoluteyearly":  "YEARLY",
	"relativeyearly":  "YEARLY",
}

// rruleFromGraph converts a Graph patternedRecurrence into RRULE text.
// Patterns Graph can express but RRULE cannot map cleanly are reported as
// errors so the event is stored without a rule rather than with a wrong one.
func rruleFromGraph(rec graphRecurrence) (string, error) {
	freq, ok := graphFreqNames[strings.ToLower(rec.Pattern.Type)]
	if !ok {
		return "", fmt.Errorf("unsupported recurrence pattern type %q", rec.Pattern.Type)
	}

	parts := []string{"FREQ=" + freq}
	if rec.Pattern.Interval > 1 {
		parts = append(parts, "INTERVAL="+strconv.Itoa(rec.Pattern.Interval))
	}
	if len(rec.Pattern.DaysOfWeek) > 0 {
		days := make([]string, 0, len(rec.Pattern.DaysOfWeek))
		for _, d := range rec.Pattern.DaysOfWeek {
			if len(d) < 2 {
				return "", fmt.Errorf("invalid recurrence day %q", d)
			}
			days = append(days, strings.ToUpper(d[:2]))
		}
		parts = append(parts, "BYDAY="+strings.Join(days, ","))
	}
	if rec.Pattern.DayOfMonth > 0 {
		parts = append(parts, "BYMONTHDAY="+strconv.Itoa(rec.Pattern.DayOfMonth))
	}
	if rec.Pattern.Month > 0 {
		parts = append(parts, "BYMONTH="+strconv.Itoa(rec.Pattern.Month))
	}

	switch strings.ToLower(rec.Range.Type) {
	case "enddate":
		if rec.Range.EndDate != "" {
			parts = append(parts, "UNTIL="+strings.ReplaceAll(rec.Range.EndDate, "-", ""))
		}
	case "numbered":
		if rec.Range.NumberOfOccurrences > 0 {
			parts = append(parts, "COUNT="+strconv.Itoa(rec.Range.NumberOfOccurrences))
		}
	}

	return strings.Join(parts, ";"), nil
}

// graphRecurrenceFromRRule converts RRULE text into the Graph
// patternedRecurrence shape for pushing local recurring events. startDate
// anchors open-ended rules, which Graph represents as a noEnd range.
func graphRecurrenceFromRRule(rule string, start time.Time) (map[string]any, error) {
	r, err := rrule.StrToRRule(rule)
	if err != nil {
		return nil, fmt.Errorf("parse recurrence rule %q: %w", rule, err)
	}
	opts := r.OrigOptions

	pattern := map[string]any{"interval": maxInt(opts.Interval, 1)}
	switch opts.Freq {
	case rrule.DAILY:
		pattern["type"] = "daily"
	case rrule.WEEKLY:
		pattern["type"] = "weekly"
		if len(opts.Byweekday) > 0 {
			days := make([]string, 0, len(opts.Byweekday))
			for _, wd := range opts.Byweekday {
				days = append(days, graphDayNames[wd.Day()])
			}
			pattern["daysOfWeek"] = days
		}
	case rrule.MONTHLY:
		pattern["type"] = "absoluteMonthly"
		if len(opts.Bymonthday) > 0 {
			pattern["dayOfMonth"] = opts.Bymonthday[0]
		} else {
			pattern["dayOfMonth"] = start.Day()
		}
	case rrule.YEARLY:
		pattern["type"] = "absoluteYearly"
		if len(opts.Bymonthday) > 0 {
			pattern["dayOfMonth"] = opts.Bymonthday[0]
		} else {
			pattern["dayOfMonth"] = start.Day()
		}
		if len(opts.Bymonth) > 0 {
			pattern["month"] = opts.Bymonth[0]
		} else {
			pattern["month"] = int(start.Month())
		}
	default:
		return nil, fmt.Errorf("unsupported recurrence frequency in %q", rule)
	}

	rng := map[string]any{"startDate": start.Format("2006-01-02")}
	switch {
	case opts.Count > 0:
		rng["type"] = "numbered"
		rng["numberOfOccurrences"] = opts.Count
	case !opts.Until.IsZero():
		rng["type"] = "endDate"
		rng["endDate"] = opts.Until.Format("2006-01-02")
	default:
		rng["type"] = "noEnd"
	}

	return map[string]any{"pattern": pattern, "range": rng}, nil
}

var graphDayNames = map[int]string{
	0: "monday",
	1: "tuesday",
	2: "wednesday",
	3: "thursday",
	4: "friday",
	5: "saturday",
	6: "sunday",
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
