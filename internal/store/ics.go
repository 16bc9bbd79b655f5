package store

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	"github.com/teambition/rrule-go"

	appLog "butler/internal/log"
	"butler/internal/model"
)

// Safety cap on recurrence expansion so a runaway RRULE cannot flood the
// planner with instances.
const maxOccurrencesPerEvent = 500

// ExportICS serializes the given events as an iCalendar payload. Each event
// becomes one VEVENT anchored to its day key in loc.
func ExportICS(events []model.Event, loc *time.Location) ([]byte, error) {
	if loc == nil {
		loc = time.Local
	}

	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId("-//butler//day planner//EN")

	for _, ev := range events {
		start, err := eventStartTime(ev, loc)
		if err != nil {
			appLog.Error("ics export: skipping event with bad day key", err, "id", ev.ID, "dateKey", ev.DateKey)
			continue
		}

		ve := cal.AddEvent(fmt.Sprintf("butler-%d", ev.ID))
		ve.SetSummary(ev.Title)
		ve.SetStartAt(start)
		ve.SetEndAt(start.Add(time.Duration(ev.Duration) * time.Minute))
		ve.SetDescription(string(ev.Type))
		if ev.SeriesID != "" {
			ve.AddProperty("X-BUTLER-SERIES", ev.SeriesID)
		}
	}

	return []byte(cal.Serialize()), nil
}

// ImportICS parses an iCalendar payload and returns planner events for every
// occurrence falling within [from, to]. RRULE-based recurrence is expanded;
// all instances of one recurring VEVENT share a series id so they can be
// deleted together.
func ImportICS(body []byte, from, to time.Time, loc *time.Location) ([]*model.Event, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}
	if to.Before(from) {
		return nil, errors.New("import range end is before start")
	}
	if loc == nil {
		loc = time.Local
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse calendar: %w", err)
	}

	var out []*model.Event
	for _, ve := range cal.Events() {
		evs, perr := importVEvent(ve, from, to, loc)
		if perr != nil {
			// Skip the bad VEVENT but keep importing the rest.
			appLog.Error("ics import: skipping vevent", perr)
			continue
		}
		out = append(out, evs...)
	}

	appLog.Info("ics import completed", "event_count", len(out))
	return out, nil
}

func importVEvent(ve *ical.VEvent, from, to time.Time, loc *time.Location) ([]*model.Event, error) {
	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return nil, errors.New("missing UID")
	}
	uid := uidProp.Value

	title := "Imported event"
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil && p.Value != "" {
		title = p.Value
	}

	start, err := ve.GetStartAt()
	if err != nil {
		return nil, fmt.Errorf("event %s: no usable DTSTART: %w", uid, err)
	}
	end, err := ve.GetEndAt()
	if err != nil || !end.After(start) {
		end = start.Add(30 * time.Minute)
	}
	duration := int(end.Sub(start) / time.Minute)
	if duration < 5 {
		duration = 5
	}

	var rawRRule string
	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		rawRRule = p.Value
	}

	// Non-recurring: one instance if it falls inside the window.
	if rawRRule == "" {
		if start.Before(from) || start.After(to) {
			return nil, nil
		}
		return []*model.Event{instanceAt(start.In(loc), title, duration, "")}, nil
	}

	r, err := rrule.StrToRRule(rawRRule)
	if err != nil {
		return nil, fmt.Errorf("event %s: bad RRULE %q: %w", uid, rawRRule, err)
	}
	r.DTStart(start)

	var set rrule.Set
	set.RRule(r)
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if t, perr := parseICSTime(strings.TrimSpace(part)); perr == nil {
				set.ExDate(t.In(start.Location()))
			}
		}
	}

	occs := set.Between(from.In(start.Location()), to.In(start.Location()), true)
	if len(occs) > maxOccurrencesPerEvent {
		appLog.Error("ics import: truncated recurrence expansion",
			errors.New("max occurrences reached"), "uid", uid, "cap", maxOccurrencesPerEvent)
		occs = occs[:maxOccurrencesPerEvent]
	}

	seriesID := uid
	out := make([]*model.Event, 0, len(occs))
	for _, occ := range occs {
		out = append(out, instanceAt(occ.In(loc), title, duration, seriesID))
	}
	return out, nil
}

func instanceAt(start time.Time, title string, duration int, seriesID string) *model.Event {
	return &model.Event{
		DateKey:   model.DateKeyFor(start),
		Title:     title,
		StartHour: start.Hour(),
		StartMin:  start.Minute(),
		Duration:  duration,
		Type:      model.TypeFlexible,
		SeriesID:  seriesID,
	}
}

// eventStartTime anchors an event's clock time onto its day key.
func eventStartTime(ev model.Event, loc *time.Location) (time.Time, error) {
	var y, m, d int
	if _, err := fmt.Sscanf(ev.DateKey, "%d-%d-%d", &y, &m, &d); err != nil {
		return time.Time{}, fmt.Errorf("bad day key %q: %w", ev.DateKey, err)
	}
	return time.Date(y, time.Month(m), d, ev.StartHour, ev.StartMin, 0, 0, loc), nil
}

// parseICSTime parses the basic ICS date/date-time forms used by EXDATE.
func parseICSTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, time.Local)
	}
	return time.ParseInLocation("20060102", v, time.Local)
}
