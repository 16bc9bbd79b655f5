package store

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"butler/internal/model"
)

const recurringICS = `BEGIN:VCALENDAR
VERSION:2.0
PRODID:-//test//test//EN
BEGIN:VEVENT
UID:standup@test
SUMMARY:Daily standup
DTSTART:20260901T100000Z
DTEND:20260901T101500Z
RRULE:FREQ=DAILY;COUNT=5
EXDATE:20260903T100000Z
END:VEVENT
BEGIN:VEVENT
UID:dentist@test
SUMMARY:Dentist
DTSTART:20260902T140000Z
DTEND:20260902T150000Z
END:VEVENT
END:VCALENDAR
`

func TestImportICSExpandsRecurrence(t *testing.T) {
	from := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 9, 7, 23, 59, 0, 0, time.UTC)

	evs, err := ImportICS([]byte(recurringICS), from, to, time.UTC)
	require.NoError(t, err)

	var standups, singles []*model.Event
	for _, ev := range evs {
		if ev.SeriesID != "" {
			standups = append(standups, ev)
		} else {
			singles = append(singles, ev)
		}
	}

	// 5 daily occurrences minus one EXDATE.
	require.Len(t, standups, 4)
	for _, ev := range standups {
		assert.Equal(t, "Daily standup", ev.Title)
		assert.Equal(t, "standup@test", ev.SeriesID)
		assert.Equal(t, 10, ev.StartHour)
		assert.Equal(t, 15, ev.Duration)
		assert.NotEqual(t, "2026-9-3", ev.DateKey)
	}

	require.Len(t, singles, 1)
	assert.Equal(t, "Dentist", singles[0].Title)
	assert.Equal(t, "2026-9-2", singles[0].DateKey)
	assert.Equal(t, 60, singles[0].Duration)
}

func TestImportICSWindowFilter(t *testing.T) {
	from := time.Date(2026, 9, 5, 0, 0, 0, 0, time.UTC)
	to := time.Date(2026, 9, 6, 0, 0, 0, 0, time.UTC)

	evs, err := ImportICS([]byte(recurringICS), from, to, time.UTC)
	require.NoError(t, err)

	// Dentist (Sep 2) is outside the window; only the Sep 5 standup remains.
	require.Len(t, evs, 1)
	assert.Equal(t, "2026-9-5", evs[0].DateKey)
}

func TestExportICSRoundTrip(t *testing.T) {
	events := []model.Event{
		{ID: 7, DateKey: "2026-9-1", Title: "Lunch", StartHour: 12, StartMin: 30, Duration: 45, Type: model.TypeFixed},
	}

	data, err := ExportICS(events, time.UTC)
	require.NoError(t, err)
	assert.Contains(t, string(data), "SUMMARY:Lunch")
	assert.Contains(t, string(data), "UID:butler-7")

	back, err := ImportICS(data,
		time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC),
		time.UTC)
	require.NoError(t, err)
	require.Len(t, back, 1)
	assert.Equal(t, "Lunch", back[0].Title)
	assert.Equal(t, 12, back[0].StartHour)
	assert.Equal(t, 30, back[0].StartMin)
	assert.Equal(t, 45, back[0].Duration)
}

func TestImportICSRejectsEmpty(t *testing.T) {
	_, err := ImportICS(nil, time.Time{}, time.Time{}, time.UTC)
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "empty"))
}
