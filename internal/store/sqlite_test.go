package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"butler/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "butler.db"), 5)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEventCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := &model.Event{
		DateKey:   "2026-9-1",
		Title:     "Morning review",
		StartHour: 9,
		StartMin:  30,
		Duration:  45,
		Type:      model.TypeRoutine,
		Items:     []model.ChecklistItem{{Text: "inbox"}, {Text: "calendar"}},
	}
	require.NoError(t, s.AddEvent(ctx, ev))
	require.NotZero(t, ev.ID)

	got, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "Morning review", got.Title)
	require.Len(t, got.Items, 2)
	assert.Nil(t, got.Script)

	got.Title = "Evening review"
	got.Script = &model.AiScript{StartSummary: "Time to review, Sir."}
	require.NoError(t, s.UpdateEvent(ctx, &got))

	again, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, "Evening review", again.Title)
	require.NotNil(t, again.Script)
	assert.Equal(t, "Time to review, Sir.", again.Script.StartSummary)

	require.NoError(t, s.DeleteEvent(ctx, ev.ID, false))
	_, err = s.GetEvent(ctx, ev.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListEventsForDayOrdered(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, hm := range [][2]int{{14, 0}, {9, 15}, {9, 0}} {
		require.NoError(t, s.AddEvent(ctx, &model.Event{
			DateKey: "2026-9-1", Title: "e", StartHour: hm[0], StartMin: hm[1],
			Duration: 30, Type: model.TypeFixed,
		}))
	}
	require.NoError(t, s.AddEvent(ctx, &model.Event{
		DateKey: "2026-9-2", Title: "other day", StartHour: 8, Duration: 30, Type: model.TypeFixed,
	}))

	evs, err := s.ListEventsForDay(ctx, "2026-9-1")
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Equal(t, 540, evs[0].StartMinutes())
	assert.Equal(t, 555, evs[1].StartMinutes())
	assert.Equal(t, 840, evs[2].StartMinutes())
}

func TestDeleteSeries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	series := s.NewID()
	var first int64
	for i := 0; i < 3; i++ {
		ev := &model.Event{
			DateKey: fmt.Sprintf("2026-9-%d", i+1), Title: "standup",
			StartHour: 10, Duration: 15, Type: model.TypeRoutine, SeriesID: series,
		}
		require.NoError(t, s.AddEvent(ctx, ev))
		if i == 0 {
			first = ev.ID
		}
	}
	lone := &model.Event{DateKey: "2026-9-1", Title: "lone", StartHour: 11, Duration: 15, Type: model.TypeFixed}
	require.NoError(t, s.AddEvent(ctx, lone))

	require.NoError(t, s.DeleteEvent(ctx, first, true))

	for _, key := range []string{"2026-9-1", "2026-9-2", "2026-9-3"} {
		evs, err := s.ListEventsForDay(ctx, key)
		require.NoError(t, err)
		for _, ev := range evs {
			assert.NotEqual(t, series, ev.SeriesID)
		}
	}
	_, err := s.GetEvent(ctx, lone.ID)
	assert.NoError(t, err)
}

func TestCompleteEventGreysOut(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := &model.Event{DateKey: "2026-9-1", Title: "gym", StartHour: 18, Duration: 60, Type: model.TypeFixed, Color: "#ff0000"}
	require.NoError(t, s.AddEvent(ctx, ev))

	done, err := s.CompleteEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, done.Completed)
	assert.Equal(t, "#808080", done.Color)

	_, err = s.CompleteEvent(ctx, 99999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetItemCompleted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := &model.Event{
		DateKey: "2026-9-1", Title: "pack", StartHour: 7, Duration: 30, Type: model.TypeChecklist,
		Items: []model.ChecklistItem{{Text: "passport"}, {Text: "charger"}},
	}
	require.NoError(t, s.AddEvent(ctx, ev))

	got, err := s.SetItemCompleted(ctx, ev.ID, "charger", true)
	require.NoError(t, err)
	assert.False(t, got.Items[0].Completed)
	assert.True(t, got.Items[1].Completed)

	_, err = s.SetItemCompleted(ctx, ev.ID, "socks", true)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteEventsBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := &model.Event{DateKey: "2026-8-20", Title: "old", StartHour: 9, Duration: 30, Type: model.TypeFixed}
	cur := &model.Event{DateKey: "2026-9-1", Title: "current", StartHour: 9, Duration: 30, Type: model.TypeFixed}
	require.NoError(t, s.AddEvent(ctx, old))
	require.NoError(t, s.AddEvent(ctx, cur))

	n, err := s.DeleteEventsBefore(ctx, time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetEvent(ctx, old.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetEvent(ctx, cur.ID)
	assert.NoError(t, err)
}

func TestTemplates(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	tpl := &Template{Name: "Workout", Payload: json.RawMessage(`{"title":"Gym","duration":60}`)}
	require.NoError(t, s.SaveTemplate(ctx, tpl))
	require.NotEmpty(t, tpl.ID)

	tpl.Name = "Workout v2"
	require.NoError(t, s.SaveTemplate(ctx, tpl))

	all, err := s.ListTemplates(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "Workout v2", all[0].Name)

	require.NoError(t, s.DeleteTemplate(ctx, tpl.ID))
	assert.ErrorIs(t, s.DeleteTemplate(ctx, tpl.ID), ErrNotFound)
}

func TestChatTranscriptCap(t *testing.T) {
	s := newTestStore(t) // cap of 5
	ctx := context.Background()

	for i := 0; i < 8; i++ {
		require.NoError(t, s.AppendMessage(ctx, "user", fmt.Sprintf("message %d", i)))
	}

	hist, err := s.ChatHistory(ctx)
	require.NoError(t, err)
	require.Len(t, hist, 5)
	assert.Equal(t, "message 3", hist[0].Content)
	assert.Equal(t, "message 7", hist[4].Content)
}
