package scheduler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"butler/internal/model"
)

func checklistEvent(id int64, title string, startHour, startMin, duration int, items ...string) model.Event {
	ev := eventAt(id, title, startHour, startMin, duration, model.TypeChecklist)
	for _, it := range items {
		ev.Items = append(ev.Items, model.ChecklistItem{Text: it})
	}
	return ev
}

func waitForDelivered(t *testing.T, n *fakeNotifier, substr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, line := range n.deliveredLines() {
			if strings.Contains(line, substr) {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "expected delivery containing %q", substr)
}

func waitForSpoken(t *testing.T, n *fakeNotifier, substr string) {
	t.Helper()
	require.Eventually(t, func() bool {
		for _, line := range n.spokenLines() {
			if strings.Contains(line, substr) {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond, "expected speech containing %q", substr)
}

func TestAuditPathBFullFlow(t *testing.T) {
	// The packing window just ended with two items unfinished.
	clock := &testClock{t: time.Date(2026, 9, 1, 10, 30, 0, 0, time.UTC)}
	ev := checklistEvent(1, "Packing", 9, 30, 60, "passport", "charger")
	store := newFakeStore(ev)
	notifier := &fakeNotifier{}
	s := newTestScheduler(store, &fakeContent{}, notifier, clock)
	ctx := context.Background()

	require.NoError(t, s.Tick(ctx))

	waitForSpoken(t, notifier, "I see 2 items still pending")
	waitForDelivered(t, notifier, "Did you finish passport, Sir?")

	// The Path A standby was silenced when Path B took over.
	for _, tr := range s.Queue() {
		assert.NotEqual(t, PhaseAuditA, tr.Phase)
	}

	// A "no" still closes the item; the audit reconciles the record.
	s.Respond(ctx, false)
	require.Eventually(t, func() bool {
		got, _ := store.GetEvent(ctx, 1)
		return got.Items[0].Completed
	}, 2*time.Second, 5*time.Millisecond)

	waitForDelivered(t, notifier, "Did you finish charger, Sir?")
	s.Respond(ctx, true)

	waitForSpoken(t, notifier, "Audit complete. I've updated your record for the Packing, Sir.")
	waitForSpoken(t, notifier, "no further tasks for the rest of the day")

	require.Eventually(t, func() bool {
		got, _ := store.GetEvent(ctx, 1)
		return got.Completed && !s.Processing()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestAuditPathBSwitchesToVictoryWhenDone(t *testing.T) {
	clock := &testClock{t: time.Date(2026, 9, 1, 10, 30, 0, 0, time.UTC)}
	ev := checklistEvent(1, "Packing", 9, 30, 60, "passport")
	ev.Items[0].Completed = true
	store := newFakeStore(ev)
	notifier := &fakeNotifier{}
	s := newTestScheduler(store, &fakeContent{}, notifier, clock)

	require.NoError(t, s.Tick(context.Background()))

	waitForSpoken(t, notifier, "Splendid work, Sir! You have completed the Packing checklist perfectly.")
	require.Eventually(t, func() bool { return !s.Processing() }, 2*time.Second, 5*time.Millisecond)
}

func TestChecklistVictoryPathA(t *testing.T) {
	// Mid-event: the user ticks off the last item ahead of schedule.
	clock := &testClock{t: time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)}
	ev := checklistEvent(1, "Packing", 9, 30, 60, "passport")
	review := eventAt(2, "Review", 11, 0, 30, model.TypeFixed)
	store := newFakeStore(ev, review)
	notifier := &fakeNotifier{}
	s := newTestScheduler(store, &fakeContent{}, notifier, clock)
	ctx := context.Background()

	require.NoError(t, s.Tick(ctx))

	_, err := store.SetItemCompleted(ctx, 1, "passport", true)
	require.NoError(t, err)
	s.CheckChecklistVictory(ctx, 1)

	waitForSpoken(t, notifier, "You are 60 minutes ahead of schedule. Your next event, Review, is scheduled for 11:00 AM.")

	got, err := store.GetEvent(ctx, 1)
	require.NoError(t, err)
	assert.True(t, got.Completed)

	// The timed ending triggers were cancelled.
	require.Eventually(t, func() bool {
		for _, tr := range s.Queue() {
			if tr.EventID == 1 && (tr.Phase == PhaseAuditB || tr.Phase == PhasePreEnd) {
				return false
			}
		}
		return !s.Processing()
	}, 2*time.Second, 5*time.Millisecond)
}

func TestVictoryUsesForgedCompletionMessage(t *testing.T) {
	clock := &testClock{t: time.Date(2026, 9, 1, 10, 0, 0, 0, time.UTC)}
	ev := checklistEvent(1, "Packing", 9, 30, 60, "passport")
	ev.Script = &model.AiScript{CompletionMessage: "The bags are ready, Sir. A triumph of logistics."}
	store := newFakeStore(ev)
	notifier := &fakeNotifier{}
	s := newTestScheduler(store, &fakeContent{}, notifier, clock)
	ctx := context.Background()

	require.NoError(t, s.Tick(ctx))
	_, err := store.SetItemCompleted(ctx, 1, "passport", true)
	require.NoError(t, err)
	s.CheckChecklistVictory(ctx, 1)

	waitForSpoken(t, notifier, "A triumph of logistics.")
	for _, line := range notifier.spokenLines() {
		assert.NotContains(t, line, "Splendid work")
	}
}

func TestAuditMissingEventResolvesSilently(t *testing.T) {
	clock := &testClock{t: testTime}
	store := newFakeStore() // the event vanished before the audit fired
	notifier := &fakeNotifier{}
	s := newTestScheduler(store, &fakeContent{}, notifier, clock)
	ctx := context.Background()

	ev := checklistEvent(1, "Packing", 9, 30, 60, "passport")
	s.mu.Lock()
	s.addLocked(ev, PhaseAuditB, "", ev.EndMinutes())
	tr := s.queue[0]
	tr.Status = StatusReady
	tr.Phrase = &model.Phrase{Trigger: "Local logic"}
	tr.Due = true
	s.mu.Unlock()

	s.processQueue(ctx)

	require.Eventually(t, func() bool {
		return !s.Processing() && len(s.History()) == 1
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, notifier.deliveredLines())
	assert.Empty(t, notifier.spokenLines())
}

func TestPostAuditBridge(t *testing.T) {
	clock := &testClock{t: testTime}
	ev := eventAt(1, "Meeting", 10, 0, 60, model.TypeFixed)
	store := newFakeStore(ev)
	notifier := &fakeNotifier{}
	s := newTestScheduler(store, &fakeContent{}, notifier, clock)
	ctx := context.Background()

	s.mu.Lock()
	s.justFinishedAudit = true
	s.mu.Unlock()

	s.Add(ctx, ev, PhasePreStart, "", 0)
	require.Eventually(t, func() bool {
		q := s.Queue()
		return len(q) == 1 && q[0].Status == StatusReady
	}, time.Second, 5*time.Millisecond)

	s.MarkAsDue(ctx, 1, PhasePreStart)

	waitForDelivered(t, notifier, "With that logged, Sir, your next event is approaching.")
}
