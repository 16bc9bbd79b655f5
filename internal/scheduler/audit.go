package scheduler

import (
	"context"
	"fmt"
	"time"

	appLog "butler/internal/log"
	"butler/internal/model"
)

// auditState tracks a Path B interrogation in progress.
type auditState struct {
	event model.Event
	items []model.ChecklistItem
	idx   int
}

// startAuditMode begins the Path B sequential interrogation over the
// event's pending items. The engine latch stays held for the whole audit;
// standby item triggers for the event are silenced so they cannot fire
// mid-questioning.
func (s *Scheduler) startAuditMode(ctx context.Context, ev model.Event, pending []model.ChecklistItem) {
	s.mu.Lock()
	s.processing = true
	s.audit = &auditState{event: ev, items: pending}

	appLog.Info("silencing item triggers for audit", "title", ev.Title)
	kept := s.queue[:0]
	for _, t := range s.queue {
		if t.EventID == ev.ID && t.Phase == PhaseItem {
			continue
		}
		kept = append(kept, t)
	}
	s.queue = kept
	s.mu.Unlock()

	briefing := fmt.Sprintf("Sir, the time for your %s has concluded, but I see %d items still pending. Let's perform a quick audit.",
		ev.Title, len(pending))

	if err := s.notifier.Speak(ctx, briefing); err != nil {
		appLog.Error("audit briefing failed", err)
	}
	s.logTranscript(ctx, "ai", briefing)

	s.askAuditQuestion(ctx)
}

func (s *Scheduler) askAuditQuestion(ctx context.Context) {
	s.mu.Lock()
	audit := s.audit
	if audit == nil || audit.idx >= len(audit.items) {
		s.mu.Unlock()
		s.finishAudit(ctx)
		return
	}

	item := audit.items[audit.idx]
	s.current = &Trigger{
		UniqueID:         fmt.Sprintf("audit_%d_%d", audit.event.ID, audit.idx),
		EventID:          audit.event.ID,
		Title:            item.Text,
		Phase:            phaseAuditQ,
		Status:           StatusWaiting,
		RequiresResponse: true,
		DisplayTime:      "NOW",
	}
	s.mu.Unlock()

	question := fmt.Sprintf("Did you finish %s, Sir?", item.Text)
	if err := s.notifier.Deliver(ctx, "Checklist Audit", question, "audit"); err != nil {
		appLog.Error("audit question failed", err)
	}
	s.logTranscript(ctx, "ai", question)
}

// answerAuditQuestion records the answer to the current audit question and
// advances. The item is checked off either way; the audit's job is to
// reconcile the record, and a "no" at this point still closes the item.
func (s *Scheduler) answerAuditQuestion(ctx context.Context) {
	s.mu.Lock()
	audit := s.audit
	if audit == nil || audit.idx >= len(audit.items) {
		s.mu.Unlock()
		return
	}
	item := audit.items[audit.idx]
	audit.idx++
	s.mu.Unlock()

	appLog.Info("audit answer received", "item", item.Text)
	if _, err := s.store.SetItemCompleted(ctx, audit.event.ID, item.Text, true); err != nil {
		appLog.Error("audit item update failed", err, "item", item.Text)
	}

	go func() {
		s.sleep(500 * time.Millisecond)
		s.askAuditQuestion(ctx)
	}()
}

// finishAudit closes Path B: speak the closing line, complete the event,
// silence the Path A standby, and release the engine.
func (s *Scheduler) finishAudit(ctx context.Context) {
	s.mu.Lock()
	audit := s.audit
	if audit == nil {
		s.mu.Unlock()
		return
	}
	ev := audit.event

	// The victory briefing must not fire on top of the audit closing, and
	// the timed trigger that opened the audit is spent.
	kept := s.queue[:0]
	for _, t := range s.queue {
		if t.EventID == ev.ID && (t.Phase == PhaseAuditA || t.Phase == PhaseAuditB) {
			if t.Phase == PhaseAuditB {
				s.ledger[t.UniqueID] = true
			}
			continue
		}
		kept = append(kept, t)
	}
	s.queue = kept

	nowMin := model.MinutesOfDay(s.now().In(s.loc))
	hasFuture := false
	for _, e := range s.events {
		if !e.Completed && e.ID != ev.ID && e.StartMinutes() > nowMin {
			hasFuture = true
			break
		}
	}
	s.mu.Unlock()

	var msg string
	if ev.Script != nil && ev.Script.CompletionMessage != "" {
		msg = ev.Script.CompletionMessage
	} else {
		msg = fmt.Sprintf("Audit complete. I've updated your record for the %s, Sir.", ev.Title)
		if !hasFuture {
			msg += " I see you have no further tasks for the rest of the day. Enjoy your evening, Sir."
		}
	}

	s.speakBounded(ctx, msg)
	s.logTranscript(ctx, "ai", msg)

	if _, err := s.store.CompleteEvent(ctx, ev.ID); err != nil {
		appLog.Error("audit completion failed", err, "eventId", ev.ID)
	}

	s.mu.Lock()
	if len(audit.items) > 0 {
		s.ledger[fmt.Sprintf("audit_%d_%d", ev.ID, len(audit.items)-1)] = true
	}
	s.audit = nil
	s.current = nil
	s.processing = false
	s.justFinishedAudit = true
	s.mu.Unlock()

	go func() {
		s.sleep(100 * time.Millisecond)
		s.processQueue(ctx)
	}()
}
