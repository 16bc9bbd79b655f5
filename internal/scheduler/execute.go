package scheduler

import (
	"context"
	"fmt"
	"time"

	appLog "butler/internal/log"
	"butler/internal/model"
)

// executeItem speaks a trigger. Audit triggers branch into the two-path
// audit engine; everything else is delivered as a notification, optionally
// waiting for the user's answer afterwards.
func (s *Scheduler) executeItem(ctx context.Context, t *Trigger) {
	appLog.Info("executing trigger", "title", t.Title, "phase", t.Phase)

	switch t.Phase {
	case PhaseAuditA:
		// Path A fired out of band: the timed Path B must not fire too.
		appLog.Info("audit path A: victory briefing", "eventId", t.EventID)
		s.removeTriggers(t.EventID, PhaseAuditB)
		s.executePathAVictory(ctx, t.EventID)
		s.resolveCurrent(ctx, ReasonCompleted)
		return

	case PhaseAuditB:
		ev, err := s.store.GetEvent(ctx, t.EventID)
		if err != nil {
			appLog.Error("audit event lookup failed", err, "eventId", t.EventID)
			s.resolveCurrent(ctx, ReasonCompleted)
			return
		}
		if ev.Type == model.TypeChecklist {
			s.removeTriggers(t.EventID, PhaseAuditA)
			if pending := ev.PendingItems(); len(pending) > 0 {
				appLog.Info("audit path B: entering audit mode", "eventId", t.EventID, "pending", len(pending))
				s.startAuditMode(ctx, ev, pending)
				return
			}
			// Timed audit fired but the list is already done.
			appLog.Info("audit path B found a finished list, switching to path A", "eventId", t.EventID)
			s.executePathAVictory(ctx, t.EventID)
			s.resolveCurrent(ctx, ReasonCompleted)
			return
		}
	}

	// Snapshot the phrase under the lock; a concurrent load must not be
	// read half-written.
	s.mu.Lock()
	text := "Shall we proceed, Sir?"
	if t.Phrase != nil && t.Phrase.Trigger != "" {
		text = t.Phrase.Trigger
	}
	text = model.ScrubNull(text)

	// Transition bridge: the first approach warning after an audit gets a
	// connective lead-in so the change of subject doesn't feel abrupt.
	if s.justFinishedAudit && t.Phase == PhasePreStart {
		text = "With that logged, Sir, your next event is approaching. " + text
		s.justFinishedAudit = false
	}
	s.mu.Unlock()

	title := "Check-in"
	if t.Phase == PhaseStart {
		title = "Event Starting"
	}

	if err := s.notifier.Deliver(ctx, title, text, string(t.Phase)); err != nil {
		appLog.Error("delivery failed", err, "title", t.Title)
	}

	if !t.RequiresResponse {
		s.resolveCurrent(ctx, ReasonCompleted)
		return
	}

	s.mu.Lock()
	t.Status = StatusWaiting
	s.responseTimer = time.AfterFunc(s.replyTimeout(), func() {
		s.resolveCurrent(ctx, ReasonTimeout)
	})
	s.mu.Unlock()

	s.logTranscript(ctx, "ai", text)
}

func (s *Scheduler) replyTimeout() time.Duration {
	return time.Duration(s.cfg.ReplyTimeoutSeconds) * time.Second
}

func (s *Scheduler) removeTriggers(eventID int64, phase Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.queue[:0]
	for _, t := range s.queue {
		if t.EventID == eventID && t.Phase == phase {
			continue
		}
		kept = append(kept, t)
	}
	s.queue = kept
}

// executePathAVictory completes the event and speaks the victory briefing,
// including how far ahead of schedule the user is.
func (s *Scheduler) executePathAVictory(ctx context.Context, eventID int64) {
	ev, err := s.store.GetEvent(ctx, eventID)
	if err != nil {
		appLog.Error("victory briefing: event lookup failed", err, "eventId", eventID)
		return
	}

	if !ev.Completed {
		if _, err := s.store.CompleteEvent(ctx, eventID); err != nil {
			appLog.Error("victory briefing: completion failed", err, "eventId", eventID)
		}
	}

	now := s.now().In(s.loc)
	nowMin := model.MinutesOfDay(now)
	next, hasNext := s.nextUpcomingEvent(nowMin, eventID)

	var briefing string
	if ev.Script != nil && ev.Script.CompletionMessage != "" {
		briefing = ev.Script.CompletionMessage
	} else {
		briefing = "Splendid work, Sir! You have completed the " + ev.Title + " checklist perfectly. "
		if hasNext {
			gap := next.StartMinutes() - nowMin
			briefing += fmt.Sprintf("You are %d minutes ahead of schedule. Your next event, %s, is scheduled for %s. Enjoy your free time, Sir.",
				gap, next.Title, model.ClockLabel(next.StartMinutes()))
		} else {
			briefing += "You have completed all your tasks for today. Well done, Sir."
		}
	}

	s.speakBounded(ctx, briefing)
	s.logTranscript(ctx, "ai", briefing)
}

// nextUpcomingEvent finds the earliest not-yet-started, not-completed event
// after nowMin, excluding the one just finished.
func (s *Scheduler) nextUpcomingEvent(nowMin int, excludeID int64) (model.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best model.Event
	found := false
	for _, ev := range s.events {
		if ev.Completed || ev.ID == excludeID || ev.StartMinutes() <= nowMin {
			continue
		}
		if !found || ev.StartMinutes() < best.StartMinutes() {
			best = ev
			found = true
		}
	}
	return best, found
}

// speakBounded speaks text but moves on once the audit speech timeout
// elapses, so a stuck engine cannot hang the state machine.
func (s *Scheduler) speakBounded(ctx context.Context, text string) {
	done := make(chan struct{})
	go func() {
		if err := s.notifier.Speak(ctx, text); err != nil {
			appLog.Error("speech failed", err)
		}
		close(done)
	}()

	timeout := time.Duration(s.cfg.AuditSpeechTimeoutSeconds) * time.Second
	select {
	case <-done:
	case <-time.After(timeout):
		appLog.Info("speech timed out, moving on")
	}
}

func (s *Scheduler) logTranscript(ctx context.Context, role, content string) {
	if s.transcript == nil {
		return
	}
	if err := s.transcript.AppendMessage(ctx, role, content); err != nil {
		appLog.Error("transcript append failed", err)
	}
}
