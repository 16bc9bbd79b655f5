package scheduler

import (
	"context"
	"fmt"

	appLog "butler/internal/log"
	"butler/internal/model"
)

// manageBuffer keeps the head of the queue's content loaded. The target
// window is the first PrefetchDepth still-scheduled entries and rolls
// forward as they load; at most one load is outstanding at a time.
func (s *Scheduler) manageBuffer(ctx context.Context) {
	s.mu.Lock()

	for _, t := range s.queue {
		if t.Status == StatusLoading {
			// One load at a time.
			s.mu.Unlock()
			return
		}
	}

	var cand *Trigger
	count := 0
	for _, t := range s.queue {
		if t.Status != StatusScheduled {
			continue
		}
		if cand == nil {
			cand = t
		}
		count++
		if count >= s.cfg.PrefetchDepth {
			break
		}
	}
	s.mu.Unlock()

	if cand != nil {
		s.prefetch(ctx, cand)
	}
}

// prefetch resolves a trigger's phrase. Precedence: audit triggers are
// local logic, then the event's pre-generated script, then a live
// generation call, then a canned fallback.
func (s *Scheduler) prefetch(ctx context.Context, t *Trigger) {
	s.mu.Lock()
	if t.Status == StatusReady || t.Status == StatusLoading {
		s.mu.Unlock()
		return
	}

	// Audit triggers carry no spoken content of their own.
	if t.Phase == PhaseAuditA || t.Phase == PhaseAuditB {
		t.Phrase = &model.Phrase{Trigger: "Local logic"}
		t.Status = StatusReady
		s.processQueueLocked(ctx)
		s.mu.Unlock()
		s.manageBuffer(ctx)
		return
	}

	if ev, ok := s.eventByIDLocked(t.EventID); ok && ev.Script != nil {
		outcome := s.prefetchFromScriptLocked(t, ev)
		switch outcome {
		case scriptHit:
			s.processQueueLocked(ctx)
			s.mu.Unlock()
			s.manageBuffer(ctx)
			return
		case scriptDropped:
			s.mu.Unlock()
			return
		}
		// scriptMiss falls through to the live call.
	}

	t.Status = StatusLoading
	s.mu.Unlock()

	go s.fetchLive(ctx, t)
}

type scriptOutcome int

const (
	scriptMiss scriptOutcome = iota
	scriptHit
	scriptDropped
)

// prefetchFromScriptLocked serves a trigger from the event's pre-generated
// script bundle. Checklist items that were completed while queued are
// dropped here instead of spoken.
func (s *Scheduler) prefetchFromScriptLocked(t *Trigger, ev model.Event) scriptOutcome {
	sc := ev.Script

	switch t.Phase {
	case PhasePreStart:
		if sc.PreStartSummary != "" {
			appLog.Debug("using pre-generated trailer", "title", t.Title)
			t.Phrase = &model.Phrase{Trigger: sc.PreStartSummary}
			t.Status = StatusReady
			return scriptHit
		}
	case PhaseStart:
		if sc.StartSummary != "" {
			appLog.Debug("using pre-generated briefing", "title", t.Title)
			t.Phrase = &model.Phrase{Trigger: sc.StartSummary}
			t.Status = StatusReady
			return scriptHit
		}
	case PhasePreEnd:
		if sc.PreEndSummary != "" {
			appLog.Debug("using pre-generated warning", "title", t.Title)
			t.Phrase = &model.Phrase{Trigger: sc.PreEndSummary}
			t.Status = StatusReady
			return scriptHit
		}
	case PhaseItem:
		for _, it := range ev.Items {
			if it.Text != t.Title {
				continue
			}
			if it.Completed {
				// Ticked off while queued: resolve silently.
				appLog.Debug("skipping prefetch for completed item", "item", t.Title)
				t.Status = StatusCompleted
				s.ledger[t.UniqueID] = true
				kept := s.queue[:0]
				for _, q := range s.queue {
					if q != t {
						kept = append(kept, q)
					}
				}
				s.queue = kept
				return scriptDropped
			}
			break
		}
		if script, ok := sc.ItemScriptFor(t.Title); ok {
			text := script.Success
			if len(ev.PendingItems()) == 1 && sc.CompletionMessage != "" {
				text += " " + sc.CompletionMessage
			}
			appLog.Debug("using pre-generated item script", "item", t.Title)
			t.Phrase = &model.Phrase{Trigger: text}
			t.Status = StatusReady
			return scriptHit
		}
	}
	return scriptMiss
}

// fetchLive asks the content source for a phrase, falling back to a canned
// line on failure. The result is discarded if the trigger left the loading
// state while the call was in flight, as when a standby activation fired it.
func (s *Scheduler) fetchLive(ctx context.Context, t *Trigger) {
	now := s.now().In(s.loc)
	appLog.Debug("prefetching", "title", t.Title, "phase", t.Phase)

	phrase, err := s.content.Phrase(ctx, t.Title, model.TimeOfDay(now.Hour()), t.Phase)

	s.mu.Lock()
	if t.Status != StatusLoading {
		appLog.Debug("discarding stale load", "title", t.Title, "status", t.Status)
		s.mu.Unlock()
		s.manageBuffer(ctx)
		return
	}
	if err != nil {
		appLog.Error("prefetch failed", err, "title", t.Title, "phase", t.Phase)
		phrase = fallbackPhrase(t.Phase, t.Title)
	}
	t.Phrase = &phrase
	t.Status = StatusReady
	s.processQueueLocked(ctx)
	s.mu.Unlock()

	s.manageBuffer(ctx)
}

// fallbackPhrase is the canned line spoken when generation is unavailable,
// identical to what the phrase endpoint serves in the same situation.
func fallbackPhrase(phase Phase, title string) model.Phrase {
	switch phase {
	case PhasePreStart:
		return model.Phrase{Trigger: fmt.Sprintf("%s starts in 5 minutes, sir.", title)}
	case PhaseStart:
		return model.Phrase{Trigger: fmt.Sprintf("It's time for %s, sir.", title)}
	case PhaseCheckin:
		return model.Phrase{
			Trigger:  fmt.Sprintf("Did you start %s, sir?", title),
			ReplyYes: "Splendid.",
			ReplyNo:  "I see.",
		}
	case PhasePreEnd:
		return model.Phrase{Trigger: fmt.Sprintf("5 minutes left for %s, sir.", title)}
	case PhaseEnd, PhaseAuditA, PhaseAuditB:
		return model.Phrase{
			Trigger:  fmt.Sprintf("%s has ended. Did you finish, sir?", title),
			ReplyYes: "Excellent.",
			ReplyNo:  "Understood.",
		}
	case PhaseItem:
		return model.Phrase{
			Trigger:  "With that task handled, shall we move to the next, Sir?",
			ReplyYes: "Onward.",
			ReplyNo:  "Understood.",
		}
	default:
		return model.Phrase{
			Trigger:  fmt.Sprintf("Did you start %s, sir?", title),
			ReplyYes: "Splendid.",
			ReplyNo:  "I see.",
		}
	}
}
