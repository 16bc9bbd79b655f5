package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"butler/internal/config"
	appLog "butler/internal/log"
	"butler/internal/model"
)

// EventStore is the slice of the persistence layer the engine needs.
type EventStore interface {
	ListEventsForDay(ctx context.Context, dateKey string) ([]model.Event, error)
	GetEvent(ctx context.Context, id int64) (model.Event, error)
	CompleteEvent(ctx context.Context, id int64) (model.Event, error)
	SetItemCompleted(ctx context.Context, id int64, itemText string, done bool) (model.Event, error)
}

// ContentSource produces the spoken phrase for a trigger. Implementations
// may be slow; the buffer calls this ahead of time.
type ContentSource interface {
	Phrase(ctx context.Context, eventTitle, timeOfDay string, phase Phase) (model.Phrase, error)
}

// Notifier delivers speech. Deliver blocks until the line has been spoken
// (or the engine's safety timeout fires).
type Notifier interface {
	Deliver(ctx context.Context, title, text string, kind string) error
	Speak(ctx context.Context, text string) error
}

// Transcript receives spoken lines for the conversation log. Optional.
type Transcript interface {
	AppendMessage(ctx context.Context, role, content string) error
}

// Scheduler owns the trigger queue and drives the execution lifecycle.
// One mutex guards all queue state; speech runs outside the lock with the
// processing latch held so at most one trigger is ever in flight.
type Scheduler struct {
	cfg        config.SchedulerConfig
	store      EventStore
	content    ContentSource
	notifier   Notifier
	transcript Transcript
	loc        *time.Location

	now   func() time.Time
	sleep func(time.Duration)

	mu                sync.Mutex
	queue             []*Trigger
	history           []*Trigger
	ledger            map[string]bool
	processing        bool
	current           *Trigger
	audit             *auditState
	justFinishedAudit bool
	responseTimer     *time.Timer

	// events is the day snapshot refreshed on each tick.
	events []model.Event
	dayKey string
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithSleep overrides the delay function used for countdowns and settling.
func WithSleep(sleep func(time.Duration)) Option {
	return func(s *Scheduler) { s.sleep = sleep }
}

// WithTranscript attaches a conversation log sink.
func WithTranscript(t Transcript) Option {
	return func(s *Scheduler) { s.transcript = t }
}

// WithLocation sets the timezone "today" is computed in.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) { s.loc = loc }
}

// New builds a Scheduler. store, content and notifier are required.
func New(cfg config.SchedulerConfig, store EventStore, content ContentSource, notifier Notifier, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:      cfg,
		store:    store,
		content:  content,
		notifier: notifier,
		loc:      time.Local,
		now:      time.Now,
		sleep:    time.Sleep,
		ledger:   make(map[string]bool),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Tick runs one scheduler pass: refresh the day snapshot, purge triggers of
// completed events, queue triggers whose windows are open, mark due ones,
// fire anything whose time has come, and keep the prefetch buffer fed.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now().In(s.loc)
	dayKey := model.DateKeyFor(now)

	events, err := s.store.ListEventsForDay(ctx, dayKey)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.events = events
	s.dayKey = dayKey

	nowMin := model.MinutesOfDay(now)
	s.purgeLocked()
	s.generateLocked(nowMin)
	s.markDueLocked(nowMin)
	s.checkTimeTriggersLocked(ctx, nowMin)

	// Anything about to fire is prefetched immediately, out of buffer order.
	var nearDue []*Trigger
	for _, t := range s.queue {
		if t.Status == StatusScheduled && !t.Standby && t.SortTime-nowMin <= s.cfg.PrefetchLeadMinutes {
			nearDue = append(nearDue, t)
		}
	}
	s.mu.Unlock()

	for _, t := range nearDue {
		s.prefetch(ctx, t)
	}
	s.manageBuffer(ctx)
	return nil
}

// purgeLocked drops queued triggers whose event is already completed,
// sparing only the one currently speaking or awaiting an answer.
func (s *Scheduler) purgeLocked() {
	kept := s.queue[:0]
	for _, t := range s.queue {
		ev, ok := s.eventByIDLocked(t.EventID)
		if ok && ev.Completed && t.Status != StatusExecuting && t.Status != StatusWaiting {
			appLog.Debug("purging trigger for completed event", "uniqueId", t.UniqueID, "title", t.Title)
			continue
		}
		kept = append(kept, t)
	}
	s.queue = kept
}

func (s *Scheduler) eventByIDLocked(id int64) (model.Event, bool) {
	for _, ev := range s.events {
		if ev.ID == id {
			return ev, true
		}
	}
	return model.Event{}, false
}

// Add queues a trigger for one phase of an event. itemText is only used for
// checklist_item triggers; targetMin overrides the fire time when positive.
func (s *Scheduler) Add(ctx context.Context, ev model.Event, phase Phase, itemText string, targetMin int) {
	s.mu.Lock()
	s.addLocked(ev, phase, itemText, targetMin)
	s.mu.Unlock()
	s.manageBuffer(ctx)
}

func (s *Scheduler) addLocked(ev model.Event, phase Phase, itemText string, targetMin int) {
	// Checklist endings fan out into the two audit paths: the timed Path B
	// interrogation and the standby Path A victory briefing.
	if ev.Type == model.TypeChecklist && phase == PhaseEnd {
		s.addLocked(ev, PhaseAuditB, "", targetMin)
		s.addLocked(ev, PhaseAuditA, "", 0)
		return
	}

	if ev.Completed {
		return
	}

	uniqueID := UniqueIDFor(ev.ID, phase, itemText, targetMin)
	if s.ledger[uniqueID] {
		return
	}
	for _, t := range s.queue {
		if t.UniqueID == uniqueID {
			return
		}
	}

	start := ev.StartMinutes()
	var sortTime int
	switch {
	case targetMin > 0:
		sortTime = targetMin
	case phase == PhaseStart:
		sortTime = start
	case phase == PhaseEnd || phase == PhaseAuditB:
		sortTime = ev.EndMinutes()
	case phase == PhasePreStart:
		sortTime = start - s.cfg.LeadMinutes
	case phase == PhasePreEnd:
		sortTime = ev.EndMinutes() - s.cfg.LeadMinutes
	case phase == PhaseCheckin:
		sortTime = start + s.cfg.CheckinMinutes
	case phase == PhaseItem:
		// Items sit just after the start briefing among standby entries.
		sortTime = start + 1
	default:
		sortTime = start
	}

	title := ev.Title
	if phase == PhaseItem {
		title = itemText
	}

	t := &Trigger{
		UniqueID:         uniqueID,
		EventID:          ev.ID,
		Title:            title,
		Phase:            phase,
		Status:           StatusScheduled,
		SortTime:         sortTime,
		DisplayTime:      model.ClockLabel(sortTime),
		RequiresResponse: requiresResponse(phase),
		Standby:          isStandbyPhase(phase),
		AddedAt:          s.now(),
	}

	s.queue = append(s.queue, t)
	sort.SliceStable(s.queue, func(i, j int) bool { return less(s.queue[i], s.queue[j]) })
}

// generateLocked opens trigger windows for today's events, mirroring the
// planner's cadence: approach warnings before start, briefings at start,
// a check-in shortly after, wind-down warnings before end, and the ending
// itself. Checklist items become standby triggers while their event runs.
func (s *Scheduler) generateLocked(nowMin int) {
	for _, ev := range s.events {
		if ev.Completed {
			continue
		}
		start := ev.StartMinutes()
		end := ev.EndMinutes()

		// Time-shifted phases carry their target minute in the dedup
		// identity, so moving an event re-arms them at the new slot.
		if nowMin < start {
			s.addLocked(ev, PhasePreStart, "", 0)
		}
		if nowMin <= start {
			s.addLocked(ev, PhaseStart, "", 0)
		}
		if ev.Type != model.TypeChecklist && nowMin <= start+s.cfg.CheckinMinutes {
			s.addLocked(ev, PhaseCheckin, "", start+s.cfg.CheckinMinutes)
		}
		if nowMin <= end-s.cfg.LeadMinutes {
			s.addLocked(ev, PhasePreEnd, "", end-s.cfg.LeadMinutes)
		}
		if nowMin <= end {
			s.addLocked(ev, PhaseEnd, "", end)
		}

		// Standby item triggers arm one minute into a running checklist.
		if ev.Type == model.TypeChecklist && nowMin >= start+1 && nowMin < end {
			for _, it := range ev.Items {
				if !it.Completed {
					s.addLocked(ev, PhaseItem, it.Text, 0)
				}
			}
		}
	}
}

func (s *Scheduler) markDueLocked(nowMin int) {
	for _, t := range s.queue {
		if !t.Standby && !t.Due && nowMin >= t.SortTime {
			appLog.Debug("trigger due", "uniqueId", t.UniqueID, "title", t.Title)
			t.Due = true
		}
	}
}

// checkTimeTriggersLocked fires the first ready trigger whose time has
// arrived, regardless of the due flag.
func (s *Scheduler) checkTimeTriggersLocked(ctx context.Context, nowMin int) {
	if len(s.queue) == 0 || s.processing {
		return
	}
	for _, t := range s.queue {
		if t.Status != StatusReady {
			continue
		}
		if !t.Standby && nowMin >= t.SortTime {
			appLog.Info("time trigger", "title", t.Title, "phase", t.Phase)
			s.beginExecutionLocked(ctx, t, true)
		}
		return
	}
}

// processQueue dispatches the first trigger that is both ready and due.
func (s *Scheduler) processQueue(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.processQueueLocked(ctx)
}

func (s *Scheduler) processQueueLocked(ctx context.Context) {
	if s.processing {
		return
	}
	for _, t := range s.queue {
		if t.Status == StatusReady && t.Due {
			s.beginExecutionLocked(ctx, t, true)
			return
		}
	}
}

// beginExecutionLocked takes the single-flight latch and launches the
// trigger's run. withCountdown adds the short spoken-in countdown; standby
// activations skip it.
func (s *Scheduler) beginExecutionLocked(ctx context.Context, t *Trigger, withCountdown bool) {
	s.processing = true
	s.current = t
	t.Status = StatusExecuting
	go s.run(ctx, t, withCountdown)
}

func (s *Scheduler) run(ctx context.Context, t *Trigger, withCountdown bool) {
	if withCountdown {
		s.runCountdown(t)
	}
	s.executeItem(ctx, t)
}

func (s *Scheduler) runCountdown(t *Trigger) {
	for count := s.cfg.CountdownSeconds; count > 0; count-- {
		s.mu.Lock()
		t.Countdown = count
		s.mu.Unlock()
		s.sleep(time.Second)
	}
	s.mu.Lock()
	t.Countdown = 0
	s.mu.Unlock()
}

// MarkAsDue flags a trigger as due and dispatches it immediately if its
// content is already loaded and nothing else is speaking.
func (s *Scheduler) MarkAsDue(ctx context.Context, eventID int64, phase Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.queue {
		if t.EventID == eventID && t.Phase == phase {
			appLog.Info("marked as due", "title", t.Title, "phase", t.Phase)
			t.Due = true
			if t.Status == StatusReady && !s.processing {
				s.beginExecutionLocked(ctx, t, true)
			} else {
				s.processQueueLocked(ctx)
			}
			return
		}
	}
}

// TriggerStandby fires a standby checklist-item trigger out of band, as
// when the user ticks the item off in the UI. If something else is
// speaking the attempt retries every second until the engine is free.
func (s *Scheduler) TriggerStandby(ctx context.Context, eventID int64, itemText string) {
	uniqueID := UniqueIDFor(eventID, PhaseItem, itemText, 0)

	s.mu.Lock()
	if s.ledger[uniqueID] {
		s.mu.Unlock()
		appLog.Debug("standby item already completed", "item", itemText)
		return
	}
	if s.processing {
		s.mu.Unlock()
		appLog.Debug("busy, retrying standby trigger", "item", itemText)
		time.AfterFunc(time.Second, func() { s.TriggerStandby(ctx, eventID, itemText) })
		return
	}

	for _, t := range s.queue {
		if t.UniqueID == uniqueID {
			appLog.Info("triggering standby", "title", t.Title)
			t.Due = true
			s.processing = true
			s.current = t
			t.Status = StatusExecuting
			go s.executeItem(ctx, t)
			s.mu.Unlock()
			return
		}
	}
	s.mu.Unlock()
	appLog.Debug("standby item not in queue", "item", itemText)
}

// TriggerStandbyAudit fires a standby audit trigger (Path A), retrying
// while the engine is busy.
func (s *Scheduler) TriggerStandbyAudit(ctx context.Context, eventID int64, phase Phase) {
	s.mu.Lock()
	if s.processing {
		s.mu.Unlock()
		time.AfterFunc(time.Second, func() { s.TriggerStandbyAudit(ctx, eventID, phase) })
		return
	}
	for _, t := range s.queue {
		if t.EventID == eventID && t.Phase == phase {
			t.Due = true
			s.processing = true
			s.current = t
			t.Status = StatusExecuting
			go s.executeItem(ctx, t)
			s.mu.Unlock()
			return
		}
	}
	s.mu.Unlock()
}

// CheckChecklistVictory inspects a checklist event after an item toggle.
// When every item is done it cancels the timed ending triggers, completes
// the event, and activates the Path A victory briefing.
func (s *Scheduler) CheckChecklistVictory(ctx context.Context, eventID int64) {
	ev, err := s.store.GetEvent(ctx, eventID)
	if err != nil || ev.Type != model.TypeChecklist || !ev.AllItemsDone() {
		return
	}

	appLog.Info("checklist victory", "title", ev.Title)

	s.mu.Lock()
	kept := s.queue[:0]
	for _, t := range s.queue {
		if t.EventID == eventID && (t.Phase == PhasePreEnd || t.Phase == PhaseAuditB) {
			continue
		}
		kept = append(kept, t)
	}
	s.queue = kept

	var hasAuditA bool
	for _, t := range s.queue {
		if t.EventID == eventID && t.Phase == PhaseAuditA {
			hasAuditA = true
		}
	}
	s.mu.Unlock()

	if !ev.Completed {
		if _, err := s.store.CompleteEvent(ctx, eventID); err != nil {
			appLog.Error("victory completion failed", err, "eventId", eventID)
		}
	}

	if hasAuditA {
		appLog.Info("activating victory briefing", "eventId", eventID)
		s.TriggerStandbyAudit(ctx, eventID, PhaseAuditA)
	}
}

// Respond feeds a user's yes/no answer to the waiting trigger or the
// in-progress audit question.
func (s *Scheduler) Respond(ctx context.Context, positive bool) {
	s.mu.Lock()
	if s.audit != nil && s.current != nil && s.current.Phase == phaseAuditQ {
		s.mu.Unlock()
		s.answerAuditQuestion(ctx)
		return
	}
	s.mu.Unlock()

	if positive {
		s.resolveCurrent(ctx, ReasonUserYes)
	} else {
		s.resolveCurrent(ctx, ReasonUserNo)
	}
}

// resolveCurrent finishes the in-flight trigger: record it, release the
// latch, and re-dispatch after a short settle pause.
func (s *Scheduler) resolveCurrent(ctx context.Context, reason string) {
	s.mu.Lock()
	cur := s.current
	if cur == nil {
		s.mu.Unlock()
		return
	}

	appLog.Info("resolved trigger", "title", cur.Title, "reason", reason)

	if s.responseTimer != nil {
		s.responseTimer.Stop()
		s.responseTimer = nil
	}

	cur.Status = StatusCompleted
	cur.Result = reason
	s.ledger[cur.UniqueID] = true

	s.history = append([]*Trigger{cur}, s.history...)
	if len(s.history) > s.cfg.HistoryLimit {
		s.history = s.history[:s.cfg.HistoryLimit]
	}

	kept := s.queue[:0]
	for _, t := range s.queue {
		if t != cur {
			kept = append(kept, t)
		}
	}
	s.queue = kept
	s.current = nil
	s.processing = false
	s.mu.Unlock()

	go func() {
		s.sleep(s.settleDelay())
		s.processQueue(ctx)
		s.manageBuffer(ctx)
	}()
}

func (s *Scheduler) settleDelay() time.Duration {
	return time.Duration(s.cfg.SettleMillis) * time.Millisecond
}

// Queue returns a snapshot of the pending triggers in order.
func (s *Scheduler) Queue() []Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Trigger, len(s.queue))
	for i, t := range s.queue {
		out[i] = *t
	}
	return out
}

// History returns the resolved-trigger log, most recent first.
func (s *Scheduler) History() []Trigger {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Trigger, len(s.history))
	for i, t := range s.history {
		out[i] = *t
	}
	return out
}

// Current returns a copy of the in-flight trigger, if any.
func (s *Scheduler) Current() (Trigger, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return Trigger{}, false
	}
	return *s.current, true
}

// Processing reports whether a trigger is currently in flight.
func (s *Scheduler) Processing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.processing
}
