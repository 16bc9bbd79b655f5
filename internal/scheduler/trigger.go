// Package scheduler implements the time-driven reminder engine: it turns
// day-plan events into spoken triggers, keeps them ordered in a priority
// queue, prefetches their content, and walks each one through a
// single-flight execution lifecycle.
package scheduler

import (
	"fmt"
	"strings"
	"time"

	"butler/internal/model"
)

// Phase identifies which moment of an event a trigger speaks for.
type Phase string

const (
	PhasePreStart Phase = "pre_start"
	PhaseStart    Phase = "start"
	PhaseCheckin  Phase = "checkin"
	PhasePreEnd   Phase = "pre_end"
	PhaseEnd      Phase = "end"
	PhaseItem     Phase = "checklist_item"
	PhaseAuditA   Phase = "audit_a"
	PhaseAuditB   Phase = "audit_b"

	// phaseAuditQ is the synthetic phase of an in-progress audit question.
	// It never enters the queue.
	phaseAuditQ Phase = "audit"
)

// Status is a trigger's position in the execution lifecycle.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusLoading   Status = "loading"
	StatusReady     Status = "ready"
	StatusExecuting Status = "executing"
	StatusWaiting   Status = "waiting"
	StatusCompleted Status = "completed"
)

// Resolution reasons recorded on completed triggers.
const (
	ReasonCompleted = "completed"
	ReasonTimeout   = "timeout"
	ReasonUserYes   = "user_input"
	ReasonUserNo    = "manual_dismiss"
)

// Trigger is one queued notification.
type Trigger struct {
	UniqueID string `json:"uniqueId"`
	EventID  int64  `json:"id"`
	// Title is the event title, or the item text for checklist_item triggers.
	Title string `json:"title"`
	Phase Phase  `json:"type"`

	Status Status        `json:"status"`
	Phrase *model.Phrase `json:"phrase,omitempty"`

	// SortTime is minutes since midnight. Standby triggers ignore it for
	// ordering and sit at the back of the queue.
	SortTime    int    `json:"sortTime"`
	DisplayTime string `json:"displayTime"`

	RequiresResponse bool `json:"requiresResponse"`
	Standby          bool `json:"isStandby"`
	Due              bool `json:"isDue"`

	Countdown int    `json:"countdown,omitempty"`
	Result    string `json:"result,omitempty"`

	AddedAt time.Time `json:"addedAt"`
}

// UniqueIDFor builds the dedup identity for a trigger. Checklist items key
// on their text; explicitly timed triggers carry the minute so the same
// phase can recur at different times.
func UniqueIDFor(eventID int64, phase Phase, itemText string, targetMin int) string {
	if phase == PhaseItem {
		return fmt.Sprintf("%d_item_%s", eventID, strings.ReplaceAll(itemText, " ", "_"))
	}
	if targetMin > 0 {
		return fmt.Sprintf("%d_%s_%d", eventID, phase, targetMin)
	}
	return fmt.Sprintf("%d_%s", eventID, phase)
}

func isStandbyPhase(p Phase) bool {
	return p == PhaseItem || p == PhaseAuditA
}

func requiresResponse(p Phase) bool {
	return p == PhaseCheckin || p == PhaseEnd || p == PhaseAuditB
}

func isEndPhase(p Phase) bool {
	return p == PhaseEnd || p == PhaseAuditB
}

// less is the queue's total order: standby entries strictly last, then
// ascending fire time, and on a tie the end-of-event triggers first.
// Equal entries keep insertion order via stable sort.
func less(a, b *Trigger) bool {
	if a.Standby != b.Standby {
		return !a.Standby
	}
	if a.SortTime != b.SortTime {
		return a.SortTime < b.SortTime
	}
	if isEndPhase(a.Phase) != isEndPhase(b.Phase) {
		return isEndPhase(a.Phase)
	}
	return false
}
