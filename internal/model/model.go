package model

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// EventType categorizes how an event behaves on the schedule.
type EventType string

const (
	TypeFixed     EventType = "fixed"
	TypeFlexible  EventType = "flexible"
	TypeRoutine   EventType = "routine"
	TypeDeadline  EventType = "deadline"
	TypeBlocker   EventType = "blocker"
	TypeChecklist EventType = "checklist"
)

// ChecklistItem is a single step of a checklist event. It is owned by its
// parent Event and mutated in place by the UI layer or the audit engine.
type ChecklistItem struct {
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

// ItemScript is the pre-synthesized spoken line for completing one
// checklist item, plus phrase variations a user might say to complete it.
type ItemScript struct {
	Text       string   `json:"text"`
	Variations []string `json:"variations,omitempty"`
	Success    string   `json:"success"`
}

// AiScript bundles phrases synthesized once at event-creation time so that
// delivery does not need a live generation call.
type AiScript struct {
	PreStartSummary   string       `json:"preStartSummary,omitempty"`
	StartSummary      string       `json:"startSummary,omitempty"`
	PreEndSummary     string       `json:"preEndSummary,omitempty"`
	CompletionMessage string       `json:"completionMessage,omitempty"`
	ItemScripts       []ItemScript `json:"itemScripts,omitempty"`
}

// Event is a scheduled activity for a single day. Start/Duration jointly
// define the half-open active interval [start, start+duration).
type Event struct {
	ID        int64           `json:"id"`
	DateKey   string          `json:"dateKey"`
	Title     string          `json:"title"`
	StartHour int             `json:"startHour"`
	StartMin  int             `json:"startMin"`
	Duration  int             `json:"duration"` // minutes, > 0
	Type      EventType       `json:"type"`
	Completed bool            `json:"completed"`
	Color     string          `json:"color,omitempty"`
	SeriesID  string          `json:"seriesId,omitempty"`
	Items     []ChecklistItem `json:"items,omitempty"`
	Script    *AiScript       `json:"aiScript,omitempty"`
}

// StartMinutes returns the event start as minutes since midnight.
func (e *Event) StartMinutes() int {
	return e.StartHour*60 + e.StartMin
}

// EndMinutes returns the exclusive end of the active interval.
func (e *Event) EndMinutes() int {
	return e.StartMinutes() + e.Duration
}

// ActiveAt reports whether minute m falls inside [start, end).
func (e *Event) ActiveAt(m int) bool {
	return m >= e.StartMinutes() && m < e.EndMinutes()
}

// PendingItems returns the checklist items not yet completed, in order.
func (e *Event) PendingItems() []ChecklistItem {
	var out []ChecklistItem
	for _, it := range e.Items {
		if !it.Completed {
			out = append(out, it)
		}
	}
	return out
}

// AllItemsDone reports whether every checklist item is completed. An event
// with no items counts as done.
func (e *Event) AllItemsDone() bool {
	for _, it := range e.Items {
		if !it.Completed {
			return false
		}
	}
	return true
}

// ItemScriptFor returns the pre-synthesized script for the named item.
func (s *AiScript) ItemScriptFor(text string) (ItemScript, bool) {
	if s == nil {
		return ItemScript{}, false
	}
	for _, sc := range s.ItemScripts {
		if sc.Text == text {
			return sc, true
		}
	}
	return ItemScript{}, false
}

// Phrase is the resolved spoken content of a trigger. Reply lines are only
// present for prompts that expect an answer.
type Phrase struct {
	Trigger  string `json:"trigger"`
	ReplyYes string `json:"reply_yes,omitempty"`
	ReplyNo  string `json:"reply_no,omitempty"`
}

// UnmarshalJSON accepts both the structured object form and a bare string,
// normalizing the duck-typed payloads the content service may emit.
func (p *Phrase) UnmarshalJSON(data []byte) error {
	var plain string
	if err := json.Unmarshal(data, &plain); err == nil {
		p.Trigger = plain
		p.ReplyYes = ""
		p.ReplyNo = ""
		return nil
	}

	type alias Phrase
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*p = Phrase(a)
	return nil
}

var nullWord = regexp.MustCompile(`(?i)\bnull\b`)

// ScrubNull replaces the literal word "null" so it is never spoken verbatim.
func ScrubNull(s string) string {
	return nullWord.ReplaceAllString(s, "everything")
}

// DateKeyFor formats t the way day buckets are keyed: year-month-day without
// zero padding (e.g. "2026-9-1").
func DateKeyFor(t time.Time) string {
	return fmt.Sprintf("%d-%d-%d", t.Year(), int(t.Month()), t.Day())
}

// MinutesOfDay returns minutes since midnight for t.
func MinutesOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

// ClockLabel renders minutes-since-midnight as a 12-hour display time.
func ClockLabel(m int) string {
	m = ((m % 1440) + 1440) % 1440
	h := m / 60
	mm := m % 60
	ampm := "AM"
	if h >= 12 {
		ampm = "PM"
	}
	dispH := h % 12
	if dispH == 0 {
		dispH = 12
	}
	return fmt.Sprintf("%d:%02d %s", dispH, mm, ampm)
}

// TimeOfDay buckets an hour into morning/afternoon/evening for prompts.
func TimeOfDay(hour int) string {
	switch {
	case hour >= 18:
		return "evening"
	case hour >= 12:
		return "afternoon"
	default:
		return "morning"
	}
}
