package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	appLog "butler/internal/log"
	"butler/internal/model"
	"butler/internal/scheduler"
)

// Phrase generates the spoken line for one trigger phase. The result is
// validated against the phrase schema; a schema violation is reported as
// ErrBadResponse so the caller can fall back to canned content.
func (c *Client) Phrase(ctx context.Context, eventTitle, timeOfDay string, phase scheduler.Phase) (model.Phrase, error) {
	prompt := phrasePrompt(eventTitle, timeOfDay, phase)
	if prompt == "" {
		return model.Phrase{}, fmt.Errorf("%w: no prompt for phase %q", ErrBadResponse, phase)
	}

	raw, err := c.generateJSON(ctx, prompt, genOptions{Temperature: 0.85, NumCtx: 1024}, c.timeout)
	if err != nil {
		return model.Phrase{}, err
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return model.Phrase{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if err := phraseSchema.Validate(doc); err != nil {
		return model.Phrase{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	var p model.Phrase
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.Phrase{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	p.Trigger = model.ScrubNull(p.Trigger)

	appLog.Debug("phrase generated", "title", eventTitle, "phase", phase)
	return p, nil
}

func phrasePrompt(eventTitle, timeOfDay string, phase scheduler.Phase) string {
	switch phase {
	case scheduler.PhasePreStart:
		return fmt.Sprintf(`You are Jarvis. It is %s.
Context: The event "%s" will start in 5 minutes.
GOAL: Generate a JSON object: { "trigger": "..." }
RULE: Just a friendly heads-up addressed to "Sir". "Excuse me Sir, %s begins in 5 minutes."`,
			timeOfDay, eventTitle, eventTitle)
	case scheduler.PhaseStart:
		return fmt.Sprintf(`You are Jarvis. It is %s.
Context: The event "%s" is starting NOW.
GOAL: Generate a JSON object: { "trigger": "..." }
RULE: Inform the user it's time to begin. Address him as "Sir". "It is time for %s, Sir."`,
			timeOfDay, eventTitle, eventTitle)
	case scheduler.PhaseCheckin:
		return fmt.Sprintf(`You are Jarvis. It is %s.
Context: The event "%s" started 5 minutes ago.
GOAL: Generate a JSON object: { "trigger": "...", "reply_yes": "...", "reply_no": "..." }
RULE: Ask if they actually started it. Address him as "Sir". "Regarding %s, did you start it, Sir?"`,
			timeOfDay, eventTitle, eventTitle)
	case scheduler.PhasePreEnd:
		return fmt.Sprintf(`You are Jarvis. It is %s.
Context: The event "%s" ends in 5 minutes.
GOAL: Generate a JSON object: { "trigger": "..." }
RULE: Notify the user of remaining time. Address him as "Sir". "Sir, you have 5 minutes remaining for %s."`,
			timeOfDay, eventTitle, eventTitle)
	case scheduler.PhaseEnd:
		return fmt.Sprintf(`You are Jarvis. It is %s.
Context: The event "%s" has ended.
GOAL: Generate a JSON object: { "trigger": "...", "reply_yes": "...", "reply_no": "..." }
RULE: Ask if they finished the task. Address him as "Sir". "The time for %s has concluded. Did you finish it, Sir?"`,
			timeOfDay, eventTitle, eventTitle)
	case scheduler.PhaseItem:
		return fmt.Sprintf(`You are Jarvis. It is %s.
Context: The user just completed a step of "%s" and is moving on.
GOAL: Generate a JSON object: { "trigger": "..." }
RULE: A quick acknowledgement addressed to "Sir", at most 15 words.`,
			timeOfDay, eventTitle)
	default:
		return ""
	}
}

// FallbackPhrase is the stock line the HTTP layer serves when generation
// fails, so API clients always receive a usable phrase.
func FallbackPhrase(eventTitle string, phase scheduler.Phase) model.Phrase {
	switch phase {
	case scheduler.PhasePreStart:
		return model.Phrase{Trigger: fmt.Sprintf("%s starts in 5 minutes, sir.", eventTitle)}
	case scheduler.PhaseStart:
		return model.Phrase{Trigger: fmt.Sprintf("It's time for %s, sir.", eventTitle)}
	case scheduler.PhasePreEnd:
		return model.Phrase{Trigger: fmt.Sprintf("5 minutes left for %s, sir.", eventTitle)}
	case scheduler.PhaseEnd:
		return model.Phrase{
			Trigger:  fmt.Sprintf("%s has ended. Did you finish, sir?", eventTitle),
			ReplyYes: "Excellent.",
			ReplyNo:  "Understood.",
		}
	default:
		return model.Phrase{
			Trigger:  fmt.Sprintf("Did you start %s, sir?", eventTitle),
			ReplyYes: "Splendid.",
			ReplyNo:  "I see.",
		}
	}
}

// sanitizeLine scrubs generated text that will be spoken verbatim.
func sanitizeLine(s string) string {
	return model.ScrubNull(strings.TrimSpace(s))
}
