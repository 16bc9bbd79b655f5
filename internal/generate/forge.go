package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	appLog "butler/internal/log"
	"butler/internal/model"
)

// ForgeItem creates the spoken script for completing one checklist item:
// a unique success line plus phrase variations the user might say to tick
// it off. history carries recently used lines the model must avoid.
func (c *Client) ForgeItem(ctx context.Context, itemText, nextItemText, checklistTitle string, history []string) (model.ItemScript, error) {
	nextDesc := `NONE (This is the final task of the list)`
	if nextItemText != "" && nextItemText != "null" {
		nextDesc = fmt.Sprintf("%q", nextItemText)
	}
	historyJSON, _ := json.Marshal(history)

	prompt := fmt.Sprintf(`You are Jarvis, a sophisticated, highly creative AI Assistant.
GOAL: Forge an organic, 100%% UNIQUE response for completing the task: "%s".

CONTEXT:
- Current Checklist: "%s"
- Next Task: %s
- RECENTLY USED (FORBIDDEN PHRASES): %s

MANDATORY RULES:
1. BE CONCISE: Max 12-15 words total.
2. VARIETY IS KEY: Do NOT follow a fixed "Great job on X, next up is Y" template.
3. RANDOMIZE STRUCTURE:
   - Sometimes start with the next task.
   - Sometimes use a witty observation about the current task.
   - Sometimes just a quick nod and a pivot.
4. NO HALLUCINATIONS: If Next Task is "NONE", DO NOT mention a next task. NEVER use the word "null".
5. FINAL TASK LOGIC: If this is the final task, focus on a sense of accomplishment or checking off the list.
6. PERSONA: Address the user as "Sir". Be professional and efficient.

OUTPUT FORMAT (JSON ONLY):
{
  "variations": ["5-8 creative ways a user might phrase this"],
  "success": "Your unique, unstructured response here."
}`, itemText, checklistTitle, nextDesc, historyJSON)

	appLog.Info("forging item script", "item", itemText)
	raw, err := c.generateJSON(ctx, prompt,
		genOptions{Temperature: 0.9, NumCtx: 2048, NumPredict: 150}, c.forgeTimeout)
	if err != nil {
		return model.ItemScript{}, err
	}

	var script model.ItemScript
	if err := json.Unmarshal(raw, &script); err != nil {
		return model.ItemScript{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if script.Success == "" {
		return model.ItemScript{}, fmt.Errorf("%w: empty success line", ErrBadResponse)
	}

	script.Text = itemText
	script.Success = sanitizeLine(script.Success)
	return script, nil
}

// FallbackItemScript is the stock item script used when forging fails.
func FallbackItemScript(itemText, nextItemText string) model.ItemScript {
	success := fmt.Sprintf("That completes the %s, Sir. Excellent.", itemText)
	if nextItemText != "" && nextItemText != "null" {
		success = fmt.Sprintf("Well done on %s, Sir. Next up is %s.", itemText, nextItemText)
	}
	return model.ItemScript{
		Text:       itemText,
		Variations: []string{strings.ToLower(itemText)},
		Success:    success,
	}
}

// ForgeSummaries creates the event's summary bundle: the approach trailer,
// start briefing, five-minute warning and completion message.
func (c *Client) ForgeSummaries(ctx context.Context, title string, items []string) (model.AiScript, error) {
	prompt := fmt.Sprintf(`You are Jarvis, a sophisticated, witty, yet highly efficient AI Assistant.
GOAL: Forge a brief, professional "Trailer", "Briefing", and "Warning" for: "%s".
Items: %s

RULES:
1. Modern English only. No archaic flair.
2. Be concise (max 15-20 words per script). Address him as Sir.
3. PRE-START TRAILER: Give a sophisticated, human-like heads-up. Instead of just listing items, summarize the "mission". E.g., "Sir, your morning routine begins in 5 minutes. We'll be focusing on your personal care and preparation."
4. START BRIEFING: Announce the start with energy. Clearly state the first task.
5. PRE-END WARNING: Mention 5 minutes remaining and remind him of the objective.
6. COMPLETION MESSAGE: A final professional victory script. If this was the last thing on the schedule, mention he has a clear day ahead.

OUTPUT FORMAT (JSON ONLY):
{
  "preStartSummary": "Sophisticated trailer here.",
  "startSummary": "Energetic briefing here.",
  "preEndSummary": "Polite 5-minute warning here.",
  "completionMessage": "Professional victory script here."
}`, title, strings.Join(items, ", "))

	appLog.Info("forging summaries", "title", title)
	raw, err := c.generateJSON(ctx, prompt,
		genOptions{Temperature: 0.7, NumCtx: 2048, NumPredict: 250}, c.forgeTimeout)
	if err != nil {
		return model.AiScript{}, err
	}

	var script model.AiScript
	if err := json.Unmarshal(raw, &script); err != nil {
		return model.AiScript{}, fmt.Errorf("%w: %v", ErrBadResponse, err)
	}

	script.PreStartSummary = sanitizeLine(script.PreStartSummary)
	script.StartSummary = sanitizeLine(script.StartSummary)
	script.PreEndSummary = sanitizeLine(script.PreEndSummary)
	script.CompletionMessage = sanitizeLine(script.CompletionMessage)
	return script, nil
}

// FallbackSummaries is the stock summary bundle used when forging fails.
func FallbackSummaries(title string, items []string) model.AiScript {
	first := "the first task"
	if len(items) > 0 {
		first = items[0]
	}
	return model.AiScript{
		PreStartSummary:   fmt.Sprintf("Sir, your %s begins in five minutes. We have %d tasks to handle.", title, len(items)),
		StartSummary:      fmt.Sprintf("It is time for your %s, Sir. Shall we begin with %s?", title, first),
		PreEndSummary:     fmt.Sprintf("Sir, you have five minutes remaining for your %s.", title),
		CompletionMessage: fmt.Sprintf("That concludes the %s, Sir. Splendid work.", title),
	}
}
