package generate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	appLog "butler/internal/log"
	"butler/internal/model"
)

// ChatAction is a structured command the assistant may return instead of a
// plain reply.
type ChatAction struct {
	Type string          `json:"type"`
	ID   int64           `json:"id,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ChatResult is the parsed outcome of one chat turn.
type ChatResult struct {
	Reply  string      `json:"reply"`
	Action *ChatAction `json:"action,omitempty"`
}

// Chat runs one conversational turn with the schedule as context. The model
// is instructed to answer in JSON: either a plain reply or one of the
// supported schedule actions.
func (c *Client) Chat(ctx context.Context, userMessage string, events []model.Event, now time.Time) (ChatResult, error) {
	nowMin := model.MinutesOfDay(now)
	var active *model.Event
	for i := range events {
		if events[i].ActiveAt(nowMin) && !events[i].Completed {
			active = &events[i]
			break
		}
	}

	activeDesc := `None (User is currently in transition or free time)`
	if active != nil {
		if b, err := json.Marshal(active); err == nil {
			activeDesc = string(b)
		}
	}
	scheduleJSON, _ := json.Marshal(events)

	system := fmt.Sprintf(`You are Jarvis, a professional and precise AI Day Planner Assistant.
Current Date: %s.
Current Time: %s.

SOURCE OF TRUTH (Actual Status):
- ACTIVE EVENT NOW: %s
- TODAY'S SCHEDULE: %s

MANDATORY RULES:
1. ALWAYS address the user as "Sir". NEVER invent or use any other name.
2. DO NOT initiate scheduling advice or check-ins. The priority queue handles all timing.
3. IF "ACTIVE EVENT NOW" is "None", acknowledge the user is ahead of schedule or in a buffer zone if they ask about their status.
4. IF the user asks to create/delete/complete an event, use the provided JSON actions.
5. DO NOT hallucinate events that aren't in the schedule.
6. Keep replies professional, concise, and reactive only.

Supported JSON Actions:
- { "type": "create_event", "data": { ... } }
- { "type": "delete_event", "id": ... }
- { "type": "complete_event", "id": ... }
- { "type": "read_schedule" }
- { "reply": "Your text response here" }`,
		now.Format("Monday, January 2, 2006"),
		now.Format("3:04:05 PM"),
		activeDesc,
		scheduleJSON)

	content, err := c.chatJSON(ctx, []chatMessage{
		{Role: "system", Content: system},
		{Role: "user", Content: userMessage},
	}, c.timeout)
	if err != nil {
		return ChatResult{}, err
	}

	return parseChatContent(content), nil
}

// parseChatContent interprets the model output: a reply object, an action
// object, or — when the model ignored the JSON instruction — raw text.
func parseChatContent(content string) ChatResult {
	var probe struct {
		Reply string `json:"reply"`
		Type  string `json:"type"`
	}
	if err := json.Unmarshal([]byte(content), &probe); err != nil {
		// Not JSON: treat the raw text as the reply.
		return ChatResult{Reply: content}
	}

	if probe.Reply != "" {
		return ChatResult{Reply: probe.Reply}
	}
	if probe.Type != "" {
		var action ChatAction
		if err := json.Unmarshal([]byte(content), &action); err == nil {
			appLog.Info("chat produced action", "type", action.Type)
			return ChatResult{Reply: "On it.", Action: &action}
		}
	}

	// Unexpected but valid JSON: surface it verbatim rather than dropping it.
	return ChatResult{Reply: content}
}
