package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"butler/internal/generate"
	appLog "butler/internal/log"
	"butler/internal/model"
	"butler/internal/scheduler"
	"butler/internal/store"
)

func (s *Server) handleChatHistory(w http.ResponseWriter, r *http.Request) {
	messages, err := s.store.ChatHistory(r.Context())
	if err != nil {
		appLog.Error("chat history failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load chat history")
		return
	}
	if messages == nil {
		messages = []store.ChatMessage{}
	}
	writeJSON(w, http.StatusOK, messages)
}

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Reply   string `json:"reply"`
	Refresh bool   `json:"refresh,omitempty"`
}

// POST /api/chat runs one assistant turn: the model sees today's schedule,
// may answer or emit an action, and both sides of the exchange land in the
// transcript.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Message == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}

	now := time.Now().In(s.cfg.Location())
	events, err := s.store.ListEventsForDay(r.Context(), model.DateKeyFor(now))
	if err != nil {
		appLog.Error("chat: list events failed", err)
		writeError(w, http.StatusInternalServerError, "failed to load schedule")
		return
	}

	if err := s.store.AppendMessage(r.Context(), "user", req.Message); err != nil {
		appLog.Error("chat: persist user message failed", err)
	}

	result, err := s.gen.Chat(r.Context(), req.Message, events, now)
	if err != nil {
		reply := "Sorry, my local brain is having trouble."
		if errors.Is(err, generate.ErrUnreachable) {
			reply = "I can't reach your brain (Ollama). Is it running? Run 'ollama run llama3' in a terminal."
		}
		appLog.Error("chat generation failed", err)
		writeJSON(w, http.StatusInternalServerError, chatResponse{Reply: reply})
		return
	}

	refresh := false
	if result.Action != nil {
		if applied, msg := s.applyChatAction(r.Context(), result.Action, now); applied {
			refresh = true
			if msg != "" {
				result.Reply = msg
			}
		} else if msg != "" {
			result.Reply = msg
		}
	}

	if err := s.store.AppendMessage(r.Context(), "ai", result.Reply); err != nil {
		appLog.Error("chat: persist reply failed", err)
	}
	writeJSON(w, http.StatusOK, chatResponse{Reply: result.Reply, Refresh: refresh})
}

// applyChatAction executes a model-issued schedule mutation. The returned
// message, if any, replaces the model's reply.
func (s *Server) applyChatAction(ctx context.Context, action *generate.ChatAction, now time.Time) (bool, string) {
	switch action.Type {
	case "create_event":
		var ev model.Event
		if err := json.Unmarshal(action.Data, &ev); err != nil {
			appLog.Error("chat action: bad event data", err)
			return false, "I couldn't quite parse that event, Sir."
		}
		if ev.DateKey == "" {
			ev.DateKey = model.DateKeyFor(now)
		}
		if ev.Duration <= 0 {
			ev.Duration = 30
		}
		if ev.Type == "" {
			ev.Type = model.TypeFlexible
		}
		if err := s.store.AddEvent(ctx, &ev); err != nil {
			appLog.Error("chat action: create failed", err)
			return false, "I couldn't save that event, Sir."
		}
		return true, fmt.Sprintf("Done, Sir. %s is on the schedule at %d:%02d.", ev.Title, ev.StartHour, ev.StartMin)
	case "delete_event":
		if err := s.store.DeleteEvent(ctx, action.ID, false); err != nil {
			appLog.Error("chat action: delete failed", err, "id", action.ID)
			return false, "I couldn't find that event, Sir."
		}
		return true, "Removed, Sir."
	case "complete_event":
		if _, err := s.store.CompleteEvent(ctx, action.ID); err != nil {
			appLog.Error("chat action: complete failed", err, "id", action.ID)
			return false, "I couldn't find that event, Sir."
		}
		return true, "Marked as done, Sir."
	default:
		return false, ""
	}
}

type phraseRequest struct {
	EventTitle string `json:"eventTitle"`
	TimeOfDay  string `json:"timeOfDay"`
	Type       string `json:"type"`
}

// POST /api/generate-checkin always answers 200: when the model is down the
// canned phrase stands in so the dashboard never stalls on a notification.
func (s *Server) handleGeneratePhrase(w http.ResponseWriter, r *http.Request) {
	var req phraseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EventTitle == "" {
		writeError(w, http.StatusBadRequest, "eventTitle is required")
		return
	}
	phase := scheduler.Phase(req.Type)
	if phase == "" {
		phase = scheduler.PhaseCheckin
	}

	phrase, err := s.gen.Phrase(r.Context(), req.EventTitle, req.TimeOfDay, phase)
	if err != nil {
		appLog.Error("phrase generation failed, using fallback", err, "phase", string(phase))
		phrase = generate.FallbackPhrase(req.EventTitle, phase)
	}
	writeJSON(w, http.StatusOK, phrase)
}

type forgeItemRequest struct {
	ItemText       string   `json:"itemText"`
	NextItemText   string   `json:"nextItemText"`
	ChecklistTitle string   `json:"checklistTitle"`
	History        []string `json:"history"`
}

func (s *Server) handleForgeItem(w http.ResponseWriter, r *http.Request) {
	var req forgeItemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ItemText == "" {
		writeError(w, http.StatusBadRequest, "itemText is required")
		return
	}

	script, err := s.gen.ForgeItem(r.Context(), req.ItemText, req.NextItemText, req.ChecklistTitle, req.History)
	if err != nil {
		appLog.Error("forge item failed, using fallback", err, "item", req.ItemText)
		script = generate.FallbackItemScript(req.ItemText, req.NextItemText)
	}
	writeJSON(w, http.StatusOK, script)
}

type forgeSummariesRequest struct {
	Title string   `json:"title"`
	Items []string `json:"items"`
}

func (s *Server) handleForgeSummaries(w http.ResponseWriter, r *http.Request) {
	var req forgeSummariesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}

	script, err := s.gen.ForgeSummaries(r.Context(), req.Title, req.Items)
	if err != nil {
		appLog.Error("forge summaries failed, using fallback", err, "title", req.Title)
		script = generate.FallbackSummaries(req.Title, req.Items)
	}
	writeJSON(w, http.StatusOK, script)
}

type speakRequest struct {
	Text string `json:"text"`
}

func (s *Server) handleSpeak(w http.ResponseWriter, r *http.Request) {
	var req speakRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Text == "" {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if s.synth == nil {
		writeError(w, http.StatusServiceUnavailable, "speech engine is disabled")
		return
	}

	name, err := s.synth.Synthesize(r.Context(), req.Text)
	if err != nil {
		appLog.Error("speak synthesis failed", err)
		writeError(w, http.StatusInternalServerError, "synthesis failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"url": "/audio/" + name})
}

type queueResponse struct {
	Queue      []scheduler.Trigger `json:"queue"`
	History    []scheduler.Trigger `json:"history"`
	Current    *scheduler.Trigger  `json:"current,omitempty"`
	Processing bool                `json:"processing"`
}

func (s *Server) handleQueue(w http.ResponseWriter, _ *http.Request) {
	resp := queueResponse{
		Queue:      s.engine.Queue(),
		History:    s.engine.History(),
		Processing: s.engine.Processing(),
	}
	if cur, ok := s.engine.Current(); ok {
		resp.Current = &cur
	}
	writeJSON(w, http.StatusOK, resp)
}

type respondRequest struct {
	Positive bool `json:"positive"`
}

// POST /api/respond answers the trigger that is currently waiting. The
// resolution may speak, so it runs detached from the request.
func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid respond payload")
		return
	}
	go s.engine.Respond(context.Background(), req.Positive)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// GET /api/stream pushes delivery events to the dashboard as server-sent
// events.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ch, cancel := s.notifier.Subscribe()
	defer cancel()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev := <-ch:
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		}
	}
}

// GET /api/export?from=2026-9-1&to=2026-9-7 renders the window as an ICS
// calendar. Both bounds default to today.
func (s *Server) handleExportICS(w http.ResponseWriter, r *http.Request) {
	loc := s.cfg.Location()
	from, ok := parseDayParam(r.URL.Query().Get("from"), loc)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid from date")
		return
	}
	to, ok := parseDayParam(r.URL.Query().Get("to"), loc)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid to date")
		return
	}
	if to.Before(from) {
		writeError(w, http.StatusBadRequest, "to precedes from")
		return
	}
	if to.Sub(from) > 366*24*time.Hour {
		writeError(w, http.StatusBadRequest, "window too large")
		return
	}

	var events []model.Event
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		dayEvents, err := s.store.ListEventsForDay(r.Context(), model.DateKeyFor(day))
		if err != nil {
			appLog.Error("export: list events failed", err)
			writeError(w, http.StatusInternalServerError, "failed to collect events")
			return
		}
		events = append(events, dayEvents...)
	}

	body, err := store.ExportICS(events, loc)
	if err != nil {
		appLog.Error("export: render failed", err)
		writeError(w, http.StatusInternalServerError, "failed to render calendar")
		return
	}

	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="planner.ics"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// POST /api/import?days=30 ingests an ICS body, expanding recurrences over
// the window starting today.
func (s *Server) handleImportICS(w http.ResponseWriter, r *http.Request) {
	days := parseIntDefault(r.URL.Query().Get("days"), 30)
	if days < 1 || days > 366 {
		writeError(w, http.StatusBadRequest, "days out of range")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil || len(body) == 0 {
		writeError(w, http.StatusBadRequest, "empty calendar body")
		return
	}

	loc := s.cfg.Location()
	now := time.Now().In(loc)
	from := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	to := from.AddDate(0, 0, days)

	events, err := store.ImportICS(body, from, to, loc)
	if err != nil {
		appLog.Error("import: parse failed", err)
		writeError(w, http.StatusBadRequest, "failed to parse calendar")
		return
	}
	if len(events) > 0 {
		if err := s.store.AddEvents(r.Context(), events); err != nil {
			appLog.Error("import: save failed", err)
			writeError(w, http.StatusInternalServerError, "failed to save events")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"imported": len(events)})
}

// parseDayParam reads a day key like "2026-9-1"; empty means today.
func parseDayParam(s string, loc *time.Location) (time.Time, bool) {
	if s == "" {
		now := time.Now().In(loc)
		return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc), true
	}
	var y, m, d int
	if n, err := fmt.Sscanf(s, "%d-%d-%d", &y, &m, &d); err != nil || n != 3 {
		return time.Time{}, false
	}
	if m < 1 || m > 12 || d < 1 || d > 31 {
		return time.Time{}, false
	}
	return time.Date(y, time.Month(m), d, 0, 0, 0, 0, loc), true
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	var v int
	if _, err := fmt.Sscanf(s, "%d", &v); err != nil {
		return def
	}
	return v
}
