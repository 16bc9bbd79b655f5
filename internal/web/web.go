// Package web exposes the planner's HTTP surface: the schedule CRUD API,
// the assistant endpoints, and the live event stream the dashboard
// listens on.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"butler/internal/config"
	"butler/internal/generate"
	appLog "butler/internal/log"
	"butler/internal/model"
	"butler/internal/scheduler"
	"butler/internal/speech"
	"butler/internal/store"
)

// Generator is the slice of the content client the API layer needs.
type Generator interface {
	Phrase(ctx context.Context, eventTitle, timeOfDay string, phase scheduler.Phase) (model.Phrase, error)
	ForgeItem(ctx context.Context, itemText, nextItemText, checklistTitle string, history []string) (model.ItemScript, error)
	ForgeSummaries(ctx context.Context, title string, items []string) (model.AiScript, error)
	Chat(ctx context.Context, userMessage string, events []model.Event, now time.Time) (generate.ChatResult, error)
}

// Server provides the HTTP API for the planner.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	engine   *scheduler.Scheduler
	gen      Generator
	notifier *speech.Notifier
	synth    speech.Synthesizer
	mux      *http.ServeMux
}

// NewServer constructs a Server. synth may be nil when speech is off.
func NewServer(cfg *config.Config, st *store.Store, engine *scheduler.Scheduler, gen Generator, notifier *speech.Notifier, synth speech.Synthesizer) *Server {
	s := &Server{
		cfg:      cfg,
		store:    st,
		engine:   engine,
		gen:      gen,
		notifier: notifier,
		synth:    synth,
		mux:      http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// Handler returns the underlying http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartServer runs the HTTP server bound to cfg.Listen.
func StartServer(_ context.Context, s *Server) error {
	appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
	return http.ListenAndServe(s.cfg.Listen, s.Handler())
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	s.mux.HandleFunc("GET /api/events", s.handleListEvents)
	s.mux.HandleFunc("POST /api/events", s.handleCreateEvents)
	s.mux.HandleFunc("PUT /api/events/{id}", s.handleUpdateEvent)
	s.mux.HandleFunc("DELETE /api/events/{id}", s.handleDeleteEvent)
	s.mux.HandleFunc("POST /api/events/{id}/complete", s.handleCompleteEvent)
	s.mux.HandleFunc("POST /api/checklist/toggle", s.handleChecklistToggle)

	s.mux.HandleFunc("GET /api/templates", s.handleListTemplates)
	s.mux.HandleFunc("POST /api/templates", s.handleSaveTemplate)
	s.mux.HandleFunc("DELETE /api/templates/{id}", s.handleDeleteTemplate)

	s.mux.HandleFunc("GET /api/export", s.handleExportICS)
	s.mux.HandleFunc("POST /api/import", s.handleImportICS)

	s.mux.HandleFunc("GET /api/chat-history", s.handleChatHistory)
	s.mux.HandleFunc("POST /api/chat", s.handleChat)
	s.mux.HandleFunc("POST /api/generate-checkin", s.handleGeneratePhrase)
	s.mux.HandleFunc("POST /api/forge-item", s.handleForgeItem)
	s.mux.HandleFunc("POST /api/forge-summaries", s.handleForgeSummaries)
	s.mux.HandleFunc("POST /api/speak", s.handleSpeak)

	s.mux.HandleFunc("GET /api/queue", s.handleQueue)
	s.mux.HandleFunc("POST /api/respond", s.handleRespond)
	s.mux.HandleFunc("GET /api/stream", s.handleStream)

	s.mux.Handle("GET /audio/", http.StripPrefix("/audio/",
		http.FileServer(http.Dir(s.cfg.Speech.OutputDir))))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// todayKey returns the day key for "now" in the configured timezone.
func (s *Server) todayKey() string {
	return model.DateKeyFor(time.Now().In(s.cfg.Location()))
}

// GET /api/events?date=2026-9-1 (defaults to today)
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	dateKey := r.URL.Query().Get("date")
	if dateKey == "" {
		dateKey = s.todayKey()
	}

	events, err := s.store.ListEventsForDay(r.Context(), dateKey)
	if err != nil {
		appLog.Error("list events failed", err, "date", dateKey)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []model.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

// POST /api/events accepts a single event or an array. A multi-event batch
// without series ids gets one shared series id so it can be deleted as one.
func (s *Server) handleCreateEvents(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	var batch []*model.Event
	if err := json.Unmarshal(body, &batch); err != nil {
		var single model.Event
		if err := json.Unmarshal(body, &single); err != nil {
			writeError(w, http.StatusBadRequest, "invalid event payload")
			return
		}
		batch = []*model.Event{&single}
	}
	if len(batch) == 0 {
		writeError(w, http.StatusBadRequest, "no events in payload")
		return
	}

	needSeries := len(batch) > 1
	seriesID := ""
	if needSeries {
		seriesID = s.store.NewID()
	}
	for _, ev := range batch {
		if ev.DateKey == "" {
			ev.DateKey = s.todayKey()
		}
		if ev.Duration <= 0 {
			writeError(w, http.StatusBadRequest, "event duration must be positive")
			return
		}
		if ev.Type == "" {
			ev.Type = model.TypeFlexible
		}
		if needSeries && ev.SeriesID == "" {
			ev.SeriesID = seriesID
		}
	}

	if err := s.store.AddEvents(r.Context(), batch); err != nil {
		appLog.Error("create events failed", err)
		writeError(w, http.StatusInternalServerError, "failed to save events")
		return
	}

	appLog.Info("events created", "count", len(batch))
	writeJSON(w, http.StatusCreated, batch)
}

func (s *Server) handleUpdateEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	var ev model.Event
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "invalid event payload")
		return
	}
	ev.ID = id

	if err := s.store.UpdateEvent(r.Context(), &ev); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "event not found")
			return
		}
		appLog.Error("update event failed", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to update event")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

// DELETE /api/events/{id}?series=true removes the whole series.
func (s *Server) handleDeleteEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	series := r.URL.Query().Get("series") == "true"

	if err := s.store.DeleteEvent(r.Context(), id, series); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "event not found")
			return
		}
		appLog.Error("delete event failed", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to delete event")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) handleCompleteEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}

	ev, err := s.store.CompleteEvent(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "event not found")
			return
		}
		appLog.Error("complete event failed", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to complete event")
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

type checklistToggleRequest struct {
	EventID   int64  `json:"eventId"`
	ItemText  string `json:"itemText"`
	Completed bool   `json:"completed"`
}

// POST /api/checklist/toggle flips one item and pokes the engine: a newly
// completed item fires its standby acknowledgement and may trigger the
// victory path.
func (s *Server) handleChecklistToggle(w http.ResponseWriter, r *http.Request) {
	var req checklistToggleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ItemText == "" {
		writeError(w, http.StatusBadRequest, "invalid toggle payload")
		return
	}

	ev, err := s.store.SetItemCompleted(r.Context(), req.EventID, req.ItemText, req.Completed)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "event or item not found")
			return
		}
		appLog.Error("checklist toggle failed", err, "eventId", req.EventID)
		writeError(w, http.StatusInternalServerError, "failed to toggle item")
		return
	}

	if req.Completed {
		// Both calls may retry while the engine is speaking; detach them
		// from the request.
		go s.engine.TriggerStandby(context.Background(), req.EventID, req.ItemText)
		go s.engine.CheckChecklistVictory(context.Background(), req.EventID)
	}

	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	templates, err := s.store.ListTemplates(r.Context())
	if err != nil {
		appLog.Error("list templates failed", err)
		writeError(w, http.StatusInternalServerError, "failed to list templates")
		return
	}
	if templates == nil {
		templates = []store.Template{}
	}
	writeJSON(w, http.StatusOK, templates)
}

func (s *Server) handleSaveTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl store.Template
	if err := json.NewDecoder(r.Body).Decode(&tpl); err != nil || tpl.Name == "" {
		writeError(w, http.StatusBadRequest, "invalid template payload")
		return
	}

	if err := s.store.SaveTemplate(r.Context(), &tpl); err != nil {
		appLog.Error("save template failed", err)
		writeError(w, http.StatusInternalServerError, "failed to save template")
		return
	}
	writeJSON(w, http.StatusOK, tpl)
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteTemplate(r.Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "template not found")
			return
		}
		appLog.Error("delete template failed", err, "id", id)
		writeError(w, http.StatusInternalServerError, "failed to delete template")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
