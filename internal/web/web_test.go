package web

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"butler/internal/config"
	"butler/internal/generate"
	"butler/internal/model"
	"butler/internal/scheduler"
	"butler/internal/speech"
	"butler/internal/store"
)

type stubGen struct {
	phrase    model.Phrase
	phraseErr error
	chat      generate.ChatResult
	chatErr   error
	forgeErr  error
}

func (g *stubGen) Phrase(context.Context, string, string, scheduler.Phase) (model.Phrase, error) {
	return g.phrase, g.phraseErr
}

func (g *stubGen) ForgeItem(_ context.Context, itemText, _, _ string, _ []string) (model.ItemScript, error) {
	if g.forgeErr != nil {
		return model.ItemScript{}, g.forgeErr
	}
	return model.ItemScript{Text: itemText, Success: "Done, Sir."}, nil
}

func (g *stubGen) ForgeSummaries(_ context.Context, title string, _ []string) (model.AiScript, error) {
	if g.forgeErr != nil {
		return model.AiScript{}, g.forgeErr
	}
	return model.AiScript{PreStartSummary: "Sir, " + title + " approaches."}, nil
}

func (g *stubGen) Chat(context.Context, string, []model.Event, time.Time) (generate.ChatResult, error) {
	return g.chat, g.chatErr
}

type stubSynth struct {
	name string
	err  error
}

func (s *stubSynth) Synthesize(context.Context, string) (string, error) {
	return s.name, s.err
}

type testEnv struct {
	server   *httptest.Server
	store    *store.Store
	gen      *stubGen
	notifier *speech.Notifier
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "planner.db"), 100)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.Speech.OutputDir = t.TempDir()

	gen := &stubGen{}
	notifier := speech.NewNotifier(nil, time.Second)
	engine := scheduler.New(cfg.Scheduler, st, gen, notifier,
		scheduler.WithLocation(time.UTC))

	s := NewServer(cfg, st, engine, gen, notifier, &stubSynth{name: "tts_1.wav"})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)

	return &testEnv{server: srv, store: st, gen: gen, notifier: notifier}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.server.URL+path, &buf)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func todayKey() string {
	return model.DateKeyFor(time.Now().UTC())
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.server.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEventLifecycle(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/events", model.Event{
		Title: "Morning Routine", StartHour: 7, StartMin: 30, Duration: 60,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[[]model.Event](t, resp)
	require.Len(t, created, 1)
	require.NotZero(t, created[0].ID)
	assert.Equal(t, todayKey(), created[0].DateKey)
	assert.Equal(t, model.TypeFlexible, created[0].Type)

	resp = env.do(t, http.MethodGet, "/api/events?date="+todayKey(), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	listed := decode[[]model.Event](t, resp)
	require.Len(t, listed, 1)

	listed[0].Title = "Morning Run"
	resp = env.do(t, http.MethodPut, fmt.Sprintf("/api/events/%d", listed[0].ID), listed[0])
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodPost, fmt.Sprintf("/api/events/%d/complete", listed[0].ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	completed := decode[model.Event](t, resp)
	assert.True(t, completed.Completed)
	assert.Equal(t, "Morning Run", completed.Title)

	resp = env.do(t, http.MethodDelete, fmt.Sprintf("/api/events/%d", listed[0].ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/api/events", nil)
	assert.Empty(t, decode[[]model.Event](t, resp))
}

func TestCreateEventBatchSharesSeries(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/events", []model.Event{
		{Title: "Standup", DateKey: "2026-9-1", StartHour: 9, Duration: 15},
		{Title: "Standup", DateKey: "2026-9-2", StartHour: 9, Duration: 15},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	created := decode[[]model.Event](t, resp)
	require.Len(t, created, 2)
	require.NotEmpty(t, created[0].SeriesID)
	assert.Equal(t, created[0].SeriesID, created[1].SeriesID)

	resp = env.do(t, http.MethodDelete, fmt.Sprintf("/api/events/%d?series=true", created[0].ID), nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/api/events?date=2026-9-2", nil)
	assert.Empty(t, decode[[]model.Event](t, resp))
}

func TestCreateEventRejectsZeroDuration(t *testing.T) {
	env := newTestEnv(t)
	resp := env.do(t, http.MethodPost, "/api/events", model.Event{Title: "Bad"})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestChecklistToggle(t *testing.T) {
	env := newTestEnv(t)

	ev := &model.Event{
		DateKey: todayKey(), Title: "Packing", StartHour: 8, Duration: 30,
		Type: model.TypeChecklist,
		Items: []model.ChecklistItem{{Text: "Passport"}, {Text: "Tickets"}},
	}
	require.NoError(t, env.store.AddEvent(context.Background(), ev))

	resp := env.do(t, http.MethodPost, "/api/checklist/toggle", map[string]any{
		"eventId": ev.ID, "itemText": "Passport", "completed": true,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	updated := decode[model.Event](t, resp)
	assert.True(t, updated.Items[0].Completed)
	assert.False(t, updated.Items[1].Completed)
}

func TestTemplates(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/templates", store.Template{
		Name: "Gym Day", Payload: json.RawMessage(`{"title":"Gym","duration":90}`),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	saved := decode[store.Template](t, resp)
	require.NotEmpty(t, saved.ID)

	resp = env.do(t, http.MethodGet, "/api/templates", nil)
	templates := decode[[]store.Template](t, resp)
	require.Len(t, templates, 1)
	assert.Equal(t, "Gym Day", templates[0].Name)

	resp = env.do(t, http.MethodDelete, "/api/templates/"+saved.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.do(t, http.MethodGet, "/api/templates", nil)
	assert.Empty(t, decode[[]store.Template](t, resp))
}

func TestChatReplyPersistsTranscript(t *testing.T) {
	env := newTestEnv(t)
	env.gen.chat = generate.ChatResult{Reply: "Your schedule is clear, Sir."}

	resp := env.do(t, http.MethodPost, "/api/chat", map[string]string{"message": "anything today?"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[chatResponse](t, resp)
	assert.Equal(t, "Your schedule is clear, Sir.", out.Reply)

	history, err := env.store.ChatHistory(context.Background())
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "user", history[0].Role)
	assert.Equal(t, "ai", history[1].Role)
}

func TestChatActionCreatesEvent(t *testing.T) {
	env := newTestEnv(t)
	env.gen.chat = generate.ChatResult{
		Reply: "On it.",
		Action: &generate.ChatAction{
			Type: "create_event",
			Data: json.RawMessage(`{"title":"Dentist","startHour":15,"startMin":0,"duration":45}`),
		},
	}

	resp := env.do(t, http.MethodPost, "/api/chat", map[string]string{"message": "dentist at 3pm"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[chatResponse](t, resp)
	assert.True(t, out.Refresh)
	assert.Contains(t, out.Reply, "Dentist")

	events, err := env.store.ListEventsForDay(context.Background(), todayKey())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Dentist", events[0].Title)
	assert.Equal(t, 15, events[0].StartHour)
}

func TestChatUnreachableBrain(t *testing.T) {
	env := newTestEnv(t)
	env.gen.chatErr = fmt.Errorf("post: %w", generate.ErrUnreachable)

	resp := env.do(t, http.MethodPost, "/api/chat", map[string]string{"message": "hello"})
	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	out := decode[chatResponse](t, resp)
	assert.Contains(t, out.Reply, "Ollama")
}

func TestGeneratePhraseFallsBack(t *testing.T) {
	env := newTestEnv(t)
	env.gen.phraseErr = errors.New("model down")

	resp := env.do(t, http.MethodPost, "/api/generate-checkin", map[string]string{
		"eventTitle": "Gym", "timeOfDay": "morning", "type": "checkin",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	phrase := decode[model.Phrase](t, resp)
	assert.Equal(t, "Did you start Gym, sir?", phrase.Trigger)
}

func TestForgeItemFallsBack(t *testing.T) {
	env := newTestEnv(t)
	env.gen.forgeErr = errors.New("model down")

	resp := env.do(t, http.MethodPost, "/api/forge-item", map[string]any{
		"itemText": "Pack bag", "nextItemText": "Lock door", "checklistTitle": "Departure",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	script := decode[model.ItemScript](t, resp)
	assert.Equal(t, "Pack bag", script.Text)
	assert.Contains(t, script.Success, "Lock door")
}

func TestSpeakReturnsAudioURL(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodPost, "/api/speak", map[string]string{"text": "Good evening, Sir."})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[map[string]string](t, resp)
	assert.Equal(t, "/audio/tts_1.wav", out["url"])
}

func TestQueueSnapshot(t *testing.T) {
	env := newTestEnv(t)

	resp := env.do(t, http.MethodGet, "/api/queue", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decode[queueResponse](t, resp)
	assert.Empty(t, out.Queue)
	assert.Empty(t, out.History)
	assert.False(t, out.Processing)
	assert.Nil(t, out.Current)
}

func TestExportImportRoundTrip(t *testing.T) {
	env := newTestEnv(t)

	require.NoError(t, env.store.AddEvent(context.Background(), &model.Event{
		DateKey: todayKey(), Title: "Dinner", StartHour: 19, Duration: 60,
	}))

	resp := env.do(t, http.MethodGet, "/api/export", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	defer resp.Body.Close()
	var ics bytes.Buffer
	_, err := ics.ReadFrom(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, ics.String(), "Dinner")

	// Import into a fresh environment.
	env2 := newTestEnv(t)
	req, err := http.NewRequest(http.MethodPost, env2.server.URL+"/api/import", &ics)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	out := decode[map[string]int](t, resp)
	assert.Equal(t, 1, out["imported"])

	events, err := env2.store.ListEventsForDay(context.Background(), todayKey())
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "Dinner", events[0].Title)
}

func TestStreamDeliversEvents(t *testing.T) {
	env := newTestEnv(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.server.URL+"/api/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	go func() {
		// Give the subscription a moment to register.
		time.Sleep(100 * time.Millisecond)
		_ = env.notifier.Speak(context.Background(), "Stream check, Sir.")
	}()

	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			var ev speech.Event
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev))
			assert.Equal(t, "speech", ev.Kind)
			assert.Equal(t, "Stream check, Sir.", ev.Text)
			return
		}
	}
	t.Fatal("no data event received")
}
