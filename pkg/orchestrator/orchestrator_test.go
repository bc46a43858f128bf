package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/harun/cropadvisor/pkg/agent"
	"github.com/harun/cropadvisor/pkg/guardrail"
	"github.com/harun/cropadvisor/pkg/schema"
	"github.com/harun/cropadvisor/pkg/session"
	"github.com/harun/cropadvisor/pkg/toolgateway"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStore is an in-memory session.Store with failure injection.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*session.Session
	saves    int
	loads    int
	resets   int
	saveErr  error
	loadErr  error
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]*session.Session)}
}

func (m *memStore) Load(ctx context.Context, userID string) (*session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loads++
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	if s, ok := m.sessions[userID]; ok {
		return s.Clone(), nil
	}
	return session.New(userID), nil
}

func (m *memStore) Save(ctx context.Context, userID string, s *session.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	m.sessions[userID] = s.Clone()
	return nil
}

func (m *memStore) Reset(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets++
	m.sessions[userID] = session.New(userID)
	return nil
}

func (m *memStore) List(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *memStore) Close() error { return nil }

func (m *memStore) put(s *session.Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.UserID] = s.Clone()
}

func (m *memStore) get(t *testing.T, userID string) *session.Session {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[userID]
	require.True(t, ok, "session %s was never saved", userID)
	return s.Clone()
}

func (m *memStore) saveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

type replyFunc func(ctx context.Context) (string, error)

func replyWith(content string) replyFunc {
	return func(context.Context) (string, error) { return content, nil }
}

// scriptedModel answers with one reply per call, repeating the last.
type scriptedModel struct {
	mu       sync.Mutex
	replies  []replyFunc
	requests []agent.Request
}

func newModel(replies ...replyFunc) *scriptedModel {
	return &scriptedModel{replies: replies}
}

func (m *scriptedModel) Call(ctx context.Context, request agent.Request) (*agent.Response, error) {
	m.mu.Lock()
	i := len(m.requests)
	m.requests = append(m.requests, request)
	var fn replyFunc
	switch {
	case i < len(m.replies):
		fn = m.replies[i]
	case len(m.replies) > 0:
		fn = m.replies[len(m.replies)-1]
	}
	m.mu.Unlock()

	if fn == nil {
		return nil, errors.New("no scripted reply")
	}
	content, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	return &agent.Response{Content: content, Provider: "fake"}, nil
}

func (m *scriptedModel) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *scriptedModel) request(i int) agent.Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requests[i]
}

// fakeTools returns canned gateway results and counts calls.
type fakeTools struct {
	mu           sync.Mutex
	weather      func(loc toolgateway.LocationSpec) toolgateway.Result
	search       func(query string, sc toolgateway.SearchContext) toolgateway.Result
	weatherCalls int
	queries      []string
}

func newTools() *fakeTools {
	return &fakeTools{
		weather: func(toolgateway.LocationSpec) toolgateway.Result { return okWeather(1) },
		search: func(query string, _ toolgateway.SearchContext) toolgateway.Result {
			return okSearch(query, toolgateway.SearchItem{Title: "Rice nursery care", Snippet: "Keep nursery beds moist.", URL: "https://example.org/" + query})
		},
	}
}

func (f *fakeTools) FetchWeather(ctx context.Context, loc toolgateway.LocationSpec) toolgateway.Result {
	f.mu.Lock()
	f.weatherCalls++
	fn := f.weather
	f.mu.Unlock()
	return fn(loc)
}

func (f *fakeTools) FetchSearch(ctx context.Context, query string, sc toolgateway.SearchContext) toolgateway.Result {
	f.mu.Lock()
	f.queries = append(f.queries, query)
	fn := f.search
	f.mu.Unlock()
	return fn(query, sc)
}

func (f *fakeTools) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.weatherCalls + len(f.queries)
}

func okWeather(tier int) toolgateway.Result {
	temp := 29.0
	return toolgateway.Result{Value: &toolgateway.ToolResult{
		Source:    toolgateway.SourceWeather,
		Tier:      tier,
		Provider:  fmt.Sprintf("weather-tier-%d", tier),
		FetchedAt: time.Now(),
		Weather:   &toolgateway.Weather{Summary: "Light rain • 29°C", TemperatureC: &temp},
	}}
}

func okSearch(query string, items ...toolgateway.SearchItem) toolgateway.Result {
	return toolgateway.Result{Value: &toolgateway.ToolResult{
		Source:    toolgateway.SourceSearch,
		Tier:      1,
		Provider:  "fake-search",
		FetchedAt: time.Now(),
		Search:    &toolgateway.Search{Query: query, Items: items},
	}}
}

func unavailableResult() toolgateway.Result {
	return toolgateway.Result{Unavailable: true, Err: toolgateway.ErrProviderUnavailable}
}

// advisoryJSON builds a contract-valid advisory, optionally modified.
func advisoryJSON(t *testing.T, mutate func(m map[string]any)) string {
	t.Helper()
	m := map[string]any{
		"summary":             "Seedlings look healthy. Keep the nursery evenly moist.",
		"recommended_actions": []string{"Keep the nursery bed moist", "Remove weeds by hand", "Check leaves every morning"},
		"risk_flags":          []string{},
		"escalate":            false,
		"stage":               "germination",
		"watch_out_for":       []string{"Yellowing leaf tips"},
		"confidence":          "medium",
	}
	if mutate != nil {
		mutate(m)
	}
	b, err := json.Marshal(m)
	require.NoError(t, err)
	return string(b)
}

func completeSession(userID string) *session.Session {
	s := session.New(userID)
	lat, lon := 18.52, 73.85
	s.Profile.Crop = "rice"
	s.Profile.Stage = "germination"
	s.Profile.Location = session.Location{Text: "Pune", Lat: &lat, Lon: &lon}
	return s
}

func textEvent(userID, text string) Event {
	return Event{UserID: userID, Kind: EventText, Text: text}
}

func newTestOrchestrator(store session.Store, model Model, tools Tools, opts ...Option) *Orchestrator {
	return New(store, model, tools, opts...)
}

func TestHandleEvent_AsksForLocationWithoutCalls(t *testing.T) {
	store := newMemStore()
	model := newModel()
	tools := newTools()
	o := newTestOrchestrator(store, model, tools)

	resp, err := o.HandleEvent(context.Background(), textEvent("u1", "Crop: rice, Stage: germination"))
	require.NoError(t, err)

	assert.Equal(t, ui("en", "ask_location"), resp.Text)
	assert.NotEmpty(t, resp.Buttons)
	assert.Zero(t, model.calls())
	assert.Zero(t, tools.calls())

	saved := store.get(t, "u1")
	assert.Equal(t, "rice", saved.Profile.Crop)
	assert.Equal(t, "germination", saved.Profile.Stage)
	assert.True(t, saved.PendingClarification)
	assert.Equal(t, session.FieldLocation, saved.PendingField)
	assert.Equal(t, 1, saved.TurnCount)
}

func TestHandleEvent_AsksFieldsInOrder(t *testing.T) {
	tests := []struct {
		name    string
		profile func(p *session.Profile)
		want    string
	}{
		{"nothing known", func(p *session.Profile) {}, "ask_location"},
		{"location only", func(p *session.Profile) { p.Location.Text = "Pune" }, "ask_crop"},
		{"location and crop", func(p *session.Profile) { p.Location.Text = "Pune"; p.Crop = "rice" }, "ask_stage"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			s := session.New("u1")
			tt.profile(&s.Profile)
			store.put(s)
			model := newModel()
			o := newTestOrchestrator(store, model, newTools())

			resp, err := o.HandleEvent(context.Background(), textEvent("u1", "hello"))
			require.NoError(t, err)
			assert.Equal(t, ui("en", tt.want), resp.Text)
			assert.Zero(t, model.calls())
		})
	}
}

func TestHandleEvent_CoordinatesFallBackToSecondWeatherTier(t *testing.T) {
	store := newMemStore()
	model := newModel(replyWith(advisoryJSON(t, nil)))

	var mu sync.Mutex
	tierHits := map[string]int{}
	hit := func(name string) {
		mu.Lock()
		tierHits[name]++
		mu.Unlock()
	}
	gw := toolgateway.New(toolgateway.Options{
		Weather: []toolgateway.WeatherSource{
			{Name: "primary", Timeout: 20 * time.Millisecond, NeedsCoordinates: true,
				Fetch: func(ctx context.Context, loc toolgateway.LocationSpec) (*toolgateway.Weather, error) {
					hit("primary")
					<-ctx.Done()
					return nil, ctx.Err()
				}},
			{Name: "secondary", Timeout: time.Second, NeedsCoordinates: true,
				Fetch: func(ctx context.Context, loc toolgateway.LocationSpec) (*toolgateway.Weather, error) {
					hit("secondary")
					if assert.True(t, loc.HasCoordinates()) {
						assert.InDelta(t, 18.52, *loc.Lat, 1e-9)
					}
					return &toolgateway.Weather{Summary: "Humid • 27°C"}, nil
				}},
		},
		Search: []toolgateway.SearchSource{
			{Name: "search", Timeout: time.Second,
				Fetch: func(ctx context.Context, query string, sc toolgateway.SearchContext) ([]toolgateway.SearchItem, error) {
					return []toolgateway.SearchItem{{Title: "Rice germination", Snippet: "Maintain moisture.", URL: "https://example.org/rice"}}, nil
				}},
		},
	})
	o := newTestOrchestrator(store, model, gw)
	ctx := context.Background()

	_, err := o.HandleEvent(ctx, textEvent("u1", "Crop: rice, Stage: germination"))
	require.NoError(t, err)

	resp, err := o.HandleEvent(ctx, textEvent("u1", "18.52, 73.85"))
	require.NoError(t, err)
	assert.Contains(t, resp.Text, "Seedlings look healthy")
	assert.Contains(t, resp.Text, "Humid • 27°C")
	assert.Empty(t, resp.EscalationNotice)

	saved := store.get(t, "u1")
	require.NotNil(t, saved.Weather)
	assert.Equal(t, 2, saved.Weather.Tier)
	assert.Equal(t, "secondary", saved.Weather.Provider)
	require.NotNil(t, saved.LastAdvisory)
	assert.False(t, saved.LastAdvisory.Fallback)
	assert.False(t, saved.PendingClarification)
	require.True(t, saved.Profile.Location.HasCoordinates())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, tierHits["primary"])
	assert.Equal(t, 1, tierHits["secondary"])
	assert.Equal(t, 1, model.calls())
}

func TestHandleEvent_RetriesAfterValidationFailure(t *testing.T) {
	store := newMemStore()
	store.put(completeSession("u1"))
	invalid := advisoryJSON(t, func(m map[string]any) { delete(m, "recommended_actions") })
	model := newModel(replyWith(invalid), replyWith(advisoryJSON(t, nil)))
	o := newTestOrchestrator(store, model, newTools())

	resp, err := o.HandleEvent(context.Background(), textEvent("u1", "leaves look pale"))
	require.NoError(t, err)
	assert.Contains(t, resp.Text, "Keep the nursery bed moist")

	require.Equal(t, 2, model.calls())
	retry := model.request(1)
	require.Len(t, retry.Messages, 3)
	assert.Equal(t, "assistant", retry.Messages[1].Role)
	assert.Contains(t, retry.Messages[2].Content, "recommended_actions")

	saved := store.get(t, "u1")
	require.NotNil(t, saved.LastAdvisory)
	assert.False(t, saved.LastAdvisory.Fallback)
	assert.Equal(t, []string{"Keep the nursery bed moist", "Remove weeds by hand", "Check leaves every morning"}, saved.LastAdvisory.RecommendedActions)
	assert.Contains(t, saved.Observation.Symptoms, "leaves look pale")
}

func TestHandleEvent_FallsBackAfterExhaustingAttempts(t *testing.T) {
	store := newMemStore()
	store.put(completeSession("u1"))
	model := newModel(replyWith("I think you should water the field."))
	o := newTestOrchestrator(store, model, newTools())

	resp, err := o.HandleEvent(context.Background(), textEvent("u1", "what now?"))
	require.NoError(t, err)

	fallback := schema.GenericFallback(schema.StageGermination)
	assert.Contains(t, resp.Text, fallback.Summary)
	assert.Equal(t, 3, model.calls())

	saved := store.get(t, "u1")
	require.NotNil(t, saved.LastAdvisory)
	assert.True(t, saved.LastAdvisory.Fallback)
	assert.Equal(t, fallback.Summary, saved.LastAdvisory.Summary)
	assert.Equal(t, resp.Text, saved.LastAdvisory.Text)
}

func TestHandleEvent_ModelErrorsCountAsFailedAttempts(t *testing.T) {
	store := newMemStore()
	store.put(completeSession("u1"))
	model := newModel(func(context.Context) (string, error) { return "", agent.ErrAllProvidersFailed })
	o := newTestOrchestrator(store, model, newTools(), WithConfig(Config{MaxValidationAttempts: 2}))

	_, err := o.HandleEvent(context.Background(), textEvent("u1", "help my crop"))
	require.NoError(t, err)
	assert.Equal(t, 2, model.calls())
	assert.True(t, store.get(t, "u1").LastAdvisory.Fallback)
}

func TestHandleEvent_CancelledBeforeCommitSavesNothing(t *testing.T) {
	store := newMemStore()
	store.put(completeSession("u1"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	valid := advisoryJSON(t, nil)
	model := newModel(func(context.Context) (string, error) {
		cancel()
		return valid, nil
	})
	o := newTestOrchestrator(store, model, newTools())

	_, err := o.HandleEvent(ctx, textEvent("u1", "leaves curling"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, store.saveCount())

	saved := store.get(t, "u1")
	assert.Nil(t, saved.LastAdvisory)
	assert.Empty(t, saved.Observation.Symptoms)
}

func TestHandleEvent_SaveFailureStillResponds(t *testing.T) {
	store := newMemStore()
	store.put(completeSession("u1"))
	store.saveErr = fmt.Errorf("%w: disk full", session.ErrPersistenceFailure)
	model := newModel(replyWith(advisoryJSON(t, nil)))
	o := newTestOrchestrator(store, model, newTools())

	resp, err := o.HandleEvent(context.Background(), textEvent("u1", "leaves curling"))
	require.NoError(t, err)
	assert.Contains(t, resp.Text, "Seedlings look healthy")
	assert.Equal(t, 1, store.saveCount())
}

func TestHandleEvent_LoadFailureRepliesWithoutSaving(t *testing.T) {
	store := newMemStore()
	store.loadErr = fmt.Errorf("%w: locked", session.ErrPersistenceFailure)
	model := newModel()
	o := newTestOrchestrator(store, model, newTools())

	resp, err := o.HandleEvent(context.Background(), textEvent("u1", "hello"))
	require.NoError(t, err)
	assert.Equal(t, ui("en", "err_generic"), resp.Text)
	assert.Zero(t, store.saveCount())
	assert.Zero(t, model.calls())
}

func TestHandleEvent_RejectsMalformedEvents(t *testing.T) {
	lat, far := 18.5, 200.0
	tests := []struct {
		name string
		ev   Event
	}{
		{"missing user", Event{Kind: EventText, Text: "hi"}},
		{"missing kind", Event{UserID: "u1", Text: "hi"}},
		{"unknown kind", Event{UserID: "u1", Kind: "voice"}},
		{"empty text", Event{UserID: "u1", Kind: EventText, Text: "  "}},
		{"location without coords", Event{UserID: "u1", Kind: EventLocation}},
		{"location only lat", Event{UserID: "u1", Kind: EventLocation, Lat: &lat}},
		{"location out of range", Event{UserID: "u1", Kind: EventLocation, Lat: &lat, Lon: &far}},
		{"photo without file", Event{UserID: "u1", Kind: EventPhoto, Text: "caption"}},
		{"button without action", Event{UserID: "u1", Kind: EventButton}},
		{"unknown button", Event{UserID: "u1", Kind: EventButton, Action: "__ACTION__:NOPE"}},
		{"unsupported language", Event{UserID: "u1", Kind: EventButton, Action: ActionSetLangPrefix + "fr"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			o := newTestOrchestrator(store, newModel(), newTools())

			resp, err := o.HandleEvent(context.Background(), tt.ev)
			require.ErrorIs(t, err, ErrMalformedEvent)
			assert.Equal(t, ui("en", "malformed"), resp.Text)
			assert.Zero(t, store.loads)
			assert.Zero(t, store.saveCount())
		})
	}
}

func TestHandleEvent_DosageIsBlockedWithoutRetry(t *testing.T) {
	store := newMemStore()
	store.put(completeSession("u1"))
	dosage := advisoryJSON(t, func(m map[string]any) {
		m["recommended_actions"] = []string{"Spray 5 ml per litre of water on the nursery"}
	})
	model := newModel(replyWith(dosage), replyWith(advisoryJSON(t, nil)))
	o := newTestOrchestrator(store, model, newTools())

	resp, err := o.HandleEvent(context.Background(), textEvent("u1", "insects on leaves"))
	require.NoError(t, err)

	refusal := guardrail.Refusal(schema.StageGermination)
	assert.Contains(t, resp.Text, refusal.Summary)
	assert.NotContains(t, resp.Text, "5 ml per litre")
	assert.Equal(t, 1, model.calls())

	saved := store.get(t, "u1")
	assert.Equal(t, refusal.Summary, saved.LastAdvisory.Summary)
	assert.False(t, saved.LastAdvisory.Fallback)
}

func TestHandleEvent_HighRiskEscalates(t *testing.T) {
	store := newMemStore()
	store.put(completeSession("u1"))
	draft := advisoryJSON(t, func(m map[string]any) {
		m["summary"] = "Possible poisoning of workers after spraying. Stop work and seek help."
		m["escalate"] = true
	})
	model := newModel(replyWith(draft))
	o := newTestOrchestrator(store, model, newTools())

	resp, err := o.HandleEvent(context.Background(), textEvent("u1", "workers feel dizzy after spraying"))
	require.NoError(t, err)
	assert.Equal(t, ui("en", "escalation"), resp.EscalationNotice)
	assert.Contains(t, resp.Text, "poisoning")

	saved := store.get(t, "u1")
	assert.True(t, saved.Escalated)
	assert.True(t, saved.LastAdvisory.Escalate)
}

func TestHandleEvent_EscalatesEvenWhenDraftNeverValidates(t *testing.T) {
	store := newMemStore()
	store.put(completeSession("u1"))
	invalid := advisoryJSON(t, func(m map[string]any) {
		delete(m, "recommended_actions")
		m["summary"] = "The entire crop dying points to a root disease."
		m["escalate"] = true
	})
	model := newModel(replyWith(invalid))
	o := newTestOrchestrator(store, model, newTools())

	resp, err := o.HandleEvent(context.Background(), textEvent("u1", "plants collapsing"))
	require.NoError(t, err)
	assert.NotEmpty(t, resp.EscalationNotice)
	assert.Equal(t, 3, model.calls())

	saved := store.get(t, "u1")
	assert.True(t, saved.Escalated)
	assert.True(t, saved.LastAdvisory.Fallback)
	assert.True(t, saved.LastAdvisory.Escalate)
}

func TestHandleEvent_DataUnavailableLowersEscalationThreshold(t *testing.T) {
	lowConfidence := func(t *testing.T) string {
		return advisoryJSON(t, func(m map[string]any) { m["confidence"] = "low" })
	}

	t.Run("with data", func(t *testing.T) {
		store := newMemStore()
		store.put(completeSession("u1"))
		o := newTestOrchestrator(store, newModel(replyWith(lowConfidence(t))), newTools())

		resp, err := o.HandleEvent(context.Background(), textEvent("u1", "spots on leaves"))
		require.NoError(t, err)
		assert.Empty(t, resp.EscalationNotice)
		assert.NotContains(t, resp.Text, ui("en", "no_data"))
	})

	t.Run("without data", func(t *testing.T) {
		store := newMemStore()
		store.put(completeSession("u1"))
		tools := newTools()
		tools.weather = func(toolgateway.LocationSpec) toolgateway.Result { return unavailableResult() }
		tools.search = func(string, toolgateway.SearchContext) toolgateway.Result { return unavailableResult() }
		model := newModel(replyWith(lowConfidence(t)))
		o := newTestOrchestrator(store, model, tools)

		resp, err := o.HandleEvent(context.Background(), textEvent("u1", "spots on leaves"))
		require.NoError(t, err)
		assert.NotEmpty(t, resp.EscalationNotice)
		assert.Contains(t, resp.Text, ui("en", "no_data"))
		assert.Contains(t, model.request(0).Messages[0].Content, "data_unavailable")
	})
}

func TestHandleEvent_ReusesStaleCacheWhenWeatherUnavailable(t *testing.T) {
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	store := newMemStore()
	s := completeSession("u1")
	s.Weather = &session.WeatherSnapshot{Summary: "Clear • 31°C", Tier: 1, Provider: "onecall", FetchedAt: now.Add(-7 * time.Hour)}
	store.put(s)

	tools := newTools()
	tools.weather = func(toolgateway.LocationSpec) toolgateway.Result { return unavailableResult() }
	o := newTestOrchestrator(store, newModel(replyWith(advisoryJSON(t, nil))), tools, WithClock(func() time.Time { return now }))

	resp, err := o.HandleEvent(context.Background(), textEvent("u1", "leaves curling"))
	require.NoError(t, err)
	assert.Contains(t, resp.Text, "Clear • 31°C (cached)")
	assert.NotContains(t, resp.Text, ui("en", "no_data"))

	saved := store.get(t, "u1")
	require.NotNil(t, saved.Weather)
	assert.True(t, saved.Weather.Stale)
	assert.Equal(t, "Clear • 31°C", saved.Weather.Summary)
}

func TestHandleEvent_FreshCacheSkipsFetch(t *testing.T) {
	now := time.Now()
	store := newMemStore()
	s := completeSession("u1")
	s.Weather = &session.WeatherSnapshot{Summary: "Clear", Tier: 1, FetchedAt: now.Add(-time.Hour)}
	store.put(s)
	tools := newTools()
	o := newTestOrchestrator(store, newModel(replyWith(advisoryJSON(t, nil))), tools)

	_, err := o.HandleEvent(context.Background(), textEvent("u1", "leaves curling"))
	require.NoError(t, err)
	_, err = o.HandleEvent(context.Background(), textEvent("u1", "leaves curling"))
	require.NoError(t, err)

	tools.mu.Lock()
	defer tools.mu.Unlock()
	assert.Zero(t, tools.weatherCalls)
	assert.Len(t, tools.queries, 1, "unchanged query should reuse cached search")
}

func TestHandleEvent_EachNewSymptomRefreshesSearch(t *testing.T) {
	store := newMemStore()
	store.put(completeSession("u1"))
	tools := newTools()
	o := newTestOrchestrator(store, newModel(replyWith(advisoryJSON(t, nil))), tools)

	symptoms := []string{"yellow leaves", "brown spots on stem", "white powder on the undersides"}
	for _, text := range symptoms {
		_, err := o.HandleEvent(context.Background(), textEvent("u1", text))
		require.NoError(t, err)
	}

	assert.Len(t, store.get(t, "u1").Observation.Symptoms, 3)

	tools.mu.Lock()
	defer tools.mu.Unlock()
	require.Len(t, tools.queries, 3)
	assert.Contains(t, tools.queries[2], "white powder on the undersides")
	assert.NotContains(t, tools.queries[2], "yellow leaves")
}

func TestHandleEvent_Commands(t *testing.T) {
	t.Run("start enables digest", func(t *testing.T) {
		store := newMemStore()
		o := newTestOrchestrator(store, newModel(), newTools())
		resp, err := o.HandleEvent(context.Background(), textEvent("u1", "/start"))
		require.NoError(t, err)
		assert.Contains(t, resp.Text, ui("en", "intro_title"))
		assert.True(t, store.get(t, "u1").DigestEnabled)
	})

	t.Run("reset clears the session", func(t *testing.T) {
		store := newMemStore()
		store.put(completeSession("u1"))
		o := newTestOrchestrator(store, newModel(), newTools())
		for i := 0; i < 2; i++ {
			resp, err := o.HandleEvent(context.Background(), textEvent("u1", "/reset"))
			require.NoError(t, err)
			assert.Equal(t, ui("en", "reset_ok"), resp.Text)
		}
		assert.Equal(t, 2, store.resets)
		assert.Empty(t, store.get(t, "u1").Profile.Crop)
	})

	t.Run("profile shows known fields", func(t *testing.T) {
		store := newMemStore()
		store.put(completeSession("u1"))
		o := newTestOrchestrator(store, newModel(), newTools())
		resp, err := o.HandleEvent(context.Background(), Event{UserID: "u1", Kind: EventButton, Action: "/profile"})
		require.NoError(t, err)
		assert.Contains(t, resp.Text, "Crop: rice")
		assert.Contains(t, resp.Text, "Location: Pune")
	})

	t.Run("help and profile store a first-time session", func(t *testing.T) {
		for _, cmd := range []string{"/help", "/profile"} {
			store := newMemStore()
			o := newTestOrchestrator(store, newModel(), newTools())
			_, err := o.HandleEvent(context.Background(), textEvent("u1", cmd))
			require.NoError(t, err, cmd)
			ids, err := store.List(context.Background())
			require.NoError(t, err)
			assert.Equal(t, []string{"u1"}, ids, cmd)
		}
	})

	t.Run("help leaves a stored session alone", func(t *testing.T) {
		store := newMemStore()
		s := completeSession("u1")
		s.UpdatedAt = time.Now()
		store.put(s)
		o := newTestOrchestrator(store, newModel(), newTools())
		_, err := o.HandleEvent(context.Background(), textEvent("u1", "/help"))
		require.NoError(t, err)
		assert.Zero(t, store.saveCount())
	})

	t.Run("location sets pending field", func(t *testing.T) {
		store := newMemStore()
		o := newTestOrchestrator(store, newModel(), newTools())
		resp, err := o.HandleEvent(context.Background(), textEvent("u1", "/location@cropbot"))
		require.NoError(t, err)
		assert.Equal(t, ui("en", "ask_location"), resp.Text)
		assert.Equal(t, session.FieldLocation, store.get(t, "u1").PendingField)
	})
}

func TestHandleEvent_LanguageButton(t *testing.T) {
	store := newMemStore()
	model := newModel()
	o := newTestOrchestrator(store, model, newTools())

	resp, err := o.HandleEvent(context.Background(), Event{UserID: "u1", Kind: EventButton, Action: ActionSetLangPrefix + "hi"})
	require.NoError(t, err)
	assert.Contains(t, resp.Text, ui("hi", "lang_saved"))

	resp, err = o.HandleEvent(context.Background(), textEvent("u1", "hello"))
	require.NoError(t, err)
	assert.Equal(t, ui("hi", "ask_location"), resp.Text)
	assert.Equal(t, "hi", store.get(t, "u1").Profile.Language)
	assert.Zero(t, model.calls())
}

func TestHandleEvent_BuyInputs(t *testing.T) {
	t.Run("requires crop", func(t *testing.T) {
		store := newMemStore()
		tools := newTools()
		o := newTestOrchestrator(store, newModel(), tools)
		resp, err := o.HandleEvent(context.Background(), Event{UserID: "u1", Kind: EventButton, Action: ActionBuy})
		require.NoError(t, err)
		assert.Equal(t, ui("en", "buy_crop"), resp.Text)
		assert.Zero(t, tools.calls())
	})

	t.Run("requires location", func(t *testing.T) {
		store := newMemStore()
		s := session.New("u1")
		s.Profile.Crop = "rice"
		store.put(s)
		o := newTestOrchestrator(store, newModel(), newTools())
		resp, err := o.HandleEvent(context.Background(), Event{UserID: "u1", Kind: EventButton, Action: ActionBuy})
		require.NoError(t, err)
		assert.Equal(t, ui("en", "buy_location"), resp.Text)
	})

	t.Run("groups deduplicated links", func(t *testing.T) {
		store := newMemStore()
		store.put(completeSession("u1"))
		tools := newTools()
		tools.search = func(query string, sc toolgateway.SearchContext) toolgateway.Result {
			assert.Equal(t, 3, sc.MaxResults)
			return okSearch(query,
				toolgateway.SearchItem{Title: "Shop", URL: "https://shop.example/common"},
				toolgateway.SearchItem{Title: query, URL: "https://shop.example/" + query},
			)
		}
		model := newModel()
		o := newTestOrchestrator(store, model, tools)

		resp, err := o.HandleEvent(context.Background(), Event{UserID: "u1", Kind: EventButton, Action: ActionBuy})
		require.NoError(t, err)
		assert.Zero(t, model.calls())
		assert.Contains(t, resp.Text, ui("en", "sec_seeds")+":")
		assert.Contains(t, resp.Text, ui("en", "buy_watch"))
		assert.Equal(t, 1, strings.Count(resp.Text, "https://shop.example/common"))
		assert.Contains(t, tools.queries, "buy rice seeds online India Pune")
	})
}

func TestHandleEvent_SchemesWithoutModel(t *testing.T) {
	store := newMemStore()
	store.put(completeSession("u1"))
	tools := newTools()
	model := newModel()
	o := newTestOrchestrator(store, model, tools)

	resp, err := o.HandleEvent(context.Background(), Event{UserID: "u1", Kind: EventButton, Action: ActionSchemes})
	require.NoError(t, err)
	assert.Zero(t, model.calls())
	assert.Contains(t, resp.Text, ui("en", "sec_schemes"))
	assert.Contains(t, resp.Text, "Keep nursery beds moist.")
	assert.Equal(t, []string{"site:gov.in farmer scheme rice Pune"}, tools.queries)

	saved := store.get(t, "u1")
	require.NotNil(t, saved.Schemes)
	assert.Equal(t, "site:gov.in farmer scheme rice Pune", saved.Schemes.Query)
}

func TestHandleEvent_DigestIncludesTopics(t *testing.T) {
	store := newMemStore()
	store.put(completeSession("u1"))
	tools := newTools()
	model := newModel(replyWith(advisoryJSON(t, nil)))
	o := newTestOrchestrator(store, model, tools)

	resp, err := o.HandleEvent(context.Background(), Event{UserID: "u1", Kind: EventButton, Action: ActionDigest})
	require.NoError(t, err)
	assert.Contains(t, resp.Text, ui("en", "digest_title"))
	assert.Contains(t, resp.Text, ui("en", "sec_market"))
	assert.Contains(t, tools.queries, "rice mandi price today Pune APMC")
	assert.Contains(t, model.request(0).Messages[0].Content, "\"schemes\"")
}

func TestHandleEvent_CropRecommendation(t *testing.T) {
	store := newMemStore()
	s := session.New("u1")
	s.Profile.Location.Text = "Nashik"
	store.put(s)
	tools := newTools()
	reco := advisoryJSON(t, func(m map[string]any) {
		m["stage"] = "sowing"
		m["recommended_actions"] = []string{"Soybean suits the black soil", "Onion for the rabi season"}
	})
	model := newModel(replyWith(reco))
	o := newTestOrchestrator(store, model, tools)

	resp, err := o.HandleEvent(context.Background(), Event{UserID: "u1", Kind: EventButton, Action: ActionCropReco})
	require.NoError(t, err)
	assert.Contains(t, resp.Text, "Soybean suits the black soil")
	assert.Contains(t, tools.queries, "typical soil pH in Nashik agriculture")
	assert.Contains(t, tools.queries, "best crops suitable for climate in Nashik India")
	assert.Contains(t, model.request(0).SystemPrompt, "Recommend 3-5 crops")
}

func TestHandleEvent_HistoryIsCompacted(t *testing.T) {
	store := newMemStore()
	o := newTestOrchestrator(store, newModel(), newTools(), WithConfig(Config{HistoryLimit: 4}))
	for i := 0; i < 5; i++ {
		_, err := o.HandleEvent(context.Background(), textEvent("u1", fmt.Sprintf("message %d", i)))
		require.NoError(t, err)
	}
	saved := store.get(t, "u1")
	require.Len(t, saved.Messages, 4)
	assert.Equal(t, "message 3", saved.Messages[0].Content)
	assert.Equal(t, 5, saved.TurnCount)
}
