package memory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/zendell/internal/domain"
	"github.com/stellarlinkco/zendell/internal/extract"
	"github.com/stellarlinkco/zendell/internal/reasoning"
	"github.com/stellarlinkco/zendell/internal/reasoning/reasoningtest"
	"github.com/stellarlinkco/zendell/internal/store"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestManager(stub *reasoningtest.Stub) (*Manager, *store.MemoryStore, *clock) {
	st := store.NewMemoryStore()
	m := NewManager(st, stub, extract.New(stub), Config{})
	c := &clock{t: time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)}
	m.Now = c.now
	return m, st, c
}

func TestAddObservationThreshold(t *testing.T) {
	m, st, _ := newTestManager(reasoningtest.New())
	ctx := context.Background()
	state := domain.NewUserState("u1")

	m.AddObservation(ctx, state, "Tomó café", "pipeline")
	m.AddObservation(ctx, state, "Tiene una entrega importante mañana", "pipeline")

	require.Len(t, state.Notes, 2)
	assert.Equal(t, "[PIPELINE] Tomó café", state.Notes[0])

	mems, err := store.FindAs[domain.SystemMemory](ctx, st, store.SystemMemories, store.Query{})
	require.NoError(t, err)
	require.Len(t, mems, 1)
	assert.Equal(t, domain.MemoryObservation, mems[0].Kind)
	assert.Equal(t, 6, mems[0].Relevance)
}

func TestEvaluateImportance(t *testing.T) {
	assert.Equal(t, 5, EvaluateImportance("hola"))
	assert.Equal(t, 6, EvaluateImportance("es URGENTE"))
	assert.Equal(t, 7, EvaluateImportance(strings.Repeat("x", 201)+" crucial"))
}

func TestRegisterEntityDedupes(t *testing.T) {
	m, st, c := newTestManager(reasoningtest.New())
	ctx := context.Background()

	first, err := m.RegisterEntity(ctx, "u1", domain.EntityMention{Name: "Juan", Type: "person"}, 4)
	require.NoError(t, err)
	c.t = c.t.Add(time.Hour)
	second, err := m.RegisterEntity(ctx, "u1", domain.EntityMention{Name: " juan ", Type: "Person"}, 8)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.MentionCount)
	assert.Equal(t, 8, second.Importance)
	assert.True(t, second.LastMention.After(second.FirstMention))

	n, err := st.Count(ctx, store.Entities, map[string]any{"user_id": "u1"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	p, err := m.Profile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{first.ID}, p.KnownEntities["person"])

	_, err = m.RegisterEntity(ctx, "u1", domain.EntityMention{Name: "Juan", Type: "place"}, 4)
	require.NoError(t, err)
	n, _ = st.Count(ctx, store.Entities, map[string]any{"user_id": "u1"})
	assert.Equal(t, 2, n)

	_, err = m.RegisterEntity(ctx, "u1", domain.EntityMention{Name: "", Type: "place"}, 4)
	assert.Error(t, err)
}

func TestRecentMessagesChronological(t *testing.T) {
	m, _, c := newTestManager(reasoningtest.New())
	ctx := context.Background()
	for i, text := range []string{"uno", "dos", "tres", "cuatro"} {
		c.t = c.t.Add(time.Duration(i+1) * time.Minute)
		require.NoError(t, m.AppendMessage(ctx, domain.NewMessage("u1", domain.RoleUser, text, domain.StageInitial, c.t)))
	}
	require.NoError(t, m.AppendMessage(ctx, domain.NewMessage("u2", domain.RoleUser, "otro", domain.StageInitial, c.t)))

	msgs, err := m.RecentMessages(ctx, "u1", 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
	assert.Equal(t, "dos", msgs[0].Content)
	assert.Equal(t, "cuatro", msgs[2].Content)
}

func seedActivities(t *testing.T, m *Manager, c *clock) {
	t.Helper()
	ctx := context.Background()
	acts := []struct {
		title string
		cat   domain.Category
		imp   int
		age   time.Duration
	}{
		{"Programar", "Trabajo", 6, time.Hour},
		{"Reunión", "Trabajo", 8, 2 * time.Hour},
		{"Correr", "Ejercicio", 5, 3 * time.Hour},
		{"Viejo", "Ocio", 9, 40 * 24 * time.Hour},
	}
	for _, a := range acts {
		act := domain.NewActivity("u1", a.title, a.cat, domain.TemporalPast, "msg", a.imp, c.t.Add(-a.age))
		require.NoError(t, m.SaveActivity(ctx, act))
	}
}

func TestActivityInsights(t *testing.T) {
	stub := reasoningtest.New().On("Tarea: patterns", `{"patterns":["trabaja por la mañana"],"summary":"Muy enfocado en el trabajo."}`)
	m, _, c := newTestManager(stub)
	seedActivities(t, m, c)

	in, err := m.ActivityInsights(context.Background(), "u1", 7*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 3, in.Total)
	assert.Equal(t, []CategoryCount{{"Trabajo", 2}, {"Ejercicio", 1}}, in.Categories)
	assert.Equal(t, "Reunión", in.MostImportant)
	assert.Equal(t, []string{"trabaja por la mañana"}, in.Patterns)
	assert.Equal(t, "Muy enfocado en el trabajo.", in.Summary)

	empty, err := m.ActivityInsights(context.Background(), "nadie", 0)
	require.NoError(t, err)
	assert.True(t, empty.Empty())
	assert.Equal(t, noInsights, empty.Summary)
}

func TestRecordInsights(t *testing.T) {
	m, st, _ := newTestManager(reasoningtest.New())
	ctx := context.Background()

	m.RecordInsights(ctx, Insights{UserID: "u1"})
	m.RecordInsights(ctx, Insights{UserID: "u1", Total: 2, Summary: "Activo.", Patterns: []string{"corre"}})

	mems, err := store.FindAs[domain.SystemMemory](ctx, st, store.SystemMemories, store.Query{})
	require.NoError(t, err)
	require.Len(t, mems, 1)
	assert.Equal(t, domain.MemoryInsight, mems[0].Kind)
	assert.Equal(t, "Activo. Patrones: corre", mems[0].Content)
}

func TestReflectOverwritesSummary(t *testing.T) {
	stub := reasoningtest.New().
		On("Tarea: patterns", `{"patterns":[],"summary":"ok"}`).
		On("reflexión profunda", "Ana es constante y le motiva crear.")
	m, st, c := newTestManager(stub)
	ctx := context.Background()
	seedActivities(t, m, c)
	require.NoError(t, m.TrackActivities(ctx, "u1", 4))

	out, err := m.Reflect(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ana es constante y le motiva crear.", out)

	p, err := m.Profile(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, out, p.LongTermSummary)
	assert.Equal(t, 0, p.ActivitiesSinceReflection)
	assert.Equal(t, c.t, p.LastReflection)

	n, err := st.Count(ctx, store.SystemMemories, map[string]any{"kind": "reflection"})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestReflectBackendFailure(t *testing.T) {
	stub := reasoningtest.New().Fail("reflexión", reasoning.ErrUnavailable)
	m, _, _ := newTestManager(stub)

	_, err := m.Reflect(context.Background(), "u1")
	assert.ErrorIs(t, err, reasoning.ErrUnavailable)
}

func TestRetrieveRanksAndCountsAccess(t *testing.T) {
	m, st, c := newTestManager(reasoningtest.New())
	ctx := context.Background()
	mems := []domain.SystemMemory{
		domain.NewSystemMemory("u1", domain.MemoryObservation, "Le gusta pintar acuarelas", "x", 6, c.t),
		domain.NewSystemMemory("u1", domain.MemoryReflection, "Es muy disciplinada", "x", 9, c.t.Add(time.Second)),
		domain.NewSystemMemory("u1", domain.MemoryInsight, "Corre los domingos", "x", 5, c.t.Add(2*time.Second)),
		domain.NewSystemMemory("u2", domain.MemoryInsight, "pintar pintar", "x", 10, c.t),
	}
	for _, mem := range mems {
		require.NoError(t, st.Upsert(ctx, store.SystemMemories, mem.ID, mem))
	}

	got := m.Retrieve(ctx, "u1", "¿qué tal va lo de pintar acuarelas?", 2)
	require.Len(t, got, 2)
	assert.Equal(t, "Le gusta pintar acuarelas", got[0].Content)
	assert.Equal(t, "Es muy disciplinada", got[1].Content)
	assert.Equal(t, 1, got[0].AccessCount)

	var stored domain.SystemMemory
	require.NoError(t, st.Get(ctx, store.SystemMemories, got[0].ID, &stored))
	assert.Equal(t, 1, stored.AccessCount)
}

func TestContextConsolidates(t *testing.T) {
	m, _, _ := newTestManager(reasoningtest.New())
	ctx := context.Background()
	state := domain.NewUserState("u1")
	state.Name = "Ana"
	state.Occupation = "diseñadora"
	state.AddNote("pintó un cuadro")
	require.NoError(t, m.UpdateProfile(ctx, "u1", func(p *domain.UserProfile) bool {
		p.LongTermSummary = "Creativa."
		return true
	}))
	_, err := m.RegisterEntity(ctx, "u1", domain.EntityMention{Name: "Madrid", Type: "place"}, 5)
	require.NoError(t, err)

	out := m.Context(ctx, state, "")
	assert.Contains(t, out, "Usuario: Ana.")
	assert.Contains(t, out, "Ocupación: diseñadora.")
	assert.Contains(t, out, "pintó un cuadro")
	assert.Contains(t, out, "Resumen a largo plazo: Creativa.")
	assert.Contains(t, out, "Madrid (place)")
}

func TestContextFollowsStage(t *testing.T) {
	m, _, _ := newTestManager(reasoningtest.New())
	ctx := context.Background()
	state := domain.NewUserState("u1")
	state.LastHour = []domain.ActivityRef{{ID: "a1", Title: "Programar", Category: "Trabajo"}}
	state.NextHour = []domain.ActivityRef{{ID: "a2", Title: "Ir al gimnasio", Category: "Ejercicio"}}

	state.Stage = domain.StageAskLastHour
	out := m.Context(ctx, state, "")
	assert.Contains(t, out, "Programar (Trabajo)")
	assert.NotContains(t, out, "Ir al gimnasio")

	state.Stage = domain.StageAskNextHour
	out = m.Context(ctx, state, "")
	assert.Contains(t, out, "Actividades planeadas conocidas:\n- Ir al gimnasio (Ejercicio)")
	assert.NotContains(t, out, "Programar")

	state.Stage = domain.StageClarifierNextHour
	state.PendingQuestions = []string{"¿A qué hora?"}
	assert.Contains(t, m.Context(ctx, state, ""), "Preguntas pendientes: ¿A qué hora?")

	state.Stage = domain.StageFinal
	assert.Contains(t, m.Context(ctx, state, ""), "1 pasadas, 1 planeadas")
}

func TestSummarizeConversationKeepsNewest(t *testing.T) {
	stub := reasoningtest.New()
	m, _, c := newTestManager(stub)
	ctx := context.Background()

	out, err := m.SummarizeConversation(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, out)
	assert.Empty(t, stub.Requests())

	require.NoError(t, m.AppendMessage(ctx, domain.NewMessage("u1", domain.RoleAssistant, "¿Qué hiciste?", domain.StageAskLastHour, c.t)))
	require.NoError(t, m.AppendMessage(ctx, domain.NewMessage("u1", domain.RoleUser, "Fui a correr", domain.StageAskLastHour, c.t.Add(time.Second))))

	for i := 0; i < domain.MaxConversationSummaries+2; i++ {
		summary := "Resumen " + string(rune('A'+i))
		stub.Default = summary
		out, err := m.SummarizeConversation(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, summary, out)
	}
	assert.Contains(t, reasoningtest.Flatten(stub.Requests()[0]), "Usuario: Fui a correr")
	assert.Contains(t, reasoningtest.Flatten(stub.Requests()[0]), "Zendell: ¿Qué hiciste?")

	p, err := m.Profile(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, p.ConversationSummaries, domain.MaxConversationSummaries)
	assert.Equal(t, "Resumen C", p.ConversationSummaries[0])
	assert.Equal(t, "Resumen G", p.ConversationSummaries[domain.MaxConversationSummaries-1])

	state := domain.NewUserState("u1")
	assert.Contains(t, m.Context(ctx, state, ""), "Resumen de la conversación reciente: Resumen G")
}

func TestSummarizeConversationBackendFailure(t *testing.T) {
	stub := reasoningtest.New().Fail("Resume en dos o tres frases", reasoning.ErrUnavailable)
	m, _, c := newTestManager(stub)
	ctx := context.Background()
	require.NoError(t, m.AppendMessage(ctx, domain.NewMessage("u1", domain.RoleUser, "Hola", domain.StageInitial, c.t)))

	_, err := m.SummarizeConversation(ctx, "u1")
	assert.ErrorIs(t, err, reasoning.ErrUnavailable)
	p, err := m.Profile(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, p.ConversationSummaries)
}

func TestStats(t *testing.T) {
	m, _, c := newTestManager(reasoningtest.New())
	seedActivities(t, m, c)
	s, err := m.Stats(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, Stats{Activities: 4}, s)
}

func TestReflectionPolicy(t *testing.T) {
	now := time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)
	never := func() float64 { return 0.99 }
	always := func() float64 { return 0.01 }

	p := ReflectionPolicy{Threshold: 5, Probability: 0.1, MinInterval: time.Hour, Rand: never}
	profile := domain.NewUserProfile("u1")
	assert.False(t, p.ShouldReflect(profile, now))

	profile.ActivitiesSinceReflection = 5
	assert.True(t, p.ShouldReflect(profile, now))

	profile.LastReflection = now.Add(-30 * time.Minute)
	assert.False(t, p.ShouldReflect(profile, now))

	profile.ActivitiesSinceReflection = 0
	profile.LastReflection = now.Add(-2 * time.Hour)
	p.Rand = always
	assert.True(t, p.ShouldReflect(profile, now))

	p.Probability = 0
	assert.False(t, p.ShouldReflect(profile, now))
	assert.False(t, p.ShouldReflect(nil, now))
}

func TestExtractKeywords(t *testing.T) {
	assert.Equal(t, []string{"pintar", "acuarelas", "domingo"}, extractKeywords("Para pintar acuarelas con el domingo"))
	assert.Nil(t, extractKeywords("  "))
}
