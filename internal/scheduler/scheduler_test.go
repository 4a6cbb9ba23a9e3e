package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stellarlinkco/zendell/internal/activity"
	"github.com/stellarlinkco/zendell/internal/cron"
	"github.com/stellarlinkco/zendell/internal/domain"
	"github.com/stellarlinkco/zendell/internal/extract"
	"github.com/stellarlinkco/zendell/internal/memory"
	"github.com/stellarlinkco/zendell/internal/orchestrator"
	"github.com/stellarlinkco/zendell/internal/reasoning/reasoningtest"
	"github.com/stellarlinkco/zendell/internal/store"
)

var now = time.Date(2026, 4, 10, 12, 0, 0, 0, time.UTC)

type fakeDriver struct {
	st       store.Store
	advanced []string
}

func (d *fakeDriver) State(ctx context.Context, userID string) *domain.UserState {
	var s domain.UserState
	if err := d.st.Get(ctx, store.UserStates, userID, &s); err != nil {
		return domain.NewUserState(userID)
	}
	return &s
}

func (d *fakeDriver) Advance(_ context.Context, userID string, inbound *string) string {
	d.advanced = append(d.advanced, userID)
	return "hola " + userID
}

type sent struct {
	channel, chatID, text string
}

type fakeSender struct {
	sent []sent
	err  error
}

func (f *fakeSender) Send(_ context.Context, channel, chatID, text string) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, sent{channel, chatID, text})
	return nil
}

type fakeMemory struct {
	profiles  map[string]*domain.UserProfile
	reflected []string
	recorded  []memory.Insights
	reflErr   error
	sumErr    error
	summaries []string
}

func (m *fakeMemory) Profile(_ context.Context, userID string) (*domain.UserProfile, error) {
	if p, ok := m.profiles[userID]; ok {
		return p, nil
	}
	return domain.NewUserProfile(userID), nil
}

func (m *fakeMemory) Reflect(_ context.Context, userID string) (string, error) {
	m.reflected = append(m.reflected, userID)
	return "ok", m.reflErr
}

func (m *fakeMemory) ActivityInsights(_ context.Context, userID string, _ time.Duration) (memory.Insights, error) {
	return memory.Insights{UserID: userID, Total: 1, Summary: "activo"}, nil
}

func (m *fakeMemory) RecordInsights(_ context.Context, in memory.Insights) {
	m.recorded = append(m.recorded, in)
}

func (m *fakeMemory) SummarizeConversation(_ context.Context, userID string) (string, error) {
	m.summaries = append(m.summaries, userID)
	return "", m.sumErr
}

func putState(t *testing.T, st store.Store, id string, mutate func(*domain.UserState)) {
	t.Helper()
	s := domain.NewUserState(id)
	s.Channel = "telegram"
	s.ChatID = "chat-" + id
	if mutate != nil {
		mutate(s)
	}
	require.NoError(t, st.Upsert(context.Background(), store.UserStates, id, s))
}

func newScheduler(st store.Store, d Driver, mem Memory, snd Sender, cfg Config) *Scheduler {
	s := New(cfg, st, d, mem, snd)
	s.Now = func() time.Time { return now }
	return s
}

func TestTickGates(t *testing.T) {
	st := store.NewMemoryStore()
	putState(t, st, "fresh", nil)
	putState(t, st, "recent", func(s *domain.UserState) { s.LastInteraction = now.Add(-10 * time.Minute) })
	putState(t, st, "capped", func(s *domain.UserState) {
		s.DailyDate = "2026-04-10"
		s.DailyCount = 3
	})
	putState(t, st, "yesterday", func(s *domain.UserState) {
		s.DailyDate = "2026-04-09"
		s.DailyCount = 3
		s.LastInteraction = now.Add(-2 * time.Hour)
	})
	putState(t, st, "nochat", func(s *domain.UserState) { s.ChatID = "" })

	d := &fakeDriver{st: st}
	snd := &fakeSender{}
	s := newScheduler(st, d, &fakeMemory{}, snd, Config{DailyCap: 3, Interval: time.Hour})

	n, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"fresh", "yesterday"}, d.advanced)
	assert.Equal(t, []sent{{"telegram", "chat-fresh", "hola fresh"}, {"telegram", "chat-yesterday", "hola yesterday"}}, snd.sent)
}

func TestTickAllowList(t *testing.T) {
	st := store.NewMemoryStore()
	putState(t, st, "a", nil)
	putState(t, st, "b", nil)

	d := &fakeDriver{st: st}
	s := newScheduler(st, d, &fakeMemory{}, &fakeSender{}, Config{AllowUsers: []string{"b"}})
	_, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, d.advanced)
}

func TestTickSendFailure(t *testing.T) {
	st := store.NewMemoryStore()
	putState(t, st, "a", nil)

	s := newScheduler(st, &fakeDriver{st: st}, &fakeMemory{}, &fakeSender{err: errors.New("offline")}, Config{})
	n, err := s.Tick(context.Background())
	assert.Zero(t, n)
	assert.ErrorContains(t, err, "offline")
}

func newOrchestrator(st store.Store, stub *reasoningtest.Stub) *orchestrator.Orchestrator {
	clock := func() time.Time { return now }
	ex := extract.New(stub)
	mem := memory.NewManager(st, stub, ex, memory.Config{})
	mem.Now = clock
	o := orchestrator.New(orchestrator.Options{
		Store:     st,
		Client:    stub,
		Extractor: ex,
		Memory:    mem,
		Pipeline:  activity.NewPipeline(ex, st, mem),
		Clarifier: activity.NewClarifier(ex, st),
	})
	o.Now = clock
	return o
}

func TestDailyCapSkipsWithoutBackendCalls(t *testing.T) {
	st := store.NewMemoryStore()
	putState(t, st, "u1", func(s *domain.UserState) {
		s.DailyDate = "2026-04-10"
		s.DailyCount = 8
	})
	stub := reasoningtest.New()
	o := newOrchestrator(st, stub)
	snd := &fakeSender{}

	s := newScheduler(st, o, &fakeMemory{}, snd, Config{DailyCap: 8})
	n, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Zero(t, stub.Calls())
	assert.Empty(t, snd.sent)

	msgs, err := st.Count(context.Background(), store.Messages, nil)
	require.NoError(t, err)
	assert.Zero(t, msgs)
}

func TestTickIncrementsDailyCounter(t *testing.T) {
	st := store.NewMemoryStore()
	putState(t, st, "u1", nil)
	stub := reasoningtest.New()
	o := newOrchestrator(st, stub)
	snd := &fakeSender{}

	s := newScheduler(st, o, &fakeMemory{}, snd, Config{DailyCap: 2, Interval: time.Minute})
	n, err := s.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, snd.sent, 1)
	assert.Contains(t, snd.sent[0].text, "tu nombre")

	state := o.State(context.Background(), "u1")
	assert.Equal(t, 1, state.DailyCount)
	assert.Equal(t, domain.StageAskProfile, state.Stage)

	// interval gate holds right after the turn
	n, err = s.Tick(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMaintainAppliesPolicy(t *testing.T) {
	st := store.NewMemoryStore()
	putState(t, st, "busy", nil)
	putState(t, st, "quiet", nil)
	busy := domain.NewUserProfile("busy")
	busy.ActivitiesSinceReflection = 12
	mem := &fakeMemory{profiles: map[string]*domain.UserProfile{"busy": busy}}

	cfg := Config{Policy: memory.ReflectionPolicy{Threshold: 10, Probability: 0.1, Rand: func() float64 { return 0.9 }}}
	s := newScheduler(st, &fakeDriver{st: st}, mem, &fakeSender{}, cfg)

	require.NoError(t, s.Maintain(context.Background()))
	assert.Equal(t, []string{"busy"}, mem.reflected)
	require.Len(t, mem.recorded, 2)

	assert.ElementsMatch(t, []string{"busy", "quiet"}, mem.summaries)

	mem.reflErr = errors.New("backend down")
	err := s.Maintain(context.Background())
	assert.ErrorContains(t, err, "backend down")
}

func TestMaintainSummaryFailureKeepsGoing(t *testing.T) {
	st := store.NewMemoryStore()
	putState(t, st, "u1", nil)
	mem := &fakeMemory{sumErr: errors.New("summary down")}
	s := newScheduler(st, &fakeDriver{st: st}, mem, &fakeSender{}, Config{Policy: memory.ReflectionPolicy{Threshold: 100}})

	err := s.Maintain(context.Background())
	assert.ErrorContains(t, err, "summarize u1: summary down")
	assert.Len(t, mem.recorded, 1)
}

func TestRegisterJobs(t *testing.T) {
	st := store.NewMemoryStore()
	svc := cron.NewService("")
	s := newScheduler(st, &fakeDriver{st: st}, &fakeMemory{}, &fakeSender{}, Config{})
	require.NoError(t, s.Register(svc))

	jobs := svc.Jobs()
	require.Len(t, jobs, 2)
	assert.Equal(t, JobMaintenance, jobs[0].Name)
	assert.Equal(t, JobProactive, jobs[1].Name)

	require.NoError(t, svc.RunNow(context.Background(), JobMaintenance))

	bad := newScheduler(st, &fakeDriver{st: st}, &fakeMemory{}, &fakeSender{}, Config{TickSpec: "nope"})
	assert.Error(t, bad.Register(cron.NewService("")))
}
