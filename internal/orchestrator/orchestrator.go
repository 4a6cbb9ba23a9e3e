// Package orchestrator drives the per-user conversation cycle: it loads the
// user state, runs the stage handler for the current stage, asks the
// reasoning backend for the reply and persists everything.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stellarlinkco/zendell/internal/activity"
	"github.com/stellarlinkco/zendell/internal/domain"
	"github.com/stellarlinkco/zendell/internal/extract"
	"github.com/stellarlinkco/zendell/internal/memory"
	"github.com/stellarlinkco/zendell/internal/prompts"
	"github.com/stellarlinkco/zendell/internal/reasoning"
	"github.com/stellarlinkco/zendell/internal/store"
)

const (
	defaultTokenBudget  = 3000
	defaultHistoryLimit = 8
	windowLayout        = "15:04"
)

// Options wires the collaborators of an Orchestrator.
type Options struct {
	Store     store.Store
	Client    reasoning.Client
	Extractor *extract.Extractor
	Memory    *memory.Manager
	Pipeline  *activity.Pipeline
	Clarifier *activity.Clarifier
	Prompts   *prompts.Set

	Model        string
	Temperature  float64
	TokenBudget  int
	HistoryLimit int
}

type Orchestrator struct {
	store     store.Store
	client    reasoning.Client
	extractor *extract.Extractor
	memory    *memory.Manager
	pipeline  *activity.Pipeline
	clarifier *activity.Clarifier
	prompts   *prompts.Set

	model        string
	temperature  float64
	tokenBudget  int
	historyLimit int

	Now func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	// cache holds the last state seen per user for degraded turns.
	cache map[string]cachedState
}

type cachedState struct {
	state    domain.UserState
	degraded bool
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		store:        opts.Store,
		client:       opts.Client,
		extractor:    opts.Extractor,
		memory:       opts.Memory,
		pipeline:     opts.Pipeline,
		clarifier:    opts.Clarifier,
		prompts:      opts.Prompts,
		model:        opts.Model,
		temperature:  opts.Temperature,
		tokenBudget:  opts.TokenBudget,
		historyLimit: opts.HistoryLimit,
		Now:          time.Now,
		locks:        make(map[string]*sync.Mutex),
		cache:        make(map[string]cachedState),
	}
	if o.prompts == nil {
		o.prompts = prompts.Default()
	}
	if o.tokenBudget <= 0 {
		o.tokenBudget = defaultTokenBudget
	}
	if o.historyLimit <= 0 {
		o.historyLimit = defaultHistoryLimit
	}
	return o
}

func logger(userID string) zerolog.Logger {
	return log.With().Str("component", "orchestrator").Str("user_id", userID).Logger()
}

func (o *Orchestrator) userLock(userID string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		o.locks[userID] = l
	}
	return l
}

// turn carries what one Advance call knows.
type turn struct {
	state   *domain.UserState
	inbound string
	hasText bool
	now     time.Time
	log     zerolog.Logger
	// degraded turns run on a blank state and must not persist it.
	degraded bool
}

// Advance runs one step of the conversation for userID and returns the
// reply to send. inbound is nil for proactive invocations, which count
// against the daily counter. Turns for the same user are serialized.
func (o *Orchestrator) Advance(ctx context.Context, userID string, inbound *string) string {
	l := o.userLock(userID)
	l.Lock()
	defer l.Unlock()

	t := &turn{now: o.Now(), log: logger(userID)}
	if inbound != nil {
		t.inbound = strings.TrimSpace(*inbound)
		t.hasText = t.inbound != ""
	}
	t.state, t.degraded = o.load(ctx, userID, t.log)
	t.state.RollDailyCounter(t.now)
	if inbound == nil {
		t.state.DailyCount++
	}
	from := t.state.Stage

	if t.hasText {
		o.appendMessage(ctx, t, domain.RoleUser, t.inbound)
	}

	var reply string
	switch {
	case t.hasText && o.wantsToStop(ctx, t):
		reply = o.stop(ctx, t)
	case inbound != nil && !t.hasText:
		reply = o.reask(ctx, t)
	default:
		if inbound == nil && (t.state.Stage.MidCycle() || t.state.Stage == domain.StageFinal) {
			t.log.Info().Str("stage", string(t.state.Stage)).Msg("proactive turn restarts the cycle")
			t.state.Stage = domain.StageInitial
			t.state.ResetCycle()
		}
		reply = o.step(ctx, t)
	}

	t.state.Touch(t.now)
	if t.degraded {
		t.log.Warn().Str("kind", "store_unavailable").Msg("degraded turn, state not saved")
		o.remember(t.state, true)
	} else {
		o.save(ctx, t.state, t.log)
	}
	o.appendMessage(ctx, t, domain.RoleAssistant, reply)

	t.log.Info().Str("from", string(from)).Str("to", string(t.state.Stage)).Bool("proactive", inbound == nil).Msg("turn advanced")
	return reply
}

// Bind records where replies for userID are delivered.
func (o *Orchestrator) Bind(ctx context.Context, userID, channel, chatID string) error {
	l := o.userLock(userID)
	l.Lock()
	defer l.Unlock()

	lg := logger(userID)
	state, degraded := o.load(ctx, userID, lg)
	if degraded {
		return fmt.Errorf("bind %s: %w", userID, store.ErrUnavailable)
	}
	if state.Channel == channel && state.ChatID == chatID {
		return nil
	}
	state.Channel = channel
	state.ChatID = chatID
	return o.save(ctx, state, lg)
}

// State returns the persisted state of userID, or a fresh one.
func (o *Orchestrator) State(ctx context.Context, userID string) *domain.UserState {
	state, _ := o.load(ctx, userID, logger(userID))
	return state
}

// load reads the state of userID. When the read fails it falls back to the
// cached state, or a blank one, and reports whether that state may be
// persisted.
func (o *Orchestrator) load(ctx context.Context, userID string, lg zerolog.Logger) (*domain.UserState, bool) {
	var state domain.UserState
	err := o.store.Get(ctx, store.UserStates, userID, &state)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return domain.NewUserState(userID), false
	case err != nil:
		lg.Warn().Str("kind", "store_unavailable").Err(err).Msg("state read failed, using degraded state")
		o.mu.Lock()
		cached, ok := o.cache[userID]
		o.mu.Unlock()
		if ok {
			st := cached.state
			return &st, cached.degraded
		}
		return domain.NewUserState(userID), true
	}

	stage, err := domain.ParseStage(string(state.Stage))
	if err != nil {
		lg.Warn().Str("kind", "stage_inconsistency").Err(err).Msg("resetting to initial")
		state.ResetCycle()
	}
	state.Stage = stage
	state.UserID = userID
	if state.Name == "" {
		state.Name = domain.DefaultName
	}
	if state.Notes == nil {
		state.Notes = []string{}
	}
	return &state, false
}

func (o *Orchestrator) remember(state *domain.UserState, degraded bool) {
	o.mu.Lock()
	o.cache[state.UserID] = cachedState{state: *state, degraded: degraded}
	o.mu.Unlock()
}

func (o *Orchestrator) save(ctx context.Context, state *domain.UserState, lg zerolog.Logger) error {
	o.remember(state, false)

	err := store.WriteWithRetry(ctx, func(ctx context.Context) error {
		return o.store.Upsert(ctx, store.UserStates, state.UserID, state)
	})
	if err != nil {
		lg.Warn().Str("kind", "store_unavailable").Err(err).Msg("state write dropped")
	}
	return err
}

func (o *Orchestrator) appendMessage(ctx context.Context, t *turn, role, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	now := t.now
	if role == domain.RoleAssistant {
		// keep the reply after the inbound line it answers
		now = now.Add(time.Microsecond)
	}
	msg := domain.NewMessage(t.state.UserID, role, content, t.state.Stage, now)
	if err := o.memory.AppendMessage(ctx, msg); err != nil {
		t.log.Warn().Str("kind", "store_unavailable").Str("role", role).Err(err).Msg("message write dropped")
	}
}

// speak asks the backend for the reply of a stage and falls back to the
// canned text on any failure.
func (o *Orchestrator) speak(ctx context.Context, t *turn, instruction, canned string, data prompts.Data) string {
	data = o.fill(t, data)

	instr, err := o.prompts.Render(instruction, data)
	if err != nil {
		t.log.Warn().Err(err).Str("template", instruction).Msg("stage instruction not rendered")
		return o.prompts.MustRender(canned, data)
	}
	data.Context = o.memory.Context(ctx, t.state, t.inbound)
	system, err := o.prompts.Render(prompts.System, data)
	if err != nil {
		t.log.Warn().Err(err).Msg("system prompt not rendered")
		system = ""
	}

	msgs := []reasoning.Message{{Role: reasoning.RoleSystem, Content: system}}
	history, err := o.memory.RecentMessages(ctx, t.state.UserID, o.historyLimit)
	if err != nil {
		t.log.Warn().Str("kind", "store_unavailable").Err(err).Msg("history not loaded")
	}
	for _, m := range history {
		role := reasoning.RoleUser
		if m.Role == domain.RoleAssistant {
			role = reasoning.RoleAssistant
		}
		msgs = append(msgs, reasoning.Message{Role: role, Content: m.Content})
	}
	msgs = append(msgs, reasoning.Message{Role: reasoning.RoleUser, Content: "Instrucción: " + instr})

	req := reasoning.Request{Messages: reasoning.TrimHistory(msgs, o.tokenBudget), Model: o.model}
	if o.temperature > 0 {
		req = req.WithTemperature(o.temperature)
	}
	reply, err := o.client.Complete(ctx, req)
	reply = strings.TrimSpace(reply)
	if err != nil || reply == "" {
		t.log.Warn().Str("kind", "gateway_unavailable").Str("stage", string(t.state.Stage)).Err(err).Msg("using canned reply")
		return o.prompts.MustRender(canned, data)
	}
	return reply
}

func (o *Orchestrator) fill(t *turn, data prompts.Data) prompts.Data {
	if data.Name == "" && t.state.HasName() {
		data.Name = t.state.Name
	}
	if data.Stage == "" {
		data.Stage = string(t.state.Stage)
	}
	if data.Mood == "" {
		data.Mood = t.state.Mood
	}
	return data
}

func (o *Orchestrator) wantsToStop(ctx context.Context, t *turn) bool {
	tone := o.extractor.Tone(ctx, t.inbound)
	t.state.Mood = tone.Mood
	return tone.WantsToStop
}

func (o *Orchestrator) stop(ctx context.Context, t *turn) string {
	t.log.Info().Str("stage", string(t.state.Stage)).Str("mood", t.state.Mood).Msg("user asked to stop")
	reply := o.speak(ctx, t, prompts.StageStop, prompts.CannedStop, prompts.Data{})
	t.state.Stage = domain.StageInitial
	t.state.ResetCycle()
	return reply
}

func window(now time.Time, t domain.TemporalContext) prompts.Data {
	if t == domain.TemporalFuture {
		return prompts.Data{Start: now.Format(windowLayout), End: now.Add(time.Hour).Format(windowLayout)}
	}
	return prompts.Data{Start: now.Add(-time.Hour).Format(windowLayout), End: now.Format(windowLayout)}
}
