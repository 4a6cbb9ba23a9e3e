// Package memory maintains the tiered memory: short-term notes on the user
// state, activity and entity records, and the long-term reflection kept on
// the profile.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stellarlinkco/zendell/internal/domain"
	"github.com/stellarlinkco/zendell/internal/extract"
	"github.com/stellarlinkco/zendell/internal/reasoning"
	"github.com/stellarlinkco/zendell/internal/store"
)

const (
	// ObservationThreshold is the importance from which an observation is
	// also kept as a SystemMemory.
	ObservationThreshold = 6
	reflectionRelevance  = 10
	insightRelevance     = 7
	scanLimit            = 200
	insightSample        = 10
)

type Config struct {
	HistoryLimit  int
	InsightWindow time.Duration
	ReflectWindow time.Duration
}

func DefaultConfig() Config {
	return Config{
		HistoryLimit:  8,
		InsightWindow: 7 * 24 * time.Hour,
		ReflectWindow: 30 * 24 * time.Hour,
	}
}

type Manager struct {
	store     store.Store
	client    reasoning.Client
	extractor *extract.Extractor
	cfg       Config
	Now       func() time.Time

	entityMu  sync.Mutex
	profileMu sync.Mutex
}

func NewManager(st store.Store, client reasoning.Client, ex *extract.Extractor, cfg Config) *Manager {
	def := DefaultConfig()
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = def.HistoryLimit
	}
	if cfg.InsightWindow <= 0 {
		cfg.InsightWindow = def.InsightWindow
	}
	if cfg.ReflectWindow <= 0 {
		cfg.ReflectWindow = def.ReflectWindow
	}
	return &Manager{store: st, client: client, extractor: ex, cfg: cfg, Now: time.Now}
}

func (m *Manager) logger() *zerolog.Logger {
	l := log.With().Str("component", "memory").Logger()
	return &l
}

// AddObservation records a short-term note on state and, when the note
// scores at least ObservationThreshold, a SystemMemory.
func (m *Manager) AddObservation(ctx context.Context, state *domain.UserState, text, source string) domain.SystemMemory {
	importance := EvaluateImportance(text)
	state.AddNote(fmt.Sprintf("[%s] %s", strings.ToUpper(source), text))

	mem := domain.NewSystemMemory(state.UserID, domain.MemoryObservation, text, source, importance, m.Now())
	if importance >= ObservationThreshold {
		m.saveMemory(ctx, mem)
	}
	return mem
}

func (m *Manager) saveMemory(ctx context.Context, mem domain.SystemMemory) {
	err := store.WriteWithRetry(ctx, func(ctx context.Context) error {
		return m.store.Upsert(ctx, store.SystemMemories, mem.ID, mem)
	})
	if err != nil {
		m.logger().Warn().Str("kind", "store_unavailable").Str("user_id", mem.UserID).Err(err).Msg("system memory dropped")
	}
}

// RegisterEntity stores a mention, incrementing the counter of an existing
// (name, type) entity instead of creating a second record.
func (m *Manager) RegisterEntity(ctx context.Context, userID string, mention domain.EntityMention, importance int) (domain.Entity, error) {
	name := strings.TrimSpace(mention.Name)
	kind := domain.NormalizeEntityPart(mention.Type)
	if name == "" || kind == "" {
		return domain.Entity{}, fmt.Errorf("entity needs a name and a type")
	}
	key := domain.EntityKey(userID, name, kind)
	now := m.Now().UTC()

	m.entityMu.Lock()
	defer m.entityMu.Unlock()

	var ent domain.Entity
	err := m.store.Get(ctx, store.Entities, key, &ent)
	switch {
	case errors.Is(err, store.ErrNotFound):
		ent = domain.Entity{
			ID:           uuid.NewString(),
			UserID:       userID,
			Name:         name,
			Type:         kind,
			FirstMention: now,
			Importance:   domain.ClampScore(importance, 5),
		}
	case err != nil:
		return domain.Entity{}, fmt.Errorf("load entity: %w", err)
	}
	ent.MentionCount++
	ent.LastMention = now
	if importance > ent.Importance {
		ent.Importance = domain.ClampScore(importance, ent.Importance)
	}

	err = store.WriteWithRetry(ctx, func(ctx context.Context) error {
		return m.store.Upsert(ctx, store.Entities, key, ent)
	})
	if err != nil {
		return domain.Entity{}, fmt.Errorf("save entity: %w", err)
	}

	if ent.MentionCount == 1 {
		err = m.UpdateProfile(ctx, userID, func(p *domain.UserProfile) bool {
			return p.IndexEntity(kind, ent.ID)
		})
		if err != nil {
			m.logger().Warn().Str("user_id", userID).Err(err).Msg("entity index not updated")
		}
	}
	return ent, nil
}

// Profile loads the user's profile, returning an empty one for new users.
func (m *Manager) Profile(ctx context.Context, userID string) (*domain.UserProfile, error) {
	var p domain.UserProfile
	err := m.store.Get(ctx, store.UserProfiles, userID, &p)
	if errors.Is(err, store.ErrNotFound) {
		return domain.NewUserProfile(userID), nil
	}
	if err != nil {
		return nil, err
	}
	if p.UserID == "" {
		p.UserID = userID
	}
	if p.Traits == nil {
		p.Traits = map[string]float64{}
	}
	if p.KnownEntities == nil {
		p.KnownEntities = map[string][]string{}
	}
	return &p, nil
}

// UpdateProfile applies mutate to the stored profile and saves it when
// mutate reports a change.
func (m *Manager) UpdateProfile(ctx context.Context, userID string, mutate func(*domain.UserProfile) bool) error {
	m.profileMu.Lock()
	defer m.profileMu.Unlock()

	p, err := m.Profile(ctx, userID)
	if err != nil {
		return fmt.Errorf("load profile: %w", err)
	}
	if !mutate(p) {
		return nil
	}
	p.UpdatedAt = m.Now().UTC()
	return store.WriteWithRetry(ctx, func(ctx context.Context) error {
		return m.store.Upsert(ctx, store.UserProfiles, userID, p)
	})
}

// SyncProfileInfo copies the identity fields of state onto the profile.
func (m *Manager) SyncProfileInfo(ctx context.Context, state *domain.UserState) error {
	info := domain.GeneralInfo{Occupation: state.Occupation, Interests: state.Interests, Goals: state.Goals}
	if state.HasName() {
		info.Name = state.Name
	}
	return m.UpdateProfile(ctx, state.UserID, func(p *domain.UserProfile) bool {
		if p.Info == info {
			return false
		}
		p.Info = info
		return true
	})
}

// TrackActivities feeds the reflection accumulator.
func (m *Manager) TrackActivities(ctx context.Context, userID string, n int) error {
	if n <= 0 {
		return nil
	}
	return m.UpdateProfile(ctx, userID, func(p *domain.UserProfile) bool {
		p.ActivitiesSinceReflection += n
		return true
	})
}

// AppendMessage stores one conversation line.
func (m *Manager) AppendMessage(ctx context.Context, msg domain.ConversationMessage) error {
	return store.WriteWithRetry(ctx, func(ctx context.Context) error {
		return m.store.Upsert(ctx, store.Messages, msg.ID, msg)
	})
}

// RecentMessages returns up to limit messages, oldest first.
func (m *Manager) RecentMessages(ctx context.Context, userID string, limit int) ([]domain.ConversationMessage, error) {
	if limit <= 0 {
		limit = m.cfg.HistoryLimit
	}
	msgs, err := store.FindAs[domain.ConversationMessage](ctx, m.store, store.Messages, store.Query{
		Filter: map[string]any{"user_id": userID},
		Sort:   "seq",
		Desc:   true,
		Limit:  limit,
	})
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// Activities returns the user's activities since the given time, newest first.
func (m *Manager) Activities(ctx context.Context, userID string, since time.Time, limit int) ([]domain.Activity, error) {
	acts, err := store.FindAs[domain.Activity](ctx, m.store, store.Activities, store.Query{
		Filter: map[string]any{"user_id": userID},
		Sort:   "seq",
		Desc:   true,
		Limit:  scanLimit,
	})
	if err != nil {
		return nil, err
	}
	out := acts[:0]
	for _, a := range acts {
		if !since.IsZero() && a.Timestamp.Before(since) {
			continue
		}
		out = append(out, a)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ActivitiesByID loads activities in the given order, skipping missing ones.
func (m *Manager) ActivitiesByID(ctx context.Context, ids []string) []domain.Activity {
	out := make([]domain.Activity, 0, len(ids))
	for _, id := range ids {
		var a domain.Activity
		if err := m.store.Get(ctx, store.Activities, id, &a); err != nil {
			if !errors.Is(err, store.ErrNotFound) {
				m.logger().Warn().Str("kind", "store_unavailable").Str("activity_id", id).Err(err).Msg("activity not loaded")
			}
			continue
		}
		out = append(out, a)
	}
	return out
}

// SaveActivity persists an activity, retrying once.
func (m *Manager) SaveActivity(ctx context.Context, a domain.Activity) error {
	return store.WriteWithRetry(ctx, func(ctx context.Context) error {
		return m.store.Upsert(ctx, store.Activities, a.ID, a)
	})
}

// TopEntities returns the user's entities ordered by importance.
func (m *Manager) TopEntities(ctx context.Context, userID string, limit int) ([]domain.Entity, error) {
	return store.FindAs[domain.Entity](ctx, m.store, store.Entities, store.Query{
		Filter: map[string]any{"user_id": userID},
		Sort:   "importance",
		Desc:   true,
		Limit:  limit,
	})
}

type Stats struct {
	Activities int `json:"activities"`
	Messages   int `json:"messages"`
	Entities   int `json:"entities"`
	Memories   int `json:"memories"`
}

func (m *Manager) Stats(ctx context.Context, userID string) (Stats, error) {
	filter := map[string]any{"user_id": userID}
	var s Stats
	var err error
	if s.Activities, err = m.store.Count(ctx, store.Activities, filter); err != nil {
		return s, err
	}
	if s.Messages, err = m.store.Count(ctx, store.Messages, filter); err != nil {
		return s, err
	}
	if s.Entities, err = m.store.Count(ctx, store.Entities, filter); err != nil {
		return s, err
	}
	if s.Memories, err = m.store.Count(ctx, store.SystemMemories, filter); err != nil {
		return s, err
	}
	return s, nil
}

// Retrieve ranks the user's memories by stored relevance plus keyword
// overlap with query and bumps their access counters.
func (m *Manager) Retrieve(ctx context.Context, userID, query string, limit int) []domain.SystemMemory {
	mems, err := store.FindAs[domain.SystemMemory](ctx, m.store, store.SystemMemories, store.Query{
		Filter: map[string]any{"user_id": userID},
		Sort:   "relevance",
		Desc:   true,
		Limit:  scanLimit,
	})
	if err != nil {
		m.logger().Warn().Str("kind", "store_unavailable").Str("user_id", userID).Err(err).Msg("memories not retrieved")
		return nil
	}
	if len(mems) == 0 {
		return nil
	}

	keywords := extractKeywords(query)
	type scored struct {
		mem   domain.SystemMemory
		score int
	}
	ranked := make([]scored, 0, len(mems))
	for _, mem := range mems {
		ranked = append(ranked, scored{mem: mem, score: mem.Relevance + 2*keywordOverlap(keywords, mem.Content)})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].mem.Seq > ranked[j].mem.Seq
	})
	if limit > 0 && len(ranked) > limit {
		ranked = ranked[:limit]
	}

	now := m.Now().UTC()
	out := make([]domain.SystemMemory, 0, len(ranked))
	for _, r := range ranked {
		mem := r.mem
		mem.AccessCount++
		mem.LastAccessed = now
		if err := m.store.Upsert(ctx, store.SystemMemories, mem.ID, mem); err != nil {
			m.logger().Debug().Err(err).Str("memory_id", mem.ID).Msg("access stats not saved")
		}
		out = append(out, mem)
	}
	return out
}

// Context consolidates what the orchestrator shows the reasoning backend
// about a user.
func (m *Manager) Context(ctx context.Context, state *domain.UserState, query string) string {
	var b strings.Builder
	name := state.Name
	if !state.HasName() {
		name = domain.DefaultName
	}
	fmt.Fprintf(&b, "Usuario: %s.", name)
	if state.Occupation != "" {
		fmt.Fprintf(&b, " Ocupación: %s.", state.Occupation)
	}
	if state.Interests != "" {
		fmt.Fprintf(&b, " Gustos: %s.", state.Interests)
	}
	if state.Goals != "" {
		fmt.Fprintf(&b, " Metas: %s.", state.Goals)
	}
	if state.Mood != "" {
		fmt.Fprintf(&b, " Estado de ánimo inferido: %s.", state.Mood)
	}
	if notes := state.RecentNotes(5); len(notes) > 0 {
		fmt.Fprintf(&b, "\nÚltimas notas: %s.", strings.Join(notes, "; "))
	}

	if p, err := m.Profile(ctx, state.UserID); err == nil {
		if s := strings.TrimSpace(p.LongTermSummary); s != "" {
			fmt.Fprintf(&b, "\nResumen a largo plazo: %s", s)
		}
		if n := len(p.ConversationSummaries); n > 0 {
			fmt.Fprintf(&b, "\nResumen de la conversación reciente: %s", p.ConversationSummaries[n-1])
		}
	}
	writeStageContext(&b, state)

	if mems := m.Retrieve(ctx, state.UserID, query, 5); len(mems) > 0 {
		b.WriteString("\nInformación importante sobre el usuario:")
		for _, mem := range mems {
			fmt.Fprintf(&b, "\n- %s", mem.Content)
		}
	}

	if ents, err := m.TopEntities(ctx, state.UserID, 10); err == nil && len(ents) > 0 {
		b.WriteString("\nEntidades importantes:")
		for _, e := range ents {
			fmt.Fprintf(&b, "\n- %s (%s)", e.Name, e.Type)
		}
	}
	return b.String()
}

// writeStageContext adds what the current stage needs to see: the matching
// activity window, the open clarification questions, or the cycle totals.
func writeStageContext(b *strings.Builder, state *domain.UserState) {
	writeRefs := func(title string, refs []domain.ActivityRef) {
		if len(refs) == 0 {
			return
		}
		b.WriteString("\n" + title)
		for _, r := range refs {
			fmt.Fprintf(b, "\n- %s (%s)", r.Title, r.Category)
		}
	}

	switch state.Stage {
	case domain.StageAskLastHour, domain.StageClarifierLastHour:
		writeRefs("Actividades recientes de la última hora:", state.LastHour)
	case domain.StageAskNextHour, domain.StageClarifierNextHour:
		writeRefs("Actividades planeadas conocidas:", state.NextHour)
	case domain.StageFinal:
		fmt.Fprintf(b, "\nActividades registradas: %d pasadas, %d planeadas.", len(state.LastHour), len(state.NextHour))
	}
	clarifying := state.Stage == domain.StageClarifierLastHour || state.Stage == domain.StageClarifierNextHour
	if clarifying && len(state.PendingQuestions) > 0 {
		fmt.Fprintf(b, "\nPreguntas pendientes: %s", strings.Join(state.PendingQuestions, " "))
	}
}
