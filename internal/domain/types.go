// Package domain holds the records the assistant persists: per-user
// conversation state, the long-lived profile, activities, messages,
// entities and system memories.
package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// MaxShortTermNotes bounds UserState.Notes.
	MaxShortTermNotes = 20
	// MaxWindowActivities bounds each per-window activity list.
	MaxWindowActivities = 10
	// MaxConversationSummaries bounds UserProfile.ConversationSummaries.
	MaxConversationSummaries = 5
	// DefaultName is the display name of a user who has not introduced themselves.
	DefaultName = "Desconocido"
)

// Category is an open activity taxonomy. NoActivity is reserved.
type Category string

const NoActivity Category = "NoActivity"

func (c Category) IsNone() bool {
	return strings.TrimSpace(string(c)) == "" || strings.EqualFold(string(c), string(NoActivity))
}

// TemporalContext tells whether an activity already happened or is planned.
type TemporalContext string

const (
	TemporalPast   TemporalContext = "past"
	TemporalFuture TemporalContext = "future"
)

func (t TemporalContext) Valid() bool {
	return t == TemporalPast || t == TemporalFuture
}

// ProfileField names one of the fields the profile stage collects.
type ProfileField string

const (
	FieldName       ProfileField = "name"
	FieldOccupation ProfileField = "occupation"
	FieldInterests  ProfileField = "interests"
	FieldGoals      ProfileField = "goals"
)

// ActivityRef is the compact form kept in the per-window lists.
type ActivityRef struct {
	ID       string    `json:"id"`
	Title    string    `json:"title"`
	Category Category  `json:"category"`
	At       time.Time `json:"at"`
}

// UserState is the per-turn conversation state. It is created lazily.
type UserState struct {
	UserID          string        `json:"user_id"`
	Stage           Stage         `json:"stage"`
	Name            string        `json:"name"`
	Channel         string        `json:"channel,omitempty"`
	ChatID          string        `json:"chat_id,omitempty"`
	LastInteraction time.Time     `json:"last_interaction"`
	DailyCount      int           `json:"daily_count"`
	DailyDate       string        `json:"daily_date"`
	Mood            string        `json:"mood,omitempty"`
	Notes           []string      `json:"notes"`
	Occupation      string        `json:"occupation"`
	Interests       string        `json:"interests"`
	Goals           string        `json:"goals"`
	LastHour        []ActivityRef `json:"last_hour"`
	NextHour        []ActivityRef `json:"next_hour"`
	// PendingQuestions are the clarification questions asked on the last turn.
	PendingQuestions []string `json:"pending_questions,omitempty"`
	// CycleActivities are the ids collected during the running cycle.
	CycleActivities []string `json:"cycle_activities,omitempty"`
}

// NewUserState returns the lazily-created state for a first contact.
func NewUserState(userID string) *UserState {
	return &UserState{
		UserID: userID,
		Stage:  StageInitial,
		Name:   DefaultName,
		Notes:  []string{},
	}
}

// HasName is false while the display name is empty or the placeholder.
func (s *UserState) HasName() bool {
	n := strings.TrimSpace(s.Name)
	return n != "" && n != DefaultName
}

// MissingProfileFields lists unset profile fields in asking order.
func (s *UserState) MissingProfileFields() []ProfileField {
	var out []ProfileField
	if !s.HasName() {
		out = append(out, FieldName)
	}
	if strings.TrimSpace(s.Occupation) == "" {
		out = append(out, FieldOccupation)
	}
	if strings.TrimSpace(s.Interests) == "" {
		out = append(out, FieldInterests)
	}
	if strings.TrimSpace(s.Goals) == "" {
		out = append(out, FieldGoals)
	}
	return out
}

// AddNote appends a short-term note, evicting the oldest beyond the cap.
func (s *UserState) AddNote(note string) {
	note = strings.TrimSpace(note)
	if note == "" {
		return
	}
	s.Notes = append(s.Notes, note)
	if over := len(s.Notes) - MaxShortTermNotes; over > 0 {
		s.Notes = append([]string(nil), s.Notes[over:]...)
	}
}

// RecentNotes returns at most n of the newest notes.
func (s *UserState) RecentNotes(n int) []string {
	if n <= 0 || len(s.Notes) == 0 {
		return nil
	}
	if n > len(s.Notes) {
		n = len(s.Notes)
	}
	return s.Notes[len(s.Notes)-n:]
}

// RollDailyCounter resets the daily counter when the calendar date changed.
func (s *UserState) RollDailyCounter(now time.Time) {
	today := now.Format("2006-01-02")
	if s.DailyDate != today {
		s.DailyDate = today
		s.DailyCount = 0
	}
}

// Touch records an interaction.
func (s *UserState) Touch(now time.Time) {
	s.LastInteraction = now.UTC()
}

// RecordWindow adds activities to the per-window list for their temporal context.
func (s *UserState) RecordWindow(t TemporalContext, acts []Activity) {
	refs := make([]ActivityRef, 0, len(acts))
	for _, a := range acts {
		refs = append(refs, ActivityRef{ID: a.ID, Title: a.Title, Category: a.Category, At: a.Timestamp})
		s.CycleActivities = append(s.CycleActivities, a.ID)
	}
	switch t {
	case TemporalPast:
		s.LastHour = capRefs(append(s.LastHour, refs...))
	case TemporalFuture:
		s.NextHour = capRefs(append(s.NextHour, refs...))
	}
}

// ResetCycle clears the per-cycle bookkeeping.
func (s *UserState) ResetCycle() {
	s.PendingQuestions = nil
	s.CycleActivities = nil
}

func capRefs(refs []ActivityRef) []ActivityRef {
	if over := len(refs) - MaxWindowActivities; over > 0 {
		return append([]ActivityRef(nil), refs[over:]...)
	}
	return refs
}

// GeneralInfo is the identity block of the profile.
type GeneralInfo struct {
	Name       string `json:"name"`
	Occupation string `json:"occupation"`
	Interests  string `json:"interests"`
	Goals      string `json:"goals"`
}

// UserProfile is long-lived identity, updated asynchronously.
type UserProfile struct {
	UserID          string              `json:"user_id"`
	Info            GeneralInfo         `json:"general_info"`
	LongTermSummary string              `json:"long_term_summary"`
	Traits          map[string]float64  `json:"traits"`
	KnownEntities   map[string][]string `json:"known_entities"`
	LastReflection  time.Time           `json:"last_reflection"`
	// ConversationSummaries holds the newest summaries of recent
	// conversation, oldest first.
	ConversationSummaries []string `json:"conversation_summaries,omitempty"`
	// ActivitiesSinceReflection feeds the reflection policy accumulator.
	ActivitiesSinceReflection int       `json:"activities_since_reflection"`
	UpdatedAt                 time.Time `json:"updated_at"`
}

// NewUserProfile returns an empty profile.
func NewUserProfile(userID string) *UserProfile {
	return &UserProfile{
		UserID:        userID,
		Traits:        map[string]float64{},
		KnownEntities: map[string][]string{},
	}
}

// IndexEntity adds an entity id under its kind, keeping the set unique.
func (p *UserProfile) IndexEntity(kind, id string) bool {
	if p.KnownEntities == nil {
		p.KnownEntities = map[string][]string{}
	}
	for _, existing := range p.KnownEntities[kind] {
		if existing == id {
			return false
		}
	}
	p.KnownEntities[kind] = append(p.KnownEntities[kind], id)
	return true
}

// ClarificationEntry is one answered clarification question.
type ClarificationEntry struct {
	Question      string    `json:"question"`
	Answer        string    `json:"answer"`
	ExtractedInfo string    `json:"extracted_info"`
	Timestamp     time.Time `json:"timestamp"`
}

// EntityMention is an entity as extracted from an activity.
type EntityMention struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// Activity is a discrete unit of user behavior.
type Activity struct {
	ID              string               `json:"id"`
	UserID          string               `json:"user_id"`
	Title           string               `json:"title"`
	Category        Category             `json:"category"`
	TemporalContext TemporalContext      `json:"temporal_context"`
	Timestamp       time.Time            `json:"timestamp"`
	Seq             int64                `json:"seq"`
	OriginalMessage string               `json:"original_message"`
	Questions       []string             `json:"questions,omitempty"`
	Clarifications  []ClarificationEntry `json:"clarifications"`
	Entities        []EntityMention      `json:"entities,omitempty"`
	Analysis        string               `json:"analysis,omitempty"`
	Importance      int                  `json:"importance"`
}

// NewActivity creates an activity; its temporal context cannot change afterwards.
func NewActivity(userID, title string, category Category, t TemporalContext, original string, importance int, now time.Time) Activity {
	return Activity{
		ID:              uuid.NewString(),
		UserID:          userID,
		Title:           strings.TrimSpace(title),
		Category:        category,
		TemporalContext: t,
		Timestamp:       now.UTC(),
		Seq:             now.UnixNano(),
		OriginalMessage: original,
		Clarifications:  []ClarificationEntry{},
		Importance:      ClampScore(importance, 5),
	}
}

// AddClarification is the only mutation allowed after creation besides analysis.
func (a *Activity) AddClarification(e ClarificationEntry) {
	a.Clarifications = append(a.Clarifications, e)
}

// ConversationMessage is an append-only chat log line.
type ConversationMessage struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Stage     Stage     `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
	Seq       int64     `json:"seq"`
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// NewMessage stamps a message for the given user.
func NewMessage(userID, role, content string, stage Stage, now time.Time) ConversationMessage {
	return ConversationMessage{
		ID:        uuid.NewString(),
		UserID:    userID,
		Role:      role,
		Content:   content,
		Stage:     stage,
		Timestamp: now.UTC(),
		Seq:       now.UnixNano(),
	}
}

// Entity is a deduplicated referent. Identity is (Name, Type).
type Entity struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	MentionCount int       `json:"mention_count"`
	FirstMention time.Time `json:"first_mention"`
	LastMention  time.Time `json:"last_mention"`
	Importance   int       `json:"importance"`
}

// EntityKey is the storage key deriving from an entity's identity.
func EntityKey(userID, name, kind string) string {
	return userID + "|" + NormalizeEntityPart(kind) + "|" + NormalizeEntityPart(name)
}

func NormalizeEntityPart(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

// MemoryKind types a SystemMemory.
type MemoryKind string

const (
	MemoryObservation MemoryKind = "observation"
	MemoryInsight     MemoryKind = "insight"
	MemoryReflection  MemoryKind = "reflection"
)

// SystemMemory is a typed, scored note.
type SystemMemory struct {
	ID           string     `json:"id"`
	UserID       string     `json:"user_id"`
	Kind         MemoryKind `json:"kind"`
	Content      string     `json:"content"`
	Source       string     `json:"source,omitempty"`
	Relevance    int        `json:"relevance"`
	CreatedAt    time.Time  `json:"created_at"`
	Seq          int64      `json:"seq"`
	LastAccessed time.Time  `json:"last_accessed"`
	AccessCount  int        `json:"access_count"`
}

// NewSystemMemory creates a scored memory.
func NewSystemMemory(userID string, kind MemoryKind, content, source string, relevance int, now time.Time) SystemMemory {
	return SystemMemory{
		ID:           uuid.NewString(),
		UserID:       userID,
		Kind:         kind,
		Content:      strings.TrimSpace(content),
		Source:       source,
		Relevance:    ClampScore(relevance, 5),
		CreatedAt:    now.UTC(),
		Seq:          now.UnixNano(),
		LastAccessed: now.UTC(),
	}
}

// ClampScore keeps a 1-10 score in range; zero means "unset" and maps to def.
func ClampScore(v, def int) int {
	if v == 0 {
		v = def
	}
	if v < 1 {
		return 1
	}
	if v > 10 {
		return 10
	}
	return v
}
