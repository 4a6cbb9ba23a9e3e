// Package activity turns user utterances into persisted activities and
// runs the clarification loop that enriches them.
package activity

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/stellarlinkco/zendell/internal/domain"
	"github.com/stellarlinkco/zendell/internal/extract"
	"github.com/stellarlinkco/zendell/internal/store"
)

const defaultTitleRunes = 60

// Memory receives what the pipeline learns.
type Memory interface {
	AddObservation(ctx context.Context, state *domain.UserState, text, source string) domain.SystemMemory
	RegisterEntity(ctx context.Context, userID string, mention domain.EntityMention, importance int) (domain.Entity, error)
}

type Pipeline struct {
	extractor *extract.Extractor
	store     store.Store
	memory    Memory
	Now       func() time.Time
}

func NewPipeline(ex *extract.Extractor, st store.Store, mem Memory) *Pipeline {
	return &Pipeline{extractor: ex, store: st, memory: mem, Now: time.Now}
}

// Process classifies and decomposes utterance into activities, enriches and
// persists them, and records them on state. It never fails; an empty
// utterance or a NoActivity classification yields no activities.
func (p *Pipeline) Process(ctx context.Context, state *domain.UserState, utterance string, t domain.TemporalContext) []domain.Activity {
	utterance = strings.TrimSpace(utterance)
	if utterance == "" || !t.Valid() {
		return nil
	}
	logger := log.With().Str("component", "pipeline").Str("user_id", state.UserID).Str("temporal", string(t)).Logger()

	category := p.extractor.Classify(ctx, utterance, t)
	if category.IsNone() {
		logger.Debug().Msg("no activity in utterance")
		return nil
	}

	drafts := p.extractor.Decompose(ctx, utterance, category, t)
	if len(drafts) == 0 {
		drafts = []extract.Draft{{Title: truncate(utterance, defaultTitleRunes), Category: category, Importance: 5}}
	}

	now := p.Now()
	acts := make([]domain.Activity, 0, len(drafts))
	for i, d := range drafts {
		act := domain.NewActivity(state.UserID, d.Title, d.Category, t, utterance, d.Importance, now)
		act.Seq += int64(i)
		act.Questions = p.extractor.Questions(ctx, act.Title, utterance, extract.MaxQuestions)
		act.Entities = p.extractor.Entities(ctx, act.Title+". "+utterance)

		p.persist(ctx, act)
		for _, m := range act.Entities {
			if _, err := p.memory.RegisterEntity(ctx, state.UserID, m, act.Importance); err != nil {
				logger.Warn().Err(err).Str("entity", m.Name).Msg("entity dropped")
			}
		}
		acts = append(acts, act)
	}

	state.RecordWindow(t, acts)
	p.memory.AddObservation(ctx, state, narrative(acts, category, t), "activity_pipeline")

	logger.Info().Int("activities", len(acts)).Str("category", string(category)).Msg("utterance processed")
	return acts
}

func (p *Pipeline) persist(ctx context.Context, act domain.Activity) {
	err := store.WriteWithRetry(ctx, func(ctx context.Context) error {
		return p.store.Upsert(ctx, store.Activities, act.ID, act)
	})
	if err != nil {
		log.Warn().Str("component", "pipeline").Str("kind", "store_unavailable").
			Str("activity_id", act.ID).Err(err).Msg("activity write dropped")
	}
}

func narrative(acts []domain.Activity, category domain.Category, t domain.TemporalContext) string {
	titles := make([]string, 0, len(acts))
	for _, a := range acts {
		titles = append(titles, a.Title)
	}
	verb := "Hizo"
	if t == domain.TemporalFuture {
		verb = "Planea"
	}
	return fmt.Sprintf("%s (%s): %s", verb, category, strings.Join(titles, "; "))
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return strings.TrimSpace(string(r[:n])) + "..."
}
