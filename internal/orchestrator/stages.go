package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/stellarlinkco/zendell/internal/domain"
	"github.com/stellarlinkco/zendell/internal/memory"
	"github.com/stellarlinkco/zendell/internal/prompts"
	"github.com/stellarlinkco/zendell/internal/reasoning"
)

const (
	maxRecommendations = 3
	analystSystem      = "Eres un analista de hábitos que escribe con calidez y precisión, en español."
)

var fieldLabels = map[domain.ProfileField]string{
	domain.FieldName:       "tu nombre",
	domain.FieldOccupation: "a qué te dedicas",
	domain.FieldInterests:  "qué te gusta hacer",
	domain.FieldGoals:      "cuáles son tus metas",
}

// step runs the handler for the current stage and sets the next stage.
func (o *Orchestrator) step(ctx context.Context, t *turn) string {
	switch t.state.Stage {
	case domain.StageInitial, domain.StageAskProfile:
		return o.profileStage(ctx, t)
	case domain.StageAskLastHour:
		return o.reportStage(ctx, t, domain.TemporalPast)
	case domain.StageClarifierLastHour:
		o.recordAnswer(ctx, t, domain.TemporalPast)
		return o.askNextHour(ctx, t)
	case domain.StageAskNextHour:
		return o.reportStage(ctx, t, domain.TemporalFuture)
	case domain.StageClarifierNextHour:
		o.recordAnswer(ctx, t, domain.TemporalFuture)
		return o.finish(ctx, t)
	case domain.StageFinal:
		reply := o.speak(ctx, t, prompts.StageClosing, prompts.CannedClosing, prompts.Data{})
		t.state.Stage = domain.StageInitial
		t.state.ResetCycle()
		return reply
	}
	t.log.Warn().Str("kind", "stage_inconsistency").Str("stage", string(t.state.Stage)).Msg("unknown stage, resetting")
	t.state.Stage = domain.StageInitial
	t.state.ResetCycle()
	return o.profileStage(ctx, t)
}

// reask repeats the open question of the current stage. An empty message
// is never taken as an answer.
func (o *Orchestrator) reask(ctx context.Context, t *turn) string {
	switch t.state.Stage {
	case domain.StageAskLastHour:
		return o.askLastHour(ctx, t)
	case domain.StageAskNextHour:
		return o.askNextHour(ctx, t)
	case domain.StageClarifierLastHour, domain.StageClarifierNextHour:
		if len(t.state.PendingQuestions) > 0 {
			return o.speak(ctx, t, prompts.StageClarify, prompts.CannedClarify, prompts.Data{Questions: t.state.PendingQuestions})
		}
	}
	return o.step(ctx, t)
}

func (o *Orchestrator) profileStage(ctx context.Context, t *turn) string {
	if t.hasText {
		o.applyProfile(ctx, t)
	}
	missing := t.state.MissingProfileFields()
	if len(missing) > 0 {
		t.state.Stage = domain.StageAskProfile
		return o.speak(ctx, t, prompts.StageAskProfile, prompts.CannedAskProfile, prompts.Data{Missing: describeMissing(missing)})
	}
	return o.askLastHour(ctx, t)
}

func (o *Orchestrator) applyProfile(ctx context.Context, t *turn) {
	facts := o.extractor.Profile(ctx, t.inbound)
	if facts.Empty() {
		return
	}
	s := t.state
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&s.Name, facts.Name)
	set(&s.Occupation, facts.Occupation)
	set(&s.Interests, facts.Interests)
	set(&s.Goals, facts.Goals)
	if t.degraded {
		return
	}
	if err := o.memory.SyncProfileInfo(ctx, s); err != nil {
		t.log.Warn().Str("kind", "store_unavailable").Err(err).Msg("profile sync dropped")
	}
}

func (o *Orchestrator) askLastHour(ctx context.Context, t *turn) string {
	t.state.Stage = domain.StageAskLastHour
	return o.speak(ctx, t, prompts.StageAskLastHour, prompts.CannedAskLastHour, window(t.now, domain.TemporalPast))
}

func (o *Orchestrator) askNextHour(ctx context.Context, t *turn) string {
	t.state.Stage = domain.StageAskNextHour
	return o.speak(ctx, t, prompts.StageAskNextHour, prompts.CannedAskNextHour, window(t.now, domain.TemporalFuture))
}

// reportStage turns the user's account of a window into activities and
// either asks clarification questions or moves on.
func (o *Orchestrator) reportStage(ctx context.Context, t *turn, tc domain.TemporalContext) string {
	acts := o.pipeline.Process(ctx, t.state, t.inbound, tc)
	if len(acts) > 0 {
		if err := o.memory.TrackActivities(ctx, t.state.UserID, len(acts)); err != nil {
			t.log.Warn().Str("kind", "store_unavailable").Err(err).Msg("reflection counter not updated")
		}
	}

	questions := o.clarifier.Ask(ctx, acts)
	if len(questions) == 0 {
		if tc == domain.TemporalPast {
			return o.askNextHour(ctx, t)
		}
		return o.finish(ctx, t)
	}

	t.state.PendingQuestions = questions
	if tc == domain.TemporalPast {
		t.state.Stage = domain.StageClarifierLastHour
	} else {
		t.state.Stage = domain.StageClarifierNextHour
	}
	return o.speak(ctx, t, prompts.StageClarify, prompts.CannedClarify, prompts.Data{Questions: questions})
}

func (o *Orchestrator) recordAnswer(ctx context.Context, t *turn, tc domain.TemporalContext) {
	questions := t.state.PendingQuestions
	t.state.PendingQuestions = nil
	if !t.hasText || len(questions) == 0 {
		return
	}
	acts := o.cycleActivities(ctx, t, tc)
	updated := o.clarifier.RecordAnswer(ctx, acts, questions, t.inbound)
	t.log.Debug().Int("activities", len(updated)).Str("temporal", string(tc)).Msg("clarification recorded")
}

func (o *Orchestrator) cycleActivities(ctx context.Context, t *turn, tc domain.TemporalContext) []domain.Activity {
	all := o.memory.ActivitiesByID(ctx, t.state.CycleActivities)
	if tc == "" {
		return all
	}
	out := all[:0]
	for _, a := range all {
		if a.TemporalContext == tc {
			out = append(out, a)
		}
	}
	return out
}

// finish analyzes the cycle, recommends, and closes with the final message.
func (o *Orchestrator) finish(ctx context.Context, t *turn) string {
	acts := o.cycleActivities(ctx, t, "")
	analysis, recs := o.analyze(ctx, t, acts)

	t.state.Stage = domain.StageFinal
	data := prompts.Data{Analysis: analysis, Recommendations: recs}
	var reply string
	if analysis == "" {
		reply = o.prompts.MustRender(prompts.CannedFinal, o.fill(t, data))
	} else {
		reply = o.speak(ctx, t, prompts.StageFinal, prompts.CannedFinal, data)
	}
	if len(recs) > 0 {
		reply += "\n\n" + o.prompts.MustRender(prompts.CannedRecommendations, o.fill(t, data))
	}
	t.state.ResetCycle()
	return reply
}

// analyze produces a short analysis of the cycle's activities and up to
// three recommendations. Both are empty when nothing was recorded.
func (o *Orchestrator) analyze(ctx context.Context, t *turn, acts []domain.Activity) (string, []string) {
	if len(acts) == 0 {
		return "", nil
	}
	data := o.fill(t, prompts.Data{Activities: summarize(acts)})

	analysis := fallbackAnalysis(acts)
	if instr, err := o.prompts.Render(prompts.TaskAnalysis, data); err == nil {
		out, err := o.client.Complete(ctx, reasoning.Prompt(analystSystem, instr))
		if err != nil || strings.TrimSpace(out) == "" {
			t.log.Warn().Str("kind", "gateway_unavailable").Err(err).Msg("analysis fell back to summary")
		} else {
			analysis = strings.TrimSpace(out)
		}
	}
	data.Analysis = analysis

	var recs []string
	if instr, err := o.prompts.Render(prompts.TaskRecommendations, data); err == nil {
		recs = o.extractor.Lines(ctx, reasoning.Prompt(analystSystem, instr), maxRecommendations)
	}

	for _, a := range acts {
		a.Analysis = analysis
		if err := o.memory.SaveActivity(ctx, a); err != nil {
			t.log.Warn().Str("kind", "store_unavailable").Str("activity_id", a.ID).Err(err).Msg("analysis not saved")
		}
	}
	o.memory.AddObservation(ctx, t.state, "Análisis del ciclo: "+analysis, "analyzer")
	return analysis, recs
}

func summarize(acts []domain.Activity) string {
	var b strings.Builder
	counts := memory.CountCategories(acts)
	parts := make([]string, 0, len(counts))
	for _, c := range counts {
		parts = append(parts, fmt.Sprintf("%s (%d)", c.Category, c.Count))
	}
	if len(parts) > 0 {
		fmt.Fprintf(&b, "Categorías: %s\n", strings.Join(parts, ", "))
	}
	b.WriteString(memory.Digest(acts, 0))
	return b.String()
}

func fallbackAnalysis(acts []domain.Activity) string {
	var past, future int
	for _, a := range acts {
		if a.TemporalContext == domain.TemporalFuture {
			future++
		} else {
			past++
		}
	}
	out := fmt.Sprintf("Registré %d actividades realizadas y %d planeadas.", past, future)
	if counts := memory.CountCategories(acts); len(counts) > 0 {
		out += fmt.Sprintf(" La categoría más frecuente fue %s.", counts[0].Category)
	}
	return out
}

func describeMissing(fields []domain.ProfileField) string {
	labels := make([]string, 0, len(fields))
	for _, f := range fields {
		labels = append(labels, fieldLabels[f])
	}
	switch len(labels) {
	case 0:
		return ""
	case 1:
		return labels[0]
	}
	return strings.Join(labels[:len(labels)-1], ", ") + " y " + labels[len(labels)-1]
}
