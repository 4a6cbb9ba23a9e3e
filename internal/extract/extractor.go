package extract

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/stellarlinkco/zendell/internal/domain"
	"github.com/stellarlinkco/zendell/internal/reasoning"
)

const (
	MaxQuestions = 3
	MaxEntities  = 5

	extractTemperature = 0.2
	systemPrompt       = "Eres un extractor de datos estructurados. Responde solo con JSON válido, sin texto adicional ni explicaciones."
)

// Extractor asks the reasoning backend for JSON and decodes it tolerantly.
type Extractor struct {
	client reasoning.Client
}

func New(client reasoning.Client) *Extractor {
	return &Extractor{client: client}
}

// Extract never fails. Backend errors and undecodable replies yield the
// schema default with Err set.
func (e *Extractor) Extract(ctx context.Context, schema Schema, text string) Result {
	prompt := fmt.Sprintf("Tarea: %s\n%s\n\nFormato de respuesta: %s\n\nTexto:\n%s",
		schema.Name, schema.Instruction, schema.Example(), text)

	raw, err := e.client.Complete(ctx, reasoning.Prompt(systemPrompt, prompt).WithTemperature(extractTemperature))
	if err != nil {
		log.Warn().Str("component", "extract").Str("kind", "gateway_unavailable").
			Str("schema", schema.Name).Err(err).Msg("extraction fell back to default")
		return Result{Record: schema.Default(), Step: StepDefault, Err: err}
	}

	res := Decode(raw, schema)
	if !res.OK() {
		log.Warn().Str("component", "extract").Str("kind", "malformed_extraction").
			Str("schema", schema.Name).Err(res.Err).Msg("extraction fell back to default")
	}
	return res
}

// ProfileFacts holds whatever profile fields the text mentions.
type ProfileFacts struct {
	Name       string
	Occupation string
	Interests  string
	Goals      string
}

func (p ProfileFacts) Empty() bool {
	return p.Name == "" && p.Occupation == "" && p.Interests == "" && p.Goals == ""
}

func (e *Extractor) Profile(ctx context.Context, text string) ProfileFacts {
	rec := e.Extract(ctx, ProfileSchema, text).Record
	return ProfileFacts{
		Name:       rec.String("name"),
		Occupation: rec.String("occupation"),
		Interests:  rec.String("interests"),
		Goals:      rec.String("goals"),
	}
}

// Classify returns the activity category of text, or NoActivity.
func (e *Extractor) Classify(ctx context.Context, text string, t domain.TemporalContext) domain.Category {
	rec := e.Extract(ctx, ClassifySchema, temporalHint(t)+text).Record
	cat := domain.Category(strings.TrimSpace(rec.String("category")))
	if cat.IsNone() {
		return domain.NoActivity
	}
	return cat
}

// Draft is a decomposed activity before it is persisted.
type Draft struct {
	Title      string
	Category   domain.Category
	Importance int
}

func (e *Extractor) Decompose(ctx context.Context, text string, category domain.Category, t domain.TemporalContext) []Draft {
	hint := temporalHint(t) + fmt.Sprintf("Categoría general: %s\n", category)
	rec := e.Extract(ctx, DecomposeSchema, hint+text).Record

	var out []Draft
	seen := map[string]bool{}
	for _, item := range rec.Objects("activities") {
		title := strings.TrimSpace(item.String("title"))
		if title == "" || seen[strings.ToLower(title)] {
			continue
		}
		seen[strings.ToLower(title)] = true
		cat := domain.Category(strings.TrimSpace(item.String("category")))
		if cat.IsNone() {
			cat = category
		}
		out = append(out, Draft{Title: title, Category: cat, Importance: domain.ClampScore(item.Int("importance"), 5)})
	}
	return out
}

// Questions returns at most limit clarification questions about an activity.
func (e *Extractor) Questions(ctx context.Context, title, original string, limit int) []string {
	if limit <= 0 || limit > MaxQuestions {
		limit = MaxQuestions
	}
	text := fmt.Sprintf("Actividad: %s\nMensaje original: %s", title, original)
	return capStrings(e.Extract(ctx, QuestionsSchema, text).Record.Strings("questions"), limit)
}

func (e *Extractor) Entities(ctx context.Context, text string) []domain.EntityMention {
	rec := e.Extract(ctx, EntitiesSchema, text).Record

	var out []domain.EntityMention
	seen := map[string]bool{}
	for _, item := range rec.Objects("entities") {
		name := strings.TrimSpace(item.String("name"))
		kind := domain.NormalizeEntityPart(item.String("type"))
		if name == "" {
			continue
		}
		if kind == "" {
			kind = "concept"
		}
		key := kind + "|" + domain.NormalizeEntityPart(name)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, domain.EntityMention{Name: name, Type: kind})
		if len(out) == MaxEntities {
			break
		}
	}
	return out
}

// Tone is the mood reading of a message.
type Tone struct {
	Mood        string
	WantsToStop bool
	Summary     string
}

func (e *Extractor) Tone(ctx context.Context, text string) Tone {
	rec := e.Extract(ctx, ToneSchema, text).Record
	mood := strings.ToLower(strings.TrimSpace(rec.String("overall_mood")))
	if mood == "" {
		mood = "neutral"
	}
	return Tone{Mood: mood, WantsToStop: rec.Bool("wants_to_stop"), Summary: rec.String("summary")}
}

// Fact is a piece of an answer tied to the question it answers. Question
// is the zero-based index into the asked questions, or -1.
type Fact struct {
	Question int
	Info     string
}

func (e *Extractor) AnswerFacts(ctx context.Context, questions []string, answer string) []Fact {
	var b strings.Builder
	b.WriteString("Preguntas:\n")
	for i, q := range questions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, q)
	}
	b.WriteString("Respuesta del usuario:\n")
	b.WriteString(answer)

	var out []Fact
	for _, item := range e.Extract(ctx, AnswerFactsSchema, b.String()).Record.Objects("facts") {
		info := strings.TrimSpace(item.String("info"))
		if info == "" {
			continue
		}
		idx := item.Int("question") - 1
		if idx < 0 || idx >= len(questions) {
			idx = -1
		}
		out = append(out, Fact{Question: idx, Info: info})
	}
	return out
}

// Patterns extracts behavior patterns and a short summary from a digest.
func (e *Extractor) Patterns(ctx context.Context, digest string) ([]string, string, error) {
	res := e.Extract(ctx, PatternsSchema, digest)
	return res.Record.Strings("patterns"), res.Record.String("summary"), res.Err
}

var bulletRegex = regexp.MustCompile(`^\s*(?:[-*•]+|\d+[.)])\s*`)

// Lines runs a free-form completion and splits the reply into list items.
func (e *Extractor) Lines(ctx context.Context, req reasoning.Request, limit int) []string {
	raw, err := e.client.Complete(ctx, req)
	if err != nil {
		log.Warn().Str("component", "extract").Str("kind", "gateway_unavailable").Err(err).Msg("list completion failed")
		return nil
	}
	return SplitLines(raw, limit)
}

// SplitLines strips bullets and numbering from each non-empty line.
func SplitLines(raw string, limit int) []string {
	var out []string
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(bulletRegex.ReplaceAllString(line, ""))
		if line == "" {
			continue
		}
		out = append(out, line)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func temporalHint(t domain.TemporalContext) string {
	switch t {
	case domain.TemporalPast:
		return "Contexto temporal: lo que el usuario hizo en la última hora.\n"
	case domain.TemporalFuture:
		return "Contexto temporal: lo que el usuario planea hacer en la próxima hora.\n"
	}
	return ""
}

func capStrings(in []string, limit int) []string {
	var out []string
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
		if len(out) == limit {
			break
		}
	}
	return out
}
