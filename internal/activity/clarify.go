package activity

import (
	"context"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stellarlinkco/zendell/internal/domain"
	"github.com/stellarlinkco/zendell/internal/extract"
	"github.com/stellarlinkco/zendell/internal/store"
)

// FallbackQuestion is asked when no question could be generated.
const FallbackQuestion = "¿Podrías contarme un poco más sobre eso? Por ejemplo, cuánto tiempo te llevó y con quién estabas."

const titleSeparator = ": "

type Clarifier struct {
	extractor *extract.Extractor
	store     store.Store
	Now       func() time.Time
}

func NewClarifier(ex *extract.Extractor, st store.Store) *Clarifier {
	return &Clarifier{extractor: ex, store: st, Now: time.Now}
}

// Ask picks at most three questions. Questions already attached to the
// activities come first, one per activity in turn, prefixed with the
// activity title. Otherwise fresh questions are generated for the batch.
func (c *Clarifier) Ask(ctx context.Context, acts []domain.Activity) []string {
	if len(acts) == 0 {
		return nil
	}

	var out []string
	for round := 0; len(out) < extract.MaxQuestions; round++ {
		added := false
		for _, a := range acts {
			if round < len(a.Questions) && len(out) < extract.MaxQuestions {
				out = append(out, a.Title+titleSeparator+a.Questions[round])
				added = true
			}
		}
		if !added {
			break
		}
	}
	if len(out) > 0 {
		return out
	}

	titles := make([]string, 0, len(acts))
	for _, a := range acts {
		titles = append(titles, a.Title)
	}
	out = c.extractor.Questions(ctx, strings.Join(titles, ", "), acts[0].OriginalMessage, extract.MaxQuestions)
	if len(out) == 0 {
		return []string{FallbackQuestion}
	}
	return out
}

// RecordAnswer splits answer into facts, attaches each to the activities
// its question was about and persists them. Facts that match no question
// attach to every activity that got no specific fact.
func (c *Clarifier) RecordAnswer(ctx context.Context, acts []domain.Activity, questions []string, answer string) []domain.Activity {
	answer = strings.TrimSpace(answer)
	if answer == "" || len(acts) == 0 {
		return acts
	}

	now := c.Now().UTC()
	facts := c.extractor.AnswerFacts(ctx, questions, answer)
	if len(facts) == 0 {
		facts = []extract.Fact{{Question: -1, Info: answer}}
	}

	matched := make([]bool, len(acts))
	var loose []extract.Fact
	for _, f := range facts {
		if f.Question < 0 {
			loose = append(loose, f)
			continue
		}
		q := questions[f.Question]
		for _, i := range targetsFor(acts, q) {
			acts[i].AddClarification(domain.ClarificationEntry{Question: q, Answer: answer, ExtractedInfo: f.Info, Timestamp: now})
			matched[i] = true
		}
	}

	if len(loose) > 0 {
		var targets []int
		for i := range acts {
			if !matched[i] {
				targets = append(targets, i)
			}
		}
		if len(targets) == 0 {
			for i := range acts {
				targets = append(targets, i)
			}
		}
		q := lastQuestion(questions)
		for _, f := range loose {
			for _, i := range targets {
				acts[i].AddClarification(domain.ClarificationEntry{Question: q, Answer: answer, ExtractedInfo: f.Info, Timestamp: now})
			}
		}
	}

	for _, a := range acts {
		err := store.WriteWithRetry(ctx, func(ctx context.Context) error {
			return c.store.Upsert(ctx, store.Activities, a.ID, a)
		})
		if err != nil {
			log.Warn().Str("component", "clarifier").Str("kind", "store_unavailable").
				Str("activity_id", a.ID).Err(err).Msg("clarification write dropped")
		}
	}
	return acts
}

// targetsFor maps a question to the activities it names, or all of them
// for a general question.
func targetsFor(acts []domain.Activity, question string) []int {
	var out []int
	for i, a := range acts {
		if strings.HasPrefix(question, a.Title+titleSeparator) {
			out = append(out, i)
		}
	}
	if len(out) > 0 {
		return out
	}
	for i := range acts {
		out = append(out, i)
	}
	return out
}

func lastQuestion(questions []string) string {
	if len(questions) == 0 {
		return ""
	}
	return questions[len(questions)-1]
}
