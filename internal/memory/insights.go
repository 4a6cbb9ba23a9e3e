package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/stellarlinkco/zendell/internal/domain"
	"github.com/stellarlinkco/zendell/internal/reasoning"
	"github.com/stellarlinkco/zendell/internal/store"
)

const noInsights = "No hay suficientes actividades para identificar patrones."

type CategoryCount struct {
	Category domain.Category `json:"category"`
	Count    int             `json:"count"`
}

// Insights aggregates a user's recent activities.
type Insights struct {
	UserID        string          `json:"user_id"`
	Total         int             `json:"total"`
	Categories    []CategoryCount `json:"common_categories"`
	MostImportant string          `json:"most_important"`
	Patterns      []string        `json:"patterns"`
	Summary       string          `json:"summary"`
}

func (in Insights) Empty() bool { return in.Total == 0 }

// CountCategories tallies categories, most frequent first, ties by name.
func CountCategories(acts []domain.Activity) []CategoryCount {
	counts := map[domain.Category]int{}
	for _, a := range acts {
		if a.Category.IsNone() {
			continue
		}
		counts[a.Category]++
	}
	out := make([]CategoryCount, 0, len(counts))
	for c, n := range counts {
		out = append(out, CategoryCount{Category: c, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Category < out[j].Category
	})
	return out
}

// Digest renders activities as prompt lines.
func Digest(acts []domain.Activity, limit int) string {
	var b strings.Builder
	for i, a := range acts {
		if limit > 0 && i == limit {
			break
		}
		when := "hecho"
		if a.TemporalContext == domain.TemporalFuture {
			when = "planeado"
		}
		fmt.Fprintf(&b, "- [%s] %s (%s, importancia %d)", a.Category, a.Title, when, a.Importance)
		for _, c := range a.Clarifications {
			if c.ExtractedInfo != "" {
				fmt.Fprintf(&b, "; %s", c.ExtractedInfo)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

// ActivityInsights summarizes the activities inside window.
func (m *Manager) ActivityInsights(ctx context.Context, userID string, window time.Duration) (Insights, error) {
	if window <= 0 {
		window = m.cfg.InsightWindow
	}
	acts, err := m.Activities(ctx, userID, m.Now().Add(-window), 0)
	if err != nil {
		return Insights{}, fmt.Errorf("load activities: %w", err)
	}

	in := Insights{UserID: userID, Total: len(acts)}
	if len(acts) == 0 {
		in.Summary = noInsights
		return in, nil
	}

	cats := CountCategories(acts)
	if len(cats) > 5 {
		cats = cats[:5]
	}
	in.Categories = cats

	top := acts[0]
	for _, a := range acts[1:] {
		if a.Importance > top.Importance {
			top = a
		}
	}
	in.MostImportant = top.Title

	patterns, summary, err := m.extractor.Patterns(ctx, Digest(acts, insightSample))
	if err == nil {
		in.Patterns = patterns
		in.Summary = summary
	}
	return in, nil
}

// RecordInsights keeps non-empty insights as an insight SystemMemory.
func (m *Manager) RecordInsights(ctx context.Context, in Insights) {
	if in.Empty() || (len(in.Patterns) == 0 && in.Summary == "") {
		return
	}
	content := in.Summary
	if len(in.Patterns) > 0 {
		content = strings.TrimSpace(content + " Patrones: " + strings.Join(in.Patterns, "; "))
	}
	m.saveMemory(ctx, domain.NewSystemMemory(in.UserID, domain.MemoryInsight, content, "activity_insights", insightRelevance, m.Now()))
}

const reflectionSystem = "Eres un analista cuidadoso que escribe reflexiones sobre una persona a partir de datos concretos."

// Reflect rewrites the long-term summary from profile, insights and usage
// stats, and stores it as a reflection memory.
func (m *Manager) Reflect(ctx context.Context, userID string) (string, error) {
	profile, err := m.Profile(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load profile: %w", err)
	}
	insights, err := m.ActivityInsights(ctx, userID, m.cfg.ReflectWindow)
	if err != nil {
		return "", err
	}
	stats, err := m.Stats(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("load stats: %w", err)
	}

	payload, _ := json.MarshalIndent(map[string]any{
		"profile":           profile.Info,
		"previous_summary":  profile.LongTermSummary,
		"activity_insights": insights,
		"statistics":        stats,
	}, "", "  ")
	prompt := "Genera una reflexión profunda y perspicaz sobre el usuario basada en esta información:\n\n" +
		string(payload) + "\n\n" +
		"La reflexión debe incluir:\n" +
		"1. Una caracterización de su personalidad y motivaciones\n" +
		"2. Patrones de comportamiento significativos\n" +
		"3. Áreas de desarrollo personal y profesional\n" +
		"4. Posibles fortalezas y desafíos\n" +
		"Sé conciso y básate en datos concretos."

	reflection, err := m.client.Complete(ctx, reasoning.Prompt(reflectionSystem, prompt))
	if err != nil {
		return "", fmt.Errorf("reflect: %w", err)
	}

	now := m.Now().UTC()
	err = m.UpdateProfile(ctx, userID, func(p *domain.UserProfile) bool {
		p.LongTermSummary = reflection
		p.LastReflection = now
		p.ActivitiesSinceReflection = 0
		return true
	})
	if err != nil {
		return "", fmt.Errorf("save reflection: %w", err)
	}
	m.saveMemory(ctx, domain.NewSystemMemory(userID, domain.MemoryReflection, reflection, "reflection", reflectionRelevance, now))

	m.logger().Info().Str("user_id", userID).Int("activities", insights.Total).Msg("reflection updated")
	return reflection, nil
}

const (
	summarySystem    = "Eres un asistente que resume conversaciones en español con precisión y sin adornos."
	summaryMessages  = 20
	summaryRelevance = 6
)

// SummarizeConversation condenses the recent messages of userID and keeps
// the result among the profile's newest conversation summaries. It returns
// an empty summary when there is nothing to summarize.
func (m *Manager) SummarizeConversation(ctx context.Context, userID string) (string, error) {
	msgs, err := m.RecentMessages(ctx, userID, summaryMessages)
	if err != nil {
		return "", fmt.Errorf("load messages: %w", err)
	}
	if len(msgs) == 0 {
		return "", nil
	}

	var b strings.Builder
	for _, msg := range msgs {
		who := "Usuario"
		if msg.Role == domain.RoleAssistant {
			who = "Zendell"
		}
		fmt.Fprintf(&b, "%s: %s\n", who, msg.Content)
	}
	prompt := "Resume en dos o tres frases esta conversación reciente con el usuario. " +
		"Destaca lo que hizo, lo que planea y cómo se siente:\n\n" + b.String()

	summary, err := m.client.Complete(ctx, reasoning.Prompt(summarySystem, prompt))
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", fmt.Errorf("summarize: %w", reasoning.ErrEmptyCompletion)
	}

	m.profileMu.Lock()
	err = store.WriteWithRetry(ctx, func(ctx context.Context) error {
		return m.store.AppendToArray(ctx, store.UserProfiles, userID, "conversation_summaries", summary, domain.MaxConversationSummaries)
	})
	m.profileMu.Unlock()
	if err != nil {
		return "", fmt.Errorf("save summary: %w", err)
	}
	m.saveMemory(ctx, domain.NewSystemMemory(userID, domain.MemoryInsight, "Resumen de conversación: "+summary, "conversation_summary", summaryRelevance, m.Now()))

	m.logger().Debug().Str("user_id", userID).Int("messages", len(msgs)).Msg("conversation summarized")
	return summary, nil
}
