package memory

import (
	"regexp"
	"strings"
)

const maxKeywords = 8

var wordRegex = regexp.MustCompile(`[\p{L}][\p{L}\p{N}_\-]{2,}`)

var stopwords = map[string]struct{}{
	"que": {}, "con": {}, "para": {}, "por": {}, "los": {}, "las": {}, "del": {}, "una": {}, "uno": {},
	"unos": {}, "unas": {}, "como": {}, "pero": {}, "más": {}, "mas": {}, "este": {}, "esta": {},
	"eso": {}, "esto": {}, "ese": {}, "esa": {}, "muy": {}, "hay": {}, "fue": {}, "ser": {}, "son": {},
	"sus": {}, "mis": {}, "tus": {}, "les": {}, "nos": {}, "sin": {}, "sobre": {}, "entre": {},
	"también": {}, "cuando": {}, "donde": {}, "todo": {}, "toda": {}, "hacer": {}, "estuve": {},
	"the": {}, "and": {}, "for": {}, "with": {},
}

func extractKeywords(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	keywords := make([]string, 0)
	seen := map[string]struct{}{}
	for _, w := range wordRegex.FindAllString(strings.ToLower(text), -1) {
		if _, skip := stopwords[w]; skip {
			continue
		}
		if _, ok := seen[w]; ok {
			continue
		}
		seen[w] = struct{}{}
		keywords = append(keywords, w)
	}

	if len(keywords) > maxKeywords {
		keywords = keywords[:maxKeywords]
	}
	return keywords
}

// keywordOverlap counts query keywords present in text.
func keywordOverlap(keywords []string, text string) int {
	if len(keywords) == 0 {
		return 0
	}
	lower := strings.ToLower(text)
	n := 0
	for _, k := range keywords {
		if strings.Contains(lower, k) {
			n++
		}
	}
	return n
}

var importanceWords = []string{
	"importante", "crucial", "vital", "esencial", "necesario",
	"significativo", "fundamental", "clave", "crítico", "urgente",
}

// EvaluateImportance scores a note from 1 to 10 by length and wording.
func EvaluateImportance(text string) int {
	score := 5
	if len(text) > 200 {
		score++
	}
	lower := strings.ToLower(text)
	for _, w := range importanceWords {
		if strings.Contains(lower, w) {
			score++
			break
		}
	}
	if score > 10 {
		return 10
	}
	return score
}
