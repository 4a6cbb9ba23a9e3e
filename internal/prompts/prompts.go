// Package prompts holds the conversational texts: the persona, one
// instruction per stage, the backend tasks and the canned replies used
// when the backend fails. Defaults are Spanish and can be overridden from
// a YAML file.
package prompts

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"text/template"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

const (
	System = "system"

	StageAskProfile  = "stages.ask_profile"
	StageAskLastHour = "stages.ask_last_hour"
	StageClarify     = "stages.clarify"
	StageAskNextHour = "stages.ask_next_hour"
	StageFinal       = "stages.final"
	StageClosing     = "stages.closing"
	StageStop        = "stages.stop"

	TaskAnalysis        = "tasks.analysis"
	TaskRecommendations = "tasks.recommendations"

	CannedAskProfile  = "canned.ask_profile"
	CannedAskLastHour = "canned.ask_last_hour"
	CannedClarify     = "canned.clarify"
	CannedAskNextHour = "canned.ask_next_hour"
	CannedFinal       = "canned.final"
	CannedClosing     = "canned.closing"
	CannedStop        = "canned.stop"
	CannedGeneric     = "canned.generic"

	CannedRecommendations = "canned.recommendations"
)

var errInvalidPromptsYAML = errors.New("invalid prompts YAML")

// Data is what templates can reference.
type Data struct {
	Name            string
	Stage           string
	Context         string
	Missing         string
	Start           string
	End             string
	Questions       []string
	Activities      string
	Analysis        string
	Recommendations []string
	Mood            string
}

// File is the YAML layout of an override file.
type File struct {
	System string            `yaml:"system,omitempty"`
	Stages map[string]string `yaml:"stages,omitempty"`
	Tasks  map[string]string `yaml:"tasks,omitempty"`
	Canned map[string]string `yaml:"canned,omitempty"`
}

func defaultFile() File {
	return File{
		System: "Eres Zendell, un asistente proactivo que acompaña a {{with .Name}}{{.}}{{else}}un usuario{{end}} a lo largo del día. Etapa actual: {{.Stage}}.\n" +
			"{{.Context}}\n" +
			"Tu objetivo es ayudarle y preguntarle sobre sus actividades. No hables en primera persona de tus propias acciones " +
			"y no inventes datos sobre ti. Sé breve y conciso, y mantén coherencia con lo que el usuario te dijo.",
		Stages: map[string]string{
			"ask_profile":   "Faltan estos datos del usuario: {{.Missing}}. Pídeselos de forma amable y breve. No hables de nada más.",
			"ask_last_hour": "Pregunta a {{with .Name}}{{.}}{{else}}el usuario{{end}} qué hizo entre las {{.Start}} y las {{.End}}. No hables de tus actividades; hazle la pregunta de forma directa.",
			"clarify":       "Haz al usuario estas preguntas de clarificación de forma natural, en un solo mensaje:\n{{range .Questions}}- {{.}}\n{{end}}",
			"ask_next_hour": "Ahora pídele a {{with .Name}}{{.}}{{else}}el usuario{{end}} que cuente qué planea hacer entre las {{.Start}} y las {{.End}}. Hazle la pregunta de forma directa.",
			"final":         "Comparte con el usuario este análisis breve de su hora y despídete con amabilidad, invitándole a pedir más sugerencias:\n{{.Analysis}}",
			"closing":       "Ofrece un cierre breve y amable; volverás a escribirle más tarde.",
			"stop":          "El usuario no quiere seguir conversando ahora (estado de ánimo: {{.Mood}}). Despídete con respeto en una sola frase.",
		},
		Tasks: map[string]string{
			"analysis": "Analiza estas actividades del usuario:\n{{.Activities}}\n" +
				"Escribe un análisis breve, de tres frases como máximo, sobre su balance, sus prioridades y su estado.",
			"recommendations": "Basándote en este análisis:\n{{.Analysis}}\n" +
				"Da exactamente tres recomendaciones breves y concretas para el usuario, una por línea, sin introducción.",
		},
		Canned: map[string]string{
			"ask_profile":     "¡Hola! Para conocerte mejor, ¿podrías contarme {{.Missing}}?",
			"ask_last_hour":   "{{with .Name}}{{.}}, ¿q{{else}}¿Q{{end}}ué hiciste entre las {{.Start}} y las {{.End}}?",
			"clarify":         "{{range $i, $q := .Questions}}{{if $i}}\n{{end}}{{$q}}{{end}}",
			"ask_next_hour":   "¿Y qué planeas hacer entre las {{.Start}} y las {{.End}}?",
			"final":           "Gracias por contarme tu día{{with .Name}}, {{.}}{{end}}.{{if .Analysis}}\n\n{{.Analysis}}{{end}}",
			"closing":         "¡Hasta luego{{with .Name}}, {{.}}{{end}}! Te escribiré más tarde.",
			"stop":            "Entendido{{with .Name}}, {{.}}{{end}}. Te escribo en otro momento.",
			"recommendations": "Algunas recomendaciones:{{range .Recommendations}}\n- {{.}}{{end}}",
			"generic":         "¿Podrías repetirme lo que necesitas?",
		},
	}
}

// Set is a parsed collection of templates.
type Set struct {
	tmpl *template.Template
}

// Default returns the built-in Spanish texts.
func Default() *Set {
	set, err := build(defaultFile())
	if err != nil {
		panic(fmt.Sprintf("default prompts: %v", err))
	}
	return set
}

// Load merges the YAML file at path over the defaults. A missing file is
// not an error.
func Load(path string) (*Set, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Default(), nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read prompts %q: %w", path, err)
	}

	var override File
	if err := yaml.Unmarshal(content, &override); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", errInvalidPromptsYAML, path, err)
	}

	merged := defaultFile()
	if strings.TrimSpace(override.System) != "" {
		merged.System = override.System
	}
	mergeSection(merged.Stages, override.Stages)
	mergeSection(merged.Tasks, override.Tasks)
	mergeSection(merged.Canned, override.Canned)

	set, err := build(merged)
	if err != nil {
		return nil, fmt.Errorf("parse prompts %q: %w", path, err)
	}
	log.Info().Str("component", "prompts").Str("path", path).Msg("prompt overrides loaded")
	return set, nil
}

func mergeSection(dst, src map[string]string) {
	for k, v := range src {
		k = strings.ToLower(strings.TrimSpace(k))
		if _, known := dst[k]; !known {
			log.Warn().Str("component", "prompts").Str("key", k).Msg("unknown prompt key ignored")
			continue
		}
		if strings.TrimSpace(v) != "" {
			dst[k] = v
		}
	}
}

func build(f File) (*Set, error) {
	root := template.New(System).Option("missingkey=zero")
	if _, err := root.Parse(f.System); err != nil {
		return nil, fmt.Errorf("%s: %w", System, err)
	}
	sections := []struct {
		prefix string
		texts  map[string]string
	}{
		{"stages.", f.Stages},
		{"tasks.", f.Tasks},
		{"canned.", f.Canned},
	}
	for _, s := range sections {
		keys := make([]string, 0, len(s.texts))
		for k := range s.texts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			name := s.prefix + k
			if _, err := root.New(name).Parse(s.texts[k]); err != nil {
				return nil, fmt.Errorf("%s: %w", name, err)
			}
		}
	}
	return &Set{tmpl: root}, nil
}

// Render executes the named template.
func (s *Set) Render(name string, data Data) (string, error) {
	var b strings.Builder
	if err := s.tmpl.ExecuteTemplate(&b, name, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(b.String()), nil
}

// MustRender renders name, falling back to the generic canned reply.
func (s *Set) MustRender(name string, data Data) string {
	out, err := s.Render(name, data)
	if err != nil || out == "" {
		if err != nil {
			log.Warn().Str("component", "prompts").Str("template", name).Err(err).Msg("template failed")
		}
		if name == CannedGeneric {
			return "..."
		}
		return s.MustRender(CannedGeneric, data)
	}
	return out
}

// WriteDefaults writes the built-in texts as a YAML file, without
// overwriting an existing one.
func WriteDefaults(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	data, err := yaml.Marshal(defaultFile())
	if err != nil {
		return fmt.Errorf("marshal prompts: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create prompts dir: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
