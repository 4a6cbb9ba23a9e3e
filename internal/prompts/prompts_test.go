package prompts

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRendersEveryKey(t *testing.T) {
	set := Default()
	data := Data{Name: "Ana", Stage: "ask_last_hour", Missing: "tus metas", Start: "09:00", End: "10:00",
		Questions: []string{"¿Dónde?", "¿Con quién?"}, Analysis: "Buen balance.", Mood: "cansada"}

	keys := []string{System, StageAskProfile, StageAskLastHour, StageClarify, StageAskNextHour, StageFinal,
		StageClosing, StageStop, TaskAnalysis, TaskRecommendations, CannedAskProfile, CannedAskLastHour,
		CannedClarify, CannedAskNextHour, CannedFinal, CannedClosing, CannedStop, CannedGeneric, CannedRecommendations}
	for _, k := range keys {
		out, err := set.Render(k, data)
		require.NoError(t, err, k)
		assert.NotEmpty(t, out, k)
	}

	out, _ := set.Render(CannedClarify, data)
	assert.Equal(t, "¿Dónde?\n¿Con quién?", out)
	out, _ = set.Render(CannedAskLastHour, data)
	assert.Equal(t, "Ana, ¿qué hiciste entre las 09:00 y las 10:00?", out)

	out, _ = set.Render(CannedAskLastHour, Data{Start: "09:00", End: "10:00"})
	assert.Equal(t, "¿Qué hiciste entre las 09:00 y las 10:00?", out)
	out, _ = set.Render(CannedClosing, Data{})
	assert.Equal(t, "¡Hasta luego! Te escribiré más tarde.", out)
	out, _ = set.Render(CannedRecommendations, Data{Recommendations: []string{"Descansa", "Camina"}})
	assert.Equal(t, "Algunas recomendaciones:\n- Descansa\n- Camina", out)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	set, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	out, err := set.Render(CannedGeneric, Data{})
	require.NoError(t, err)
	assert.Equal(t, "¿Podrías repetirme lo que necesitas?", out)

	set, err = Load("")
	require.NoError(t, err)
	assert.NotNil(t, set)
}

func TestLoadOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	content := "canned:\n  closing: \"Adiós {{.Name}}\"\n  bogus: \"x\"\nstages:\n  ask_last_hour: \"  \"\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	set, err := Load(path)
	require.NoError(t, err)

	out, err := set.Render(CannedClosing, Data{Name: "Ana"})
	require.NoError(t, err)
	assert.Equal(t, "Adiós Ana", out)

	out, err = set.Render(StageAskLastHour, Data{Name: "Ana", Start: "1", End: "2"})
	require.NoError(t, err)
	assert.Contains(t, out, "Pregunta a Ana")

	_, err = set.Render("canned.bogus", Data{})
	assert.Error(t, err)
}

func TestLoadInvalid(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("canned: [unclosed"), 0644))
	_, err := Load(bad)
	assert.True(t, errors.Is(err, errInvalidPromptsYAML))

	tmpl := filepath.Join(dir, "tmpl.yaml")
	require.NoError(t, os.WriteFile(tmpl, []byte("system: \"{{.Name\"\n"), 0644))
	_, err = Load(tmpl)
	assert.Error(t, err)
}

func TestMustRenderFallsBackToGeneric(t *testing.T) {
	set := Default()
	assert.Equal(t, "¿Podrías repetirme lo que necesitas?", set.MustRender("canned.unknown", Data{}))
}

func TestWriteDefaultsRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ws", "prompts.yaml")
	require.NoError(t, WriteDefaults(path))

	set, err := Load(path)
	require.NoError(t, err)
	out, err := set.Render(CannedStop, Data{Name: "Ana"})
	require.NoError(t, err)
	assert.Equal(t, "Entendido, Ana. Te escribo en otro momento.", out)

	require.NoError(t, os.WriteFile(path, []byte("system: custom\n"), 0644))
	require.NoError(t, WriteDefaults(path))
	data, _ := os.ReadFile(path)
	assert.Equal(t, "system: custom\n", string(data))
}
