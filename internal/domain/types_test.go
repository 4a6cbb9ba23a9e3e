package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseStage(t *testing.T) {
	for _, s := range Stages() {
		got, err := ParseStage(string(s))
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}

	got, err := ParseStage("")
	require.NoError(t, err)
	assert.Equal(t, StageInitial, got)

	got, err = ParseStage("  ASK_PROFILE ")
	require.NoError(t, err)
	assert.Equal(t, StageAskProfile, got)

	got, err = ParseStage("waiting_for_godot")
	assert.True(t, errors.Is(err, ErrStageInconsistency))
	assert.Equal(t, StageInitial, got)
}

func TestStageWindow(t *testing.T) {
	w, ok := StageClarifierLastHour.Window()
	assert.True(t, ok)
	assert.Equal(t, TemporalPast, w)

	w, ok = StageAskNextHour.Window()
	assert.True(t, ok)
	assert.Equal(t, TemporalFuture, w)

	_, ok = StageFinal.Window()
	assert.False(t, ok)
}

func TestAddNoteKeepsCap(t *testing.T) {
	s := NewUserState("u1")
	for i := 0; i < 57; i++ {
		s.AddNote(fmt.Sprintf("note %d", i))
		require.LessOrEqual(t, len(s.Notes), MaxShortTermNotes)
	}
	assert.Equal(t, "note 37", s.Notes[0])
	assert.Equal(t, "note 56", s.Notes[len(s.Notes)-1])

	s.AddNote("   ")
	assert.Equal(t, "note 56", s.Notes[len(s.Notes)-1])
	assert.Equal(t, []string{"note 55", "note 56"}, s.RecentNotes(2))
}

func TestMissingProfileFields(t *testing.T) {
	s := NewUserState("u1")
	assert.Equal(t, []ProfileField{FieldName, FieldOccupation, FieldInterests, FieldGoals}, s.MissingProfileFields())

	s.Name = "Ana"
	s.Interests = "pintar"
	assert.Equal(t, []ProfileField{FieldOccupation, FieldGoals}, s.MissingProfileFields())

	s.Occupation = "diseñadora"
	s.Goals = "viajar"
	assert.Empty(t, s.MissingProfileFields())
}

func TestRollDailyCounter(t *testing.T) {
	s := NewUserState("u1")
	day1 := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	s.RollDailyCounter(day1)
	s.DailyCount = 4

	s.RollDailyCounter(day1.Add(30 * time.Minute))
	assert.Equal(t, 4, s.DailyCount)

	s.RollDailyCounter(day1.Add(2 * time.Hour))
	assert.Equal(t, 0, s.DailyCount)
	assert.Equal(t, "2026-03-02", s.DailyDate)
}

func TestRecordWindowCaps(t *testing.T) {
	s := NewUserState("u1")
	now := time.Now()
	var acts []Activity
	for i := 0; i < 14; i++ {
		acts = append(acts, NewActivity("u1", fmt.Sprintf("act %d", i), "Trabajo", TemporalPast, "msg", 5, now))
	}
	s.RecordWindow(TemporalPast, acts)
	assert.Len(t, s.LastHour, MaxWindowActivities)
	assert.Equal(t, "act 4", s.LastHour[0].Title)
	assert.Empty(t, s.NextHour)
	assert.Len(t, s.CycleActivities, 14)

	s.ResetCycle()
	assert.Empty(t, s.CycleActivities)
}

func TestCategoryIsNone(t *testing.T) {
	assert.True(t, NoActivity.IsNone())
	assert.True(t, Category("noactivity").IsNone())
	assert.True(t, Category(" ").IsNone())
	assert.False(t, Category("Trabajo").IsNone())
}

func TestProfileIndexEntity(t *testing.T) {
	p := NewUserProfile("u1")
	assert.True(t, p.IndexEntity("person", "e1"))
	assert.False(t, p.IndexEntity("person", "e1"))
	assert.True(t, p.IndexEntity("place", "e2"))
	assert.Equal(t, []string{"e1"}, p.KnownEntities["person"])
}

func TestEntityKeyNormalizes(t *testing.T) {
	assert.Equal(t, EntityKey("u1", "Juan  Pérez", "Person"), EntityKey("u1", "juan pérez", "person"))
	assert.NotEqual(t, EntityKey("u1", "Madrid", "place"), EntityKey("u1", "Madrid", "concept"))
}

func TestClampScore(t *testing.T) {
	assert.Equal(t, 5, ClampScore(0, 5))
	assert.Equal(t, 1, ClampScore(-3, 5))
	assert.Equal(t, 10, ClampScore(42, 5))
	assert.Equal(t, 7, ClampScore(7, 5))
}
