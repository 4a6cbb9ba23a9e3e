package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Stage is the position of a user inside the conversation cycle.
type Stage string

const (
	StageInitial           Stage = "initial"
	StageAskProfile        Stage = "ask_profile"
	StageAskLastHour       Stage = "ask_last_hour"
	StageClarifierLastHour Stage = "clarifier_last_hour"
	StageAskNextHour       Stage = "ask_next_hour"
	StageClarifierNextHour Stage = "clarifier_next_hour"
	StageFinal             Stage = "final"
)

// ErrStageInconsistency is returned when a persisted stage is outside the enum.
var ErrStageInconsistency = errors.New("stage inconsistency")

var stages = []Stage{
	StageInitial,
	StageAskProfile,
	StageAskLastHour,
	StageClarifierLastHour,
	StageAskNextHour,
	StageClarifierNextHour,
	StageFinal,
}

// Stages lists every valid stage in cycle order.
func Stages() []Stage {
	out := make([]Stage, len(stages))
	copy(out, stages)
	return out
}

func (s Stage) Valid() bool {
	for _, v := range stages {
		if s == v {
			return true
		}
	}
	return false
}

func (s Stage) String() string { return string(s) }

// Window reports which activity window a stage collects, if any.
func (s Stage) Window() (TemporalContext, bool) {
	switch s {
	case StageAskLastHour, StageClarifierLastHour:
		return TemporalPast, true
	case StageAskNextHour, StageClarifierNextHour:
		return TemporalFuture, true
	}
	return "", false
}

// MidCycle is true for stages that wait on a user reply.
func (s Stage) MidCycle() bool {
	switch s {
	case StageAskProfile, StageAskLastHour, StageClarifierLastHour, StageAskNextHour, StageClarifierNextHour:
		return true
	}
	return false
}

// ParseStage normalizes a stored stage. The empty string maps to initial.
func ParseStage(raw string) (Stage, error) {
	s := Stage(strings.TrimSpace(strings.ToLower(raw)))
	if s == "" {
		return StageInitial, nil
	}
	if !s.Valid() {
		return StageInitial, fmt.Errorf("%w: %q", ErrStageInconsistency, raw)
	}
	return s, nil
}
