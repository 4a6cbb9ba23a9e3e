package memory

import (
	"math/rand/v2"
	"time"

	"github.com/stellarlinkco/zendell/internal/domain"
)

// ReflectionPolicy decides when a maintenance cycle should rewrite a
// user's long-term summary. A reflection runs once enough activities have
// accumulated, or by chance, but never more often than MinInterval.
type ReflectionPolicy struct {
	Threshold   int
	Probability float64
	MinInterval time.Duration
	// Rand returns a value in [0,1). Defaults to math/rand.
	Rand func() float64
}

func DefaultReflectionPolicy() ReflectionPolicy {
	return ReflectionPolicy{
		Threshold:   10,
		Probability: 0.2,
		MinInterval: 6 * time.Hour,
	}
}

func (p ReflectionPolicy) ShouldReflect(profile *domain.UserProfile, now time.Time) bool {
	if profile == nil {
		return false
	}
	if !profile.LastReflection.IsZero() && now.Sub(profile.LastReflection) < p.MinInterval {
		return false
	}
	if p.Threshold > 0 && profile.ActivitiesSinceReflection >= p.Threshold {
		return true
	}
	if p.Probability <= 0 {
		return false
	}
	roll := rand.Float64
	if p.Rand != nil {
		roll = p.Rand
	}
	return roll() < p.Probability
}
