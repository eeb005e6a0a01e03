package matching

import (
	"github.com/tdalverme/umbral/internal/domain"
	"github.com/tdalverme/umbral/internal/vecmath"
)

type Outcome string

const (
	OutcomeUpdated           Outcome = "updated"
	OutcomeSeeded            Outcome = "seeded"
	OutcomeNoTarget          Outcome = "no_target"
	OutcomeNoPrior           Outcome = "no_prior"
	OutcomeDimensionMismatch Outcome = "dimension_mismatch"
	OutcomeInvalidPolarity   Outcome = "invalid_polarity"
)

// Changed reports whether the outcome carries a new vector to persist.
func (o Outcome) Changed() bool {
	return o == OutcomeUpdated || o == OutcomeSeeded
}

// Learner moves a preference vector toward liked listings and away from
// disliked ones with an exponential moving average step.
type Learner struct {
	Rate float64
}

func NewLearner(rate float64) Learner {
	if rate <= 0 || rate > 1 {
		rate = DefaultLearningRate
	}
	return Learner{Rate: rate}
}

// Update returns the new vector for one feedback event. It never mutates its
// inputs; a nil vector means nothing should be persisted.
func (l Learner) Update(current, target []float64, p domain.Polarity) ([]float64, Outcome) {
	if !p.Valid() {
		return nil, OutcomeInvalidPolarity
	}
	if !vecmath.Usable(target) {
		return nil, OutcomeNoTarget
	}
	if !vecmath.Usable(current) {
		if p == domain.Like {
			return vecmath.Clone(target), OutcomeSeeded
		}
		return nil, OutcomeNoPrior
	}
	if len(current) != len(target) {
		return nil, OutcomeDimensionMismatch
	}

	rate := l.Rate
	if rate <= 0 || rate > 1 {
		rate = DefaultLearningRate
	}
	out := make([]float64, len(current))
	for i := range current {
		if p == domain.Dislike {
			out[i] = current[i] + rate*(current[i]-target[i])
		} else {
			out[i] = current[i] + rate*(target[i]-current[i])
		}
	}
	return out, OutcomeUpdated
}
