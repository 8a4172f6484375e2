package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTuner_FullExploration(t *testing.T) {
	// No relevance signal at all: explore = 1, everything runs hot.
	for seed := int64(0); seed < 50; seed++ {
		tune := newTuner(seed)
		s := tune.observe(nil)

		assert.GreaterOrEqual(t, s.Temperature, 0.9)
		assert.LessOrEqual(t, s.Temperature, 1.0)
		assert.GreaterOrEqual(t, s.TopP, 0.9)
		assert.LessOrEqual(t, s.TopP, 1.0)
		assert.GreaterOrEqual(t, s.FrequencyPenalty, 0.9)
		assert.LessOrEqual(t, s.FrequencyPenalty, 1.0)
		assert.GreaterOrEqual(t, s.PresencePenalty, 0.9)
		assert.LessOrEqual(t, s.PresencePenalty, 1.0)
	}
}

func TestTuner_FullExploitation(t *testing.T) {
	// Every score equals the best seen: avgRel = 1, explore = 0.
	for seed := int64(0); seed < 50; seed++ {
		tune := newTuner(seed)
		s := tune.observe([]float64{0.9, 0.9, 0.9})

		assert.GreaterOrEqual(t, s.Temperature, 0.2)
		assert.LessOrEqual(t, s.Temperature, 0.4)
		assert.GreaterOrEqual(t, s.TopP, 0.5)
		assert.LessOrEqual(t, s.TopP, 0.7)
		assert.GreaterOrEqual(t, s.FrequencyPenalty, 0.0)
		assert.LessOrEqual(t, s.FrequencyPenalty, 0.2)
		assert.GreaterOrEqual(t, s.PresencePenalty, 0.0)
		assert.LessOrEqual(t, s.PresencePenalty, 0.2)
	}
}

func TestTuner_UsesTopTenScoresOnly(t *testing.T) {
	tune := newTuner(1)

	// Ten perfect scores followed by garbage: avgRel stays 1.
	scores := make([]float64, 20)
	for i := 0; i < 10; i++ {
		scores[i] = 0.8
	}
	s := tune.observe(scores)
	assert.LessOrEqual(t, s.Temperature, 0.4, "trailing low scores must not affect the top-10 mean")
}

func TestTuner_MaxObservedIsSticky(t *testing.T) {
	tune := newTuner(7)

	tune.observe([]float64{1.0})
	// A later buffer with weaker scores is measured against the old best.
	s := tune.observe([]float64{0.5})

	// avgRel = 0.5, explore = 0.5: temperature centers on 0.6.
	assert.GreaterOrEqual(t, s.Temperature, 0.5)
	assert.LessOrEqual(t, s.Temperature, 0.7)
}
