package retrieval

import (
	"math/rand"

	"github.com/convolab/triage/pkg/llm"
)

// jitterSpan is the +-span of the random perturbation applied to every
// tuned parameter.
const jitterSpan = 0.1

// tuner derives the next iteration's sampling parameters from how
// relevant the current result buffer looks. Low relevance pushes the
// steering model toward exploration (hotter sampling); high relevance
// pulls it back toward exploitation.
type tuner struct {
	rng         *rand.Rand
	maxObserved float64
}

func newTuner(seed int64) *tuner {
	return &tuner{rng: rand.New(rand.NewSource(seed))}
}

// observe folds the buffer's scores (descending) into the tuner and
// returns the sampling parameters for the next steering call.
//
// avgRel is the mean of the top 10 scores normalized by the best score
// seen so far; explore = 1 - avgRel. Each parameter is a linear range over
// explore plus jitter, clamped to its bounds:
//
//	temperature: 0.2 + 0.8*explore  in [0.2, 1.0]
//	topP:        0.5 + 0.5*explore  in [0.5, 1.0]
//	frequency:   explore            in [0.0, 1.0]
//	presence:    explore            in [0.0, 1.0]
func (t *tuner) observe(scores []float64) llm.Sampling {
	for _, s := range scores {
		if s > t.maxObserved {
			t.maxObserved = s
		}
	}

	avgRel := 0.0
	if t.maxObserved > 0 && len(scores) > 0 {
		n := len(scores)
		if n > 10 {
			n = 10
		}
		sum := 0.0
		for _, s := range scores[:n] {
			sum += s
		}
		avgRel = (sum / float64(n)) / t.maxObserved
	}
	explore := 1.0 - avgRel

	return llm.Sampling{
		Temperature:      clamp(0.2+0.8*explore+t.jitter(), 0.2, 1.0),
		TopP:             clamp(0.5+0.5*explore+t.jitter(), 0.5, 1.0),
		FrequencyPenalty: clamp(explore+t.jitter(), 0.0, 1.0),
		PresencePenalty:  clamp(explore+t.jitter(), 0.0, 1.0),
	}
}

func (t *tuner) jitter() float64 {
	return (t.rng.Float64()*2 - 1) * jitterSpan
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
