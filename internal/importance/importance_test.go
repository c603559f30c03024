package importance

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScore_ZeroSignalsIsZero(t *testing.T) {
	assert.Equal(t, 0.0, Score(Signals{}))
}

func TestScore_SaturatedSignalsCapAtOne(t *testing.T) {
	s := Score(Signals{Frequency: 100, Novelty: 5, UserIntent: 3, Length: 100000})
	assert.Equal(t, 1.0, s)
}

func TestScore_WeightedSum(t *testing.T) {
	// freq 5/10 -> 0.15, novelty 0.5 -> 0.125, intent 0.5 -> 0.15,
	// length 1000/2000 -> 0.075.
	s := Score(Signals{Frequency: 5, Novelty: 0.5, UserIntent: 0.5, Length: 1000})
	assert.InDelta(t, 0.5, s, 1e-9)
}

func TestScore_NegativeSignalsClampToZero(t *testing.T) {
	s := Score(Signals{Frequency: -5, Novelty: -1, UserIntent: -1, Length: -100})
	assert.Equal(t, 0.0, s)
}

func TestScore_NoveltyAloneContributesQuarter(t *testing.T) {
	assert.InDelta(t, 0.25, Score(Signals{Novelty: 1}), 1e-9)
}
