package energy

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
)

func twoPass(xs []float64) (mean, variance float64) {
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	for _, x := range xs {
		variance += (x - mean) * (x - mean)
	}
	return mean, variance / float64(len(xs))
}

func TestWelford_Empty(t *testing.T) {
	var w Welford
	assert.Zero(t, w.Count())
	assert.Zero(t, w.Variance())
	assert.Zero(t, w.StdDev())
}

func TestWelford_KnownSeries(t *testing.T) {
	var w Welford
	for _, x := range []float64{2, 4, 4, 4, 5, 5, 7, 9} {
		w.Add(x)
	}
	assert.Equal(t, int64(8), w.Count())
	assert.InDelta(t, 5.0, w.Mean(), 1e-12)
	assert.InDelta(t, 4.0, w.Variance(), 1e-12)
	assert.InDelta(t, 2.0, w.StdDev(), 1e-12)
}

func TestWelford_MatchesTwoPassForPermutations(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	samples := make([]float64, 200)
	for i := range samples {
		samples[i] = 0.02 + rng.Float64()*0.08
	}
	wantMean, wantVar := twoPass(samples)

	for round := 0; round < 25; round++ {
		perm := append([]float64(nil), samples...)
		rng.Shuffle(len(perm), func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })

		var w Welford
		for _, x := range perm {
			w.Add(x)
		}
		assert.InDelta(t, wantMean, w.Mean(), 1e-9)
		assert.InDelta(t, wantVar, w.Variance(), 1e-9)
		assert.InDelta(t, math.Sqrt(wantVar), w.StdDev(), 1e-9)
	}
}

func TestWelford_RestoreContinuesSeries(t *testing.T) {
	xs := []float64{31, 27, 30, 25, 33, 29}
	var full Welford
	for _, x := range xs {
		full.Add(x)
	}

	var head Welford
	for _, x := range xs[:3] {
		head.Add(x)
	}
	resumed := RestoreWelford(head.Count(), head.Mean(), head.M2())
	for _, x := range xs[3:] {
		resumed.Add(x)
	}
	assert.InDelta(t, full.Mean(), resumed.Mean(), 1e-12)
	assert.InDelta(t, full.Variance(), resumed.Variance(), 1e-12)
}

func TestWelford_LargeOffsetStaysStable(t *testing.T) {
	var w Welford
	base := 1e9
	for _, x := range []float64{4, 7, 13, 16} {
		w.Add(base + x)
	}
	assert.InDelta(t, 22.5, w.Variance(), 1e-6)
}
