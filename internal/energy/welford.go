package energy

import "math"

// Welford streaming mean and population variance
type Welford struct {
	n    int64
	mean float64
	m2   float64
}

// RestoreWelford continues a series from persisted state
func RestoreWelford(n int64, mean, m2 float64) Welford {
	return Welford{n: n, mean: mean, m2: m2}
}

// Add folds one sample into the series
func (w *Welford) Add(x float64) {
	w.n++
	delta := x - w.mean
	w.mean += delta / float64(w.n)
	delta2 := x - w.mean
	w.m2 += delta * delta2
}

func (w *Welford) Count() int64 { return w.n }

func (w *Welford) Mean() float64 { return w.mean }

// M2 sum of squared differences from the mean
func (w *Welford) M2() float64 { return w.m2 }

// Variance population variance, 0 for an empty series
func (w *Welford) Variance() float64 {
	if w.n == 0 {
		return 0
	}
	return w.m2 / float64(w.n)
}

func (w *Welford) StdDev() float64 {
	return math.Sqrt(w.Variance())
}
