package supervisor

import "math"

// anomalyMinSamples is how many observations a signal needs before z-score
// comparison is meaningful.
const anomalyMinSamples = 20

// meanVar is Welford's online mean and variance accumulator.
type meanVar struct {
	n    int64
	mean float64
	m2   float64
}

func (w *meanVar) observe(x float64) {
	w.n++
	delta := x - w.mean
	w.mean += delta / float64(w.n)
	w.m2 += delta * (x - w.mean)
}

func (w *meanVar) stddev() float64 {
	if w.n < 2 {
		return 0
	}
	return math.Sqrt(w.m2 / float64(w.n-1))
}

// detector flags observations that deviate from a signal's running
// distribution by more than zScore standard deviations. Signals are keyed by
// task type and metric name so one noisy type never masks another.
type detector struct {
	zScore  float64
	signals map[string]*meanVar
}

func newDetector(zScore float64) *detector {
	return &detector{zScore: zScore, signals: make(map[string]*meanVar)}
}

// observe folds x into the signal's distribution and reports whether x was
// anomalous against the distribution as it stood before this observation.
func (d *detector) observe(signal string, x float64) (flagged bool, z float64) {
	w, ok := d.signals[signal]
	if !ok {
		w = &meanVar{}
		d.signals[signal] = w
	}
	if w.n >= anomalyMinSamples {
		if sd := w.stddev(); sd > 0 {
			z = (x - w.mean) / sd
			flagged = math.Abs(z) > d.zScore
		}
	}
	w.observe(x)
	return flagged, z
}
