// Package sample picks the next report token from decoder logits.
package sample

import (
	"cmp"
	"errors"
	"math"
	"math/rand/v2"
	"slices"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
	"gonum.org/v1/gonum/floats"
)

// Transform rewrites logits before a token is drawn. Masked entries are
// set to -Inf.
type Transform interface {
	Apply([]float64) ([]float64, error)
}

// Sampler returns the chosen token and its log-probability under the
// untransformed logits.
type Sampler interface {
	Sample([]float32, ...Transform) (int32, float64, error)
}

var ErrNoValidLogits = errors.New("sample: no valid logits")

func softmax(logits []float64) []float64 {
	lse := floats.LogSumExp(logits)
	tt := make([]float64, len(logits))
	for i, v := range logits {
		tt[i] = math.Exp(v - lse)
	}
	return tt
}

func logprob(logits []float64, id int) float64 {
	return logits[id] - floats.LogSumExp(logits)
}

func toFloat64(logits []float32) []float64 {
	logits64 := make([]float64, len(logits))
	for i, v := range logits {
		logits64[i] = float64(v)
	}
	return logits64
}

func apply(logits []float64, transforms []Transform) ([]float64, error) {
	logits = slices.Clone(logits)

	var err error
	for _, t := range transforms {
		logits, err = t.Apply(logits)
		if err != nil {
			return nil, err
		}
	}

	return logits, nil
}

type Temperature float64

func (t Temperature) Apply(logits []float64) ([]float64, error) {
	if t <= 0 {
		return nil, errors.New("temperature must be greater than 0, use the greedy sampler instead")
	}
	if t == 1 {
		return logits, nil
	}

	// subtracting max logit to avoid under/overflow
	maxLogit := floats.Max(logits)
	for i := range logits {
		logits[i] = (logits[i] - maxLogit) / float64(t)
	}

	return logits, nil
}

type logitMap struct {
	index int
	logit float64
}

func logitMapComparator(a, b logitMap) int {
	return -cmp.Compare(a.logit, b.logit)
}

type TopK int

func (k TopK) Apply(logits []float64) ([]float64, error) {
	if k <= 0 {
		return nil, errors.New("k must be greater than 0")
	}
	if int(k) >= len(logits) {
		return logits, nil
	}

	q := pq.NewWith(logitMapComparator)
	for i, logit := range logits {
		q.Enqueue(logitMap{index: i, logit: logit})
	}

	keep := make([]bool, len(logits))
	for range k {
		m, _ := q.Dequeue()
		keep[m.index] = true
	}

	for i := range logits {
		if !keep[i] {
			logits[i] = math.Inf(-1)
		}
	}

	return logits, nil
}

type TopP float64

func (p TopP) Apply(logits []float64) ([]float64, error) {
	if p <= 0 || p > 1 {
		return nil, errors.New("p must be in (0, 1]")
	}
	if p == 1 {
		return logits, nil
	}

	probs := softmax(logits)
	indices := make([]int, len(probs))
	for i := range indices {
		indices[i] = i
	}

	// sort in descending order
	slices.SortStableFunc(indices, func(i, j int) int {
		return cmp.Compare(probs[j], probs[i])
	})

	var cumSum float64
	for i, idx := range indices {
		cumSum += probs[idx]
		if cumSum >= float64(p) {
			for _, idx := range indices[i+1:] {
				logits[idx] = math.Inf(-1)
			}
			break
		}
	}

	return logits, nil
}

// Forbid masks a single token, used to stop the decoder from repeating the
// previous one.
type Forbid int32

func (f Forbid) Apply(logits []float64) ([]float64, error) {
	if f >= 0 && int(f) < len(logits) {
		logits[f] = math.Inf(-1)
	}

	return logits, nil
}

type weighted struct {
	rng *rand.Rand
}

// Weighted draws a token in proportion to its probability after the
// transforms. A nil seed uses the global source.
func Weighted(seed *uint64) Sampler {
	var rng *rand.Rand
	if seed != nil {
		// PCG requires two parameters: sequence and stream
		rng = rand.New(rand.NewPCG(*seed, *seed^0x9E3779B9))
	}

	return weighted{rng: rng}
}

func (s weighted) Sample(logits []float32, transforms ...Transform) (int32, float64, error) {
	if len(logits) == 0 {
		return -1, 0, ErrNoValidLogits
	}

	raw := toFloat64(logits)
	transformed, err := apply(raw, transforms)
	if err != nil {
		return -1, 0, err
	}

	indices := make([]int, 0, len(transformed))
	valid := make([]float64, 0, len(transformed))
	for i, logit := range transformed {
		if !math.IsInf(logit, -1) && !math.IsNaN(logit) {
			indices = append(indices, i)
			valid = append(valid, logit)
		}
	}

	if len(valid) == 0 {
		return -1, 0, ErrNoValidLogits
	}

	cum := floats.CumSum(make([]float64, len(valid)), softmax(valid))

	var r float64
	if s.rng != nil {
		r = s.rng.Float64()
	} else {
		r = rand.Float64()
	}
	r *= cum[len(cum)-1]

	idx, _ := slices.BinarySearchFunc(cum, r, func(v, target float64) int {
		if v <= target {
			return -1
		}
		return 1
	})
	idx = min(idx, len(indices)-1)

	id := indices[idx]
	return int32(id), logprob(raw, id), nil
}
