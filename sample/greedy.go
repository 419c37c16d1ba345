package sample

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

type greedy struct{}

func Greedy() Sampler {
	return greedy{}
}

// Sample returns the index of the largest transformed logit.
func (greedy) Sample(logits []float32, transforms ...Transform) (int32, float64, error) {
	if len(logits) == 0 {
		return -1, 0, ErrNoValidLogits
	}

	raw := toFloat64(logits)
	transformed, err := apply(raw, transforms)
	if err != nil {
		return -1, 0, err
	}

	id := floats.MaxIdx(transformed)
	if math.IsInf(transformed[id], -1) || math.IsNaN(transformed[id]) {
		return -1, 0, ErrNoValidLogits
	}

	return int32(id), logprob(raw, id), nil
}
