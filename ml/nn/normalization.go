package nn

import (
	"github.com/r2gencmn/r2gen/ml"
)

type LayerNorm struct {
	Weight ml.Tensor `param:"weight"`
	Bias   ml.Tensor `param:"bias"`
}

func NewLayerNorm(b ml.Backend, name string, dim int) *LayerNorm {
	return &LayerNorm{
		Weight: b.NewParameter(name+".weight", ml.InitOnes, dim),
		Bias:   b.NewParameter(name+".bias", ml.InitZeros, dim),
	}
}

func (m *LayerNorm) Forward(ctx ml.Context, t ml.Tensor, eps float32) ml.Tensor {
	return t.LayerNorm(ctx, m.Weight, m.Bias, eps)
}
