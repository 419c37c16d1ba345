package nn

import "github.com/r2gencmn/r2gen/ml"

type Linear struct {
	Weight ml.Tensor `param:"weight"`
	Bias   ml.Tensor `param:"bias"`
}

// NewLinear allocates a [in, out] projection with a bias under name.
func NewLinear(b ml.Backend, name string, in, out int) *Linear {
	return &Linear{
		Weight: b.NewParameter(name+".weight", ml.InitNormal, in, out),
		Bias:   b.NewParameter(name+".bias", ml.InitZeros, out),
	}
}

func (m *Linear) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	t = t.Mulmat(ctx, m.Weight)
	if m.Bias != nil {
		t = t.Add(ctx, m.Bias)
	}

	return t
}
