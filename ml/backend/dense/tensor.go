package dense

import (
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"

	"github.com/pdevine/tensor"

	"github.com/r2gencmn/r2gen/ml"
)

type Tensor struct {
	b *Backend
	d *tensor.Dense

	requiresGrad bool
}

func (t *Tensor) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("type", t.DType().String()),
		slog.Any("shape", t.Shape()),
	)
}

func (t *Tensor) Dim(n int) int {
	return t.d.Shape()[n]
}

func (t *Tensor) Shape() []int {
	return slices.Clone([]int(t.d.Shape()))
}

func (t *Tensor) DType() ml.DType {
	switch t.d.Data().(type) {
	case []float32, float32:
		return ml.DTypeF32
	case []int32, int32:
		return ml.DTypeI32
	default:
		return ml.DTypeOther
	}
}

func backing[E float32 | int32](d *tensor.Dense) []E {
	switch v := d.Data().(type) {
	case []E:
		return v
	case E:
		return []E{v}
	default:
		panic(fmt.Errorf("dense: unexpected backing %T", v))
	}
}

func (t *Tensor) f32() []float32 {
	return backing[float32](t.d)
}

// data returns the backing slice of d, never a scalar.
func data(d *tensor.Dense) any {
	switch d.Data().(type) {
	case []int32, int32:
		return backing[int32](d)
	default:
		return backing[float32](d)
	}
}

func (t *Tensor) Floats() []float32 {
	if t.DType() != ml.DTypeF32 {
		return nil
	}

	return slices.Clone(t.f32())
}

func (t *Tensor) Ints() []int32 {
	if t.DType() != ml.DTypeI32 {
		return nil
	}

	return slices.Clone(backing[int32](t.d))
}

func (t *Tensor) RequiresGrad() bool {
	return t.requiresGrad
}

func (t *Tensor) SetRequiresGrad(b bool) {
	t.requiresGrad = b
}

func (t *Tensor) wrap(d tensor.Tensor, err error) *Tensor {
	if err != nil {
		panic(err)
	}

	return &Tensor{b: t.b, d: tensor.Materialize(d).(*tensor.Dense)}
}

func (t *Tensor) from(shape []int, data []float32) *Tensor {
	return t.b.newTensor(shape, data)
}

func asDense(t ml.Tensor) *Tensor {
	tt, ok := t.(*Tensor)
	if !ok {
		panic(fmt.Errorf("dense: tensor %T is from another backend", t))
	}

	return tt
}

// broadcast applies op between t and a t2 whose shape is a suffix of t's
// shape. Equal shapes go through the tensor package.
func (t *Tensor) broadcast(t2 ml.Tensor, name string, dense func(a, b any, opts ...tensor.FuncOpt) (tensor.Tensor, error), op func(a, b float32) float32) ml.Tensor {
	tt := asDense(t2)
	shape, shape2 := t.Shape(), tt.Shape()
	if slices.Equal(shape, shape2) {
		return t.wrap(dense(t.d, tt.d))
	}

	if len(shape2) > len(shape) || !slices.Equal(shape[len(shape)-len(shape2):], shape2) {
		panic(fmt.Errorf("dense: %s shapes %v and %v do not broadcast", name, shape, shape2))
	}

	a, b := t.f32(), tt.f32()
	out := make([]float32, len(a))
	for i := range a {
		out[i] = op(a[i], b[i%len(b)])
	}

	return t.from(shape, out)
}

func (t *Tensor) Add(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.broadcast(t2, "add", tensor.Add, func(a, b float32) float32 { return a + b })
}

func (t *Tensor) Sub(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.broadcast(t2, "sub", tensor.Sub, func(a, b float32) float32 { return a - b })
}

func (t *Tensor) Mul(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	return t.broadcast(t2, "mul", tensor.Mul, func(a, b float32) float32 { return a * b })
}

func (t *Tensor) Scale(ctx ml.Context, s float64) ml.Tensor {
	return t.wrap(tensor.Mul(t.d, float32(s)))
}

func (t *Tensor) Mulmat(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	tt := asDense(t2)
	shape, shape2 := t.Shape(), tt.Shape()
	if len(shape) < 2 || len(shape2) < 2 {
		panic(fmt.Errorf("dense: mulmat needs matrices, got %v and %v", shape, shape2))
	}

	m, k := shape[len(shape)-2], shape[len(shape)-1]
	k2, n := shape2[len(shape2)-2], shape2[len(shape2)-1]
	if k != k2 {
		panic(fmt.Errorf("dense: mulmat inner dimensions differ: %v and %v", shape, shape2))
	}

	batch := ml.Elements(shape[:len(shape)-2]...)
	shared := len(shape2) == 2
	if !shared && !slices.Equal(shape[:len(shape)-2], shape2[:len(shape2)-2]) {
		panic(fmt.Errorf("dense: mulmat batch dimensions differ: %v and %v", shape, shape2))
	}

	a, b := t.f32(), tt.f32()
	out := make([]float32, batch*m*n)

	var wg sync.WaitGroup
	sem := make(chan struct{}, t.b.threads)
	for i := range batch {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer func() {
				<-sem
				wg.Done()
			}()

			aa := a[i*m*k : (i+1)*m*k]
			bb := b
			if !shared {
				bb = b[i*k*n : (i+1)*k*n]
			}

			oo := out[i*m*n : (i+1)*m*n]
			for r := range m {
				row := oo[r*n : (r+1)*n]
				for p := range k {
					v := aa[r*k+p]
					if v == 0 {
						continue
					}

					col := bb[p*n : (p+1)*n]
					for c := range n {
						row[c] += v * col[c]
					}
				}
			}
		}()
	}
	wg.Wait()

	return t.from(append(shape[:len(shape)-1:len(shape)-1], n), out)
}

// rows calls fn for each vector along the last dimension.
func (t *Tensor) rows(fn func(in, out []float32)) ml.Tensor {
	shape := t.Shape()
	n := shape[len(shape)-1]
	in := t.f32()
	out := make([]float32, len(in))
	for i := 0; i < len(in); i += n {
		fn(in[i:i+n], out[i:i+n])
	}

	return t.from(shape, out)
}

func (t *Tensor) Softmax(ctx ml.Context) ml.Tensor {
	return t.rows(func(in, out []float32) {
		maxValue := slices.Max(in)
		var sum float64
		for i, v := range in {
			e := math.Exp(float64(v - maxValue))
			out[i] = float32(e)
			sum += e
		}

		for i := range out {
			out[i] = float32(float64(out[i]) / sum)
		}
	})
}

func (t *Tensor) LogSoftmax(ctx ml.Context) ml.Tensor {
	return t.rows(func(in, out []float32) {
		maxValue := slices.Max(in)
		var sum float64
		for _, v := range in {
			sum += math.Exp(float64(v - maxValue))
		}

		lse := float64(maxValue) + math.Log(sum)
		for i, v := range in {
			out[i] = float32(float64(v) - lse)
		}
	})
}

func (t *Tensor) LayerNorm(ctx ml.Context, w, b ml.Tensor, eps float32) ml.Tensor {
	var weight, bias []float32
	if w != nil {
		weight = asDense(w).f32()
	}

	if b != nil {
		bias = asDense(b).f32()
	}

	return t.rows(func(in, out []float32) {
		var mean float64
		for _, v := range in {
			mean += float64(v)
		}
		mean /= float64(len(in))

		var variance float64
		for _, v := range in {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(len(in))

		std := math.Sqrt(variance + float64(eps))
		for i, v := range in {
			x := float32((float64(v) - mean) / std)
			if weight != nil {
				x *= weight[i]
			}

			if bias != nil {
				x += bias[i]
			}

			out[i] = x
		}
	})
}

func (t *Tensor) unary(fn func(float32) float32) ml.Tensor {
	in := t.f32()
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = fn(v)
	}

	return t.from(t.Shape(), out)
}

func (t *Tensor) RELU(ctx ml.Context) ml.Tensor {
	return t.unary(func(v float32) float32 {
		return max(v, 0)
	})
}

func (t *Tensor) GELU(ctx ml.Context) ml.Tensor {
	return t.unary(func(v float32) float32 {
		x := float64(v)
		return float32(0.5 * x * (1 + math.Tanh(math.Sqrt(2/math.Pi)*(x+0.044715*x*x*x))))
	})
}

func (t *Tensor) Mean(ctx ml.Context, dim int) ml.Tensor {
	shape := t.Shape()
	if dim < 0 || dim >= len(shape) {
		panic(fmt.Errorf("dense: mean dimension %d out of range for %v", dim, shape))
	}

	outer := ml.Elements(shape[:dim]...)
	inner := ml.Elements(shape[dim+1:]...)
	n := shape[dim]

	in := t.f32()
	out := make([]float32, outer*inner)
	for o := range outer {
		for j := range n {
			base := (o*n + j) * inner
			for i := range inner {
				out[o*inner+i] += in[base+i]
			}
		}
	}

	for i := range out {
		out[i] /= float32(n)
	}

	return t.from(slices.Delete(shape, dim, dim+1), out)
}

func (t *Tensor) Reshape(ctx ml.Context, shape ...int) ml.Tensor {
	if ml.Elements(shape...) != ml.Elements(t.Shape()...) {
		panic(fmt.Errorf("dense: cannot reshape %v to %v", t.Shape(), shape))
	}

	return &Tensor{
		b: t.b,
		d: tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data(t.d))),
	}
}

func (t *Tensor) Permute(ctx ml.Context, order ...int) ml.Tensor {
	if len(order) != len(t.d.Shape()) {
		panic(fmt.Errorf("dense: permutation %v does not match rank of %v", order, t.Shape()))
	}

	identity := true
	for i, o := range order {
		identity = identity && i == o
	}

	if identity {
		return t.Reshape(ctx, t.Shape()...)
	}

	return t.wrap(tensor.Transpose(t.d, order...))
}

func (t *Tensor) Slice(ctx ml.Context, dim, low, high int) ml.Tensor {
	shape := t.Shape()
	if dim < 0 || dim >= len(shape) || low < 0 || high > shape[dim] || low >= high {
		panic(fmt.Errorf("dense: invalid slice [%d:%d] of dimension %d for %v", low, high, dim, shape))
	}

	ss := make([]tensor.Slice, len(shape))
	ss[dim] = tensor.S(low, high)

	v, err := t.d.Slice(ss...)
	if err != nil {
		panic(err)
	}

	shape[dim] = high - low
	d := tensor.Materialize(v).(*tensor.Dense)
	return &Tensor{
		b: t.b,
		d: tensor.New(tensor.WithShape(shape...), tensor.WithBacking(data(d))),
	}
}

func (t *Tensor) Concat(ctx ml.Context, t2 ml.Tensor, dim int) ml.Tensor {
	return t.wrap(tensor.Concat(dim, t.d, asDense(t2).d))
}

func (t *Tensor) Rows(ctx ml.Context, t2 ml.Tensor) ml.Tensor {
	shape := t.Shape()
	if len(shape) != 2 {
		panic(fmt.Errorf("dense: rows needs a matrix, got %v", shape))
	}

	tt := asDense(t2)
	if tt.DType() != ml.DTypeI32 {
		panic("dense: rows needs int32 indices")
	}

	ids := backing[int32](tt.d)
	n := shape[1]
	in := t.f32()
	out := make([]float32, 0, len(ids)*n)
	for _, id := range ids {
		if id < 0 || int(id) >= shape[0] {
			panic(fmt.Errorf("dense: row %d out of range [0, %d)", id, shape[0]))
		}

		out = append(out, in[int(id)*n:int(id+1)*n]...)
	}

	return t.from(append(tt.Shape(), n), out)
}
