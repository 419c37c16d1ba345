package ml

import (
	"fmt"
	"slices"
	"strings"
)

type BackendParams struct {
	// Seed initializes the stream parameters are drawn from.
	Seed uint64

	// NumThreads bounds the goroutines used by a single operation.
	// Zero means runtime.NumCPU.
	NumThreads int
}

type Backend interface {
	// NewParameter allocates a named weight initialized by init. Parameters
	// require gradients until SetRequiresGrad(false) is called on them.
	NewParameter(name string, init Initializer, shape ...int) Tensor

	// Get returns the parameter registered under name or nil.
	Get(name string) Tensor

	// Names returns all parameter names in allocation order.
	Names() []string

	NewContext() Context
}

var backends = make(map[string]func(BackendParams) (Backend, error))

func RegisterBackend(name string, f func(BackendParams) (Backend, error)) {
	if _, ok := backends[name]; ok {
		panic("backend: backend already registered")
	}

	backends[name] = f
}

func NewBackend(name string, params BackendParams) (Backend, error) {
	if backend, ok := backends[name]; ok {
		return backend(params)
	}

	return nil, fmt.Errorf("unsupported backend %q", name)
}

// Initializer selects how a parameter is filled when it is allocated.
type Initializer int

const (
	InitNormal Initializer = iota
	InitZeros
	InitOnes
)

type Context interface {
	Zeros(dtype DType, shape ...int) Tensor
	FromFloatSlice(s []float32, shape ...int) (Tensor, error)
	FromIntSlice(s []int32, shape ...int) (Tensor, error)

	Close() error
}

// Tensor is an n-dimensional array in row-major order: the last dimension
// is the contiguous one. Operations never modify their receiver.
type Tensor interface {
	Dim(n int) int
	Shape() []int
	DType() DType

	Floats() []float32
	Ints() []int32

	RequiresGrad() bool
	SetRequiresGrad(bool)

	// Add, Sub and Mul are elementwise. t2 may have fewer dimensions than t
	// in which case it is broadcast over the leading dimensions of t.
	Add(ctx Context, t2 Tensor) Tensor
	Sub(ctx Context, t2 Tensor) Tensor
	Mul(ctx Context, t2 Tensor) Tensor
	Scale(ctx Context, s float64) Tensor

	// Mulmat returns the matrix product of the last two dimensions of t
	// ([..., m, k]) and t2 ([k, n] or [..., k, n]).
	Mulmat(ctx Context, t2 Tensor) Tensor

	Softmax(ctx Context) Tensor
	LogSoftmax(ctx Context) Tensor
	LayerNorm(ctx Context, weight, bias Tensor, eps float32) Tensor

	RELU(ctx Context) Tensor
	GELU(ctx Context) Tensor

	// Mean reduces dimension dim.
	Mean(ctx Context, dim int) Tensor

	Reshape(ctx Context, shape ...int) Tensor
	Permute(ctx Context, order ...int) Tensor

	// Slice keeps [low, high) of dimension dim. The rank is unchanged.
	Slice(ctx Context, dim, low, high int) Tensor
	Concat(ctx Context, t2 Tensor, dim int) Tensor

	// Rows gathers rows of a 2D tensor by the int32 ids in t2. The result
	// has shape t2.Shape() + [t.Dim(1)].
	Rows(ctx Context, t2 Tensor) Tensor
}

type number interface {
	~int | ~int8 | ~int16 | ~int32 | ~int64 |
		~uint | ~uint8 | ~uint16 | ~uint32 | ~uint64 |
		~float32 | ~float64
}

func mul[T number](s ...T) T {
	p := T(1)
	for _, v := range s {
		p *= v
	}

	return p
}

// Elements returns the number of values a tensor of the given shape holds.
func Elements(shape ...int) int {
	return mul(shape...)
}

type DumpOptions struct {
	// Items is the number of elements to print at the beginning and end of each dimension.
	Items int

	// Precision is the number of decimal places to print. Applies to float32.
	Precision int
}

func Dump(t Tensor, opts ...DumpOptions) string {
	if t == nil {
		return "<nil>"
	}

	if len(opts) < 1 {
		opts = append(opts, DumpOptions{
			Items:     3,
			Precision: 4,
		})
	}

	switch t.DType() {
	case DTypeF32:
		return dump(t.Floats(), t.Shape(), opts[0], func(v float32) string {
			return fmt.Sprintf("%.*f", opts[0].Precision, v)
		})
	case DTypeI32:
		return dump(t.Ints(), t.Shape(), opts[0], func(v int32) string {
			return fmt.Sprint(v)
		})
	default:
		return "<unsupported>"
	}
}

func dump[S ~[]E, E number](s S, shape []int, opts DumpOptions, format func(E) string) string {
	if len(shape) == 0 {
		return "[]"
	}

	var sb strings.Builder
	var f func([]int, int)
	f = func(dims []int, stride int) {
		prefix := strings.Repeat(" ", len(shape)-len(dims)+1)
		fmt.Fprint(&sb, "[")
		defer func() { fmt.Fprint(&sb, "]") }()
		for i := 0; i < dims[0]; i++ {
			if i >= opts.Items && i < dims[0]-opts.Items {
				fmt.Fprint(&sb, "..., ")
				// skip to next printable element
				skip := dims[0] - 2*opts.Items
				if len(dims) > 1 {
					stride += mul(append(slices.Clone(dims[1:]), skip)...)
					fmt.Fprint(&sb, strings.Repeat("\n", len(dims)-1), prefix)
				}
				i += skip - 1
			} else if len(dims) > 1 {
				f(dims[1:], stride)
				stride += mul(dims[1:]...)
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ",", strings.Repeat("\n", len(dims)-1), prefix)
				}
			} else {
				fmt.Fprint(&sb, format(s[stride+i]))
				if i < dims[0]-1 {
					fmt.Fprint(&sb, ", ")
				}
			}
		}
	}
	f(shape, 0)

	return sb.String()
}

type DType int

const (
	DTypeF32 DType = iota
	DTypeI32
	DTypeOther
)

func (d DType) String() string {
	switch d {
	case DTypeF32:
		return "f32"
	case DTypeI32:
		return "i32"
	default:
		return "other"
	}
}
