// Package dense implements ml.Backend in pure Go on top of
// github.com/pdevine/tensor. Every operation is evaluated eagerly.
package dense

import (
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime"
	"sync"

	"github.com/pdevine/tensor"

	"github.com/r2gencmn/r2gen/ml"
)

const initStdDev = 0.02

type Backend struct {
	mu sync.Mutex

	rng     *rand.Rand
	threads int

	names  []string
	params map[string]*Tensor
}

func New(params ml.BackendParams) (ml.Backend, error) {
	threads := params.NumThreads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	slog.Debug("dense backend", "seed", params.Seed, "threads", threads)
	return &Backend{
		// PCG requires two parameters: sequence and stream
		rng:     rand.New(rand.NewPCG(params.Seed, params.Seed^0x9E3779B9)),
		threads: threads,
		params:  make(map[string]*Tensor),
	}, nil
}

func init() {
	ml.RegisterBackend("dense", New)
}

func (b *Backend) NewParameter(name string, init ml.Initializer, shape ...int) ml.Tensor {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.params[name]; ok {
		panic(fmt.Errorf("dense: parameter %q already allocated", name))
	}

	data := make([]float32, ml.Elements(shape...))
	switch init {
	case ml.InitNormal:
		for i := range data {
			data[i] = float32(b.rng.NormFloat64() * initStdDev)
		}
	case ml.InitOnes:
		for i := range data {
			data[i] = 1
		}
	case ml.InitZeros:
	default:
		panic(fmt.Errorf("dense: unknown initializer %d", init))
	}

	t := b.newTensor(shape, data)
	t.requiresGrad = true

	b.names = append(b.names, name)
	b.params[name] = t
	return t
}

func (b *Backend) Get(name string) ml.Tensor {
	b.mu.Lock()
	defer b.mu.Unlock()

	if t, ok := b.params[name]; ok {
		return t
	}

	return nil
}

func (b *Backend) Names() []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	names := make([]string, len(b.names))
	copy(names, b.names)
	return names
}

func (b *Backend) NewContext() ml.Context {
	return &Context{b: b}
}

func (b *Backend) newTensor(shape []int, backing any) *Tensor {
	if len(shape) == 0 {
		shape = []int{1}
	}

	return &Tensor{
		b: b,
		d: tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing)),
	}
}

type Context struct {
	b *Backend
}

func checkShape[S ~[]E, E any](s S, shape ...int) error {
	if len(shape) == 0 || ml.Elements(shape...) != len(s) {
		return fmt.Errorf("invalid shape %v for %d elements", shape, len(s))
	}

	for _, v := range shape {
		if v <= 0 {
			return fmt.Errorf("invalid shape: %v", shape)
		}
	}

	return nil
}

func (c *Context) Zeros(dtype ml.DType, shape ...int) ml.Tensor {
	n := ml.Elements(shape...)
	switch dtype {
	case ml.DTypeF32:
		return c.b.newTensor(shape, make([]float32, n))
	case ml.DTypeI32:
		return c.b.newTensor(shape, make([]int32, n))
	default:
		panic("unsupported dtype for zeros")
	}
}

func (c *Context) FromFloatSlice(s []float32, shape ...int) (ml.Tensor, error) {
	if err := checkShape(s, shape...); err != nil {
		return nil, err
	}

	return c.b.newTensor(shape, append([]float32(nil), s...)), nil
}

func (c *Context) FromIntSlice(s []int32, shape ...int) (ml.Tensor, error) {
	if err := checkShape(s, shape...); err != nil {
		return nil, err
	}

	return c.b.newTensor(shape, append([]int32(nil), s...)), nil
}

func (c *Context) Close() error {
	return nil
}
