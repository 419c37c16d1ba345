package basecmn

import (
	"cmp"
	"fmt"
	"math"
	"runtime"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
	"golang.org/x/sync/errgroup"

	"github.com/r2gencmn/r2gen/kvcache"
	"github.com/r2gencmn/r2gen/ml"
	"github.com/r2gencmn/r2gen/ml/nn"
)

// Memory is the cross-modal memory: a trainable matrix shared by the
// visual and textual sides. Queries attend to their topK best matching
// slots per head.
type Memory struct {
	Matrix    ml.Tensor              `param:"memory_matrix"`
	Attention *nn.MultiHeadAttention `param:"attn"`

	topK int
}

func newMemory(b ml.Backend, name string, size, dim, numHeads, topK int) *Memory {
	return &Memory{
		Matrix:    b.NewParameter(name+".memory_matrix", ml.InitNormal, size, dim),
		Attention: nn.NewMultiHeadAttention(b, name+".attn", dim, numHeads),
		topK:      topK,
	}
}

// Size is the number of memory slots.
func (m *Memory) Size() int {
	return m.Matrix.Dim(0)
}

// Slots returns the memory slots each sample may read. Without retrieval
// ids every sample reads every slot. Otherwise sample b reads the distinct
// slots ids[b, :] mod Size, in order of first appearance.
func (m *Memory) Slots(ids ml.Tensor, batchSize int) ([][]int, error) {
	size := m.Size()
	slots := make([][]int, batchSize)

	if ids == nil {
		all := make([]int, size)
		for i := range all {
			all[i] = i
		}

		for b := range slots {
			slots[b] = all
		}

		return slots, nil
	}

	if ids.DType() != ml.DTypeI32 || len(ids.Shape()) != 2 || ids.Dim(0) != batchSize {
		return nil, fmt.Errorf("%w: retrieval ids must be int32 [%d, n], got %v %v", ErrInvalidShape, batchSize, ids.DType(), ids.Shape())
	}

	n := ids.Dim(1)
	values := ids.Ints()
	for b := range slots {
		seen := make(map[int]bool, n)
		for _, id := range values[b*n : (b+1)*n] {
			slot := (int(id)%size + size) % size
			if !seen[slot] {
				seen[slot] = true
				slots[b] = append(slots[b], slot)
			}
		}
	}

	return slots, nil
}

type slotScore struct {
	slot  int
	score float64
}

func slotScoreComparator(a, b slotScore) int {
	return -cmp.Compare(a.score, b.score)
}

// project returns the key and value projections of the memory matrix,
// computing them only when cache does not hold them yet. cache may be nil.
func (m *Memory) project(ctx ml.Context, cache *kvcache.EncoderCache) (key, value ml.Tensor) {
	if cache != nil && cache.EncoderCached() {
		key, value, _ = cache.Get(ctx)
		return key, value
	}

	key = m.Attention.Key.Forward(ctx, m.Matrix)
	value = m.Attention.Value.Forward(ctx, m.Matrix)
	if cache != nil {
		cache.Put(ctx, key, value)
	}

	return key, value
}

// Forward returns the memory responses for x [batch, length, dim]. Each
// position is answered on its own, so positions may be fed in any split.
func (m *Memory) Forward(ctx ml.Context, x ml.Tensor, slots [][]int, cache *kvcache.EncoderCache) (ml.Tensor, error) {
	batchSize, length, dim := x.Dim(0), x.Dim(1), x.Dim(2)
	numHeads := m.Attention.NumHeads
	headDim := dim / numHeads
	scale := 1 / math.Sqrt(float64(headDim))

	query := m.Attention.Query.Forward(ctx, x).Floats()
	keyState, valueState := m.project(ctx, cache)
	key, value := keyState.Floats(), valueState.Floats()

	out := make([]float32, batchSize*length*dim)

	var g errgroup.Group
	g.SetLimit(runtime.GOMAXPROCS(0))
	for b := range batchSize {
		for h := range numHeads {
			g.Go(func() error {
				candidates := slots[b]
				k := min(m.topK, len(candidates))
				offset := h * headDim

				for l := range length {
					row := (b*length + l) * dim
					q := query[row+offset : row+offset+headDim]

					queue := pq.NewWith(slotScoreComparator)
					for _, slot := range candidates {
						kk := key[slot*dim+offset : slot*dim+offset+headDim]

						var score float64
						for j := range headDim {
							score += float64(q[j]) * float64(kk[j])
						}

						queue.Enqueue(slotScore{slot: slot, score: score * scale})
					}

					top := make([]slotScore, k)
					for i := range top {
						top[i], _ = queue.Dequeue()
					}

					// top[0] holds the largest score
					var sum float64
					weights := make([]float64, k)
					for i, s := range top {
						weights[i] = math.Exp(s.score - top[0].score)
						sum += weights[i]
					}

					o := out[row+offset : row+offset+headDim]
					for i, s := range top {
						w := float32(weights[i] / sum)
						vv := value[s.slot*dim+offset : s.slot*dim+offset+headDim]
						for j := range headDim {
							o[j] += w * vv[j]
						}
					}
				}

				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	responses, err := ctx.FromFloatSlice(out, batchSize, length, dim)
	if err != nil {
		return nil, err
	}

	return m.Attention.Output.Forward(ctx, responses), nil
}
