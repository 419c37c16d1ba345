package nn

import (
	"fmt"
	"math"

	"github.com/r2gencmn/r2gen/kvcache"
	"github.com/r2gencmn/r2gen/ml"
)

// Attention implements scaled dot-product attention:
// Attention(Q, K, V) = softmax(QK^T·scale + mask)V
//
// Parameters:
//   - ctx: Context for tensor operations
//   - query: Query tensor (Q) with shape [batch, heads, seq_len_q, d_k]
//   - key: Key tensor (K) with shape [batch, heads, seq_len_k, d_k]
//   - value: Value tensor (V) with shape [batch, heads, seq_len_k, d_v]
//   - mask: Additive mask broadcastable to [batch, heads, seq_len_q, seq_len_k], may be nil
//   - scale: Scaling factor, typically 1/√d_k
//
// Returns:
//
//	Attention output with shape [batch, heads, seq_len_q, d_v]
func Attention(ctx ml.Context, query, key, value, mask ml.Tensor, scale float64) ml.Tensor {
	if query.Dim(3) != key.Dim(3) {
		panic(fmt.Errorf("d_k in attention operation does not match between query(%v) and key(%v)", query.Dim(3), key.Dim(3)))
	}

	if key.Dim(2) != value.Dim(2) {
		panic(fmt.Errorf("seq_len_k in attention operation does not match between key(%v) and value(%v)", key.Dim(2), value.Dim(2)))
	}

	kq := query.Mulmat(ctx, key.Permute(ctx, 0, 1, 3, 2))
	kq = kq.Scale(ctx, scale)
	if mask != nil {
		kq = kq.Add(ctx, mask)
	}
	kq = kq.Softmax(ctx)

	return kq.Mulmat(ctx, value)
}

// MultiHeadAttention projects query, key and value, attends per head and
// projects the concatenated heads back to the model dimension.
type MultiHeadAttention struct {
	Query  *Linear `param:"q"`
	Key    *Linear `param:"k"`
	Value  *Linear `param:"v"`
	Output *Linear `param:"o"`

	NumHeads int
}

func NewMultiHeadAttention(b ml.Backend, name string, dim, numHeads int) *MultiHeadAttention {
	if dim%numHeads != 0 {
		panic(fmt.Errorf("model dimension %d is not divisible by %d heads", dim, numHeads))
	}

	return &MultiHeadAttention{
		Query:    NewLinear(b, name+".q", dim, dim),
		Key:      NewLinear(b, name+".k", dim, dim),
		Value:    NewLinear(b, name+".v", dim, dim),
		Output:   NewLinear(b, name+".o", dim, dim),
		NumHeads: numHeads,
	}
}

// SplitHeads reshapes [batch, length, dim] into [batch, heads, length, dim/heads].
func SplitHeads(ctx ml.Context, t ml.Tensor, numHeads int) ml.Tensor {
	batchSize, length, dim := t.Dim(0), t.Dim(1), t.Dim(2)
	t = t.Reshape(ctx, batchSize, length, numHeads, dim/numHeads)
	return t.Permute(ctx, 0, 2, 1, 3)
}

// MergeHeads is the inverse of SplitHeads.
func MergeHeads(ctx ml.Context, t ml.Tensor) ml.Tensor {
	batchSize, numHeads, length, headDim := t.Dim(0), t.Dim(1), t.Dim(2), t.Dim(3)
	t = t.Permute(ctx, 0, 2, 1, 3)
	return t.Reshape(ctx, batchSize, length, numHeads*headDim)
}

func (m *MultiHeadAttention) Forward(ctx ml.Context, query, key, value, mask ml.Tensor) ml.Tensor {
	q := SplitHeads(ctx, m.Query.Forward(ctx, query), m.NumHeads)
	k := SplitHeads(ctx, m.Key.Forward(ctx, key), m.NumHeads)
	v := SplitHeads(ctx, m.Value.Forward(ctx, value), m.NumHeads)

	attention := Attention(ctx, q, k, v, mask, 1/math.Sqrt(float64(q.Dim(3))))
	return m.Output.Forward(ctx, MergeHeads(ctx, attention))
}

// ForwardCache attends over the keys and values held by cache. When key is
// not nil, key and value are projected and stored first. A nil key reads
// only what is already cached.
func (m *MultiHeadAttention) ForwardCache(ctx ml.Context, query, key, value ml.Tensor, cache kvcache.Cache) ml.Tensor {
	q := SplitHeads(ctx, m.Query.Forward(ctx, query), m.NumHeads)

	if key != nil {
		k := SplitHeads(ctx, m.Key.Forward(ctx, key), m.NumHeads)
		v := SplitHeads(ctx, m.Value.Forward(ctx, value), m.NumHeads)
		cache.Put(ctx, k, v)
	}

	k, v, mask := cache.Get(ctx)
	attention := Attention(ctx, q, k, v, mask, 1/math.Sqrt(float64(q.Dim(3))))
	return m.Output.Forward(ctx, MergeHeads(ctx, attention))
}

// FeedForward is the position-wise Linear-ReLU-Linear block.
type FeedForward struct {
	Up   *Linear `param:"ffn_up"`
	Down *Linear `param:"ffn_down"`
}

func NewFeedForward(b ml.Backend, name string, dim, hidden int) *FeedForward {
	return &FeedForward{
		Up:   NewLinear(b, name+".ffn_up", dim, hidden),
		Down: NewLinear(b, name+".ffn_down", hidden, dim),
	}
}

func (m *FeedForward) Forward(ctx ml.Context, t ml.Tensor) ml.Tensor {
	return m.Down.Forward(ctx, m.Up.Forward(ctx, t).RELU(ctx))
}
