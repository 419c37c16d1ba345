package kvcache

import (
	"fmt"

	"github.com/r2gencmn/r2gen/ml"
)

// Causal cache stores K and V tensors of every decoded position so that a
// step only computes the new tokens. All sequences of a batch advance
// together.
//
// Put and Get take and return tensors of shape [batch, heads, length, headDim].
// The mask from Get has shape [batch, heads, new tokens, history]. A query
// at position p sees key j if j <= p and the token at j is not padding.
// Position 0 holds the start token and is always visible.
type Causal struct {
	numHeads int
	capacity int

	// ** current forward pass **

	// the active layer for Get and Put
	curLayer int

	// number of new tokens per sequence in the forward pass
	curLength int

	// mask for the forward pass
	curMask ml.Tensor

	// ** cache metadata **

	// tokens holds the ids seen so far for each sequence of the batch
	tokens [][]int32

	keys, values map[int]ml.Tensor
}

func NewCausalCache(numHeads, capacity int) *Causal {
	return &Causal{
		numHeads: numHeads,
		capacity: capacity,
		keys:     make(map[int]ml.Tensor),
		values:   make(map[int]ml.Tensor),
	}
}

// Len is the number of positions stored per sequence, including those of
// the current forward pass.
func (c *Causal) Len() int {
	if len(c.tokens) == 0 {
		return 0
	}

	return len(c.tokens[0])
}

// StartForward records the token ids [batch, length] of the coming forward
// pass and builds its mask.
func (c *Causal) StartForward(ctx ml.Context, tokens ml.Tensor) error {
	if tokens.DType() != ml.DTypeI32 || len(tokens.Shape()) != 2 {
		return fmt.Errorf("kv cache: tokens must be int32 [batch, length], got %v %v", tokens.DType(), tokens.Shape())
	}

	batchSize, length := tokens.Dim(0), tokens.Dim(1)
	if c.tokens == nil {
		c.tokens = make([][]int32, batchSize)
	} else if len(c.tokens) != batchSize {
		return fmt.Errorf("kv cache: batch size changed from %d to %d", len(c.tokens), batchSize)
	}

	start := c.Len()
	if start+length > c.capacity {
		return fmt.Errorf("%w (length: %v, capacity: %v)", ErrKvCacheFull, start+length, c.capacity)
	}

	ids := tokens.Ints()
	for b := range batchSize {
		c.tokens[b] = append(c.tokens[b], ids[b*length:(b+1)*length]...)
	}

	c.curLength = length

	var err error
	c.curMask, err = c.buildMask(ctx, start, length)
	return err
}

func (c *Causal) buildMask(ctx ml.Context, start, length int) (ml.Tensor, error) {
	batchSize, history := len(c.tokens), start+length

	mask := make([]float32, batchSize*c.numHeads*length*history)
	for b, row := range c.tokens {
		for h := range c.numHeads {
			base := (b*c.numHeads + h) * length * history
			for i := range length {
				pos := start + i
				for j := range history {
					if j > pos || (j > 0 && row[j] == 0) {
						mask[base+i*history+j] = maskValue
					}
				}
			}
		}
	}

	return ctx.FromFloatSlice(mask, batchSize, c.numHeads, length, history)
}

func (c *Causal) SetLayer(layer int) {
	c.curLayer = layer
}

func (c *Causal) Get(ctx ml.Context) (ml.Tensor, ml.Tensor, ml.Tensor) {
	return c.keys[c.curLayer], c.values[c.curLayer], c.curMask
}

func (c *Causal) Put(ctx ml.Context, key, value ml.Tensor) {
	if key.Dim(2) != c.curLength {
		panic(fmt.Errorf("inconsistent batch sizes (layer: %v, batch size: %v layer batch size: %v)", c.curLayer, c.curLength, key.Dim(2)))
	}

	if k, ok := c.keys[c.curLayer]; ok {
		key = k.Concat(ctx, key, 2)
		value = c.values[c.curLayer].Concat(ctx, value, 2)
	}

	c.keys[c.curLayer] = key
	c.values[c.curLayer] = value
}

func (c *Causal) Close() {
	c.tokens = nil
	c.curMask = nil
	c.curLength = 0
	clear(c.keys)
	clear(c.values)
}
