package kvcache

import (
	"github.com/r2gencmn/r2gen/ml"
)

// Encoder cache stores K and V tensors that are computed once from a source
// that does not change while decoding, such as the encoder output.
//
// Not currently safe for multiple goroutines to use the same cache.
//
// The tensors are stored as Put gives them and Get returns no mask.
type EncoderCache struct {
	// the active layer for Get and Put
	curLayer int

	// set once Put has been called
	encoderCached bool

	keys, values map[int]ml.Tensor
}

func NewEncoderCache() *EncoderCache {
	return &EncoderCache{
		keys:   make(map[int]ml.Tensor),
		values: make(map[int]ml.Tensor),
	}
}

func (c *EncoderCache) SetLayer(layer int) {
	c.curLayer = layer
}

// EncoderCached reports whether Put has stored anything. Callers check it
// once before a forward pass and supply the source only when it is false.
func (c *EncoderCache) EncoderCached() bool {
	return c.encoderCached
}

func (c *EncoderCache) Get(ctx ml.Context) (ml.Tensor, ml.Tensor, ml.Tensor) {
	return c.keys[c.curLayer], c.values[c.curLayer], nil
}

func (c *EncoderCache) Put(ctx ml.Context, key, value ml.Tensor) {
	c.encoderCached = true
	c.keys[c.curLayer] = key
	c.values[c.curLayer] = value
}

func (c *EncoderCache) Close() {
	c.encoderCached = false
	clear(c.keys)
	clear(c.values)
}
