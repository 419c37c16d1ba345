package kvcache

import (
	"errors"

	"github.com/r2gencmn/r2gen/ml"
)

var ErrKvCacheFull = errors.New("could not find a kv cache slot")

// maskValue is added to the attention scores of hidden keys.
const maskValue = -1e9

type Cache interface {
	// SetLayer sets the active layer of the cache
	SetLayer(layer int)

	// Get returns the history of key and value tensors plus a mask
	//
	// The shape of the tensors is documented in the specific
	// cache implementation used.
	Get(ctx ml.Context) (ml.Tensor, ml.Tensor, ml.Tensor)

	// Put stores a batch of key and value in the cache
	//
	// The shape of the tensors is documented in the specific
	// cache implementation used.
	Put(ctx ml.Context, key, value ml.Tensor)

	// Close drops everything the cache holds
	Close()
}
