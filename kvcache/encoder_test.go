package kvcache

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestEncoderCacheSetLayer(t *testing.T) {
	cache := NewEncoderCache()
	defer cache.Close()

	cache.SetLayer(5)
	if cache.curLayer != 5 {
		t.Errorf("SetLayer: got %d, want 5", cache.curLayer)
	}

	cache.SetLayer(10)
	if cache.curLayer != 10 {
		t.Errorf("SetLayer: got %d, want 10", cache.curLayer)
	}
}

func TestEncoderCachePutAndGet(t *testing.T) {
	ctx := setup(t)
	cache := NewEncoderCache()
	defer cache.Close()

	if cache.EncoderCached() {
		t.Error("EncoderCached should return false initially")
	}

	cache.SetLayer(0)
	cache.Put(ctx, floats(t, ctx, []float32{1, 2, 3, 4}, 2, 2), floats(t, ctx, []float32{5, 6, 7, 8}, 2, 2))

	if !cache.EncoderCached() {
		t.Error("EncoderCached should be true after Put")
	}

	key, value, mask := cache.Get(ctx)
	if diff := cmp.Diff([]float32{1, 2, 3, 4}, key.Floats()); diff != "" {
		t.Errorf("key mismatch (-want +got):\n%s", diff)
	}

	if diff := cmp.Diff([]float32{5, 6, 7, 8}, value.Floats()); diff != "" {
		t.Errorf("value mismatch (-want +got):\n%s", diff)
	}

	if mask != nil {
		t.Error("Get should return nil mask for encoder cache")
	}
}

func TestEncoderCacheMultipleLayers(t *testing.T) {
	ctx := setup(t)
	cache := NewEncoderCache()
	defer cache.Close()

	cache.SetLayer(0)
	cache.Put(ctx, floats(t, ctx, []float32{1, 2}, 2), floats(t, ctx, []float32{3, 4}, 2))

	cache.SetLayer(1)
	cache.Put(ctx, floats(t, ctx, []float32{5, 6}, 2), floats(t, ctx, []float32{7, 8}, 2))

	cache.SetLayer(0)
	key, value, _ := cache.Get(ctx)
	if diff := cmp.Diff([]float32{1, 2, 3, 4}, append(key.Floats(), value.Floats()...)); diff != "" {
		t.Errorf("layer 0 mismatch (-want +got):\n%s", diff)
	}

	cache.SetLayer(1)
	key, value, _ = cache.Get(ctx)
	if diff := cmp.Diff([]float32{5, 6, 7, 8}, append(key.Floats(), value.Floats()...)); diff != "" {
		t.Errorf("layer 1 mismatch (-want +got):\n%s", diff)
	}
}

func TestEncoderCacheClose(t *testing.T) {
	ctx := setup(t)
	cache := NewEncoderCache()

	cache.Put(ctx, floats(t, ctx, []float32{1}, 1), floats(t, ctx, []float32{2}, 1))
	cache.Close()

	if cache.EncoderCached() {
		t.Error("EncoderCached should be false after Close")
	}

	if key, _, _ := cache.Get(ctx); key != nil {
		t.Error("Get should return nothing after Close")
	}
}
