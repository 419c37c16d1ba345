package basecmn

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/r2gencmn/r2gen/api"
	"github.com/r2gencmn/r2gen/kvcache"
	"github.com/r2gencmn/r2gen/ml"
	"github.com/r2gencmn/r2gen/model"
)

func newBackend(tb testing.TB) (ml.Backend, ml.Context) {
	tb.Helper()

	b, err := ml.NewBackend(model.DefaultBackend, ml.BackendParams{Seed: 3, NumThreads: 2})
	require.NoError(tb, err)

	ctx := b.NewContext()
	tb.Cleanup(func() { ctx.Close() })
	return b, ctx
}

func TestPatchExtractor(t *testing.T) {
	b, ctx := newBackend(t)
	opts := testOptions()
	e := newPatchExtractor(b, "visual_extractor", opts)

	// pixel value = channel, so every pooled patch is [0 x4, 1 x4, 2 x4]
	pixels := make([]float32, 2*3*8*8)
	for i := range pixels {
		pixels[i] = float32((i / 64) % 3)
	}

	images, err := ctx.FromFloatSlice(pixels, 2, 3, 8, 8)
	require.NoError(t, err)

	att, fc, err := e.Forward(ctx, images)
	require.NoError(t, err)

	assert.Equal(t, []int{2, 4, opts.DVF}, att.Shape())
	assert.Equal(t, []int{2, opts.DVF}, fc.Shape())

	// identical patches give identical regions, and fc is their mean
	values := att.Floats()
	for r := 1; r < 2*4; r++ {
		if diff := cmp.Diff(values[:opts.DVF], values[r*opts.DVF:(r+1)*opts.DVF], approx); diff != "" {
			t.Fatalf("region %d differs (-want +got):\n%s", r, diff)
		}
	}

	if diff := cmp.Diff(values[:opts.DVF], fc.Floats()[:opts.DVF], approx); diff != "" {
		t.Errorf("fc mismatch (-want +got):\n%s", diff)
	}

	for _, v := range values {
		assert.GreaterOrEqual(t, v, float32(0))
	}
}

func TestPatchExtractorPooling(t *testing.T) {
	b, ctx := newBackend(t)
	opts := testOptions()
	e := newPatchExtractor(b, "visual_extractor", opts)

	// project the pooled values straight through
	weight := make([]float32, 12*opts.DVF)
	for i := range 8 {
		weight[i*opts.DVF+i] = 1
	}
	var err error
	e.PatchEmbed.Weight, err = ctx.FromFloatSlice(weight, 12, opts.DVF)
	require.NoError(t, err)

	// one image, value = row index
	pixels := make([]float32, 3*8*8)
	for i := range pixels {
		pixels[i] = float32((i % 64) / 8)
	}

	images, err := ctx.FromFloatSlice(pixels, 1, 3, 8, 8)
	require.NoError(t, err)

	att, _, err := e.Forward(ctx, images)
	require.NoError(t, err)

	// region 0 covers rows 0..3, pooled 2x2 by averaging row pairs
	// channel 0: [0.5 0.5 2.5 2.5], channel 1 starts the same
	want := []float32{0.5, 0.5, 2.5, 2.5, 0.5, 0.5, 2.5, 2.5}
	if diff := cmp.Diff(want, att.Floats()[:opts.DVF], approx); diff != "" {
		t.Errorf("region 0 mismatch (-want +got):\n%s", diff)
	}

	// region 2 is the lower left patch, rows 4..7
	want = []float32{4.5, 4.5, 6.5, 6.5, 4.5, 4.5, 6.5, 6.5}
	if diff := cmp.Diff(want, att.Floats()[2*opts.DVF:3*opts.DVF], approx); diff != "" {
		t.Errorf("region 2 mismatch (-want +got):\n%s", diff)
	}
}

func TestPatchExtractorErrors(t *testing.T) {
	b, ctx := newBackend(t)
	e := newPatchExtractor(b, "visual_extractor", testOptions())

	cases := map[string]ml.Tensor{
		"rank":     zeros(ctx, 3, 8, 8),
		"channels": zeros(ctx, 1, 1, 8, 8),
		"grid":     zeros(ctx, 1, 3, 9, 8),
		"pool":     zeros(ctx, 1, 3, 6, 6),
		"dtype":    ctx.Zeros(ml.DTypeI32, 1, 3, 8, 8),
	}

	for name, images := range cases {
		t.Run(name, func(t *testing.T) {
			_, _, err := e.Forward(ctx, images)
			assert.ErrorIs(t, err, ErrInvalidShape)
		})
	}
}

func TestMemorySlots(t *testing.T) {
	b, ctx := newBackend(t)
	m := newMemory(b, "cmn", 4, 8, 2, 2)

	slots, err := m.Slots(nil, 2)
	require.NoError(t, err)
	if diff := cmp.Diff([][]int{{0, 1, 2, 3}, {0, 1, 2, 3}}, slots); diff != "" {
		t.Errorf("slots mismatch (-want +got):\n%s", diff)
	}

	slots, err = m.Slots(ints(t, ctx, []int32{1, 5, 6, -1, 3, 3}, 2, 3), 2)
	require.NoError(t, err)
	if diff := cmp.Diff([][]int{{1, 2}, {3}}, slots); diff != "" {
		t.Errorf("slots mismatch (-want +got):\n%s", diff)
	}

	_, err = m.Slots(ints(t, ctx, []int32{1, 2}, 2), 2)
	assert.ErrorIs(t, err, ErrInvalidShape)

	_, err = m.Slots(ints(t, ctx, []int32{1, 2, 3}, 3, 1), 2)
	assert.ErrorIs(t, err, ErrInvalidShape)
}

func TestMemoryRestricted(t *testing.T) {
	b, ctx := newBackend(t)
	m := newMemory(b, "cmn", 4, 8, 2, 2)

	x, err := ctx.FromFloatSlice([]float32{
		1, 0, 0, 0, 0, 0, 0, 1,
		0, 2, 0, 0, 0, 0, 3, 0,
	}, 1, 2, 8)
	require.NoError(t, err)

	// a single readable slot answers every query with its value
	out, err := m.Forward(ctx, x, [][]int{{2}}, nil)
	require.NoError(t, err)

	row := m.Matrix.Slice(ctx, 0, 2, 3)
	want := m.Attention.Output.Forward(ctx, m.Attention.Value.Forward(ctx, row)).Floats()

	got := out.Floats()
	assert.Equal(t, []int{1, 2, 8}, out.Shape())
	for l := range 2 {
		if diff := cmp.Diff(want, got[l*8:(l+1)*8], approx); diff != "" {
			t.Errorf("position %d mismatch (-want +got):\n%s", l, diff)
		}
	}

	// reading every slot gives a different answer
	all, err := m.Forward(ctx, x, [][]int{{0, 1, 2, 3}}, nil)
	require.NoError(t, err)
	assert.NotEqual(t, got, all.Floats())
}

func TestMemoryCachedProjection(t *testing.T) {
	b, ctx := newBackend(t)
	m := newMemory(b, "cmn", 4, 8, 2, 2)

	x, err := ctx.FromFloatSlice([]float32{
		1, 0, 0, 0, 0, 0, 0, 1,
		0, 2, 0, 0, 0, 0, 3, 0,
	}, 1, 2, 8)
	require.NoError(t, err)

	want, err := m.Forward(ctx, x, [][]int{{0, 1, 2, 3}}, nil)
	require.NoError(t, err)

	cache := kvcache.NewEncoderCache()
	defer cache.Close()

	first, err := m.Forward(ctx, x, [][]int{{0, 1, 2, 3}}, cache)
	require.NoError(t, err)
	assert.True(t, cache.EncoderCached())

	// positions are answered one at a time from the cached projection
	for l := range 2 {
		got, err := m.Forward(ctx, x.Slice(ctx, 1, l, l+1), [][]int{{0, 1, 2, 3}}, cache)
		require.NoError(t, err)
		if diff := cmp.Diff(want.Floats()[l*8:(l+1)*8], got.Floats(), approx); diff != "" {
			t.Errorf("position %d mismatch (-want +got):\n%s", l, diff)
		}
	}

	if diff := cmp.Diff(want.Floats(), first.Floats(), approx); diff != "" {
		t.Errorf("first pass mismatch (-want +got):\n%s", diff)
	}
}

func TestCMNForwardErrors(t *testing.T) {
	b, ctx := newBackend(t)
	opts := testOptions()
	m := newCMN(b, "encoder_decoder", opts, 10)

	att := zeros(ctx, 2, 3, opts.DVF)
	fc := zeros(ctx, 2, opts.DVF)

	_, err := m.Forward(ctx, fc, att, nil, nil)
	assert.Equal(t, ErrMissingTargets, err)

	cases := map[string]struct {
		fc, att, targets ml.Tensor
	}{
		"short targets": {fc, att, ints(t, ctx, []int32{0, 0}, 2, 1)},
		"target batch":  {fc, att, ints(t, ctx, []int32{0, 1, 0}, 1, 3)},
		"att width":     {fc, zeros(ctx, 2, 3, 4), ints(t, ctx, []int32{0, 1, 0, 1}, 2, 2)},
		"fc batch":      {zeros(ctx, 1, opts.DVF), att, ints(t, ctx, []int32{0, 1, 0, 1}, 2, 2)},
	}

	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := m.Forward(ctx, tt.fc, tt.att, tt.targets, nil)
			assert.ErrorIs(t, err, ErrInvalidShape)
		})
	}

	_, err = m.Forward(ctx, fc, att, ints(t, ctx, []int32{0, 11, 0, 1}, 2, 2), nil)
	assert.ErrorContains(t, err, "out of range")

	_, err = m.Forward(ctx, fc, att, ints(t, ctx, make([]int32, 2*(maxPositions+2)), 2, maxPositions+2), nil)
	assert.ErrorIs(t, err, ErrInvalidShape)
}

func testFeatures(t *testing.T, ctx ml.Context, opts api.Options) (fc, att ml.Tensor) {
	t.Helper()

	att, err := ctx.FromFloatSlice(func() []float32 {
		s := make([]float32, 2*3*opts.DVF)
		for i := range s {
			s[i] = float32(i%7) / 7
		}
		return s
	}(), 2, 3, opts.DVF)
	require.NoError(t, err)
	return att.Mean(ctx, 1), att
}

func TestCMNDecodeIncremental(t *testing.T) {
	b, ctx := newBackend(t)
	opts := testOptions()
	opts.NumLayers = 2
	m := newCMN(b, "encoder_decoder", opts, 10)

	_, att := testFeatures(t, ctx, opts)
	slots, err := m.Memory.Slots(nil, 2)
	require.NoError(t, err)

	// the first sequence ends early and is padded
	tokens := []int32{
		0, 3, 0, 0,
		0, 7, 2, 9,
	}

	full := m.newCache()
	defer full.Close()

	memory, err := m.encode(ctx, att, slots, full)
	require.NoError(t, err)

	want, err := m.decode(ctx, memory, ints(t, ctx, tokens, 2, 4), slots, full)
	require.NoError(t, err)
	require.Equal(t, []int{2, 4, 11}, want.Shape())

	step := m.newCache()
	defer step.Close()

	memory, err = m.encode(ctx, att, slots, step)
	require.NoError(t, err)

	for i := range 4 {
		out, err := m.decode(ctx, memory, ints(t, ctx, []int32{tokens[i], tokens[4+i]}, 2, 1), slots, step)
		require.NoError(t, err)
		require.Equal(t, []int{2, 1, 11}, out.Shape())
		assert.Equal(t, i+1, step.self.Len())
		assert.True(t, step.cross.EncoderCached())

		for b := range 2 {
			if diff := cmp.Diff(want.Slice(ctx, 0, b, b+1).Slice(ctx, 1, i, i+1).Floats(), out.Slice(ctx, 0, b, b+1).Floats(), approx); diff != "" {
				t.Errorf("sequence %d position %d mismatch (-want +got):\n%s", b, i, diff)
			}
		}
	}
}

func TestCMNSampleMatchesOnePass(t *testing.T) {
	b, ctx := newBackend(t)
	opts := testOptions()
	m := newCMN(b, "encoder_decoder", opts, 10)
	fc, att := testFeatures(t, ctx, opts)

	seq, probs, err := m.Sample(ctx, fc, att, nil, nil)
	require.NoError(t, err)

	// scoring the sampled report in one pass picks the same tokens
	batchSize, n := seq.Dim(0), seq.Dim(1)
	ids, lps := seq.Ints(), probs.Floats()
	targets := make([]int32, 0, batchSize*(n+1))
	for b := range batchSize {
		targets = append(targets, 0)
		targets = append(targets, ids[b*n:(b+1)*n]...)
	}

	logprobs, err := m.Forward(ctx, fc, att, ints(t, ctx, targets, batchSize, n+1), nil)
	require.NoError(t, err)
	require.Equal(t, []int{batchSize, n, 11}, logprobs.Shape())

	all := logprobs.Floats()
	for b := range batchSize {
		for i := range n {
			row := all[(b*n+i)*11 : (b*n+i+1)*11]
			best := 0
			for j, v := range row {
				if v > row[best] {
					best = j
				}
			}

			assert.Equal(t, ids[b*n+i], int32(best), "sequence %d step %d", b, i)
			assert.InDelta(t, row[best], lps[b*n+i], 1e-4, "sequence %d step %d", b, i)

			if ids[b*n+i] == 0 {
				break
			}
		}
	}
}

func TestCMNSample(t *testing.T) {
	b, ctx := newBackend(t)
	opts := testOptions()
	m := newCMN(b, "encoder_decoder", opts, 10)
	fc, att := testFeatures(t, ctx, opts)

	t.Run("greedy", func(t *testing.T) {
		seq, probs, err := m.Sample(ctx, fc, att, nil, nil)
		require.NoError(t, err)

		assert.Equal(t, 2, seq.Dim(0))
		assert.Equal(t, seq.Shape(), probs.Shape())
		assert.LessOrEqual(t, seq.Dim(1), opts.MaxSeqLength)

		// tokens after the end of a sequence are padding
		ids, lps := seq.Ints(), probs.Floats()
		n := seq.Dim(1)
		for b := range 2 {
			ended := false
			for i := range n {
				if ended {
					assert.Equal(t, int32(0), ids[b*n+i])
					assert.Equal(t, float32(0), lps[b*n+i])
				}
				ended = ended || ids[b*n+i] == 0
			}
		}

		again, _, err := m.Sample(ctx, fc, att, nil, nil)
		require.NoError(t, err)
		assert.Equal(t, ids, again.Ints())
	})

	t.Run("seeded", func(t *testing.T) {
		updateOpts := map[string]any{
			"sample_method":       "sample",
			"temperature":         0.8,
			"top_k":               float64(5),
			"seed":                float64(17),
			"max_seq_length":      3,
			"decoding_constraint": true,
		}

		a, _, err := m.Sample(ctx, fc, att, ints(t, ctx, []int32{1, 2}, 2, 1), updateOpts)
		require.NoError(t, err)
		assert.LessOrEqual(t, a.Dim(1), 3)

		b, _, err := m.Sample(ctx, fc, att, ints(t, ctx, []int32{1, 2}, 2, 1), updateOpts)
		require.NoError(t, err)
		assert.Equal(t, a.Ints(), b.Ints())

		// consecutive tokens never repeat unless both are padding
		ids, n := a.Ints(), a.Dim(1)
		for b := range 2 {
			for i := 1; i < n; i++ {
				if ids[b*n+i] != 0 {
					assert.NotEqual(t, ids[b*n+i-1], ids[b*n+i])
				}
			}
		}
	})

	t.Run("unsupported", func(t *testing.T) {
		_, _, err := m.Sample(ctx, fc, att, nil, map[string]any{"beam_size": 3})
		assert.ErrorIs(t, err, ErrUnsupportedOption)
	})
}

func TestDecodeSampleOptions(t *testing.T) {
	defaults := api.DefaultOptions()

	got, err := decodeSampleOptions(defaults, nil)
	require.NoError(t, err)
	assert.Equal(t, sampleOptions{
		SampleMethod: "greedy",
		Temperature:  1,
		MaxSeqLength: 60,
		Seed:         9233,
		BeamSize:     1,
		SampleN:      1,
	}, got)
	assert.Nil(t, got.transforms())

	got, err = decodeSampleOptions(defaults, map[string]any{
		"sample_method":  "sample",
		"temperature":    float64(0.5),
		"top_k":          float64(3),
		"top_p":          0.9,
		"max_seq_length": float64(100),
	})
	require.NoError(t, err)
	assert.Equal(t, "sample", got.SampleMethod)
	assert.Equal(t, 3, got.TopK)
	assert.Equal(t, 100, got.MaxSeqLength)
	assert.Len(t, got.transforms(), 3)

	cases := map[string]struct {
		opts map[string]any
		err  error
	}{
		"unknown key":    {map[string]any{"num_beams": 2}, api.ErrInvalidOptions},
		"wrong type":     {map[string]any{"top_k": "many"}, api.ErrInvalidOptions},
		"beam size":      {map[string]any{"beam_size": 2}, ErrUnsupportedOption},
		"sample n":       {map[string]any{"sample_n": 4}, ErrUnsupportedOption},
		"method":         {map[string]any{"sample_method": "beam_search"}, api.ErrInvalidOptions},
		"temperature":    {map[string]any{"sample_method": "sample", "temperature": 0}, api.ErrInvalidOptions},
		"top p":          {map[string]any{"top_p": 1.5}, api.ErrInvalidOptions},
		"max seq length": {map[string]any{"max_seq_length": 0}, api.ErrInvalidOptions},
		"too long":       {map[string]any{"max_seq_length": maxPositions}, api.ErrInvalidOptions},
		"fraction":       {map[string]any{"max_seq_length": 2.7}, api.ErrInvalidOptions},
		"fraction seed":  {map[string]any{"seed": float32(1.5)}, api.ErrInvalidOptions},
	}

	for name, tt := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := decodeSampleOptions(defaults, tt.opts)
			assert.ErrorIs(t, err, tt.err)
		})
	}

	// whole floats still decode into integer fields
	got, err = decodeSampleOptions(defaults, map[string]any{"max_seq_length": 3.0, "seed": float64(7)})
	require.NoError(t, err)
	assert.Equal(t, 3, got.MaxSeqLength)
	assert.Equal(t, uint64(7), got.Seed)

	// the caller's map is left alone
	updateOpts := map[string]any{"top_k": 2}
	_, err = decodeSampleOptions(defaults, updateOpts)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"top_k": 2}, updateOpts)
}
