package basecmn

import (
	"errors"
	"fmt"
	"math"

	"github.com/r2gencmn/r2gen/api"
	"github.com/r2gencmn/r2gen/kvcache"
	"github.com/r2gencmn/r2gen/logutil"
	"github.com/r2gencmn/r2gen/ml"
	"github.com/r2gencmn/r2gen/ml/nn"
	"github.com/r2gencmn/r2gen/sample"
)

// maxPositions bounds the decoder sequence length.
const maxPositions = 512

var ErrMissingTargets = errors.New("targets are required in train mode")

// EncoderDecoder turns fused visual features into report tokens.
type EncoderDecoder interface {
	// Forward runs teacher forcing over targets[:, :-1] and returns
	// log-probabilities [batch, length-1, vocab+1].
	Forward(ctx ml.Context, fc, att, targets, retrievalIDs ml.Tensor) (ml.Tensor, error)

	// Sample generates token ids [batch, length] and their log-probabilities.
	Sample(ctx ml.Context, fc, att, retrievalIDs ml.Tensor, updateOpts map[string]any) (seq, probs ml.Tensor, err error)
}

type EncoderLayer struct {
	AttentionNorm *nn.LayerNorm          `param:"ln1"`
	SelfAttention *nn.MultiHeadAttention `param:"self_attn"`

	MLPNorm *nn.LayerNorm   `param:"ln2"`
	MLP     *nn.FeedForward `param:"mlp"`
}

func newEncoderLayer(b ml.Backend, name string, opts api.Options) EncoderLayer {
	return EncoderLayer{
		AttentionNorm: nn.NewLayerNorm(b, name+".ln1", opts.DModel),
		SelfAttention: nn.NewMultiHeadAttention(b, name+".self_attn", opts.DModel, opts.NumHeads),
		MLPNorm:       nn.NewLayerNorm(b, name+".ln2", opts.DModel),
		MLP:           nn.NewFeedForward(b, name+".mlp", opts.DModel, opts.DFF),
	}
}

func (l *EncoderLayer) Forward(ctx ml.Context, hiddenState ml.Tensor, eps float32) ml.Tensor {
	residual := hiddenState
	hiddenState = l.AttentionNorm.Forward(ctx, hiddenState, eps)
	hiddenState = l.SelfAttention.Forward(ctx, hiddenState, hiddenState, hiddenState, nil)
	hiddenState = hiddenState.Add(ctx, residual)

	residual = hiddenState
	hiddenState = l.MLPNorm.Forward(ctx, hiddenState, eps)
	hiddenState = l.MLP.Forward(ctx, hiddenState)
	return hiddenState.Add(ctx, residual)
}

type DecoderLayer struct {
	AttentionNorm *nn.LayerNorm          `param:"ln1"`
	SelfAttention *nn.MultiHeadAttention `param:"self_attn"`

	CrossAttentionNorm *nn.LayerNorm          `param:"ln2"`
	CrossAttention     *nn.MultiHeadAttention `param:"src_attn"`

	MLPNorm *nn.LayerNorm   `param:"ln3"`
	MLP     *nn.FeedForward `param:"mlp"`
}

func newDecoderLayer(b ml.Backend, name string, opts api.Options) DecoderLayer {
	return DecoderLayer{
		AttentionNorm:      nn.NewLayerNorm(b, name+".ln1", opts.DModel),
		SelfAttention:      nn.NewMultiHeadAttention(b, name+".self_attn", opts.DModel, opts.NumHeads),
		CrossAttentionNorm: nn.NewLayerNorm(b, name+".ln2", opts.DModel),
		CrossAttention:     nn.NewMultiHeadAttention(b, name+".src_attn", opts.DModel, opts.NumHeads),
		MLPNorm:            nn.NewLayerNorm(b, name+".ln3", opts.DModel),
		MLP:                nn.NewFeedForward(b, name+".mlp", opts.DModel, opts.DFF),
	}
}

// Forward runs the new positions in hiddenState. memory is nil once the
// cross attention cache holds its projections.
func (l *DecoderLayer) Forward(ctx ml.Context, hiddenState, memory ml.Tensor, cache *decodeCache, eps float32) ml.Tensor {
	residual := hiddenState
	hiddenState = l.AttentionNorm.Forward(ctx, hiddenState, eps)
	hiddenState = l.SelfAttention.ForwardCache(ctx, hiddenState, hiddenState, hiddenState, cache.self)
	hiddenState = hiddenState.Add(ctx, residual)

	residual = hiddenState
	hiddenState = l.CrossAttentionNorm.Forward(ctx, hiddenState, eps)
	hiddenState = l.CrossAttention.ForwardCache(ctx, hiddenState, memory, memory, cache.cross)
	hiddenState = hiddenState.Add(ctx, residual)

	residual = hiddenState
	hiddenState = l.MLPNorm.Forward(ctx, hiddenState, eps)
	hiddenState = l.MLP.Forward(ctx, hiddenState)
	return hiddenState.Add(ctx, residual)
}

type Encoder struct {
	Layers []EncoderLayer `param:"layers"`
	Norm   *nn.LayerNorm  `param:"norm"`
}

type Decoder struct {
	Layers []DecoderLayer `param:"layers"`
	Norm   *nn.LayerNorm  `param:"norm"`
}

// decodeCache is the state carried between decoding steps of one batch.
type decodeCache struct {
	// projections of the memory matrix, shared by encoder and decoder
	memory *kvcache.EncoderCache

	// decoder self attention, one layer per decoder layer
	self *kvcache.Causal

	// decoder cross attention over the encoder output
	cross *kvcache.EncoderCache
}

func (m *CMN) newCache() *decodeCache {
	return &decodeCache{
		memory: kvcache.NewEncoderCache(),
		self:   kvcache.NewCausalCache(m.opts.NumHeads, m.positions.MaxLen()),
		cross:  kvcache.NewEncoderCache(),
	}
}

func (c *decodeCache) Close() {
	c.memory.Close()
	c.self.Close()
	c.cross.Close()
}

// CMN is the BaseCMN encoder-decoder. Visual and token embeddings are both
// enriched with responses from the shared cross-modal memory.
type CMN struct {
	AttEmbed *nn.Linear    `param:"att_embed"`
	Memory   *Memory       `param:"cmn"`
	Encoder  *Encoder      `param:"encoder"`
	Decoder  *Decoder      `param:"decoder"`
	Embed    *nn.Embedding `param:"tgt_embed"`
	Logit    *nn.Linear    `param:"logit"`

	positions *nn.PositionalEncoding
	opts      api.Options
	vocabSize int
}

func newCMN(b ml.Backend, name string, opts api.Options, vocabSize int) *CMN {
	m := &CMN{
		AttEmbed:  nn.NewLinear(b, name+".att_embed", opts.DVF, opts.DModel),
		Memory:    newMemory(b, name+".cmn", opts.CMMSize, opts.CMMDim, opts.NumHeads, opts.TopK),
		Encoder:   &Encoder{Layers: make([]EncoderLayer, opts.NumLayers)},
		Decoder:   &Decoder{Layers: make([]DecoderLayer, opts.NumLayers)},
		Embed:     nn.NewEmbedding(b, name+".tgt_embed", vocabSize+1, opts.DModel),
		Logit:     nn.NewLinear(b, name+".logit", opts.DModel, vocabSize+1),
		positions: nn.NewPositionalEncoding(opts.DModel, maxPositions),
		opts:      opts,
		vocabSize: vocabSize,
	}

	for i := range m.Encoder.Layers {
		m.Encoder.Layers[i] = newEncoderLayer(b, fmt.Sprintf("%s.encoder.layers.%d", name, i), opts)
	}
	m.Encoder.Norm = nn.NewLayerNorm(b, name+".encoder.norm", opts.DModel)

	for i := range m.Decoder.Layers {
		m.Decoder.Layers[i] = newDecoderLayer(b, fmt.Sprintf("%s.decoder.layers.%d", name, i), opts)
	}
	m.Decoder.Norm = nn.NewLayerNorm(b, name+".decoder.norm", opts.DModel)

	return m
}

func (m *CMN) checkFeatures(fc, att ml.Tensor) error {
	if att == nil || len(att.Shape()) != 3 || att.Dim(2) != m.opts.DVF {
		return fmt.Errorf("%w: att features must be [batch, regions, %d]", ErrInvalidShape, m.opts.DVF)
	}

	if fc == nil || len(fc.Shape()) != 2 || fc.Dim(0) != att.Dim(0) {
		return fmt.Errorf("%w: fc features must be [%d, width]", ErrInvalidShape, att.Dim(0))
	}

	return nil
}

// encode embeds the region features, adds their memory responses and runs
// the encoder.
func (m *CMN) encode(ctx ml.Context, att ml.Tensor, slots [][]int, cache *decodeCache) (ml.Tensor, error) {
	hiddenState := m.AttEmbed.Forward(ctx, att).RELU(ctx)

	responses, err := m.Memory.Forward(ctx, hiddenState, slots, cache.memory)
	if err != nil {
		return nil, err
	}
	hiddenState = hiddenState.Add(ctx, responses)

	for i := range m.Encoder.Layers {
		hiddenState = m.Encoder.Layers[i].Forward(ctx, hiddenState, m.opts.LayerNormEps)
	}

	return m.Encoder.Norm.Forward(ctx, hiddenState, m.opts.LayerNormEps), nil
}

// decode returns log-probabilities [batch, length, vocab+1] for the new
// tokens seq. Earlier positions are read from cache.
func (m *CMN) decode(ctx ml.Context, memory, seq ml.Tensor, slots [][]int, cache *decodeCache) (ml.Tensor, error) {
	offset := cache.self.Len()
	if err := cache.self.StartForward(ctx, seq); err != nil {
		return nil, err
	}

	hiddenState := m.Embed.Forward(ctx, seq).Scale(ctx, math.Sqrt(float64(m.opts.DModel)))

	hiddenState, err := m.positions.Forward(ctx, hiddenState, offset)
	if err != nil {
		return nil, err
	}

	responses, err := m.Memory.Forward(ctx, hiddenState, slots, cache.memory)
	if err != nil {
		return nil, err
	}
	hiddenState = hiddenState.Add(ctx, responses)

	if cache.cross.EncoderCached() {
		memory = nil
	}

	for i := range m.Decoder.Layers {
		cache.self.SetLayer(i)
		cache.cross.SetLayer(i)
		hiddenState = m.Decoder.Layers[i].Forward(ctx, hiddenState, memory, cache, m.opts.LayerNormEps)
	}

	hiddenState = m.Decoder.Norm.Forward(ctx, hiddenState, m.opts.LayerNormEps)
	return m.Logit.Forward(ctx, hiddenState).LogSoftmax(ctx), nil
}

func (m *CMN) Forward(ctx ml.Context, fc, att, targets, retrievalIDs ml.Tensor) (ml.Tensor, error) {
	if targets == nil {
		return nil, ErrMissingTargets
	}

	if err := m.checkFeatures(fc, att); err != nil {
		return nil, err
	}

	batchSize := att.Dim(0)
	if targets.DType() != ml.DTypeI32 || len(targets.Shape()) != 2 || targets.Dim(0) != batchSize || targets.Dim(1) < 2 {
		return nil, fmt.Errorf("%w: targets must be int32 [%d, length >= 2], got %v %v", ErrInvalidShape, batchSize, targets.DType(), targets.Shape())
	}

	if targets.Dim(1)-1 > maxPositions {
		return nil, fmt.Errorf("%w: targets longer than %d positions", ErrInvalidShape, maxPositions+1)
	}

	for _, id := range targets.Ints() {
		if id < 0 || int(id) > m.vocabSize {
			return nil, fmt.Errorf("%w: target token %d out of range [0, %d]", ErrInvalidShape, id, m.vocabSize)
		}
	}

	slots, err := m.Memory.Slots(retrievalIDs, batchSize)
	if err != nil {
		return nil, err
	}

	cache := m.newCache()
	defer cache.Close()

	memory, err := m.encode(ctx, att, slots, cache)
	if err != nil {
		return nil, err
	}

	seq := targets.Slice(ctx, 1, 0, targets.Dim(1)-1)
	logutil.Trace("teacher forcing", logutil.Shape("memory", memory.Shape()), logutil.Shape("seq", seq.Shape()))
	return m.decode(ctx, memory, seq, slots, cache)
}

func (m *CMN) Sample(ctx ml.Context, fc, att, retrievalIDs ml.Tensor, updateOpts map[string]any) (ml.Tensor, ml.Tensor, error) {
	opts, err := decodeSampleOptions(m.opts, updateOpts)
	if err != nil {
		return nil, nil, err
	}

	if err := m.checkFeatures(fc, att); err != nil {
		return nil, nil, err
	}

	batchSize := att.Dim(0)
	slots, err := m.Memory.Slots(retrievalIDs, batchSize)
	if err != nil {
		return nil, nil, err
	}

	cache := m.newCache()
	defer cache.Close()

	memory, err := m.encode(ctx, att, slots, cache)
	if err != nil {
		return nil, nil, err
	}

	sampler := opts.sampler()
	transforms := opts.transforms()

	// every sequence starts with token 0
	tokens := make([][]int32, batchSize)
	logprobs := make([][]float32, batchSize)
	finished := make([]bool, batchSize)
	for b := range tokens {
		tokens[b] = []int32{0}
	}

	vocab := m.vocabSize + 1
	var steps int
	for step := range opts.MaxSeqLength {
		// only the newest token is fed, earlier ones are cached
		next := make([]int32, batchSize)
		for b := range tokens {
			next[b] = tokens[b][step]
		}

		seq, err := ctx.FromIntSlice(next, batchSize, 1)
		if err != nil {
			return nil, nil, err
		}

		out, err := m.decode(ctx, memory, seq, slots, cache)
		if err != nil {
			return nil, nil, err
		}

		last := out.Floats()
		for b := range batchSize {
			if finished[b] {
				tokens[b] = append(tokens[b], 0)
				logprobs[b] = append(logprobs[b], 0)
				continue
			}

			ts := transforms
			if opts.DecodingConstraint && step > 0 {
				ts = append(ts[:len(ts):len(ts)], sample.Forbid(tokens[b][step]))
			}

			id, lp, err := sampler.Sample(last[b*vocab:(b+1)*vocab], ts...)
			if err != nil {
				return nil, nil, err
			}

			tokens[b] = append(tokens[b], id)
			logprobs[b] = append(logprobs[b], float32(lp))
			finished[b] = id == 0
		}

		steps++
		if allFinished(finished) {
			break
		}
	}

	ids := make([]int32, 0, batchSize*steps)
	probs := make([]float32, 0, batchSize*steps)
	for b := range batchSize {
		ids = append(ids, tokens[b][1:]...)
		probs = append(probs, logprobs[b]...)
	}

	seq, err := ctx.FromIntSlice(ids, batchSize, steps)
	if err != nil {
		return nil, nil, err
	}

	seqProbs, err := ctx.FromFloatSlice(probs, batchSize, steps)
	if err != nil {
		return nil, nil, err
	}

	return seq, seqProbs, nil
}

func allFinished(finished []bool) bool {
	for _, f := range finished {
		if !f {
			return false
		}
	}

	return true
}
