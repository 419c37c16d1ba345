package basecmn

import (
	"fmt"

	"github.com/r2gencmn/r2gen/api"
	"github.com/r2gencmn/r2gen/logutil"
	"github.com/r2gencmn/r2gen/ml"
	"github.com/r2gencmn/r2gen/ml/nn"
	"github.com/r2gencmn/r2gen/model"
	"github.com/r2gencmn/r2gen/model/imageproc"
)

// VisualExtractor turns an image batch [batch, channels, height, width]
// into region features [batch, regions, d_vf] and a global feature
// [batch, d_vf].
type VisualExtractor interface {
	Forward(ctx ml.Context, images ml.Tensor) (att, fc ml.Tensor, err error)
}

// PatchExtractor cuts each image into a grid×grid layout of patches,
// average pools every patch to pool×pool per channel and projects it to
// d_vf. The global feature is the mean over regions.
type PatchExtractor struct {
	PatchEmbed *nn.Linear `param:"patch_embed"`

	numChannels int
	grid, pool  int
}

func newPatchExtractor(b ml.Backend, name string, opts api.Options) *PatchExtractor {
	e := &PatchExtractor{
		numChannels: imageproc.NumChannels,
		grid:        opts.VisualGrid,
		pool:        opts.VisualPool,
	}

	e.PatchEmbed = nn.NewLinear(b, name+".patch_embed", e.numChannels*e.pool*e.pool, opts.DVF)
	if opts.FreezeVisualExtractor {
		model.Freeze(model.Parameters(e))
	}

	return e
}

// NumRegions is the number of region features per image.
func (e *PatchExtractor) NumRegions() int {
	return e.grid * e.grid
}

func (e *PatchExtractor) Forward(ctx ml.Context, images ml.Tensor) (att, fc ml.Tensor, err error) {
	if images.DType() != ml.DTypeF32 || len(images.Shape()) != 4 {
		return nil, nil, fmt.Errorf("%w: visual extractor expects f32 [batch, channels, height, width], got %v %v", ErrInvalidShape, images.DType(), images.Shape())
	}

	batchSize, numChannels, height, width := images.Dim(0), images.Dim(1), images.Dim(2), images.Dim(3)
	if numChannels != e.numChannels {
		return nil, nil, fmt.Errorf("%w: expected %d channels, got %d", ErrInvalidShape, e.numChannels, numChannels)
	}

	if height%e.grid != 0 || width%e.grid != 0 {
		return nil, nil, fmt.Errorf("%w: image %dx%d is not divisible by grid %d", ErrInvalidShape, height, width, e.grid)
	}

	patchHeight, patchWidth := height/e.grid, width/e.grid
	if patchHeight%e.pool != 0 || patchWidth%e.pool != 0 {
		return nil, nil, fmt.Errorf("%w: patch %dx%d is not divisible by pool %d", ErrInvalidShape, patchHeight, patchWidth, e.pool)
	}

	kernelHeight, kernelWidth := patchHeight/e.pool, patchWidth/e.pool

	t := images.Reshape(ctx, batchSize, numChannels, e.grid, e.pool, kernelHeight, e.grid, e.pool, kernelWidth)
	t = t.Mean(ctx, 7).Mean(ctx, 4)
	t = t.Permute(ctx, 0, 2, 4, 1, 3, 5)
	t = t.Reshape(ctx, batchSize, e.NumRegions(), numChannels*e.pool*e.pool)

	att = e.PatchEmbed.Forward(ctx, t).RELU(ctx)
	fc = att.Mean(ctx, 1)

	logutil.Trace("visual features", logutil.Shape("att", att.Shape()), logutil.Shape("fc", fc.Shape()))
	return att, fc, nil
}
