// Package basecmn implements the BaseCMN report generation model: a visual
// extractor feeding an encoder-decoder with cross-modal memory.
package basecmn

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/r2gencmn/r2gen/logutil"
	"github.com/r2gencmn/r2gen/ml"
	"github.com/r2gencmn/r2gen/model"
	"github.com/r2gencmn/r2gen/model/input"
)

var (
	ErrInvalidShape = errors.New("invalid shape")

	// ErrUnexpectedArgument is returned when a forward pass gets an
	// argument its variant does not accept.
	ErrUnexpectedArgument = errors.New("unexpected argument")
)

// Variant is the forward pass a Model was bound to at construction.
type Variant int

const (
	// VariantTwoView extracts both views of a study and concatenates their
	// features. It is used for iu_xray.
	VariantTwoView Variant = iota

	// VariantSingleView extracts one view, or combines two views as
	// 2·f0 − f1 when rebuild data is enabled.
	VariantSingleView
)

func (v Variant) String() string {
	switch v {
	case VariantTwoView:
		return "two_view"
	case VariantSingleView:
		return "single_view"
	default:
		return fmt.Sprintf("Variant(%d)", int(v))
	}
}

type Model struct {
	model.Base

	VisualExtractor VisualExtractor `param:"visual_extractor"`
	EncoderDecoder  EncoderDecoder  `param:"encoder_decoder"`

	variant Variant
	forward func(ml.Context, ml.Tensor, input.ForwardOptions) (input.Result, error)
}

func New(base model.Base) (model.Model, error) {
	b, opts := base.Backend(), base.Options()
	return newModel(base,
		newPatchExtractor(b, "visual_extractor", opts),
		newCMN(b, "encoder_decoder", opts, base.Vocabulary().Size()),
	), nil
}

// newModel binds the forward variant once from the dataset name.
func newModel(base model.Base, ve VisualExtractor, ed EncoderDecoder) *Model {
	m := &Model{
		Base:            base,
		VisualExtractor: ve,
		EncoderDecoder:  ed,
	}

	if base.Options().DatasetName == "iu_xray" {
		m.variant, m.forward = VariantTwoView, m.forwardTwoView
	} else {
		m.variant, m.forward = VariantSingleView, m.forwardSingleView
	}

	slog.Info("report model", "variant", m.variant, "dataset", base.Options().DatasetName, "rebuild", base.Options().UseRebuildData)
	return m
}

// Variant reports the forward pass chosen at construction.
func (m *Model) Variant() Variant {
	return m.variant
}

// Forward runs the bound variant. The zero Mode is train.
func (m *Model) Forward(ctx ml.Context, images ml.Tensor, opts input.ForwardOptions) (input.Result, error) {
	return m.forward(ctx, images, opts)
}

func checkMode(mode input.Mode) (input.Mode, error) {
	return input.ParseMode(string(mode))
}

// view returns view i of a [batch, views, channels, height, width] batch
// as [batch, channels, height, width].
func view(ctx ml.Context, images ml.Tensor, i int) ml.Tensor {
	return images.Slice(ctx, 1, i, i+1).Reshape(ctx, images.Dim(0), images.Dim(2), images.Dim(3), images.Dim(4))
}

func checkViews(images ml.Tensor) error {
	if images == nil || len(images.Shape()) != 5 || images.Dim(1) != 2 {
		var shape []int
		if images != nil {
			shape = images.Shape()
		}

		return fmt.Errorf("%w: expected [batch, 2, channels, height, width], got %v", ErrInvalidShape, shape)
	}

	return nil
}

// extractViews runs the visual extractor on views 0 and 1 separately.
func (m *Model) extractViews(ctx ml.Context, images ml.Tensor) (att0, fc0, att1, fc1 ml.Tensor, err error) {
	att0, fc0, err = m.VisualExtractor.Forward(ctx, view(ctx, images, 0))
	if err != nil {
		return nil, nil, nil, nil, err
	}

	att1, fc1, err = m.VisualExtractor.Forward(ctx, view(ctx, images, 1))
	if err != nil {
		return nil, nil, nil, nil, err
	}

	return att0, fc0, att1, fc1, nil
}

func (m *Model) forwardTwoView(ctx ml.Context, images ml.Tensor, opts input.ForwardOptions) (input.Result, error) {
	mode, err := checkMode(opts.Mode)
	if err != nil {
		return input.Result{}, err
	}

	if err := checkViews(images); err != nil {
		return input.Result{}, err
	}

	att0, fc0, att1, fc1, err := m.extractViews(ctx, images)
	if err != nil {
		return input.Result{}, err
	}

	fc := fc0.Concat(ctx, fc1, 1)
	att := att0.Concat(ctx, att1, 1)
	logutil.Trace("fused two views", logutil.Shape("att", att.Shape()), logutil.Shape("fc", fc.Shape()))

	return m.dispatch(ctx, mode, fc, att, opts.Targets, opts.RetrievalIDs, opts.UpdateOpts)
}

func (m *Model) forwardSingleView(ctx ml.Context, images ml.Tensor, opts input.ForwardOptions) (input.Result, error) {
	mode, err := checkMode(opts.Mode)
	if err != nil {
		return input.Result{}, err
	}

	if opts.RetrievalIDs != nil {
		return input.Result{}, fmt.Errorf("%w: retrieval ids are only accepted by the %s variant", ErrUnexpectedArgument, VariantTwoView)
	}

	var fc, att ml.Tensor
	if m.Options().UseRebuildData {
		if err := checkViews(images); err != nil {
			return input.Result{}, err
		}

		att0, fc0, att1, fc1, err := m.extractViews(ctx, images)
		if err != nil {
			return input.Result{}, err
		}

		fc = fc0.Sub(ctx, fc1).Add(ctx, fc0)
		att = att0.Sub(ctx, att1).Add(ctx, att0)
		logutil.Trace("rebuilt from two views", logutil.Shape("att", att.Shape()), logutil.Shape("fc", fc.Shape()))
	} else {
		if images == nil || len(images.Shape()) != 4 {
			var shape []int
			if images != nil {
				shape = images.Shape()
			}

			return input.Result{}, fmt.Errorf("%w: expected [batch, channels, height, width], got %v", ErrInvalidShape, shape)
		}

		att, fc, err = m.VisualExtractor.Forward(ctx, images)
		if err != nil {
			return input.Result{}, err
		}
	}

	return m.dispatch(ctx, mode, fc, att, opts.Targets, nil, opts.UpdateOpts)
}

func (m *Model) dispatch(ctx ml.Context, mode input.Mode, fc, att, targets, retrievalIDs ml.Tensor, updateOpts map[string]any) (input.Result, error) {
	switch mode {
	case input.ModeTrain:
		logprobs, err := m.EncoderDecoder.Forward(ctx, fc, att, targets, retrievalIDs)
		if err != nil {
			return input.Result{}, err
		}

		return input.Result{Logprobs: logprobs}, nil
	case input.ModeSample:
		seq, probs, err := m.EncoderDecoder.Sample(ctx, fc, att, retrievalIDs, updateOpts)
		if err != nil {
			return input.Result{}, err
		}

		return input.Result{Sequence: seq, Probs: probs}, nil
	default:
		return input.Result{}, fmt.Errorf("%w: %q", input.ErrInvalidMode, mode)
	}
}

// TrainableParameters counts the elements of parameters that require
// gradients.
func (m *Model) TrainableParameters() int {
	return model.TrainableParameters(model.Parameters(m))
}

func (m *Model) String() string {
	return fmt.Sprintf("%s\nTrainable parameters: %d", model.Describe("BaseCMNModel", model.Parameters(m)), m.TrainableParameters())
}

func init() {
	model.Register("base_cmn", New)
}
