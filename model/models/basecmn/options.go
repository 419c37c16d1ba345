package basecmn

import (
	"errors"
	"fmt"
	"math"
	"reflect"

	"github.com/mitchellh/mapstructure"

	"github.com/r2gencmn/r2gen/api"
	"github.com/r2gencmn/r2gen/sample"
)

var ErrUnsupportedOption = errors.New("unsupported sampling option")

// sampleOptions are the sampling settings of one call: the model options
// overlaid with the caller's update options.
type sampleOptions struct {
	SampleMethod       string  `mapstructure:"sample_method"`
	Temperature        float32 `mapstructure:"temperature"`
	TopK               int     `mapstructure:"top_k"`
	TopP               float32 `mapstructure:"top_p"`
	MaxSeqLength       int     `mapstructure:"max_seq_length"`
	Seed               uint64  `mapstructure:"seed"`
	DecodingConstraint bool    `mapstructure:"decoding_constraint"`
	BeamSize           int     `mapstructure:"beam_size"`
	SampleN            int     `mapstructure:"sample_n"`
}

func decodeSampleOptions(defaults api.Options, updateOpts map[string]any) (sampleOptions, error) {
	opts := sampleOptions{
		SampleMethod:       defaults.SampleMethod,
		Temperature:        defaults.Temperature,
		TopK:               defaults.SampleTopK,
		TopP:               defaults.SampleTopP,
		MaxSeqLength:       defaults.MaxSeqLength,
		Seed:               defaults.Seed,
		DecodingConstraint: defaults.DecodingConstraint,
		BeamSize:           defaults.BeamSize,
		SampleN:            1,
	}

	if len(updateOpts) > 0 {
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:      &opts,
			ErrorUnused: true,
			DecodeHook:  wholeNumberHook,
		})
		if err != nil {
			return sampleOptions{}, err
		}

		if err := decoder.Decode(updateOpts); err != nil {
			return sampleOptions{}, fmt.Errorf("%w: %w", api.ErrInvalidOptions, err)
		}
	}

	return opts, opts.validate()
}

// wholeNumberHook rejects floats with a fractional part for integer
// fields. JSON numbers always arrive as float64.
func wholeNumberHook(from, to reflect.Type, data any) (any, error) {
	switch to.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
	default:
		return data, nil
	}

	var f float64
	switch v := data.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	default:
		return data, nil
	}

	if math.Trunc(f) != f {
		return nil, fmt.Errorf("%v is not a whole number", f)
	}

	return data, nil
}

func (o sampleOptions) validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", api.ErrInvalidOptions, fmt.Sprintf(format, args...))
	}

	switch {
	case o.BeamSize != 1:
		return fmt.Errorf("%w: beam_size %d, only 1 is supported", ErrUnsupportedOption, o.BeamSize)
	case o.SampleN != 1:
		return fmt.Errorf("%w: sample_n %d, only 1 is supported", ErrUnsupportedOption, o.SampleN)
	case o.SampleMethod != "greedy" && o.SampleMethod != "sample":
		return invalid("sample_method %q must be greedy or sample", o.SampleMethod)
	case o.SampleMethod == "sample" && o.Temperature <= 0:
		return invalid("temperature must be positive")
	case o.TopK < 0:
		return invalid("top_k must not be negative")
	case o.TopP < 0 || o.TopP > 1:
		return invalid("top_p must be in [0, 1]")
	case o.MaxSeqLength <= 0 || o.MaxSeqLength >= maxPositions:
		return invalid("max_seq_length must be in [1, %d)", maxPositions)
	}

	return nil
}

func (o sampleOptions) sampler() sample.Sampler {
	if o.SampleMethod == "greedy" {
		return sample.Greedy()
	}

	seed := o.Seed
	return sample.Weighted(&seed)
}

// transforms are applied before every draw. Greedy decoding ignores
// temperature, top_k and top_p.
func (o sampleOptions) transforms() []sample.Transform {
	if o.SampleMethod == "greedy" {
		return nil
	}

	var transforms []sample.Transform
	if o.TopK > 0 {
		transforms = append(transforms, sample.TopK(o.TopK))
	}

	transforms = append(transforms, sample.Temperature(o.Temperature))

	if o.TopP > 0 && o.TopP < 1 {
		transforms = append(transforms, sample.TopP(o.TopP))
	}

	return transforms
}
