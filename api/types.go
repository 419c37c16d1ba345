package api

import (
	"errors"
	"fmt"
)

// StatusError is an error with an HTTP status code and message,
// it is parsed on the client-side and not returned from the API
type StatusError struct {
	StatusCode   int    // e.g. 200
	Status       string // e.g. "200 OK"
	ErrorMessage string `json:"error"`
}

func (e StatusError) Error() string {
	switch {
	case e.Status != "" && e.ErrorMessage != "":
		return fmt.Sprintf("%s: %s", e.Status, e.ErrorMessage)
	case e.Status != "":
		return e.Status
	case e.ErrorMessage != "":
		return e.ErrorMessage
	default:
		// this should not happen
		return "something went wrong, please see the server logs for details"
	}
}

// Options are the arguments a report model is built from. They can be read
// from a TOML file, JSON or a generic map.
type Options struct {
	Architecture string `toml:"architecture" json:"architecture" mapstructure:"architecture"`

	// DatasetName selects the forward variant: "iu_xray" studies carry two
	// views whose features are concatenated, anything else is single view.
	DatasetName    string `toml:"dataset_name" json:"dataset_name" mapstructure:"dataset_name"`
	UseRebuildData bool   `toml:"use_rebuild_data" json:"use_rebuild_data" mapstructure:"use_rebuild_data"`
	VocabPath      string `toml:"vocab_path" json:"vocab_path,omitempty" mapstructure:"vocab_path"`

	// Visual extractor
	ImageSize             int  `toml:"image_size" json:"image_size" mapstructure:"image_size"`
	VisualGrid            int  `toml:"visual_grid" json:"visual_grid" mapstructure:"visual_grid"`
	VisualPool            int  `toml:"visual_pool" json:"visual_pool" mapstructure:"visual_pool"`
	DVF                   int  `toml:"d_vf" json:"d_vf" mapstructure:"d_vf"`
	FreezeVisualExtractor bool `toml:"freeze_visual_extractor" json:"freeze_visual_extractor" mapstructure:"freeze_visual_extractor"`

	// Encoder-decoder
	DModel       int     `toml:"d_model" json:"d_model" mapstructure:"d_model"`
	DFF          int     `toml:"d_ff" json:"d_ff" mapstructure:"d_ff"`
	NumHeads     int     `toml:"num_heads" json:"num_heads" mapstructure:"num_heads"`
	NumLayers    int     `toml:"num_layers" json:"num_layers" mapstructure:"num_layers"`
	LayerNormEps float32 `toml:"layer_norm_eps" json:"layer_norm_eps" mapstructure:"layer_norm_eps"`

	// Cross-modal memory
	TopK    int `toml:"topk" json:"topk" mapstructure:"topk"`
	CMMSize int `toml:"cmm_size" json:"cmm_size" mapstructure:"cmm_size"`
	CMMDim  int `toml:"cmm_dim" json:"cmm_dim" mapstructure:"cmm_dim"`

	// Sampling defaults, overridable per call
	MaxSeqLength       int     `toml:"max_seq_length" json:"max_seq_length" mapstructure:"max_seq_length"`
	SampleMethod       string  `toml:"sample_method" json:"sample_method" mapstructure:"sample_method"`
	Temperature        float32 `toml:"temperature" json:"temperature" mapstructure:"temperature"`
	SampleTopK         int     `toml:"sample_top_k" json:"sample_top_k" mapstructure:"sample_top_k"`
	SampleTopP         float32 `toml:"sample_top_p" json:"sample_top_p" mapstructure:"sample_top_p"`
	DecodingConstraint bool    `toml:"decoding_constraint" json:"decoding_constraint" mapstructure:"decoding_constraint"`
	BeamSize           int     `toml:"beam_size" json:"beam_size" mapstructure:"beam_size"`

	Seed uint64 `toml:"seed" json:"seed" mapstructure:"seed"`
}

// DefaultOptions follows the published R2GenCMN configuration.
func DefaultOptions() Options {
	return Options{
		Architecture: "base_cmn",
		DatasetName:  "iu_xray",

		ImageSize:  224,
		VisualGrid: 7,
		VisualPool: 4,
		DVF:        2048,

		DModel:       512,
		DFF:          512,
		NumHeads:     8,
		NumLayers:    3,
		LayerNormEps: 1e-6,

		TopK:    32,
		CMMSize: 2048,
		CMMDim:  512,

		MaxSeqLength: 60,
		SampleMethod: "greedy",
		Temperature:  1.0,
		BeamSize:     1,

		Seed: 9233,
	}
}

var ErrInvalidOptions = errors.New("invalid options")

func (o Options) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidOptions, fmt.Sprintf(format, args...))
	}

	switch {
	case o.ImageSize <= 0 || o.VisualGrid <= 0 || o.VisualPool <= 0:
		return invalid("image_size, visual_grid and visual_pool must be positive")
	case o.ImageSize%o.VisualGrid != 0:
		return invalid("image_size %d is not divisible by visual_grid %d", o.ImageSize, o.VisualGrid)
	case (o.ImageSize/o.VisualGrid)%o.VisualPool != 0:
		return invalid("patch size %d is not divisible by visual_pool %d", o.ImageSize/o.VisualGrid, o.VisualPool)
	case o.DVF <= 0 || o.DModel <= 0 || o.DFF <= 0 || o.NumLayers <= 0:
		return invalid("d_vf, d_model, d_ff and num_layers must be positive")
	case o.NumHeads <= 0 || o.DModel%o.NumHeads != 0:
		return invalid("d_model %d is not divisible by num_heads %d", o.DModel, o.NumHeads)
	case o.CMMDim != o.DModel:
		return invalid("cmm_dim %d must equal d_model %d", o.CMMDim, o.DModel)
	case o.TopK <= 0 || o.CMMSize <= 0 || o.TopK > o.CMMSize:
		return invalid("topk %d must be in [1, cmm_size %d]", o.TopK, o.CMMSize)
	case o.MaxSeqLength <= 0:
		return invalid("max_seq_length must be positive")
	}

	return nil
}

// NumViews is the number of images each study contributes.
func (o Options) NumViews() int {
	if o.DatasetName == "iu_xray" || o.UseRebuildData {
		return 2
	}

	return 1
}

type GenerateRequest struct {
	// Images are the encoded views of one study, in view order.
	Images [][]byte `json:"images"`

	// Mode is "sample" (the default for this endpoint) or "train".
	Mode string `json:"mode,omitempty"`

	// Targets are token ids for teacher forcing in train mode.
	Targets []int32 `json:"targets,omitempty"`

	// RetrievalIDs are memory keys forwarded to the encoder-decoder.
	RetrievalIDs []int32 `json:"retrieval_ids,omitempty"`

	// Options overrides sampling options for this request.
	Options map[string]any `json:"options,omitempty"`
}

type GenerateResponse struct {
	Response string    `json:"response,omitempty"`
	Tokens   []int32   `json:"tokens,omitempty"`
	Logprobs []float32 `json:"logprobs,omitempty"`

	// Shape of Logprobs in train mode.
	Shape []int `json:"shape,omitempty"`
}

type ModuleParameters struct {
	Name      string `json:"name"`
	Count     int    `json:"count"`
	Trainable int    `json:"trainable"`
}

type ShowResponse struct {
	Options             Options            `json:"options"`
	Variant             string             `json:"variant"`
	TrainableParameters int                `json:"trainable_parameters"`
	Parameters          []ModuleParameters `json:"parameters"`
	Description         string             `json:"description"`
}
