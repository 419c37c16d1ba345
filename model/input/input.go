package input

import (
	"errors"
	"fmt"

	"github.com/r2gencmn/r2gen/ml"
)

// Mode selects the encoder-decoder entry point a forward pass runs.
type Mode string

const (
	// ModeTrain runs teacher forcing over the targets. It is also what the
	// zero value means.
	ModeTrain Mode = "train"

	// ModeSample generates a report autoregressively.
	ModeSample Mode = "sample"
)

var ErrInvalidMode = errors.New("invalid mode")

// ParseMode validates s. An empty string is ModeTrain.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case "", ModeTrain:
		return ModeTrain, nil
	case ModeSample:
		return ModeSample, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidMode, s)
	}
}

// ForwardOptions contains the per-call inputs of a forward pass besides the
// images.
type ForwardOptions struct {
	// Targets are [batch, length] int32 token ids. Only train uses them.
	Targets ml.Tensor

	// RetrievalIDs are [batch, n] int32 memory keys. Only the two-view
	// variant accepts them.
	RetrievalIDs ml.Tensor

	Mode Mode

	// UpdateOpts override sampling options for this call. It is read, never
	// written.
	UpdateOpts map[string]any
}

// Result holds what a forward pass produced. Train sets Logprobs only,
// sample sets Sequence and Probs.
type Result struct {
	// Logprobs are [batch, length-1, vocab+1] log-probabilities.
	Logprobs ml.Tensor

	// Sequence holds [batch, length] generated token ids.
	Sequence ml.Tensor

	// Probs holds the [batch, length] log-probability of each generated token.
	Probs ml.Tensor
}
