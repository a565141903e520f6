package input

import "github.com/seedml/seedml/ml"

// Mode selects how a forward request is executed.
type Mode int

const (
	// ModeAuto infers the mode from the request: single-token requests
	// against a non-empty cache decode, everything else trains.
	ModeAuto Mode = iota
	ModeTrain
	ModeDecode
)

func (m Mode) String() string {
	switch m {
	case ModeTrain:
		return "train"
	case ModeDecode:
		return "decode"
	default:
		return "auto"
	}
}

// Request describes one forward pass through a model. Exactly one of IDs
// and Embeds must be set.
type Request struct {
	// IDs are token ids with one row per sequence. Rows must be the same
	// length, padded with the configured pad token when needed.
	IDs [][]int32

	// Embeds are precomputed input embeddings with shape
	// [hidden, seq, batch], used instead of the embedding table.
	Embeds ml.Tensor

	// Mask marks valid (true) versus padding (false) positions, one row
	// per sequence. Derived from IDs and the pad token when nil.
	Mask [][]bool

	// Positions overrides the derived rotary position ids.
	Positions [][]int32

	Mode Mode

	// OutputHiddenStates records the hidden state after every layer.
	OutputHiddenStates bool

	// OutputAttentions records each layer's attention weights. Forces the
	// composed attention path.
	OutputAttentions bool

	// SkipOutput suppresses the head projection, leaving only hidden
	// states in the result.
	SkipOutput bool
}

// Batch is the flattened form of a Request handed to the cache and the
// layer stack. Token r,s of the request maps to flat index r*seqLen+s.
type Batch struct {
	// Inputs is the flattened token id tensor, nil for embedding input.
	Inputs ml.Tensor

	// Embeds is the flattened embedding tensor, nil for token input.
	Embeds ml.Tensor

	// Positions is the rotary position of each token.
	Positions []int32

	// Sequences is the sequence (batch row) each token belongs to.
	Sequences []int

	// Valid is false for padding tokens.
	Valid []bool

	// Outputs are the flat indices whose final states are needed.
	Outputs []int32
}
