package seedoss

import (
	"fmt"
	"math"

	"github.com/seedml/seedml/fs"
	"github.com/seedml/seedml/kvcache"
	"github.com/seedml/seedml/ml"
	"github.com/seedml/seedml/ml/nn"
	"github.com/seedml/seedml/ml/nn/rope"
	"github.com/seedml/seedml/model"
	"github.com/seedml/seedml/model/input"
)

const (
	layerTypeFull    = "full_attention"
	layerTypeSliding = "sliding_attention"
)

type Options struct {
	hiddenSize, numHeads, numKVHeads int
	headDim, ffnSize                 int
	numLayers                        int
	maxPositionEmbeddings            int
	vocabSize                        int
	numLabels                        int
	padToken                         int32

	eps       float32
	ropeBase  float32
	ropeScale float32
	origCtx   int

	attnBias, attnOutBias, mlpBias bool
	tieEmbedding                   bool

	hiddenAct string
	act       nn.Activation

	residualDropout  float32
	chunkSize        int
	initializerRange float32

	layerTypes    []string
	slidingWindow int32
}

func NewOptions(c fs.Config) (*Options, error) {
	opts := Options{
		hiddenSize:            int(c.Uint("embedding_length")),
		numHeads:              int(c.Uint("attention.head_count")),
		numLayers:             int(c.Uint("block_count")),
		ffnSize:               int(c.Uint("feed_forward_length")),
		maxPositionEmbeddings: int(c.Uint("context_length", 4096)),
		vocabSize:             int(c.Uint("vocab_size")),
		numLabels:             int(c.Uint("num_labels", 2)),
		padToken:              c.Int("pad_token_id", -1),
		eps:                   c.Float("attention.layer_norm_rms_epsilon", 1e-6),
		ropeBase:              c.Float("rope.freq_base", 10000),
		ropeScale:             c.Float("rope.freq_scale", 1),
		origCtx:               int(c.Uint("rope.scaling.original_context_length")),
		attnBias:              c.Bool("attention.bias"),
		mlpBias:               c.Bool("mlp_bias"),
		tieEmbedding:          c.Bool("tie_word_embeddings"),
		hiddenAct:             c.String("hidden_act", "silu"),
		residualDropout:       c.Float("residual_dropout"),
		chunkSize:             int(c.Uint("mlp_chunk_size")),
		initializerRange:      c.Float("initializer_range", 0.02),
		slidingWindow:         int32(c.Uint("attention.sliding_window")),
	}

	opts.numKVHeads = int(c.Uint("attention.head_count_kv", uint32(opts.numHeads)))
	opts.attnOutBias = c.Bool("attention.output_bias", opts.attnBias)

	opts.headDim = int(c.Uint("attention.key_length"))
	if opts.headDim == 0 {
		if opts.numHeads == 0 || opts.hiddenSize%opts.numHeads != 0 {
			return nil, fmt.Errorf("hidden size %v is not divisible by attention heads %v", opts.hiddenSize, opts.numHeads)
		}

		opts.headDim = opts.hiddenSize / opts.numHeads
	}

	opts.layerTypes = c.Strings("layer_types")
	if opts.layerTypes == nil {
		opts.layerTypes = make([]string, opts.numLayers)
		for i := range opts.layerTypes {
			opts.layerTypes[i] = layerTypeFull
		}
	}
	if len(opts.layerTypes) != opts.numLayers {
		return nil, fmt.Errorf("layer_types has %v entries for %v layers", len(opts.layerTypes), opts.numLayers)
	}
	for _, lt := range opts.layerTypes {
		if lt != layerTypeFull && lt != layerTypeSliding {
			return nil, fmt.Errorf("unsupported layer type %q", lt)
		}
	}

	var err error
	opts.act, err = nn.ActivationByName(opts.hiddenAct)
	if err != nil {
		return nil, err
	}

	return &opts, nil
}

func (o *Options) ropeOptions() []func(*rope.Options) {
	options := []func(*rope.Options){rope.WithTypeNeoX()}
	if o.origCtx > 0 {
		options = append(options, rope.WithOriginalContextLength(o.origCtx))
	}

	return options
}

func (o *Options) hasSlidingLayers() bool {
	for _, lt := range o.layerTypes {
		if lt == layerTypeSliding {
			return true
		}
	}

	return false
}

// MaskDetail describes the attention mask of one layer.
type MaskDetail struct {
	Type       string
	WindowSize int32
}

// MaskDetails maps each layer index to its mask descriptor.
func (o *Options) MaskDetails() map[int]MaskDetail {
	details := make(map[int]MaskDetail, o.numLayers)
	for i, lt := range o.layerTypes {
		if lt == layerTypeSliding {
			details[i] = MaskDetail{Type: "sliding", WindowSize: o.slidingWindow}
		} else {
			details[i] = MaskDetail{Type: "causal"}
		}
	}

	return details
}

type Attention struct {
	Query  *nn.Linear `gguf:"attn_q"`
	Key    *nn.Linear `gguf:"attn_k"`
	Value  *nn.Linear `gguf:"attn_v"`
	Output *nn.Linear `gguf:"attn_output"`
}

func (sa *Attention) Forward(ctx ml.Context, hiddenState, positions ml.Tensor, cache kvcache.Cache, wantWeights bool, opts *Options) (ml.Tensor, ml.Tensor) {
	batchSize := hiddenState.Dim(1)

	query := sa.Query.Forward(ctx, hiddenState).Reshape(ctx, opts.headDim, opts.numHeads, batchSize)
	key := sa.Key.Forward(ctx, hiddenState).Reshape(ctx, opts.headDim, opts.numKVHeads, batchSize)
	value := sa.Value.Forward(ctx, hiddenState).Reshape(ctx, opts.headDim, opts.numKVHeads, batchSize)

	query = nn.RoPE(ctx, query, positions, opts.headDim, opts.ropeBase, opts.ropeScale, opts.ropeOptions()...)
	key = nn.RoPE(ctx, key, positions, opts.headDim, opts.ropeBase, opts.ropeScale, opts.ropeOptions()...)

	scale := 1 / math.Sqrt(float64(opts.headDim))

	var attention, weights ml.Tensor
	if wantWeights {
		attention, weights = nn.AttentionWithWeights(ctx, query, key, value, scale, cache)
	} else {
		attention = nn.Attention(ctx, query, key, value, scale, cache)
	}

	attention = attention.Reshape(ctx, opts.numHeads*opts.headDim, batchSize)
	return sa.Output.Forward(ctx, attention), weights
}

type Layer struct {
	AttentionNorm *nn.RMSNorm `gguf:"attn_norm"`
	SelfAttention *Attention
	MLPNorm       *nn.RMSNorm `gguf:"ffn_norm"`
	MLP           *MLP
}

func (l *Layer) Forward(ctx ml.Context, hiddenState, positions ml.Tensor, cache kvcache.Cache, wantWeights, train bool, opts *Options) (ml.Tensor, ml.Tensor) {
	residual := ml.Checkpoint(ctx, "residual", hiddenState)

	hiddenState = l.AttentionNorm.Forward(ctx, hiddenState, opts.eps)
	hiddenState, weights := l.SelfAttention.Forward(ctx, hiddenState, positions, cache, wantWeights, opts)
	hiddenState = hiddenState.Add(ctx, residual)

	residual = hiddenState
	hiddenState = l.MLPNorm.Forward(ctx, hiddenState, opts.eps)
	hiddenState = l.MLP.Forward(ctx, hiddenState, train, opts)
	hiddenState = hiddenState.Add(ctx, residual)

	return ml.Checkpoint(ctx, "layer_output", hiddenState), weights
}

type Model struct {
	model.Base

	TokenEmbedding *nn.Embedding `gguf:"token_embd"`
	Layers         []Layer       `gguf:"blk"`
	OutputNorm     *nn.RMSNorm   `gguf:"output_norm"`

	*Options
}

func newModel(c fs.Config) (*Model, error) {
	opts, err := NewOptions(c)
	if err != nil {
		return nil, err
	}

	m := Model{
		Layers:  make([]Layer, opts.numLayers),
		Options: opts,
	}

	if opts.residualDropout > 0 {
		for i := range m.Layers {
			m.Layers[i].MLP = &MLP{Dropout: &nn.Dropout{Rate: opts.residualDropout}}
		}
	}

	if opts.hasSlidingLayers() {
		m.Cache = kvcache.NewWrapperCache(
			kvcache.NewCausalCache(m.Shift),
			kvcache.NewSWACache(opts.slidingWindow, m.Shift),
		)
	} else {
		m.Cache = kvcache.NewCausalCache(m.Shift)
	}

	return &m, nil
}

func (m *Model) Shift(ctx ml.Context, layer int, key, shift ml.Tensor) (ml.Tensor, error) {
	return nn.RoPE(ctx, key, shift, m.headDim, m.ropeBase, m.ropeScale, m.ropeOptions()...), nil
}

// prepare validates a request and flattens it into a batch plus its
// execution mode.
func (m *Model) prepare(ctx ml.Context, req input.Request) (input.Batch, input.Mode, error) {
	if (req.IDs == nil) == (req.Embeds == nil) {
		return input.Batch{}, 0, fmt.Errorf("%w: exactly one of token ids and embeddings must be set", model.ErrInvalidInputs)
	}

	var batchSize, seqLen int
	if req.IDs != nil {
		batchSize = len(req.IDs)
		if batchSize == 0 {
			return input.Batch{}, 0, fmt.Errorf("%w: empty batch", model.ErrInvalidInputs)
		}

		seqLen = len(req.IDs[0])
		for _, row := range req.IDs {
			if len(row) != seqLen {
				return input.Batch{}, 0, fmt.Errorf("%w: ragged token id rows", model.ErrInvalidInputs)
			}
		}
	} else {
		seqLen = req.Embeds.Dim(1)
		batchSize = req.Embeds.Dim(2)
	}

	if seqLen > m.maxPositionEmbeddings {
		return input.Batch{}, 0, fmt.Errorf("%w: %v > %v", model.ErrSequenceTooLong, seqLen, m.maxPositionEmbeddings)
	}

	valid := func(r, s int) bool {
		if req.Mask != nil {
			return req.Mask[r][s]
		}
		if req.IDs != nil && m.padToken >= 0 {
			return req.IDs[r][s] != m.padToken
		}
		return true
	}

	batch := input.Batch{
		Positions: make([]int32, 0, batchSize*seqLen),
		Sequences: make([]int, 0, batchSize*seqLen),
		Valid:     make([]bool, 0, batchSize*seqLen),
	}

	cached := false
	for r := 0; r < batchSize; r++ {
		offset := m.Cache.SeqLen(r)
		if offset > 0 {
			cached = true
		}

		var count int32
		for s := 0; s < seqLen; s++ {
			v := valid(r, s)
			if v {
				count++
			}

			// cumulative count of valid tokens, clipped so left padding
			// stays at position zero
			pos := offset + max(count-1, 0)
			if req.Positions != nil {
				// explicit positions are absolute
				pos = req.Positions[r][s]
			}

			batch.Positions = append(batch.Positions, pos)
			batch.Sequences = append(batch.Sequences, r)
			batch.Valid = append(batch.Valid, v)
		}
	}

	mode := req.Mode
	if mode == input.ModeAuto {
		if seqLen == 1 && cached {
			mode = input.ModeDecode
		} else {
			mode = input.ModeTrain
		}
	}

	if req.IDs != nil {
		flat := make([]int32, 0, batchSize*seqLen)
		for _, row := range req.IDs {
			flat = append(flat, row...)
		}

		batch.Inputs = ctx.Input().FromInts(flat, len(flat))
	} else {
		batch.Embeds = req.Embeds.Reshape(ctx, req.Embeds.Dim(0), seqLen*batchSize)
	}

	return batch, mode, nil
}

func (m *Model) Forward(ctx ml.Context, req input.Request) (*model.Output, error) {
	batch, mode, err := m.prepare(ctx, req)
	if err != nil {
		return nil, err
	}

	if err := m.Cache.StartForward(ctx, batch, false); err != nil {
		return nil, err
	}

	hiddenState := batch.Embeds
	if hiddenState == nil {
		hiddenState = m.TokenEmbedding.Forward(ctx, batch.Inputs)
	}

	out := &model.Output{}
	if req.OutputHiddenStates {
		out.HiddenStates = append(out.HiddenStates, hiddenState)
	}

	wrapper, _ := m.Cache.(*kvcache.WrapperCache)
	train := mode == input.ModeTrain
	positions := ctx.Input().FromInts(batch.Positions, len(batch.Positions))

	for i, layer := range m.Layers {
		m.Cache.SetLayer(i)
		if wrapper != nil {
			if m.layerTypes[i] == layerTypeSliding {
				wrapper.SetLayerType(1)
			} else {
				wrapper.SetLayerType(0)
			}
		}

		var weights ml.Tensor
		hiddenState, weights = layer.Forward(ctx, hiddenState, positions, m.Cache, req.OutputAttentions, train, m.Options)

		if req.OutputHiddenStates {
			out.HiddenStates = append(out.HiddenStates, hiddenState)
		}
		if req.OutputAttentions {
			out.Attentions = append(out.Attentions, weights)
		}
	}

	out.LastHiddenState = m.OutputNorm.Forward(ctx, hiddenState, m.eps)
	ctx.Forward(out.LastHiddenState).Compute(out.LastHiddenState)

	return out, nil
}

func (m *Model) Encoder() (model.Model, error) {
	return nil, model.ErrNoEncoder
}

func (m *Model) Decoder() (model.Model, error) {
	return m, nil
}

func (m *Model) Embedding() *nn.Embedding {
	return m.TokenEmbedding
}

func (m *Model) LMHead() (*nn.Linear, error) {
	return nil, model.ErrNoLMHead
}

func init() {
	model.Register("seedoss", model.TaskBase, func(c fs.Config) (model.Model, error) {
		return newModel(c)
	})
	model.Register("seedoss", model.TaskCausalLM, newCausalLM)
	model.Register("seedoss", model.TaskTextClassification, newTextClassifier)
}
