// Package convert maps HF-style config.json files onto the canonical
// key-value schema the model packages read.
package convert

import (
	"cmp"
	"encoding/json"
	"fmt"
	"io"

	"github.com/seedml/seedml/fs"
)

// SeedOssConfig mirrors the fields of a Seed-OSS config.json. Rotary
// parameters appear in up to three places across checkpoint generations,
// which KV resolves into a single canonical form.
type SeedOssConfig struct {
	HiddenSize            uint32  `json:"hidden_size"`
	NumHiddenLayers       uint32  `json:"num_hidden_layers"`
	IntermediateSize      uint32  `json:"intermediate_size"`
	NumAttentionHeads     uint32  `json:"num_attention_heads"`
	NumKeyValueHeads      uint32  `json:"num_key_value_heads"`
	HeadDim               uint32  `json:"head_dim"`
	VocabSize             uint32  `json:"vocab_size"`
	MaxPositionEmbeddings uint32  `json:"max_position_embeddings"`
	RMSNormEps            float32 `json:"rms_norm_eps"`

	// RopeParameters is the newest spelling and wins over everything
	// else; RopeTheta over RotaryEmbBase, the legacy kwarg.
	RopeParameters map[string]any `json:"rope_parameters"`
	RopeTheta      *float32       `json:"rope_theta"`
	RotaryEmbBase  *float32       `json:"rotary_emb_base"`
	RopeScaling    map[string]any `json:"rope_scaling"`

	AttentionBias     bool     `json:"attention_bias"`
	AttentionOutBias  *bool    `json:"attention_out_bias"`
	MLPBias           bool     `json:"mlp_bias"`
	TieWordEmbeddings bool     `json:"tie_word_embeddings"`
	HiddenAct         string   `json:"hidden_act"`
	ResidualDropout   float32  `json:"residual_dropout"`
	InitializerRange  float32  `json:"initializer_range"`
	PadTokenID        *int32   `json:"pad_token_id"`
	NumLabels         uint32   `json:"num_labels"`
	LayerTypes        []string `json:"layer_types"`
	SlidingWindow     uint32   `json:"sliding_window"`
	MLPChunkSize      uint32   `json:"mlp_chunk_size"`
	Bits              uint32   `json:"bits"`
}

func ParseConfig(r io.Reader) (*SeedOssConfig, error) {
	var c SeedOssConfig
	if err := json.NewDecoder(r).Decode(&c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &c, nil
}

func (c *SeedOssConfig) ropeTheta() float32 {
	if v, ok := c.RopeParameters["rope_theta"].(float64); ok {
		return float32(v)
	}
	if c.RopeTheta != nil {
		return *c.RopeTheta
	}
	if c.RotaryEmbBase != nil {
		return *c.RotaryEmbBase
	}

	return 10000
}

// ropeScaling merges the explicit rope_scaling block with rope_parameters,
// the latter winning key by key, minus the theta entry which ropeTheta
// already consumed.
func (c *SeedOssConfig) ropeScaling() map[string]any {
	scaling := make(map[string]any, len(c.RopeScaling)+len(c.RopeParameters))
	for k, v := range c.RopeScaling {
		scaling[k] = v
	}
	for k, v := range c.RopeParameters {
		if k != "rope_theta" {
			scaling[k] = v
		}
	}

	return scaling
}

// KV resolves the configuration into the canonical architecture-prefixed
// key-value form.
func (c *SeedOssConfig) KV() (fs.KV, error) {
	kv := fs.KV{
		"general.architecture": "seedoss",
	}

	kv["seedoss.block_count"] = c.NumHiddenLayers
	kv["seedoss.context_length"] = cmp.Or(c.MaxPositionEmbeddings, 4096)
	kv["seedoss.embedding_length"] = c.HiddenSize
	kv["seedoss.feed_forward_length"] = c.IntermediateSize
	kv["seedoss.vocab_size"] = c.VocabSize
	kv["seedoss.attention.head_count"] = c.NumAttentionHeads
	kv["seedoss.attention.head_count_kv"] = cmp.Or(c.NumKeyValueHeads, c.NumAttentionHeads)
	kv["seedoss.attention.layer_norm_rms_epsilon"] = cmp.Or(c.RMSNormEps, 1e-6)
	kv["seedoss.attention.bias"] = c.AttentionBias
	kv["seedoss.mlp_bias"] = c.MLPBias
	kv["seedoss.tie_word_embeddings"] = c.TieWordEmbeddings
	kv["seedoss.hidden_act"] = cmp.Or(c.HiddenAct, "silu")
	kv["seedoss.residual_dropout"] = c.ResidualDropout
	kv["seedoss.initializer_range"] = cmp.Or(c.InitializerRange, 0.02)
	kv["seedoss.num_labels"] = cmp.Or(c.NumLabels, 2)

	if c.HeadDim > 0 {
		kv["seedoss.attention.key_length"] = c.HeadDim
		kv["seedoss.attention.value_length"] = c.HeadDim
	}

	if c.AttentionOutBias != nil {
		kv["seedoss.attention.output_bias"] = *c.AttentionOutBias
	} else {
		kv["seedoss.attention.output_bias"] = c.AttentionBias
	}

	if c.PadTokenID != nil {
		kv["seedoss.pad_token_id"] = *c.PadTokenID
	}

	if c.LayerTypes != nil {
		kv["seedoss.layer_types"] = c.LayerTypes
		kv["seedoss.attention.sliding_window"] = c.SlidingWindow
	}

	if c.MLPChunkSize > 0 {
		kv["seedoss.mlp_chunk_size"] = c.MLPChunkSize
	}

	if c.Bits > 0 {
		kv["seedoss.bits"] = c.Bits
	}

	kv["seedoss.rope.freq_base"] = c.ropeTheta()

	scaling := c.ropeScaling()
	scalingType, _ := scaling["rope_type"].(string)
	if scalingType == "" {
		scalingType, _ = scaling["type"].(string)
	}

	switch scalingType {
	case "", "default":
		// no scaling
	case "linear":
		if factor, ok := scaling["factor"].(float64); ok && factor != 0 {
			kv["seedoss.rope.freq_scale"] = float32(1 / factor)
		}
	case "yarn":
		kv["seedoss.rope.scaling.type"] = scalingType
		if factor, ok := scaling["factor"].(float64); ok {
			kv["seedoss.rope.scaling.factor"] = float32(factor)
		}
		if orig, ok := scaling["original_max_position_embeddings"].(float64); ok {
			kv["seedoss.rope.scaling.original_context_length"] = uint32(orig)
		}
	default:
		return nil, fmt.Errorf("unknown rope scaling type %q", scalingType)
	}

	return kv, nil
}
