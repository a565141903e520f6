package convert

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parse(t *testing.T, s string) *SeedOssConfig {
	t.Helper()

	c, err := ParseConfig(strings.NewReader(s))
	require.NoError(t, err)
	return c
}

func TestRopeThetaPrecedence(t *testing.T) {
	cases := []struct {
		name string
		json string
		want float32
	}{
		{
			name: "RopeParametersWins",
			json: `{"rope_parameters": {"rope_theta": 500000}, "rope_theta": 100000, "rotary_emb_base": 50000}`,
			want: 500000,
		},
		{
			name: "ExplicitTheta",
			json: `{"rope_theta": 100000, "rotary_emb_base": 50000}`,
			want: 100000,
		},
		{
			name: "LegacyKwarg",
			json: `{"rotary_emb_base": 50000}`,
			want: 50000,
		},
		{
			name: "Default",
			json: `{}`,
			want: 10000,
		},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			kv, err := parse(t, tt.json).KV()
			require.NoError(t, err)
			assert.Equal(t, tt.want, kv["seedoss.rope.freq_base"])
		})
	}
}

func TestRopeScalingMerge(t *testing.T) {
	// rope_parameters overrides rope_scaling key by key, minus the theta
	c := parse(t, `{
		"rope_scaling": {"rope_type": "yarn", "factor": 2.0, "original_max_position_embeddings": 2048},
		"rope_parameters": {"rope_theta": 500000, "factor": 4.0}
	}`)

	kv, err := c.KV()
	require.NoError(t, err)

	assert.Equal(t, float32(500000), kv["seedoss.rope.freq_base"])
	assert.Equal(t, "yarn", kv["seedoss.rope.scaling.type"])
	assert.Equal(t, float32(4.0), kv["seedoss.rope.scaling.factor"])
	assert.Equal(t, uint32(2048), kv["seedoss.rope.scaling.original_context_length"])
}

func TestRopeScalingLinear(t *testing.T) {
	kv, err := parse(t, `{"rope_scaling": {"rope_type": "linear", "factor": 4.0}}`).KV()
	require.NoError(t, err)

	assert.Equal(t, float32(0.25), kv["seedoss.rope.freq_scale"])
}

func TestRopeScalingUnknownType(t *testing.T) {
	_, err := parse(t, `{"rope_scaling": {"rope_type": "fancy"}}`).KV()
	assert.Error(t, err)
}

func TestKVDerivedFields(t *testing.T) {
	c := parse(t, `{
		"hidden_size": 1024,
		"num_hidden_layers": 4,
		"num_attention_heads": 8,
		"layer_types": ["full_attention", "sliding_attention", "full_attention", "sliding_attention"],
		"sliding_window": 128,
		"pad_token_id": 0,
		"attention_bias": true
	}`)

	kv, err := c.KV()
	require.NoError(t, err)

	assert.Equal(t, "seedoss", kv.Architecture())
	assert.Equal(t, uint32(8), kv["seedoss.attention.head_count_kv"], "kv heads default to heads")
	assert.Equal(t, uint32(128), kv["seedoss.attention.sliding_window"])
	assert.Equal(t, int32(0), kv["seedoss.pad_token_id"])
	assert.Equal(t, true, kv["seedoss.attention.output_bias"], "out bias follows attention_bias when absent")
	assert.NotContains(t, kv, "seedoss.attention.key_length", "head_dim left for the model to derive")
}
