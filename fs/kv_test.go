package fs

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKVArchitecturePrefix(t *testing.T) {
	kv := KV{
		"general.architecture":        "seedoss",
		"seedoss.embedding_length":    uint32(4096),
		"seedoss.attention.head_count": uint32(32),
		"tokenizer.ggml.model":        "gpt2",
	}

	assert.Equal(t, "seedoss", kv.Architecture())
	assert.Equal(t, uint32(4096), kv.Uint("embedding_length"))
	assert.Equal(t, uint32(32), kv.Uint("attention.head_count"))
	assert.Equal(t, "gpt2", kv.String("tokenizer.ggml.model"))
}

func TestKVDefaults(t *testing.T) {
	kv := KV{"general.architecture": "seedoss"}

	assert.Equal(t, uint32(7), kv.Uint("missing", 7))
	assert.Equal(t, int32(-1), kv.Int("pad_token_id", -1))
	assert.Equal(t, float32(0.5), kv.Float("missing", 0.5))
	assert.True(t, kv.Bool("missing", true))
	assert.Nil(t, kv.Strings("missing"))
	assert.Equal(t, []string{"full_attention"}, kv.Strings("missing", []string{"full_attention"}))
}

func TestKVTypeMismatchFallsBack(t *testing.T) {
	kv := KV{
		"general.architecture": "seedoss",
		"seedoss.block_count":  "not a number",
	}

	assert.Equal(t, uint32(0), kv.Uint("block_count"))
}
