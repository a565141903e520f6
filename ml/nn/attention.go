package nn

import (
	"fmt"

	"github.com/seedml/seedml/kvcache"
	"github.com/seedml/seedml/ml"
)

// Attention implements scaled dot-product attention for transformer models:
// Attention(Q, K, V) = softmax(QK^T/√d_k)V
//
// Parameters:
//   - ctx: Context for tensor operations
//   - query: Query tensor (Q) with shape [d_k, heads, seq_len_q]
//   - key: Key tensor (K) with shape [d_k, kv_heads, seq_len_k], can be nil to read from cache only
//   - value: Value tensor (V) with shape [d_v, kv_heads, seq_len_k], can be nil to read from cache only
//   - scale: Scaling factor, typically 1/√d_k where d_k is the key dimension
//   - cache: KV cache to store key/value and get past history, can be nil to only use provided key/value
//
// Returns:
//
//	Attention output with shape [d_v, heads, seq_len_q]
func Attention(ctx ml.Context, query, key, value ml.Tensor, scale float64, cache kvcache.Cache) ml.Tensor {
	key, value, mask := attentionInputs(ctx, query, key, value, cache)

	if sdpa, ok := query.(ml.ScaledDotProductAttention); ok {
		cacheConfigApplied := cache != nil
		return sdpa.ScaledDotProductAttention(ctx, key, value, mask, scale, cacheConfigApplied)
	}

	out, _ := attention(ctx, query, key, value, mask, scale)
	return out
}

// AttentionWithWeights is Attention through the composed-operation path,
// additionally returning the post-softmax score matrix with shape
// [seq_len_k, seq_len_q, heads].
func AttentionWithWeights(ctx ml.Context, query, key, value ml.Tensor, scale float64, cache kvcache.Cache) (ml.Tensor, ml.Tensor) {
	key, value, mask := attentionInputs(ctx, query, key, value, cache)
	return attention(ctx, query, key, value, mask, scale)
}

func attentionInputs(ctx ml.Context, query, key, value ml.Tensor, cache kvcache.Cache) (ml.Tensor, ml.Tensor, ml.Tensor) {
	ctx.Forward(query)
	if key != nil && value != nil {
		if query.Dim(0) != key.Dim(0) {
			panic(fmt.Errorf("d_k in attention operation does not match between query(%v) and key(%v)", query.Dim(0), key.Dim(0)))
		}

		if key.Dim(1) != value.Dim(1) {
			panic(fmt.Errorf("kv_heads in attention operation does not match between key(%v) and value(%v)", key.Dim(1), value.Dim(1)))
		}

		if key.Dim(2) != value.Dim(2) {
			panic(fmt.Errorf("seq_len_k in attention operation does not match between key(%v) and value(%v)", key.Dim(2), value.Dim(2)))
		}

		ctx.Forward(key, value)
		if cache != nil {
			cache.Put(ctx, key, value)
		}
	} else if cache == nil {
		panic("key & value tensors must be provided if cache is nil")
	}

	var mask ml.Tensor
	if cache != nil {
		key, value, mask = cache.Get(ctx)
	}

	return key, value, mask
}

func attention(ctx ml.Context, query, key, value, mask ml.Tensor, scale float64) (ml.Tensor, ml.Tensor) {
	query = query.Permute(ctx, 0, 2, 1, 3)
	key = key.Permute(ctx, 0, 2, 1, 3)
	value = value.Permute(ctx, 1, 2, 0, 3).Contiguous(ctx)

	kq := key.MulmatFullPrec(ctx, query)

	kq = kq.Scale(ctx, scale)
	if mask != nil {
		kq = kq.Add(ctx, mask)
	}
	kq = kq.Softmax(ctx)

	kqv := value.Mulmat(ctx, kq)

	return kqv.Permute(ctx, 0, 2, 1, 3).Contiguous(ctx), kq
}
