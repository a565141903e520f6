package sharding

import "testing"

func TestResolveFirstMatchWins(t *testing.T) {
	rules := []Rule{
		NewRule(`blk\.\d+\.attn_q\.weight`, ColumnWise),
		NewRule(`blk\.\d+\.attn_output\.weight`, RowWise),
		NewRule(`.*\.bias`, Replicated),
		NewRule(`.*`, Replicated),
	}

	cases := []struct {
		name string
		want Strategy
	}{
		{"blk.0.attn_q.weight", ColumnWise},
		{"blk.11.attn_output.weight", RowWise},
		{"blk.3.attn_q.bias", Replicated},
		{"output_norm.weight", Replicated},
	}

	for _, tt := range cases {
		if got := Resolve(rules, tt.name); got != tt.want {
			t.Errorf("Resolve(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestResolveAnchorsPattern(t *testing.T) {
	rules := []Rule{NewRule(`token_embd\.weight`, ColumnWise)}

	for _, name := range []string{"xtoken_embd.weight", "token_embd.weight.extra"} {
		if got := Resolve(rules, name); got != Replicated {
			t.Errorf("Resolve(%q) = %v, substring match must not fire", name, got)
		}
	}
}

func TestStrategyString(t *testing.T) {
	if Replicated.String() != "replicated" || ColumnWise.String() != "column" || RowWise.String() != "row" {
		t.Error("unexpected strategy names")
	}
}
