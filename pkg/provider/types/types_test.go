package types

import "testing"

func TestTokenUsageAdd(t *testing.T) {
	var total TokenUsage
	if !total.IsZero() {
		t.Fatal("expected zero usage")
	}

	total.Add(TokenUsage{InputTokens: 3, OutputTokens: 4, TotalTokens: 7})
	total.Add(TokenUsage{InputTokens: 1, TotalTokens: 1, CacheReadTokens: 2})

	want := TokenUsage{InputTokens: 4, OutputTokens: 4, TotalTokens: 8, CacheReadTokens: 2}
	if total != want {
		t.Fatalf("total = %+v, want %+v", total, want)
	}
}

func TestSplitModelRef(t *testing.T) {
	tests := []struct {
		input        string
		wantProvider string
		wantModel    string
		wantOK       bool
	}{
		{input: "openai/gpt-5.2", wantProvider: "openai", wantModel: "gpt-5.2", wantOK: true},
		{input: " anthropic / claude ", wantProvider: "anthropic", wantModel: "claude", wantOK: true},
		{input: "gpt-5.2"},
		{input: "openai/"},
		{input: ""},
	}

	for _, tt := range tests {
		provider, model, ok := SplitModelRef(tt.input)
		if ok != tt.wantOK || provider != tt.wantProvider || model != tt.wantModel {
			t.Fatalf("SplitModelRef(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.input, provider, model, ok, tt.wantProvider, tt.wantModel, tt.wantOK)
		}
	}
}
