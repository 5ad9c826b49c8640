package agent

import (
	"testing"

	"teamsrelay/pkg/bus"
	providertypes "teamsrelay/pkg/provider/types"
)

func TestPromptResultMetadataIncludesUsage(t *testing.T) {
	metadata := PromptResultMetadata(providertypes.PromptResult{
		Text: "hello",
		Metadata: providertypes.PromptMetadata{
			Provider: "openai",
			Model:    "gpt-5.2",
			Usage: &providertypes.TokenUsage{
				InputTokens:         10,
				OutputTokens:        20,
				TotalTokens:         30,
				ReasoningTokens:     5,
				CacheCreationTokens: 2,
				CacheReadTokens:     7,
			},
		},
	})

	want := map[string]string{
		ProviderKey:               "openai",
		ModelKey:                  "gpt-5.2",
		UsageInputTokensKey:       "10",
		UsageOutputTokensKey:      "20",
		UsageTotalTokensKey:       "30",
		UsageReasoningTokensKey:   "5",
		UsageCacheCreateTokensKey: "2",
		UsageCacheReadTokensKey:   "7",
	}
	for key, value := range want {
		if got := metadata[key]; got != value {
			t.Fatalf("%s = %q, want %q", key, got, value)
		}
	}
}

func TestPromptResultMetadataEmpty(t *testing.T) {
	if metadata := PromptResultMetadata(providertypes.PromptResult{Text: "hi"}); metadata != nil {
		t.Fatalf("metadata = %#v, want nil", metadata)
	}
}

func TestPromptResultFromOutboundParsesUsage(t *testing.T) {
	result := PromptResultFromOutbound(bus.OutboundMessage{
		Content: "answer",
		Metadata: map[string]string{
			ProviderKey:               "fantasy",
			UsageInputTokensKey:       "11",
			UsageOutputTokensKey:      "22",
			UsageTotalTokensKey:       "33",
			UsageReasoningTokensKey:   "4",
			UsageCacheCreateTokensKey: "5",
			UsageCacheReadTokensKey:   "bogus",
		},
	})

	if result.Text != "answer" || result.Metadata.Provider != "fantasy" {
		t.Fatalf("result = %#v", result)
	}
	if result.Metadata.Usage == nil {
		t.Fatal("expected usage metadata")
	}
	if result.Metadata.Usage.TotalTokens != 33 || result.Metadata.Usage.CacheReadTokens != 0 {
		t.Fatalf("usage = %#v", result.Metadata.Usage)
	}
}

func TestPromptResultFromOutboundWithoutUsage(t *testing.T) {
	result := PromptResultFromOutbound(bus.OutboundMessage{Content: "answer", Metadata: map[string]string{"request_id": "req_1"}})
	if result.Metadata.Usage != nil {
		t.Fatalf("usage = %#v, want nil", result.Metadata.Usage)
	}
}
