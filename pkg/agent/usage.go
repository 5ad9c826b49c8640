package agent

import (
	"strconv"
	"strings"

	"teamsrelay/pkg/bus"
	providertypes "teamsrelay/pkg/provider/types"
)

const (
	UsageInputTokensKey       = "usage_input_tokens"
	UsageOutputTokensKey      = "usage_output_tokens"
	UsageTotalTokensKey       = "usage_total_tokens"
	UsageReasoningTokensKey   = "usage_reasoning_tokens"
	UsageCacheCreateTokensKey = "usage_cache_creation_tokens"
	UsageCacheReadTokensKey   = "usage_cache_read_tokens"
	ProviderKey               = "provider"
	ModelKey                  = "model"
)

// PromptResultMetadata serializes provider identity and usage into outbound
// metadata. It returns nil when there is nothing to report.
func PromptResultMetadata(result providertypes.PromptResult) map[string]string {
	metadata := map[string]string{}
	if provider := strings.TrimSpace(result.Metadata.Provider); provider != "" {
		metadata[ProviderKey] = provider
	}
	if model := strings.TrimSpace(result.Metadata.Model); model != "" {
		metadata[ModelKey] = model
	}
	if usage := result.Metadata.Usage; usage != nil {
		metadata[UsageInputTokensKey] = strconv.FormatInt(usage.InputTokens, 10)
		metadata[UsageOutputTokensKey] = strconv.FormatInt(usage.OutputTokens, 10)
		metadata[UsageTotalTokensKey] = strconv.FormatInt(usage.TotalTokens, 10)
		metadata[UsageReasoningTokensKey] = strconv.FormatInt(usage.ReasoningTokens, 10)
		metadata[UsageCacheCreateTokensKey] = strconv.FormatInt(usage.CacheCreationTokens, 10)
		metadata[UsageCacheReadTokensKey] = strconv.FormatInt(usage.CacheReadTokens, 10)
	}

	if len(metadata) == 0 {
		return nil
	}
	return metadata
}

// PromptResultFromOutbound reconstructs provider metadata from a bus reply.
func PromptResultFromOutbound(outbound bus.OutboundMessage) providertypes.PromptResult {
	result := providertypes.PromptResult{Text: outbound.Content}
	if outbound.Metadata == nil {
		return result
	}

	result.Metadata.Provider = outbound.Metadata[ProviderKey]
	result.Metadata.Model = outbound.Metadata[ModelKey]

	usage := &providertypes.TokenUsage{
		InputTokens:         parseInt64(outbound.Metadata[UsageInputTokensKey]),
		OutputTokens:        parseInt64(outbound.Metadata[UsageOutputTokensKey]),
		TotalTokens:         parseInt64(outbound.Metadata[UsageTotalTokensKey]),
		ReasoningTokens:     parseInt64(outbound.Metadata[UsageReasoningTokensKey]),
		CacheCreationTokens: parseInt64(outbound.Metadata[UsageCacheCreateTokensKey]),
		CacheReadTokens:     parseInt64(outbound.Metadata[UsageCacheReadTokensKey]),
	}
	if !usage.IsZero() {
		result.Metadata.Usage = usage
	}
	return result
}

func parseInt64(value string) int64 {
	parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
