package llm

import "strings"

// ProviderModels contains the curated list of common models per provider.
var ProviderModels = map[string][]string{
	"anthropic": {
		"claude-sonnet-4-5",
		"claude-sonnet-4-5-thinking",
		"claude-opus-4-5",
		"claude-opus-4-5-thinking",
		"claude-haiku-4-5",
	},
	"openai": {
		"gpt-5.2",
		"gpt-5.2-codex",
		"gpt-4.1",
	},
	"gemini": {
		"gemini-3-pro-preview",
		"gemini-2.5-flash",
		"gemini-2.5-flash-lite",
	},
}

// GetProviderNames returns valid provider names.
func GetProviderNames() []string {
	return []string{"anthropic", "openai", "gemini"}
}

// GetProviderCompletions returns completions for a --provider[:model] flag value.
func GetProviderCompletions(toComplete string) []string {
	if strings.Contains(toComplete, ":") {
		parts := strings.SplitN(toComplete, ":", 2)
		provider, modelPrefix := parts[0], parts[1]
		models, ok := ProviderModels[provider]
		if !ok {
			return nil
		}
		var completions []string
		for _, model := range models {
			if strings.HasPrefix(model, modelPrefix) {
				completions = append(completions, provider+":"+model)
			}
		}
		return completions
	}

	var completions []string
	for _, name := range GetProviderNames() {
		if strings.HasPrefix(name, toComplete) {
			completions = append(completions, name)
		}
	}
	return completions
}
