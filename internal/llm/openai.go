package llm

import (
	"context"
	"fmt"
	"strings"
)

// OpenAIProvider implements Provider against OpenAI's Responses API.
type OpenAIProvider struct {
	client *ResponsesClient
	model  string
	effort string // reasoning effort: "low", "medium", "high", "xhigh", or ""
}

// parseModelEffort extracts an effort suffix from a model name.
// "gpt-5.2-high" -> ("gpt-5.2", "high"); "gpt-5.2" -> ("gpt-5.2", "").
func parseModelEffort(model string) (string, string) {
	suffixes := []string{"xhigh", "medium", "high", "low"}
	for _, effort := range suffixes {
		suffix := "-" + effort
		if strings.HasSuffix(model, suffix) {
			return strings.TrimSuffix(model, suffix), effort
		}
	}
	return model, ""
}

func NewOpenAIProvider(apiKey, model string) *OpenAIProvider {
	actualModel, effort := parseModelEffort(model)
	return &OpenAIProvider{
		client: &ResponsesClient{
			BaseURL:       "https://api.openai.com/v1/responses",
			GetAuthHeader: func() string { return "Bearer " + apiKey },
			HTTPClient:    defaultHTTPClient,
		},
		model:  actualModel,
		effort: effort,
	}
}

func (p *OpenAIProvider) Name() string {
	if p.effort != "" {
		return fmt.Sprintf("OpenAI (%s, effort=%s)", p.model, p.effort)
	}
	return fmt.Sprintf("OpenAI (%s)", p.model)
}

func (p *OpenAIProvider) Credential() string {
	return "api_key"
}

func (p *OpenAIProvider) Capabilities() Capabilities {
	return Capabilities{
		NativeWebSearch:    true,
		NativeWebFetch:     false,
		ToolCalls:          true,
		SupportsToolChoice: true,
	}
}

func (p *OpenAIProvider) Stream(ctx context.Context, req Request) (Stream, error) {
	responsesReq := ResponsesRequest{
		Model:             chooseModel(req.Model, p.model),
		Input:             BuildResponsesInput(req.Messages),
		ParallelToolCalls: &req.ParallelToolCalls,
		Stream:            true,
	}

	if tools := BuildResponsesTools(req.Tools); len(tools) > 0 {
		responsesReq.Tools = tools
		if choice := BuildResponsesToolChoice(req.ToolChoice); choice != nil {
			responsesReq.ToolChoice = choice
		}
	}
	if req.Search {
		responsesReq.Tools = append(responsesReq.Tools, ResponsesWebSearchTool{Type: "web_search_preview"})
	}
	if req.MaxOutputTokens > 0 {
		responsesReq.MaxOutputTokens = req.MaxOutputTokens
	}
	if req.Temperature > 0 {
		temp := float64(req.Temperature)
		responsesReq.Temperature = &temp
	}
	if req.TopP > 0 {
		topP := float64(req.TopP)
		responsesReq.TopP = &topP
	}

	effort := req.ReasoningEffort
	if effort == "" {
		effort = p.effort
	}
	if effort != "" {
		responsesReq.Reasoning = &ResponsesReasoning{Effort: effort, Summary: "auto"}
		responsesReq.Include = append(responsesReq.Include, "reasoning.encrypted_content")
	}

	return p.client.Stream(ctx, responsesReq, req.DebugRaw)
}
