// Package openrouter implements provider.Provider against the
// OpenRouter aggregator API.
package openrouter

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-openapi/strfmt"
	json "github.com/goccy/go-json"
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/loomchat/loom/chat"
	"github.com/loomchat/loom/provider"
)

const DefaultBaseURL = "https://openrouter.ai/api/v1"

type Provider struct {
	baseURL string
	client  *openai.Client
	httpc   *http.Client
}

// New builds a provider against DefaultBaseURL. API keys are supplied
// per request through CompletionParams, not here.
func New(options ...option.RequestOption) *Provider {
	return NewWithBaseURL(DefaultBaseURL, options...)
}

func NewWithBaseURL(baseURL string, options ...option.RequestOption) *Provider {
	baseURL = strings.TrimRight(baseURL, "/")
	opts := append([]option.RequestOption{option.WithBaseURL(baseURL + "/")}, options...)
	return &Provider{
		baseURL: baseURL,
		client:  openai.NewClient(opts...),
		httpc:   &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *Provider) buildRequest(params *provider.CompletionParams) openai.ChatCompletionNewParams {
	result := messagesToOpenRouter(params.Messages, params.Rules)

	oaiParams := openai.ChatCompletionNewParams{
		Messages: openai.F(result),
		Model:    openai.F(params.Model),
		N:        openai.Int(1),
	}
	if params.Temperature > 0 {
		oaiParams.Temperature = openai.Float(params.Temperature)
	}
	if params.MaxTokens > 0 {
		oaiParams.MaxTokens = openai.Int(params.MaxTokens)
	}
	return oaiParams
}

func (p *Provider) ChatCompletion(ctx context.Context, params provider.CompletionParams) (<-chan provider.StreamEvent, error) {
	if params.APIKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	chatParams := p.buildRequest(&params)

	events := make(chan provider.StreamEvent, 10)
	go func() {
		defer close(events)
		p.runStream(ctx, chatParams, params.APIKey, events)
	}()
	return events, nil
}

func (p *Provider) runStream(ctx context.Context, params openai.ChatCompletionNewParams, apiKey string, events chan<- provider.StreamEvent) {
	strm := p.client.Chat.Completions.NewStreaming(ctx, params, option.WithAPIKey(apiKey))

	if strm.Err() != nil {
		events <- provider.Error{Err: strm.Err(), Timestamp: strfmt.DateTime(time.Now())}
		strm.Close()
		return
	}

	// Ensure cleanup on all exit paths
	defer func() {
		strm.Close()
		if err := ctx.Err(); err != nil {
			events <- provider.Error{Err: err, Timestamp: strfmt.DateTime(time.Now())}
		}
	}()

	// Consumers can abandon the channel mid-stream, so every send
	// races against cancellation instead of blocking on a full buffer.
	send := func(ev provider.StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	var generationID string
	for strm.Next() {
		// Check context before processing each chunk
		if ctx.Err() != nil {
			return
		}

		chunk := strm.Current()
		if strm.Err() != nil {
			send(provider.Error{Err: strm.Err(), Timestamp: strfmt.DateTime(time.Now())})
			return
		}

		generationID = chunk.ID
		if len(chunk.Choices) == 0 {
			continue
		}
		if !send(provider.Delta{
			Content:      chunk.Choices[0].Delta.Content,
			GenerationID: chunk.ID,
			Timestamp:    strfmt.DateTime(time.Now()),
		}) {
			return
		}
	}

	if err := strm.Err(); err != nil {
		send(provider.Error{Err: err, Timestamp: strfmt.DateTime(time.Now())})
		return
	}
	if ctx.Err() == nil {
		send(provider.Done{GenerationID: generationID, Timestamp: strfmt.DateTime(time.Now())})
	}
}

func (p *Provider) Complete(ctx context.Context, params provider.CompletionParams) (string, error) {
	if params.APIKey == "" {
		return "", fmt.Errorf("api key is required")
	}
	chatParams := p.buildRequest(&params)

	completion, err := p.client.Chat.Completions.New(ctx, chatParams, option.WithAPIKey(params.APIKey))
	if err != nil {
		return "", fmt.Errorf("completion call failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("completion returned no choices")
	}
	return completion.Choices[0].Message.Content, nil
}

// GenerationStats hits the aggregator's usage-lookup endpoint. Usage
// data lags stream completion, so callers wrap this in a retry.
func (p *Provider) GenerationStats(ctx context.Context, generationID, apiKey string) (provider.GenerationStats, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/generation?id="+generationID, nil)
	if err != nil {
		return provider.GenerationStats{}, fmt.Errorf("failed to build generation stats request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+apiKey)

	resp, err := p.httpc.Do(req)
	if err != nil {
		return provider.GenerationStats{}, fmt.Errorf("generation stats request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.GenerationStats{}, fmt.Errorf("failed to read generation stats response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return provider.GenerationStats{}, fmt.Errorf("generation stats returned status %d", resp.StatusCode)
	}

	var envelope struct {
		Data *provider.GenerationStats `json:"data"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return provider.GenerationStats{}, fmt.Errorf("failed to decode generation stats: %w", err)
	}
	if envelope.Data == nil {
		return provider.GenerationStats{}, fmt.Errorf("no generation stats for id %s", generationID)
	}
	return *envelope.Data, nil
}

func messagesToOpenRouter(msgs []chat.Message, rules []chat.Rule) []openai.ChatCompletionMessageParamUnion {
	result := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	for _, m := range msgs {
		switch m.Role {
		case chat.RoleUser:
			if len(m.Images) > 0 {
				parts := make([]openai.ChatCompletionContentPartUnionParam, 0, len(m.Images)+1)
				parts = append(parts, openai.TextPart(m.Content))
				for _, img := range m.Images {
					parts = append(parts, openai.ChatCompletionContentPartImageParam{
						ImageURL: openai.F(openai.ChatCompletionContentPartImageImageURLParam{
							URL: openai.String(img.URL),
						}),
						Type: openai.F(openai.ChatCompletionContentPartImageTypeImageURL),
					})
				}
				result = append(result, openai.UserMessageParts(parts...))
				continue
			}
			result = append(result, openai.UserMessageParts(openai.TextPart(m.Content)))
		case chat.RoleAssistant:
			am := openai.ChatCompletionAssistantMessageParam{
				Role: openai.F(openai.ChatCompletionAssistantMessageParamRoleAssistant),
			}
			am.Content.Value = append(am.Content.Value, openai.TextPart(m.Content))
			result = append(result, am)
		case chat.RoleSystem:
			result = append(result, openai.SystemMessage(m.Content))
		}
	}

	// Rules ride along as a single trailing system message so they
	// apply to the whole exchange.
	if len(rules) > 0 {
		var sb strings.Builder
		sb.WriteString("The user has mentioned one or more rules to follow with the @<rule_name> syntax. Please follow these rules as they apply.\nRules to follow:\n")
		for _, r := range rules {
			fmt.Fprintf(&sb, "- %s: %s\n", r.Name, r.Rule)
		}
		result = append(result, openai.SystemMessage(strings.TrimRight(sb.String(), "\n")))
	}

	return result
}

var _ provider.Provider = (*Provider)(nil)
