package provider

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/deepshell/deepshell/pkg/llmerr"
	"github.com/deepshell/deepshell/pkg/models"
)

// openAIClient speaks the OpenAI chat completions API. DeepSeek exposes the
// same API under its own base URL.
type openAIClient struct {
	name    string
	baseURL string
	opts    Options
	logger  *zap.Logger
}

func newOpenAI(name, baseURL string, opts Options) *openAIClient {
	return &openAIClient{
		name:    name,
		baseURL: baseURL,
		opts:    opts,
		logger:  opts.logger().With(zap.String("provider", name)),
	}
}

func (c *openAIClient) Name() string { return c.name }

func (c *openAIClient) request(call Call, stream bool) models.ChatCompletionRequest {
	temp, topP := call.Temperature, call.TopP
	req := models.ChatCompletionRequest{
		Model:       call.Model,
		Messages:    call.Messages(),
		Temperature: &temp,
		TopP:        &topP,
		Stream:      stream,
	}
	if call.MaxTokens > 0 {
		n := call.MaxTokens
		req.MaxTokens = &n
	}
	if stream {
		req.StreamOptions = &models.StreamOptions{IncludeUsage: true}
	}
	if call.Functions && len(c.opts.Tools) > 0 {
		req.Tools = c.opts.Tools
		req.ToolChoice = "auto"
	}
	return req
}

func (c *openAIClient) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.opts.APIKey}
}

func (c *openAIClient) Complete(ctx context.Context, call Call) (*Completion, error) {
	op := opName(c.name, "complete")
	resp, err := doRequest(ctx, c.opts.httpClient(), op, c.baseURL+"/chat/completions", c.headers(), c.request(call, false))
	if err != nil {
		return nil, err
	}

	var out models.ChatCompletionResponse
	if err := decodeJSON(op, resp, &out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, llmerr.Errorf(llmerr.KindTransientServer, op, "response has no choices")
	}
	msg := out.Choices[0].Message
	text := msg.Content
	for _, tc := range msg.ToolCalls {
		text += functionMarker(tc.Function.Name)
	}
	return &Completion{Text: text, Usage: out.Usage}, nil
}

// functionMarker is how a requested function call shows up in the answer
// text, the same in batch and streaming mode.
func functionMarker(name string) string {
	if name == "" {
		return ""
	}
	return fmt.Sprintf("\n[function] %s\n", name)
}

func (c *openAIClient) Stream(ctx context.Context, call Call) (ChunkReader, error) {
	op := opName(c.name, "stream")
	headers := c.headers()
	headers["Accept"] = "text/event-stream"
	resp, err := doRequest(ctx, c.opts.httpClient(), op, c.baseURL+"/chat/completions", headers, c.request(call, true))
	if err != nil {
		return nil, err
	}
	c.logger.Debug("stream opened", zap.String("model", call.Model))
	return newSSEReader(op, resp.Body, func(data string, _ *models.Usage) sseEvent {
		return parseOpenAIChunk(op, data)
	}), nil
}

type openAIStreamError struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// parseOpenAIChunk extracts text, usage and in-band errors from one chunk.
// The stream is complete only at the [DONE] marker.
func parseOpenAIChunk(op, data string) sseEvent {
	var se openAIStreamError
	if err := json.Unmarshal([]byte(data), &se); err == nil && se.Error != nil {
		kind := llmerr.KindTransientServer
		switch se.Error.Type {
		case "invalid_request_error":
			kind = llmerr.KindValidation
		case "authentication_error":
			kind = llmerr.KindAuth
		case "rate_limit_error", "rate_limit_exceeded":
			kind = llmerr.KindRateLimit
		}
		return sseEvent{err: llmerr.Errorf(kind, op, "stream error: %s", se.Error.Message)}
	}

	var chunk models.ChatCompletionChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return sseEvent{}
	}
	ev := sseEvent{usage: chunk.Usage}
	if len(chunk.Choices) == 0 {
		return ev
	}
	delta := chunk.Choices[0].Delta
	ev.text = delta.Content
	for _, tc := range delta.ToolCalls {
		ev.text += functionMarker(tc.Function.Name)
	}
	return ev
}
