package provider

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/deepshell/deepshell/pkg/llmerr"
	"github.com/deepshell/deepshell/pkg/models"
)

const (
	anthropicVersion   = "2023-06-01"
	anthropicMaxTokens = 4096
)

// anthropicClient speaks the Anthropic Messages API.
type anthropicClient struct {
	baseURL string
	opts    Options
	logger  *zap.Logger
}

func newAnthropic(baseURL string, opts Options) *anthropicClient {
	return &anthropicClient{
		baseURL: baseURL,
		opts:    opts,
		logger:  opts.logger().With(zap.String("provider", "anthropic")),
	}
}

func (c *anthropicClient) Name() string { return "anthropic" }

func (c *anthropicClient) request(call Call, stream bool) models.AnthropicRequest {
	temp, topP := call.Temperature, call.TopP
	msgs := make([]models.ChatMessage, 0, len(call.History)+1)
	for _, m := range call.History {
		if m.Role == "system" {
			continue
		}
		msgs = append(msgs, m)
	}
	msgs = append(msgs, models.ChatMessage{Role: "user", Content: call.Prompt})

	req := models.AnthropicRequest{
		Model:       call.Model,
		Messages:    msgs,
		System:      call.System,
		MaxTokens:   anthropicMaxTokens,
		Temperature: &temp,
		Stream:      stream,
	}
	// Anthropic rejects requests that set both temperature and a non-default top_p.
	if topP > 0 && topP < 1 {
		req.TopP = &topP
		req.Temperature = nil
	}
	if call.MaxTokens > 0 {
		req.MaxTokens = call.MaxTokens
	}
	if call.Functions {
		c.logger.Debug("functions are not supported by this backend; ignoring")
	}
	return req
}

func (c *anthropicClient) headers() map[string]string {
	return map[string]string{
		"x-api-key":         c.opts.APIKey,
		"anthropic-version": anthropicVersion,
	}
}

func (c *anthropicClient) Complete(ctx context.Context, call Call) (*Completion, error) {
	op := opName("anthropic", "complete")
	resp, err := doRequest(ctx, c.opts.httpClient(), op, c.baseURL+"/v1/messages", c.headers(), c.request(call, false))
	if err != nil {
		return nil, err
	}

	var out models.AnthropicResponse
	if err := decodeJSON(op, resp, &out); err != nil {
		return nil, err
	}
	var b strings.Builder
	for _, block := range out.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	comp := &Completion{Text: b.String()}
	if out.Usage != nil {
		comp.Usage = out.Usage.ToUsage()
	}
	return comp, nil
}

func (c *anthropicClient) Stream(ctx context.Context, call Call) (ChunkReader, error) {
	op := opName("anthropic", "stream")
	headers := c.headers()
	headers["Accept"] = "text/event-stream"
	resp, err := doRequest(ctx, c.opts.httpClient(), op, c.baseURL+"/v1/messages", headers, c.request(call, true))
	if err != nil {
		return nil, err
	}
	return newSSEReader(op, resp.Body, func(data string, usage *models.Usage) sseEvent {
		return parseAnthropicEvent(op, data, usage)
	}), nil
}

// parseAnthropicEvent handles one Messages API stream event. The response is
// complete at message_stop.
func parseAnthropicEvent(op, data string, usage *models.Usage) sseEvent {
	var evt models.AnthropicStreamEvent
	if err := json.Unmarshal([]byte(data), &evt); err != nil {
		return sseEvent{}
	}

	switch evt.Type {
	case "message_start":
		var msg struct {
			Usage *models.AnthropicUsage `json:"usage,omitempty"`
		}
		if err := json.Unmarshal(evt.Message, &msg); err == nil && msg.Usage != nil {
			return sseEvent{usage: msg.Usage.ToUsage()}
		}
	case "content_block_delta":
		var delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(evt.Delta, &delta); err == nil && delta.Type == "text_delta" {
			return sseEvent{text: delta.Text}
		}
	case "message_delta":
		if evt.Usage != nil {
			u := models.Usage{}
			if usage != nil {
				u = *usage
			}
			u.CompletionTokens = evt.Usage.OutputTokens
			u.TotalTokens = u.PromptTokens + evt.Usage.OutputTokens
			return sseEvent{usage: &u}
		}
	case "message_stop":
		return sseEvent{done: true}
	case "error":
		var body struct {
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal([]byte(data), &body); err != nil {
			return sseEvent{err: llmerr.Errorf(llmerr.KindTransientServer, op, "stream error: malformed error event %q: %v", data, err)}
		}
		kind := llmerr.KindTransientServer
		switch body.Error.Type {
		case "rate_limit_error":
			kind = llmerr.KindRateLimit
		case "authentication_error", "permission_error":
			kind = llmerr.KindAuth
		case "invalid_request_error", "not_found_error":
			kind = llmerr.KindValidation
		}
		return sseEvent{err: llmerr.Errorf(kind, op, "stream error: %s", body.Error.Message)}
	}
	return sseEvent{}
}
