package provider

import (
	"context"
	"errors"
	"io"
	"iter"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/genai"

	"github.com/deepshell/deepshell/pkg/llmerr"
	"github.com/deepshell/deepshell/pkg/models"
)

// geminiClient wraps the Google GenAI SDK.
type geminiClient struct {
	client *genai.Client
	logger *zap.Logger
}

func newGemini(ctx context.Context, opts Options) (*geminiClient, error) {
	cfg := &genai.ClientConfig{
		APIKey:     opts.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: opts.httpClient(),
	}
	if opts.BaseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: opts.BaseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, classifyGemini("gemini init", err)
	}
	return &geminiClient{
		client: client,
		logger: opts.logger().With(zap.String("provider", "gemini")),
	}, nil
}

func (c *geminiClient) Name() string { return "gemini" }

func geminiContents(call Call) []*genai.Content {
	contents := make([]*genai.Content, 0, len(call.History)+1)
	for _, m := range call.History {
		switch m.Role {
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		case "user":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}
	return append(contents, genai.NewContentFromText(call.Prompt, genai.RoleUser))
}

func geminiConfig(call Call) *genai.GenerateContentConfig {
	temp := float32(call.Temperature)
	topP := float32(call.TopP)
	cfg := &genai.GenerateContentConfig{
		Temperature: &temp,
		TopP:        &topP,
	}
	if call.System != "" {
		cfg.SystemInstruction = genai.NewContentFromText(call.System, genai.RoleUser)
	}
	if call.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(call.MaxTokens)
	}
	return cfg
}

func geminiUsage(md *genai.GenerateContentResponseUsageMetadata) *models.Usage {
	if md == nil {
		return nil
	}
	return &models.Usage{
		PromptTokens:     int(md.PromptTokenCount),
		CompletionTokens: int(md.CandidatesTokenCount),
		TotalTokens:      int(md.TotalTokenCount),
	}
}

// classifyGemini maps SDK errors onto the shared taxonomy.
func classifyGemini(op string, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return llmerr.FromStatus(op, apiErr.Code, []byte(apiErr.Message))
	}
	return llmerr.Classify(op, err)
}

func (c *geminiClient) Complete(ctx context.Context, call Call) (*Completion, error) {
	if call.Functions {
		c.logger.Debug("functions are not supported by this backend; ignoring")
	}
	resp, err := c.client.Models.GenerateContent(ctx, call.Model, geminiContents(call), geminiConfig(call))
	if err != nil {
		return nil, classifyGemini(opName("gemini", "complete"), err)
	}
	return &Completion{Text: resp.Text(), Usage: geminiUsage(resp.UsageMetadata)}, nil
}

func (c *geminiClient) Stream(ctx context.Context, call Call) (ChunkReader, error) {
	ctx, cancel := context.WithCancel(ctx)
	seq := c.client.Models.GenerateContentStream(ctx, call.Model, geminiContents(call), geminiConfig(call))
	r := newSeqReader(opName("gemini", "stream"), seq, cancel)

	// Pull the first response here so connection failures surface from
	// Stream and the dispatcher can retry them like the HTTP backends.
	if err := r.prefetch(); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

// seqReader adapts the SDK's push iterator to ChunkReader.
type seqReader struct {
	op       string
	next     func() (*genai.GenerateContentResponse, error, bool)
	stop     func()
	cancel   context.CancelFunc
	usage    *models.Usage
	buffered *genai.GenerateContentResponse
	done     bool

	mu      sync.Mutex
	busy    bool
	closed  bool
	stopped bool
}

func newSeqReader(op string, seq iter.Seq2[*genai.GenerateContentResponse, error], cancel context.CancelFunc) *seqReader {
	next, stop := iter.Pull2(seq)
	return &seqReader{op: op, next: next, stop: stop, cancel: cancel}
}

// pull advances the iterator. next and stop must never run concurrently,
// so Close only calls stop while no pull is in flight.
func (r *seqReader) pull() (*genai.GenerateContentResponse, error, bool) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil, llmerr.Errorf(llmerr.KindCancelled, r.op, "stream closed"), true
	}
	r.busy = true
	r.mu.Unlock()

	resp, err, ok := r.next()

	r.mu.Lock()
	r.busy = false
	if !ok || err != nil || r.closed {
		r.stopLocked()
	}
	r.mu.Unlock()
	return resp, err, ok
}

func (r *seqReader) stopLocked() {
	if !r.stopped {
		r.stopped = true
		r.stop()
	}
}

func (r *seqReader) prefetch() error {
	resp, err, ok := r.pull()
	if err != nil {
		return classifyGemini(r.op, err)
	}
	if !ok {
		r.done = true
		return nil
	}
	r.buffered = resp
	return nil
}

func (r *seqReader) Recv() (string, error) {
	for {
		var resp *genai.GenerateContentResponse
		if r.buffered != nil {
			resp, r.buffered = r.buffered, nil
		} else {
			if r.done {
				return "", io.EOF
			}
			next, err, ok := r.pull()
			if err != nil {
				return "", classifyGemini(r.op, err)
			}
			if !ok {
				r.done = true
				return "", io.EOF
			}
			resp = next
		}
		if u := geminiUsage(resp.UsageMetadata); u != nil {
			r.usage = u
		}
		if text := resp.Text(); text != "" {
			return text, nil
		}
	}
}

func (r *seqReader) Usage() *models.Usage { return r.usage }

// Close cancels the request. It is safe to call while Recv is blocked.
func (r *seqReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	r.cancel()
	if !r.busy {
		r.stopLocked()
	}
	return nil
}
