// Package repl drives interactive mode: it reads lines, assembles
// prompts and hands every prompt to the engine with the session bound.
package repl

import (
	"bufio"
	"context"
	"io"
	"strings"

	"go.uber.org/zap"

	"github.com/deepshell/deepshell/pkg/engine"
	"github.com/deepshell/deepshell/pkg/llmerr"
	"github.com/deepshell/deepshell/pkg/models"
)

// State is the position of the controller in its loop.
type State int

const (
	Idle State = iota
	CollectingMultiline
	Dispatching
	Rendering
	Exited
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case CollectingMultiline:
		return "collecting"
	case Dispatching:
		return "dispatching"
	case Rendering:
		return "rendering"
	case Exited:
		return "exited"
	}
	return "unknown"
}

// Delimiter opens and closes a multiline prompt.
const Delimiter = `"""`

var exitWords = map[string]bool{"exit()": true, "quit()": true}

// Asker runs one request. *engine.Engine implements it.
type Asker interface {
	Ask(ctx context.Context, q models.Query, onChunk func(string)) (*engine.Result, error)
}

// Renderer displays the conversation.
type Renderer interface {
	// Prompt is shown before reading a line in Idle or CollectingMultiline.
	Prompt(s State)
	Chunk(text string)
	// Answer is called once per completed request. Streamed answers have
	// already gone through Chunk.
	Answer(res *engine.Result)
	Warn(err error)
	Error(err error)
}

// Controller is the REPL state machine. Every prompt is sent with the
// fields of the template query, with only Prompt replaced.
type Controller struct {
	asker    Asker
	render   Renderer
	template models.Query
	logger   *zap.Logger

	state State
	buf   []string
}

// New creates a Controller. template.SessionID must be set so that the
// prompts form one conversation.
func New(asker Asker, render Renderer, template models.Query, logger *zap.Logger) *Controller {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{asker: asker, render: render, template: template, logger: logger}
}

// State returns the current state.
func (c *Controller) State() State { return c.state }

// Run reads lines from in until an exit word, end of input or ctx is
// cancelled. Request errors are reported and the loop goes on; only a
// cancellation ends it early.
func (c *Controller) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), 1024*1024)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-done:
				return
			}
		}
	}()

	for c.state != Exited {
		c.render.Prompt(c.state)
		select {
		case <-ctx.Done():
			c.state = Exited
			return nil
		case line, ok := <-lines:
			if !ok {
				c.state = Exited
				return nil
			}
			if err := c.Feed(ctx, line); err != nil {
				return err
			}
		}
	}
	return nil
}

// Feed advances the state machine by one input line.
func (c *Controller) Feed(ctx context.Context, line string) error {
	switch c.state {
	case Idle:
		trimmed := strings.TrimSpace(line)
		switch {
		case trimmed == "":
			return nil
		case exitWords[trimmed]:
			c.state = Exited
			return nil
		case strings.HasPrefix(trimmed, Delimiter):
			rest := strings.TrimPrefix(trimmed, Delimiter)
			if body, ok := strings.CutSuffix(rest, Delimiter); ok {
				return c.dispatch(ctx, body)
			}
			c.state = CollectingMultiline
			c.buf = c.buf[:0]
			if rest != "" {
				c.buf = append(c.buf, rest)
			}
			return nil
		}
		return c.dispatch(ctx, line)

	case CollectingMultiline:
		if before, ok := strings.CutSuffix(strings.TrimRight(line, " \t"), Delimiter); ok {
			if before != "" {
				c.buf = append(c.buf, before)
			}
			prompt := strings.Join(c.buf, "\n")
			c.buf = c.buf[:0]
			return c.dispatch(ctx, prompt)
		}
		c.buf = append(c.buf, line)
		return nil
	}
	return nil
}

func (c *Controller) dispatch(ctx context.Context, prompt string) error {
	if strings.TrimSpace(prompt) == "" {
		c.state = Idle
		return nil
	}
	c.state = Dispatching
	q := c.template
	q.Prompt = prompt
	res, err := c.asker.Ask(ctx, q, c.render.Chunk)

	c.state = Rendering
	if err != nil {
		if llmerr.Is(err, llmerr.KindCancelled) {
			c.state = Exited
			return nil
		}
		c.logger.Debug("request failed", zap.Error(err))
		c.render.Error(err)
		c.state = Idle
		return nil
	}
	for _, w := range res.Warnings {
		c.render.Warn(w)
	}
	c.render.Answer(res)
	c.state = Idle
	return nil
}
