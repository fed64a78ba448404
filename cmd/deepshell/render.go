package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"

	"github.com/deepshell/deepshell/pkg/engine"
	"github.com/deepshell/deepshell/pkg/repl"
)

// terminal prints answers to a terminal, passing markdown answers through
// glamour when enabled.
type terminal struct {
	out     io.Writer
	errOut  io.Writer
	md      *glamour.TermRenderer
	prompts bool
	// lastByte tracks whether streamed output ended with a newline.
	lastByte byte
}

func newTerminal(out, errOut io.Writer, markdown, prompts bool) *terminal {
	t := &terminal{out: out, errOut: errOut, prompts: prompts}
	if markdown {
		r, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(100),
		)
		if err == nil {
			t.md = r
		}
	}
	return t
}

func (t *terminal) Prompt(s repl.State) {
	if !t.prompts {
		return
	}
	if s == repl.CollectingMultiline {
		fmt.Fprint(t.out, "... ")
		return
	}
	fmt.Fprint(t.out, ">>> ")
}

func (t *terminal) Chunk(text string) {
	if text == "" {
		return
	}
	fmt.Fprint(t.out, text)
	t.lastByte = text[len(text)-1]
}

func (t *terminal) Answer(res *engine.Result) {
	if res.Streamed {
		if t.lastByte != '\n' {
			fmt.Fprintln(t.out)
		}
		t.lastByte = 0
		return
	}
	text := res.Text
	if t.md != nil && res.Persona.Markdown {
		if out, err := t.md.Render(text); err == nil {
			fmt.Fprint(t.out, out)
			return
		}
	}
	fmt.Fprintln(t.out, strings.TrimRight(text, "\n"))
}

func (t *terminal) Warn(err error) {
	fmt.Fprintf(t.errOut, "warning: %v\n", err)
}

func (t *terminal) Error(err error) {
	fmt.Fprintf(t.errOut, "error: %v\n", err)
}

// interrupted finishes a line cut off by cancellation.
func (t *terminal) interrupted() {
	if t.lastByte != 0 && t.lastByte != '\n' {
		fmt.Fprintln(t.out)
	}
}
