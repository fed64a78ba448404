package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/deepshell/deepshell/pkg/config"
	"github.com/deepshell/deepshell/pkg/llmerr"
	"github.com/deepshell/deepshell/pkg/models"
	"github.com/deepshell/deepshell/pkg/persona"
	"github.com/deepshell/deepshell/pkg/repl"
	"github.com/deepshell/deepshell/pkg/session"
)

var version = "dev"

type rootOptions struct {
	configPath string
	verbose    bool

	shell         bool
	describeShell bool
	code          bool
	personaID     string
	personaPrompt string
	chat          string
	repl          string
	functions     bool
	stream        bool
	noStream      bool
	cache         bool
	noCache       bool
	model         string
	temperature   float64
	topP          float64
	maxTokens     int

	listChats     bool
	showChat      string
	deleteChat    string
	listPersonas  bool
	createPersona string
	listModels    bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		if llmerr.Is(err, llmerr.KindCancelled) {
			return
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	return newRoot(&rootOptions{})
}

func newRoot(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deepshell [prompt]",
		Short: "LLM assistant for the command line",
		Long: `Send a prompt to the configured LLM provider and print the answer.

Text piped on stdin is prepended to the prompt. Use --chat to keep a
conversation across invocations and --repl for an interactive session;
--repl=<persona> picks the persona the session answers with. Without
--chat the REPL conversation is kept in memory only.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRoot(cmd, opts, args)
		},
	}

	f := cmd.PersistentFlags()
	f.StringVarP(&opts.configPath, "config", "c", config.DefaultPath(), "path to config file")
	f.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	fl := cmd.Flags()
	fl.BoolVarP(&opts.shell, "shell", "s", false, "generate a shell command (shell persona)")
	fl.BoolVarP(&opts.describeShell, "describe-shell", "d", false, "describe a shell command")
	fl.BoolVar(&opts.code, "code", false, "generate only code")
	fl.StringVar(&opts.personaID, "persona", "", "persona to answer with")
	fl.StringVar(&opts.personaPrompt, "persona-prompt", "", "create --persona with this system prompt if it does not exist")
	fl.StringVar(&opts.chat, "chat", "", "session id to continue or start")
	fl.StringVar(&opts.repl, "repl", "", "start an interactive session with `persona`")
	fl.Lookup("repl").NoOptDefVal = persona.Default
	fl.BoolVar(&opts.functions, "functions", false, "allow function calls (default from config)")
	fl.BoolVar(&opts.stream, "stream", false, "stream the answer (default from config)")
	fl.BoolVar(&opts.noStream, "no-stream", false, "wait for the complete answer")
	fl.BoolVar(&opts.cache, "cache", false, "use the response cache (default from config)")
	fl.BoolVar(&opts.noCache, "no-cache", false, "bypass the response cache")
	fl.StringVarP(&opts.model, "model", "m", "", "model to use (default from config)")
	fl.Float64Var(&opts.temperature, "temperature", 0, "sampling temperature in [0, 2]")
	fl.Float64Var(&opts.topP, "top-p", 0, "nucleus sampling in [0, 1]")
	fl.IntVar(&opts.maxTokens, "max-tokens", 0, "maximum tokens in the answer")

	fl.BoolVar(&opts.listChats, "list-chats", false, "list chat sessions")
	fl.StringVar(&opts.showChat, "show-chat", "", "print the messages of a chat session")
	fl.StringVar(&opts.deleteChat, "delete-chat", "", "delete a chat session")
	fl.BoolVar(&opts.listPersonas, "list-personas", false, "list personas")
	fl.StringVar(&opts.createPersona, "create-persona", "", "create a persona; the prompt is its system prompt")
	fl.BoolVar(&opts.listModels, "list-models", false, "list models of the configured provider")

	cmd.MarkFlagsMutuallyExclusive("shell", "describe-shell", "code", "persona")
	cmd.MarkFlagsMutuallyExclusive("stream", "no-stream")
	cmd.MarkFlagsMutuallyExclusive("cache", "no-cache")

	cmd.AddCommand(newCacheCmd(opts), newStatsCmd(opts), newBudgetCmd(opts), newMCPCmd(opts))
	return cmd
}

func runRoot(cmd *cobra.Command, opts *rootOptions, args []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx, opts.configPath, opts.verbose)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	switch {
	case opts.listChats:
		return listChats(ctx, a, out)
	case opts.showChat != "":
		return showChat(ctx, a, out, opts.showChat)
	case opts.deleteChat != "":
		return deleteChat(ctx, a, out, opts.deleteChat)
	case opts.listPersonas:
		return listPersonas(a, out)
	case opts.listModels:
		return listModels(a, out)
	}

	interactive := opts.repl != ""
	prompt, err := readPrompt(args, cmd.InOrStdin(), interactive)
	if err != nil {
		return err
	}

	if opts.createPersona != "" {
		if strings.TrimSpace(prompt) == "" {
			return fmt.Errorf("--create-persona needs the system prompt as argument or on stdin")
		}
		p, err := a.eng.CreatePersona(opts.createPersona, prompt)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Persona %q created.\n", p.ID)
		return nil
	}

	q := buildQuery(cmd, opts, a.cfg)
	term := newTerminal(out, cmd.ErrOrStderr(), a.markdown(q.PersonaID), interactive)
	if term.md != nil {
		// glamour needs the whole document.
		q.Stream = false
	}

	if interactive {
		if q.SessionID == "" {
			q.SessionID = session.Temp
		}
		fmt.Fprintf(out, "Session %s. Enter %s for multiline input, exit() to quit.\n", q.SessionID, repl.Delimiter)
		c := repl.New(a.eng, term, q, a.logger)
		if strings.TrimSpace(prompt) != "" {
			if err := c.Feed(ctx, prompt); err != nil {
				return err
			}
		}
		return c.Run(ctx, cmd.InOrStdin())
	}

	if strings.TrimSpace(prompt) == "" {
		return cmd.Help()
	}
	q.Prompt = prompt
	res, err := a.eng.Ask(ctx, q, term.Chunk)
	if err != nil {
		term.interrupted()
		return err
	}
	for _, w := range res.Warnings {
		term.Warn(w)
	}
	term.Answer(res)
	return nil
}

// readPrompt joins the arguments and prepends piped stdin. In REPL mode
// stdin belongs to the loop and is left alone.
func readPrompt(args []string, in io.Reader, interactive bool) (string, error) {
	prompt := strings.Join(args, " ")
	if interactive {
		return prompt, nil
	}
	if f, ok := in.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		return prompt, nil
	}
	data, err := io.ReadAll(in)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	piped := strings.TrimSpace(string(data))
	switch {
	case piped == "":
		return prompt, nil
	case prompt == "":
		return piped, nil
	}
	return piped + "\n\n" + prompt, nil
}

func buildQuery(cmd *cobra.Command, opts *rootOptions, cfg *config.Config) models.Query {
	fl := cmd.Flags()
	q := models.Query{
		Model:           opts.model,
		PersonaID:       opts.personaID,
		PersonaTemplate: opts.personaPrompt,
		SessionID:       opts.chat,
		Functions:       cfg.UseFunctions,
		Stream:          !cfg.DisableStreaming,
		NoCache:         !cfg.EnableCache,
	}
	switch {
	case opts.shell:
		q.PersonaID = persona.Shell
	case opts.describeShell:
		q.PersonaID = persona.DescribeShell
	case opts.code:
		q.PersonaID = persona.Code
	case q.PersonaID == "" && opts.repl != "":
		q.PersonaID = opts.repl
	}
	if fl.Changed("functions") {
		q.Functions = opts.functions
	}
	switch {
	case fl.Changed("stream"):
		q.Stream = opts.stream
	case fl.Changed("no-stream"):
		q.Stream = !opts.noStream
	}
	switch {
	case fl.Changed("cache"):
		q.NoCache = !opts.cache
	case fl.Changed("no-cache"):
		q.NoCache = opts.noCache
	}
	if fl.Changed("temperature") {
		v := opts.temperature
		q.Overrides.Temperature = &v
	}
	if fl.Changed("top-p") {
		v := opts.topP
		q.Overrides.TopP = &v
	}
	if fl.Changed("max-tokens") {
		v := opts.maxTokens
		q.Overrides.MaxTokens = &v
	}
	return q
}
