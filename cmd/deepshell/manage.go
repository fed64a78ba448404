package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"

	"github.com/deepshell/deepshell/pkg/models"
	"github.com/deepshell/deepshell/pkg/router"
)

func listChats(ctx context.Context, a *app, out io.Writer) error {
	sessions, err := a.eng.ListSessions(ctx)
	if err != nil {
		return err
	}
	if len(sessions) == 0 {
		fmt.Fprintln(out, "No chat sessions found.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tMESSAGES\tLAST UPDATED")
	for _, s := range sessions {
		fmt.Fprintf(w, "%s\t%d\t%s\n", s.ID, s.MessageCount, humanize.Time(s.UpdatedAt))
	}
	return w.Flush()
}

func showChat(ctx context.Context, a *app, out io.Writer, id string) error {
	msgs, err := a.eng.ReadSession(ctx, id)
	if err != nil {
		return err
	}
	for _, m := range msgs {
		fmt.Fprintf(out, "[%d] %s (%s):\n%s\n\n", m.Seq, m.Role, m.Timestamp.Local().Format("2006-01-02 15:04:05"), strings.TrimRight(m.Content, "\n"))
	}
	return nil
}

func deleteChat(ctx context.Context, a *app, out io.Writer, id string) error {
	if err := a.eng.DeleteSession(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(out, "Session %q deleted.\n", id)
	return nil
}

func listPersonas(a *app, out io.Writer) error {
	personas, err := a.eng.ListPersonas()
	if err != nil {
		return err
	}
	return writePersonas(out, personas)
}

func writePersonas(out io.Writer, personas []models.Persona) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PERSONA\tKIND\tTEMPERATURE\tMARKDOWN\tEXPLAIN")
	for _, p := range personas {
		kind := "user"
		if p.BuiltIn {
			kind = "built-in"
		}
		temp := "-"
		if p.Defaults.Temperature != nil {
			temp = fmt.Sprintf("%g", *p.Defaults.Temperature)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%t\n", p.ID, kind, temp, p.Markdown, p.Explain)
	}
	return w.Flush()
}

func listModels(a *app, out io.Writer) error {
	catalog, err := router.Models(strings.ToLower(a.cfg.Provider))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Provider %s (default %s):\n", a.cfg.Provider, a.cfg.DefaultModel)
	for _, m := range catalog {
		fmt.Fprintf(out, "  %s\n", m)
	}
	for _, r := range a.cfg.Routes {
		fmt.Fprintf(out, "  %s -> %s\n", r.Alias, r.Model)
	}
	return nil
}
