// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"

	"github.com/jeranaias/sidernav/internal/cloud"
)

// =============================================================================
// MARKDOWN RENDERING
// =============================================================================

// renderMarkdown renders markdown for the terminal, returning content
// unchanged when the renderer cannot be built or fails.
func renderMarkdown(content string, width int) string {
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return content
	}
	rendered, err := renderer.Render(content)
	if err != nil {
		return content
	}
	return rendered
}

// providerError prefixes err with the message shown to sidebar users.
func providerError(err error) error {
	return fmt.Errorf("%s (%w)", cloud.UserMessage(err), err)
}

// =============================================================================
// ASK COMMAND
// =============================================================================

type askOptions struct {
	noStream bool
	render   bool
}

func newAskCmd(flags *rootFlags) *cobra.Command {
	opts := &askOptions{}
	cmd := &cobra.Command{
		Use:   "ask <question>",
		Short: "Ask a single question",
		Long: "Ask a single question without touching your chat sessions.\n" +
			"Answers are cached per model and question while the process runs.",
		Example: `  sidernav ask "What is a goroutine?"
  echo "Summarise this" | sidernav ask -
  sidernav ask --render "Show a Go HTTP server"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			question, err := readQuestion(args, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return runAsk(cmd, flags, opts, question)
		},
	}
	cmd.Flags().BoolVar(&opts.noStream, "no-stream", false, "wait for the whole answer instead of streaming")
	cmd.Flags().BoolVar(&opts.render, "render", true, "render markdown when stdout is a terminal")
	return cmd
}

// readQuestion joins args, or reads stdin when the only arg is "-".
func readQuestion(args []string, stdin io.Reader) (string, error) {
	if len(args) == 1 && args[0] == "-" {
		data, err := io.ReadAll(io.LimitReader(stdin, 1<<20))
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return strings.TrimSpace(strings.Join(args, " ")), nil
}

func runAsk(cmd *cobra.Command, flags *rootFlags, opts *askOptions, question string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	a, err := flags.openApp(ctx, true)
	if err != nil {
		return err
	}
	defer a.Close()

	if !a.Client.IsConfigured() {
		return errNotConfigured
	}

	out := cmd.OutOrStdout()
	render := opts.render && isTerminalWriter(out)

	if opts.noStream || render {
		answer, err := a.Assistant.Ask(ctx, question)
		if err != nil {
			return providerError(err)
		}
		if render {
			fmt.Fprint(out, renderMarkdown(answer, GetTerminalWidth()-4))
			return nil
		}
		fmt.Fprintln(out, answer)
		return nil
	}

	_, aborted, err := a.Assistant.AskStream(ctx, question, func(text string) {
		fmt.Fprint(out, text)
	})
	fmt.Fprintln(out)
	if err != nil {
		return providerError(err)
	}
	if aborted {
		fmt.Fprintln(cmd.ErrOrStderr(), WarningStyle.Render("[aborted]"))
	}
	return nil
}
