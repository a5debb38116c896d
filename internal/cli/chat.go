// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/jeranaias/sidernav/internal/app"
	"github.com/jeranaias/sidernav/internal/config"
	"github.com/jeranaias/sidernav/internal/events"
	"github.com/jeranaias/sidernav/internal/session"
)

// =============================================================================
// INPUT HISTORY
// =============================================================================

// lineReader reads one line of user input.
type lineReader interface {
	ReadInput(prompt string) (string, error)
}

// ChatCLI provides input history and line editing for interactive chat.
type ChatCLI struct {
	line        *liner.State
	historyFile string
}

// NewChatCLI creates a line editor whose history lives in dir.
func NewChatCLI(dir string) *ChatCLI {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	c := &ChatCLI{line: line, historyFile: filepath.Join(dir, "chat_history")}
	if f, err := os.Open(c.historyFile); err == nil {
		c.line.ReadHistory(f)
		f.Close()
	}
	return c
}

// ReadInput reads a line, adding non-blank input to the history.
func (c *ChatCLI) ReadInput(prompt string) (string, error) {
	input, err := c.line.Prompt(prompt)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(input) != "" {
		c.line.AppendHistory(input)
	}
	return input, nil
}

// Close saves history with owner-only permissions and restores the
// terminal.
func (c *ChatCLI) Close() {
	if err := os.MkdirAll(filepath.Dir(c.historyFile), 0o700); err == nil {
		if f, err := os.OpenFile(c.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
			c.line.WriteHistory(f)
			f.Close()
		}
	}
	c.line.Close()
}

// =============================================================================
// CHAT COMMAND
// =============================================================================

func newChatCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat in the current session",
		Long: "Chat interactively. Messages go to the current session, which the\n" +
			"browser sidebar shares. Type /help for commands; Ctrl+C stops an\n" +
			"answer, Ctrl+D exits.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := flags.openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			dir, err := config.ConfigDir()
			if err != nil {
				dir = os.TempDir()
			}
			input := NewChatCLI(dir)
			defer input.Close()

			r := &chatREPL{app: a, in: input, out: cmd.OutOrStdout()}
			return r.run(cmd.Context())
		},
	}
}

// chatREPL is the read-send-print loop behind `sidernav chat`.
type chatREPL struct {
	app *app.App
	in  lineReader
	out io.Writer
}

var errQuit = errors.New("quit")

func (r *chatREPL) run(ctx context.Context) error {
	r.printWelcome()
	for {
		line, err := r.in.ReadInput("› ")
		switch {
		case errors.Is(err, liner.ErrPromptAborted):
			fmt.Fprintln(r.out, DimStyle.Render("(type /quit or press Ctrl+D to exit)"))
			continue
		case errors.Is(err, io.EOF):
			fmt.Fprintln(r.out)
			return nil
		case err != nil:
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			if err := r.command(ctx, line); err != nil {
				if errors.Is(err, errQuit) {
					return nil
				}
				fmt.Fprintln(r.out, ErrorStyle.Render(err.Error()))
			}
			continue
		}
		if err := r.send(ctx, line); err != nil {
			fmt.Fprintln(r.out, ErrorStyle.Render(err.Error()))
		}
	}
}

// send streams one answer. Ctrl+C cancels it and keeps the partial text.
func (r *chatREPL) send(ctx context.Context, text string) error {
	if !r.app.Client.IsConfigured() {
		return errNotConfigured
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	removeChunk := r.app.Bus.AddEventListener(events.TypeResponseChunk, func(ev events.Event) {
		fmt.Fprint(r.out, eventContent(ev))
	})
	defer removeChunk()
	removeThinking := r.app.Bus.AddEventListener(events.TypeThinkingChunk, func(ev events.Event) {
		fmt.Fprint(r.out, DimStyle.Render(eventContent(ev)))
	})
	defer removeThinking()

	fmt.Fprintln(r.out, RenderRole(session.RoleAssistant))
	reply, err := r.app.Assistant.SendMessage(ctx, text)
	fmt.Fprintln(r.out)
	if err != nil {
		return providerError(err)
	}
	if reply.Cancelled || reply.ID == "" {
		fmt.Fprintln(r.out, WarningStyle.Render("[stopped]"))
	}
	fmt.Fprintln(r.out)
	return nil
}

func eventContent(ev events.Event) string {
	fields, _ := ev.Data.(map[string]any)
	s, _ := fields["content"].(string)
	return s
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

func (r *chatREPL) command(ctx context.Context, line string) error {
	fields := strings.Fields(line)
	name, args := fields[0], fields[1:]
	store := r.app.Sessions

	switch name {
	case "/quit", "/exit", "/q":
		return errQuit

	case "/help", "/?":
		r.printHelp()

	case "/new":
		id, err := store.CreateNewSession(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(r.out, SuccessStyle.Render("New session ")+DimStyle.Render(id))

	case "/sessions":
		return printSessionTable(r.out, store.Sessions(), store.CurrentSessionID())

	case "/switch", "/delete":
		if len(args) != 1 {
			return fmt.Errorf("usage: %s <session-id>", name)
		}
		id, err := resolveSessionID(store, args[0])
		if err != nil {
			return err
		}
		if name == "/switch" {
			if err := store.SwitchSession(ctx, id); err != nil {
				return err
			}
			cs, _ := store.CurrentSession()
			fmt.Fprintln(r.out, SuccessStyle.Render("Switched to ")+cs.Title)
			return nil
		}
		if err := store.DeleteSession(ctx, id); err != nil {
			return err
		}
		fmt.Fprintln(r.out, SuccessStyle.Render("Deleted ")+DimStyle.Render(id))

	case "/stop":
		if !r.app.Assistant.StopGeneration() {
			fmt.Fprintln(r.out, DimStyle.Render("Nothing is being generated."))
		}

	default:
		return fmt.Errorf("unknown command %s (try /help)", name)
	}
	return nil
}

func (r *chatREPL) printWelcome() {
	fmt.Fprintln(r.out, TitleStyle.Render("sidernav chat"))
	title := "new session"
	if cs, ok := r.app.Sessions.CurrentSession(); ok {
		title = fmt.Sprintf("%s (%d messages)", cs.Title, len(cs.Messages))
	}
	fmt.Fprintln(r.out, RenderKV("Model", r.app.Client.Model()))
	fmt.Fprintln(r.out, RenderKV("Session", title))
	fmt.Fprintln(r.out, DimStyle.Render("Type /help for commands."))
	fmt.Fprintln(r.out)
}

func (r *chatREPL) printHelp() {
	help := [][2]string{
		{"/new", "start a new session"},
		{"/sessions", "list sessions"},
		{"/switch <id>", "switch session (id prefix is enough)"},
		{"/delete <id>", "delete a session"},
		{"/stop", "stop the current answer"},
		{"/quit", "exit"},
	}
	for _, h := range help {
		fmt.Fprintln(r.out, RenderKV(h[0], h[1]))
	}
}
