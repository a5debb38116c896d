// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/spf13/cobra"

	"github.com/jeranaias/sidernav/internal/export"
	"github.com/jeranaias/sidernav/internal/session"
	"github.com/jeranaias/sidernav/internal/util"
)

const (
	idColumn    = 24
	titleColumn = 32
)

// sessionLister is the read side of the session store used for id
// resolution.
type sessionLister interface {
	Sessions() []session.ChatSession
}

func newSessionsCmd(flags *rootFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:     "sessions",
		Aliases: []string{"session"},
		Short:   "List, show, export and delete chat sessions",
	}
	cmd.PersistentFlags().BoolVar(&asJSON, "json", false, "print JSON")

	list := &cobra.Command{
		Use:   "list",
		Short: "List sessions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := flags.openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			sessions := a.Sessions.Sessions()
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), sessions)
			}
			return printSessionTable(cmd.OutOrStdout(), sessions, a.Sessions.CurrentSessionID())
		},
	}

	show := &cobra.Command{
		Use:   "show [id]",
		Short: "Print a session transcript (default: current session)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := flags.openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			id := a.Sessions.CurrentSessionID()
			if len(args) == 1 {
				if id, err = resolveSessionID(a.Sessions, args[0]); err != nil {
					return err
				}
			}
			cs, err := a.Sessions.Session(id)
			if err != nil {
				return err
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), cs)
			}
			printTranscript(cmd.OutOrStdout(), cs)
			return nil
		},
	}

	del := &cobra.Command{
		Use:     "delete <id>",
		Aliases: []string{"rm"},
		Short:   "Delete a session",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := flags.openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			id, err := resolveSessionID(a.Sessions, args[0])
			if err != nil {
				return err
			}
			if err := a.Sessions.DeleteSession(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("Deleted ")+id)
			return nil
		},
	}

	var yes bool
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to delete every session without --yes")
			}
			a, err := flags.openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			n := len(a.Sessions.Sessions())
			if err := a.Sessions.ClearAll(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %d sessions\n", SuccessStyle.Render("Deleted"), n)
			return nil
		},
	}
	clearCmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm")

	var format, outDir string
	exportCmd := &cobra.Command{
		Use:   "export [id]",
		Short: "Write a session to a Markdown, HTML or JSON file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := export.DefaultOptions()
			opts.OutputDir = outDir
			exporter, err := export.ForFormat(format, opts)
			if err != nil {
				return err
			}
			a, err := flags.openApp(cmd.Context(), true)
			if err != nil {
				return err
			}
			defer a.Close()

			id := a.Sessions.CurrentSessionID()
			if len(args) == 1 {
				if id, err = resolveSessionID(a.Sessions, args[0]); err != nil {
					return err
				}
			}
			cs, err := a.Sessions.Session(id)
			if err != nil {
				return err
			}
			path, err := export.ExportToFile(&cs, exporter, opts)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), SuccessStyle.Render("Exported ")+path)
			return nil
		},
	}
	exportCmd.Flags().StringVarP(&format, "format", "f", "markdown", "markdown, html or json")
	exportCmd.Flags().StringVarP(&outDir, "out", "o", ".", "output directory")

	cmd.AddCommand(list, show, del, clearCmd, exportCmd)
	return cmd
}

// resolveSessionID accepts a full id or a unique prefix.
func resolveSessionID(store sessionLister, prefix string) (string, error) {
	matches := lo.Filter(store.Sessions(), func(cs session.ChatSession, _ int) bool {
		return strings.HasPrefix(cs.ID, prefix)
	})
	if exact, ok := lo.Find(matches, func(cs session.ChatSession) bool { return cs.ID == prefix }); ok {
		return exact.ID, nil
	}
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", session.ErrSessionNotFound, prefix)
	case 1:
		return matches[0].ID, nil
	default:
		return "", fmt.Errorf("session id %q is ambiguous (%d matches)", prefix, len(matches))
	}
}

// printSessionTable prints one row per session with display-width
// aware columns, so CJK titles line up.
func printSessionTable(w io.Writer, sessions []session.ChatSession, currentID string) error {
	if len(sessions) == 0 {
		fmt.Fprintln(w, DimStyle.Render("No sessions yet."))
		return nil
	}

	header := "  " + util.PadWidth("ID", idColumn) + "  " + util.PadWidth("TITLE", titleColumn) + "  " + "MSGS  UPDATED"
	fmt.Fprintln(w, SectionStyle.Render(header))
	for _, cs := range sessions {
		marker := lo.Ternary(cs.ID == currentID, HighlightStyle.Render("*"), " ")
		fmt.Fprintf(w, "%s %s  %s  %4d  %s\n",
			marker,
			util.PadWidth(util.TruncateWidth(cs.ID, idColumn), idColumn),
			util.PadWidth(util.TruncateWidth(cs.Title, titleColumn), titleColumn),
			len(cs.Messages),
			DimStyle.Render(formatMillis(cs.UpdatedAt)),
		)
	}
	return nil
}

func printTranscript(w io.Writer, cs session.ChatSession) {
	fmt.Fprintln(w, TitleStyle.Render(cs.Title))
	for _, m := range cs.Messages {
		label := RenderRole(m.Role) + " " + DimStyle.Render(formatMillis(m.Timestamp))
		if m.Cancelled {
			label += " " + WarningStyle.Render("[stopped]")
		}
		fmt.Fprintln(w, label)
		fmt.Fprintln(w, m.Content)
		fmt.Fprintln(w)
	}
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04")
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
