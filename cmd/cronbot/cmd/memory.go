package cmd

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"cronbot/internal/app"
	"cronbot/internal/memory"
)

var errMemoryDisabled = errors.New("memory is disabled (memory.enabled=false)")

func newMemoryCmd(e *env) *cobra.Command {
	memCmd := &cobra.Command{
		Use:   "memory",
		Short: "Inspect the notes jobs share through ctx.remember",
	}

	search := &cobra.Command{
		Use:   "search <query>",
		Short: "Find notes matching a query",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withMemory(e, func(adm *app.Admin) error {
				hits, err := adm.Memory.Search(cmd.Context(), strings.Join(args, " "), limit)
				if err != nil {
					return err
				}
				if len(hits) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No notes.")
				}
				for _, h := range hits {
					fmt.Fprintln(cmd.OutOrStdout(), h)
				}
				return nil
			})
		},
	}
	search.Flags().Int("limit", 5, "maximum notes to return")

	add := &cobra.Command{
		Use:   "add <text>",
		Short: "Store a note",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMemory(e, func(adm *app.Admin) error {
				if err := adm.Memory.Remember(cmd.Context(), strings.Join(args, " ")); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Noted.")
				return nil
			})
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List all notes, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMemory(e, func(adm *app.Admin) error {
				notes, err := adm.Memory.List(cmd.Context())
				if err != nil {
					return err
				}
				printNotes(cmd, adm, notes)
				return nil
			})
		},
	}

	memCmd.AddCommand(search, add, list)
	return memCmd
}

func withMemory(e *env, fn func(adm *app.Admin) error) error {
	return withAdmin(e, func(adm *app.Admin) error {
		if adm.Memory == nil {
			return errMemoryDisabled
		}
		return fn(adm)
	})
}

func printNotes(cmd *cobra.Command, adm *app.Admin, notes []memory.Note) {
	w := cmd.OutOrStdout()
	if len(notes) == 0 {
		fmt.Fprintln(w, "No notes.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	for _, n := range notes {
		fmt.Fprintf(tw, "%s\t%s\n", n.At.In(adm.Location()).Format(timeLayout), n.Text)
	}
	_ = tw.Flush()
}
