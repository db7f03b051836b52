package cmd

import (
	"github.com/spf13/cobra"

	"cronbot/internal/app"
)

func newHistoryCmd(e *env) *cobra.Command {
	c := &cobra.Command{
		Use:   "history <job-id>",
		Short: "Show recent runs of a job, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			withOutput, _ := cmd.Flags().GetBool("output")
			return withAdmin(e, func(adm *app.Admin) error {
				if _, err := adm.Store.GetJob(cmd.Context(), args[0]); err != nil {
					return err
				}
				recs, err := adm.Store.ListHistory(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				printRecords(cmd.OutOrStdout(), recs, adm.Location(), withOutput)
				return nil
			})
		},
	}
	c.Flags().Int("limit", 10, "number of runs to show")
	c.Flags().Bool("output", false, "print captured stdout and stderr")
	return c
}
