package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"cronbot/internal/app"
	"cronbot/internal/jobs"
	"cronbot/internal/lifecycle"
)

func newJobCmd(e *env) *cobra.Command {
	jobCmd := &cobra.Command{
		Use:   "job",
		Short: "Submit, review and manage jobs",
	}
	jobCmd.AddCommand(
		newJobSubmitCmd(e),
		newJobListCmd(e),
		newJobShowCmd(e),
		newJobApproveCmd(e),
		newJobRejectCmd(e),
		newJobRetireCmd(e),
		newJobResubmitCmd(e),
	)
	return jobCmd
}

// withAdmin opens the store for the duration of fn.
func withAdmin(e *env, fn func(adm *app.Admin) error) error {
	adm, err := e.openAdmin()
	if err != nil {
		return err
	}
	defer adm.Close()
	return fn(adm)
}

func addDefinitionFlags(fs *pflag.FlagSet) {
	fs.String("name", "", "job name")
	fs.String("description", "", "what the job does")
	fs.String("cron", "", "5-field cron expression, evaluated in UTC")
	fs.String("file", "", "Starlark file defining run(ctx) (\"-\" reads stdin)")
	fs.String("code", "", "Starlark source defining run(ctx)")
	fs.Int("timeout", 0, "timeout in seconds (0 = default)")
	fs.Int("memory", 0, "memory ceiling in MB (0 = default)")
	fs.Int("output-lines", 0, "captured output line ceiling (0 = default)")
	fs.Int("output-bytes", 0, "captured output byte ceiling (0 = default)")
	fs.Bool("network", false, "allow ctx.http_get")
}

func readCode(cmd *cobra.Command) (string, bool, error) {
	fs := cmd.Flags()
	file, _ := fs.GetString("file")
	code, _ := fs.GetString("code")
	switch {
	case file != "" && code != "":
		return "", false, errors.New("use either --file or --code, not both")
	case file == "-":
		b, err := io.ReadAll(cmd.InOrStdin())
		return string(b), true, err
	case file != "":
		b, err := os.ReadFile(file)
		return string(b), true, err
	case fs.Changed("code"):
		return code, true, nil
	}
	return "", false, nil
}

func readLimits(fs *pflag.FlagSet) jobs.ResourceLimits {
	var l jobs.ResourceLimits
	l.TimeoutSeconds, _ = fs.GetInt("timeout")
	l.MaxMemoryMB, _ = fs.GetInt("memory")
	l.MaxOutputLines, _ = fs.GetInt("output-lines")
	l.MaxOutputBytes, _ = fs.GetInt("output-bytes")
	l.AllowNetwork, _ = fs.GetBool("network")
	return l
}

func limitsChanged(fs *pflag.FlagSet) bool {
	for _, f := range []string{"timeout", "memory", "output-lines", "output-bytes", "network"} {
		if fs.Changed(f) {
			return true
		}
	}
	return false
}

func newJobSubmitCmd(e *env) *cobra.Command {
	c := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job for review",
		Long: `Submit a job. It is stored as pending and never runs until a user
approves it with 'cronbot job approve'.

Example:
  cronbot job submit --name "disk report" --cron "0 9 * * 1" --file report.star
  cronbot job submit --agent assistant --name ping --cron "*/5 * * * *" --code "def run(ctx): print('pong')"`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			fs := cmd.Flags()
			code, ok, err := readCode(cmd)
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("--file or --code is required")
			}
			name, _ := fs.GetString("name")
			desc, _ := fs.GetString("description")
			expr, _ := fs.GetString("cron")

			actor := e.user()
			if agent, _ := fs.GetString("agent"); strings.TrimSpace(agent) != "" {
				actor = lifecycle.Agent(strings.TrimSpace(agent))
			}
			return withAdmin(e, func(adm *app.Admin) error {
				j, err := adm.Lifecycle.Submit(cmd.Context(), actor, jobs.Draft{
					Name:        name,
					Description: desc,
					Schedule:    expr,
					Code:        code,
					Limits:      readLimits(fs),
				})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Submitted %s (%s), status %s\n", j.ID, j.Name, statusText(j.Status))
				return nil
			})
		},
	}
	addDefinitionFlags(c.Flags())
	c.Flags().String("agent", "", "record the submission as coming from this agent id")
	return c
}

func newJobListCmd(e *env) *cobra.Command {
	c := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			status, _ := cmd.Flags().GetString("status")
			if status != "" && !jobs.Status(status).Valid() {
				return errNoSuchStatus(status)
			}
			return withAdmin(e, func(adm *app.Admin) error {
				list, err := adm.Store.LoadJobs(cmd.Context())
				if err != nil {
					return err
				}
				if status != "" {
					kept := list[:0]
					for _, j := range list {
						if string(j.Status) == status {
							kept = append(kept, j)
						}
					}
					list = kept
				}
				printJobTable(cmd.OutOrStdout(), list, adm.Location())
				return nil
			})
		},
	}
	c.Flags().String("status", "", "only jobs in this status (pending, active, broken, ...)")
	return c
}

func newJobShowCmd(e *env) *cobra.Command {
	c := &cobra.Command{
		Use:   "show <job-id>",
		Short: "Show a job, its code and upcoming runs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, _ := cmd.Flags().GetInt("next")
			return withAdmin(e, func(adm *app.Admin) error {
				v, err := adm.ShowJob(cmd.Context(), args[0], n)
				if err != nil {
					return err
				}
				printJob(cmd, v, adm.Location())
				return nil
			})
		},
	}
	c.Flags().Int("next", 3, "number of upcoming runs to show")
	return c
}

func newJobApproveCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "approve <job-id>",
		Short: "Approve a pending job and activate it",
		Long: `Approve a pending (or approved) job. The job becomes active and is
scheduled from the next matching minute. An agent can never approve a job
it submitted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(e, func(adm *app.Admin) error {
				j, err := adm.Lifecycle.Approve(cmd.Context(), e.user(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Approved %s, status %s\n", j.Label(), statusText(j.Status))
				return nil
			})
		},
	}
}

func newJobRejectCmd(e *env) *cobra.Command {
	c := &cobra.Command{
		Use:   "reject <job-id>",
		Short: "Reject a pending job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			return withAdmin(e, func(adm *app.Admin) error {
				j, err := adm.Lifecycle.Reject(cmd.Context(), e.user(), args[0], reason)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Rejected %s\n", j.Label())
				return nil
			})
		},
	}
	c.Flags().String("reason", "", "recorded in the audit trail")
	return c
}

func newJobRetireCmd(e *env) *cobra.Command {
	return &cobra.Command{
		Use:   "retire <job-id>",
		Short: "Retire a job permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(e, func(adm *app.Admin) error {
				j, err := adm.Lifecycle.Retire(cmd.Context(), e.user(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Retired %s\n", j.Label())
				return nil
			})
		},
	}
}

func newJobResubmitCmd(e *env) *cobra.Command {
	c := &cobra.Command{
		Use:   "resubmit <job-id>",
		Short: "Edit a job and send it back for review",
		Long: `Edit an active or broken job. Only the flags given are changed. The job
returns to pending and stops running until it is approved again.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fs := cmd.Flags()
			var edit jobs.Edit
			for flag, dst := range map[string]**string{
				"name":        &edit.Name,
				"description": &edit.Description,
				"cron":        &edit.Schedule,
			} {
				if fs.Changed(flag) {
					s, _ := fs.GetString(flag)
					*dst = &s
				}
			}
			code, ok, err := readCode(cmd)
			if err != nil {
				return err
			}
			if ok {
				edit.Code = &code
			}
			if limitsChanged(fs) {
				l := readLimits(fs)
				edit.Limits = &l
			}

			return withAdmin(e, func(adm *app.Admin) error {
				j, err := adm.Lifecycle.Resubmit(cmd.Context(), e.user(), args[0], edit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Resubmitted %s, status %s\n", j.Label(), statusText(j.Status))
				return nil
			})
		},
	}
	addDefinitionFlags(c.Flags())
	return c
}

func errNoSuchStatus(s string) error {
	return fmt.Errorf("unknown status %q", s)
}
