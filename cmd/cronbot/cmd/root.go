package cmd

import (
	"os/user"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"cronbot/internal/app"
	"cronbot/internal/lifecycle"
)

// Execute runs the root command with os.Args.
func Execute() error {
	return NewRootCmd().Execute()
}

// NewRootCmd builds the command tree. Each call gets its own viper instance
// so tests can run commands side by side.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("CRONBOT")
	v.AutomaticEnv()

	root := &cobra.Command{
		Use:   "cronbot",
		Short: "cronbot runs reviewed Starlark jobs on cron schedules",
		Long: `cronbot is a single-host job scheduler for assistant-written jobs.

Jobs are small Starlark programs defining run(ctx). A job submitted by an
agent or a user starts out pending and only runs after a human approves it.

Common workflows:

  Run the daemon:
    cronbot serve --config /etc/cronbot/config.yaml

  Submit a job and approve it:
    cronbot job submit --name "disk report" --cron "0 9 * * 1" --file report.star
    cronbot job approve <job-id>

  Inspect runs:
    cronbot history <job-id> --limit 5 --output

Configuration:
  CRONBOT_CONFIG    config file path (JSON or YAML)
  CRONBOT_ACTOR     user id recorded for approvals (default: OS user)`,
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file (default: built-in defaults)")
	_ = v.BindPFlag("config", root.PersistentFlags().Lookup("config"))
	root.PersistentFlags().String("actor", "", "user id recorded as the acting operator")
	_ = v.BindPFlag("actor", root.PersistentFlags().Lookup("actor"))

	env := &env{v: v}
	root.AddCommand(
		newServeCmd(env),
		newJobCmd(env),
		newHistoryCmd(env),
		newMemoryCmd(env),
	)
	return root
}

// env carries the resolved settings shared by subcommands.
type env struct {
	v *viper.Viper
}

func (e *env) configPath() string { return strings.TrimSpace(e.v.GetString("config")) }

// user is the operator behind this invocation. The CLI never produces agent
// or system actors for approvals.
func (e *env) user() lifecycle.Actor {
	if id := strings.TrimSpace(e.v.GetString("actor")); id != "" {
		return lifecycle.User(id)
	}
	if u, err := user.Current(); err == nil && u.Username != "" {
		return lifecycle.User(u.Username)
	}
	return lifecycle.User("operator")
}

func (e *env) openAdmin() (*app.Admin, error) {
	return app.OpenAdmin(e.configPath())
}
