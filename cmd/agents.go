package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/zjrosen/stepchat/internal/agents"
	"github.com/zjrosen/stepchat/internal/config"
)

var (
	agentsModule string
	agentsUse    string
)

var agentsCmd = &cobra.Command{
	Use:   "agents",
	Short: "List the agents of a module",
	Long: `List the agents of the configured module from the agent catalog.

Examples:
  # Agents of the configured module
  stepchat agents

  # Agents of another module
  stepchat agents --module leases

  # Switch the configured module (comments in the config file are kept)
  stepchat agents --use leases`,
	Args: cobra.NoArgs,
	RunE: runAgents,
}

func init() {
	agentsCmd.Flags().StringVarP(&agentsModule, "module", "m", "", "module slug to list (default: configured module)")
	agentsCmd.Flags().StringVar(&agentsUse, "use", "", "save this module slug to the config file, then list it")
	rootCmd.AddCommand(agentsCmd)
}

func runAgents(cmd *cobra.Command, _ []string) error {
	module := cfg.Module
	if agentsModule != "" {
		module = agentsModule
	}
	if agentsUse != "" {
		module = agentsUse
	}
	if module == "" {
		return fmt.Errorf("no module configured; pass --module or set module in %s", cfgPath)
	}

	mgr := agents.NewManager(agents.NewFileSource(cfg.AgentsFile), module)
	list, err := mgr.AgentsForModule(cmd.Context())
	if err != nil {
		return err
	}

	if agentsUse != "" {
		if err := config.SaveModule(cfgPath, agentsUse); err != nil {
			return err
		}
		cmd.PrintErrf("module set to %s in %s\n", agentsUse, cfgPath)
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tWORKFLOW TYPE\tWORKFLOW ID\tTITLE")
	for _, a := range list {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.ID, a.RoutingKey, dash(a.WorkflowID), a.Title)
	}
	return w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
