// Command leasectl administers a leasegate deployment: it issues agent
// credentials, allocates budgets and inspects the runtime's durable buffer.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kailas-cloud/leasegate/internal/config"
	"github.com/kailas-cloud/leasegate/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var env string

	root := &cobra.Command{
		Use:           "leasectl",
		Short:         "leasectl - leasegate budget and credential administration",
		Version:       version.Version + " (" + version.Commit + ")",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&env, "env", config.GetEnv(), "config environment (local, dev, prod)")

	root.AddCommand(
		newCredentialCmd(&env),
		newBudgetCmd(&env),
		newBufferCmd(),
	)
	return root
}
