package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kailas-cloud/leasegate/internal/config"
	"github.com/kailas-cloud/leasegate/internal/domain"
)

func newBudgetCmd(env *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Manage agent budgets",
	}

	var (
		agentID string
		amount  float64
	)
	allocateCmd := &cobra.Command{
		Use:   "allocate <budget-id>",
		Short: "Add USD to a budget, creating it for the agent when absent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDeps(cmd.Context(), *env, config.RoleCLI)
			if err != nil {
				return err
			}
			defer d.Close()

			b, err := d.ledger.Allocate(cmd.Context(), args[0], agentID, domain.MicrosFromUSD(amount))
			if err != nil {
				return err
			}
			return printBudgets(cmd.OutOrStdout(), []domain.Budget{b})
		},
	}
	allocateCmd.Flags().StringVar(&agentID, "agent", "", "owning agent id")
	allocateCmd.Flags().Float64Var(&amount, "usd", 0, "amount to add in USD")
	_ = allocateCmd.MarkFlagRequired("agent")
	_ = allocateCmd.MarkFlagRequired("usd")

	statusCmd := &cobra.Command{
		Use:   "status <budget-id>",
		Short: "Show one budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDeps(cmd.Context(), *env, config.RoleCLI)
			if err != nil {
				return err
			}
			defer d.Close()

			b, err := d.ledger.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printBudgets(cmd.OutOrStdout(), []domain.Budget{b})
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all budgets",
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := openDeps(cmd.Context(), *env, config.RoleCLI)
			if err != nil {
				return err
			}
			defer d.Close()

			budgets, err := d.ledger.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(budgets) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No budgets allocated.")
				return nil
			}
			return printBudgets(cmd.OutOrStdout(), budgets)
		},
	}

	releaseCmd := &cobra.Command{
		Use:   "release <lease-id>",
		Short: "Return a superseded lease's unspent grant once its runtime is gone",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := openDeps(cmd.Context(), *env, config.RoleCLI)
			if err != nil {
				return err
			}
			defer d.Close()

			released, err := d.ledger.Release(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %s USD from %s\n", released, args[0])
			return nil
		},
	}

	cmd.AddCommand(allocateCmd, statusCmd, listCmd, releaseCmd)
	return cmd
}

func printBudgets(out io.Writer, budgets []domain.Budget) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "BUDGET\tAGENT\tALLOCATED\tSPENT\tRESERVED\tAVAILABLE\tLEASE")
	for _, b := range budgets {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			b.ID, b.AgentID, b.Allocated, b.Spent, b.Reserved, b.Available(), b.CurrentLease)
	}
	return w.Flush()
}
