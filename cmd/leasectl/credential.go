package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kailas-cloud/leasegate/internal/config"
	"github.com/kailas-cloud/leasegate/internal/credential"
	"github.com/kailas-cloud/leasegate/internal/crypto"
	"github.com/kailas-cloud/leasegate/internal/domain"
	"github.com/kailas-cloud/leasegate/internal/repository/providerkey"
	"github.com/kailas-cloud/leasegate/internal/usecase/vault"
)

func newCredentialCmd(env *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage agent credentials",
	}

	var (
		agentID     string
		budgetID    string
		permissions []string
		ttl         time.Duration
	)
	issueCmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a credential; older credentials for the agent stop working",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			d, err := openDeps(ctx, *env, config.RoleAuthority)
			if err != nil {
				return err
			}
			defer d.Close()

			signer, err := credential.NewSigner(d.cfg.Authority.SigningSecret, d.cfg.Authority.Issuer)
			if err != nil {
				return err
			}
			master, err := crypto.NewMasterKey(d.cfg.Authority.MasterKey)
			if err != nil {
				return err
			}
			v, err := vault.New(signer, d.ledger, d.repo, providerkey.New(d.store), master, vault.Config{
				LeaseSalt:    []byte(d.cfg.Authority.LeaseSalt),
				Provider:     d.cfg.Authority.Provider,
				DefaultGrant: domain.MicrosFromUSD(d.cfg.Authority.DefaultGrantUSD),
				MaxGrant:     domain.MicrosFromUSD(d.cfg.Authority.MaxGrantUSD),
			}, d.logger)
			if err != nil {
				return err
			}

			if ttl <= 0 {
				ttl = time.Duration(d.cfg.Authority.CredentialTTLHours) * time.Hour
			}
			token, claims, err := v.IssueCredential(ctx, agentID, budgetID, permissions, ttl)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.ErrOrStderr(), "agent=%s budget=%s permissions=%s expires=%s\n",
				claims.AgentID, claims.BudgetID, strings.Join(claims.Permissions, ","), claims.ExpiresAt.Format(time.RFC3339))
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	issueCmd.Flags().StringVar(&agentID, "agent", "", "agent id (agent_ prefix)")
	issueCmd.Flags().StringVar(&budgetID, "budget", "", "budget id")
	issueCmd.Flags().StringSliceVar(&permissions, "perm",
		[]string{domain.PermissionLLMCall, domain.PermissionToolExecute}, "granted permissions")
	issueCmd.Flags().DurationVar(&ttl, "ttl", 0, "credential lifetime (default from config)")
	_ = issueCmd.MarkFlagRequired("agent")
	_ = issueCmd.MarkFlagRequired("budget")

	cmd.AddCommand(issueCmd)
	return cmd
}
