package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/IshaanNene/BirdStalk/internal/config"
	"github.com/IshaanNene/BirdStalk/internal/pool"
)

var (
	emailFirst bool
	manualCode bool
)

// withPool loads config, builds the pool, and runs fn.
func withPool(fn func(ctx context.Context, p *pool.Pool) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		logger := setupLogger(cfg)

		p, err := newPool(cfg, logger, config.LoginConfig{EmailFirst: emailFirst, Manual: manualCode})
		if err != nil {
			return err
		}
		return fn(cmd.Context(), p)
	}
}

// accountsCmd lists every account with its status.
func accountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "accounts",
		Short: "List accounts and their status",
		RunE: withPool(func(ctx context.Context, p *pool.Pool) error {
			items, err := p.AccountsInfo(ctx)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "username\tlogged_in\tactive\tlast_used\ttotal_req\terror_msg")
			for _, x := range items {
				lastUsed := ""
				if !x.LastUsed.IsZero() {
					lastUsed = x.LastUsed.Format("2006-01-02 15:04:05")
				}
				fmt.Fprintf(w, "%s\t%v\t%v\t%s\t%d\t%s\n",
					x.Username, x.LoggedIn, x.Active, lastUsed, x.TotalReq, x.ErrorMsg)
			}
			return w.Flush()
		}),
	}
}

// addAccountsCmd imports accounts from a delimited file.
func addAccountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add_accounts <file_path> <line_format>",
		Short: "Import accounts from a file",
		Long: `Import accounts from a delimited text file. The line format names the
fields in order, e.g. "username:password:email:email_password"; use "_" to
skip a column. Optional fields: user_agent, proxy, cookies, mfa_code.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, p *pool.Pool) error {
				return p.LoadFromFile(ctx, args[0], args[1])
			})(cmd, args)
		},
	}
}

// delAccountsCmd deletes the named accounts.
func delAccountsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "del_accounts <username>...",
		Short: "Delete accounts",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, p *pool.Pool) error {
				return p.DeleteAccounts(ctx, args...)
			})(cmd, args)
		},
	}
}

// loginAccountsCmd logs in every account that needs it.
func loginAccountsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login_accounts",
		Short: "Login all inactive accounts without a recorded login error",
		RunE: withPool(func(ctx context.Context, p *pool.Pool) error {
			stats, err := p.LoginAll(ctx, nil)
			if err != nil {
				return err
			}
			fmt.Printf("total: %d, success: %d, failed: %d\n", stats.Total, stats.Success, stats.Failed)
			return nil
		}),
	}
	cmd.Flags().BoolVar(&emailFirst, "email-first", false, "open IMAP before starting the login flow")
	cmd.Flags().BoolVar(&manualCode, "manual", false, "prompt for the email code instead of IMAP")
	return cmd
}

// reloginCmd clears sessions and re-runs login for the named accounts.
func reloginCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relogin <username>...",
		Short: "Clear session material and login again",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPool(func(ctx context.Context, p *pool.Pool) error {
				return p.Relogin(ctx, args)
			})(cmd, args)
		},
	}
	cmd.Flags().BoolVar(&emailFirst, "email-first", false, "open IMAP before starting the login flow")
	cmd.Flags().BoolVar(&manualCode, "manual", false, "prompt for the email code instead of IMAP")
	return cmd
}

// reloginFailedCmd retries accounts that previously failed login.
func reloginFailedCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relogin_failed",
		Short: "Retry login for accounts that failed it",
		RunE: withPool(func(ctx context.Context, p *pool.Pool) error {
			return p.ReloginFailed(ctx)
		}),
	}
	cmd.Flags().BoolVar(&emailFirst, "email-first", false, "open IMAP before starting the login flow")
	cmd.Flags().BoolVar(&manualCode, "manual", false, "prompt for the email code instead of IMAP")
	return cmd
}

// resetLocksCmd clears every account's lease map.
func resetLocksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset_locks",
		Short: "Clear all account locks",
		RunE: withPool(func(ctx context.Context, p *pool.Pool) error {
			return p.ResetLocks(ctx)
		}),
	}
}

// deleteInactiveCmd removes every inactive account.
func deleteInactiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete_inactive",
		Short: "Delete all inactive accounts",
		RunE: withPool(func(ctx context.Context, p *pool.Pool) error {
			return p.DeleteInactive(ctx)
		}),
	}
}

// statsCmd prints aggregate pool counters.
func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show pool statistics",
		RunE: withPool(func(ctx context.Context, p *pool.Pool) error {
			stats, err := p.Stats(ctx)
			if err != nil {
				return err
			}

			type lockRow struct {
				queue  string
				locked int
			}
			var rows []lockRow
			for k, v := range stats {
				if len(k) > 7 && k[:7] == "locked_" && v > 0 {
					rows = append(rows, lockRow{queue: k[7:], locked: v})
				}
			}
			sort.Slice(rows, func(i, j int) bool { return rows[i].locked > rows[j].locked })

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "queue\tlocked\tavailable")
			for _, row := range rows {
				available := stats["active"] - row.locked
				if available < 0 {
					available = 0
				}
				fmt.Fprintf(w, "%s\t%d\t%d\n", row.queue, row.locked, available)
			}
			w.Flush()

			fmt.Printf("Total: %d - Active: %d - Inactive: %d\n",
				stats["total"], stats["active"], stats["inactive"])
			return nil
		}),
	}
}
