package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/IshaanNene/BirdStalk/internal/config"
	"github.com/IshaanNene/BirdStalk/internal/login"
	"github.com/IshaanNene/BirdStalk/internal/pool"
	"github.com/IshaanNene/BirdStalk/internal/store"
)

var (
	cfgFile string
	dbFile  string
	debug   bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "birdstalk",
		Short: "BirdStalk — pooled, rate-limit-aware social-graph API scraper",
		Long: `BirdStalk multiplexes a scraping workload across many authenticated
accounts. It transparently selects an eligible account per request, interprets
rate-limit and ban signals, and persists per-account scheduling state in a
single SQLite file.

Account management:
  accounts, add_accounts, del_accounts, login_accounts, relogin,
  relogin_failed, reset_locks, delete_inactive, stats

Scraping:
  search, user_by_id, user_by_login, tweet_details, tweet_replies,
  retweeters, favoriters, followers, following, user_tweets,
  user_tweets_and_replies, list_timeline`,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().StringVar(&dbFile, "db", "", "accounts database file (default accounts.db)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging and response dumps")

	rootCmd.AddCommand(accountsCmd())
	rootCmd.AddCommand(addAccountsCmd())
	rootCmd.AddCommand(delAccountsCmd())
	rootCmd.AddCommand(loginAccountsCmd())
	rootCmd.AddCommand(reloginCmd())
	rootCmd.AddCommand(reloginFailedCmd())
	rootCmd.AddCommand(resetLocksCmd())
	rootCmd.AddCommand(deleteInactiveCmd())
	rootCmd.AddCommand(statsCmd())
	rootCmd.AddCommand(versionCmd())

	for _, cmd := range opCommands() {
		rootCmd.AddCommand(cmd)
	}

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves config from file, env, and CLI overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if dbFile != "" {
		cfg.DB = dbFile
	}
	return cfg, nil
}

// setupLogger builds the process logger from config and the --debug flag.
func setupLogger(cfg *config.Config) *slog.Logger {
	level := config.ParseLevel(cfg.Logging.Level)
	if debug {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// newPool builds the account pool from config.
func newPool(cfg *config.Config, logger *slog.Logger, loginCfg config.LoginConfig) (*pool.Pool, error) {
	return pool.New(cfg.DB, logger, pool.Options{
		OrderBy:            cfg.Pool.OrderBy,
		RaiseWhenNoAccount: cfg.Pool.RaiseWhenNoAccount,
		Login: login.Config{
			EmailFirst: loginCfg.EmailFirst || cfg.Login.EmailFirst,
			Manual:     loginCfg.Manual || cfg.Login.Manual,
			Logger:     logger,
		},
	})
}

// versionCmd creates the "version" subcommand.
func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("birdstalk %s\n", config.Version)
			fmt.Printf("SQLite runtime: %s\n", store.RuntimeVersion())
		},
	}
}
