package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/MarcoPoloResearchLab/seatsync/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "seatsync",
		Short:         "Replays realm audit log entries into provider seat counts",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newRunCommand(),
		newAdvanceCommand(),
		newCursorsCommand(),
		newResetQuantityCommand(),
		newAccountsCommand(),
		newOperatorTokenCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-encoding", defaults.GetString("log.encoding"), "Log encoding (json, console)")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "PostgreSQL DSN (overrides env)")
	cmd.PersistentFlags().String("provider", defaults.GetString("provider.kind"), "Subscription provider (stripe, memory)")
	cmd.PersistentFlags().String("stripe-secret-key", "", "Stripe secret key (overrides env)")
	cmd.PersistentFlags().Duration("interval", defaults.GetDuration("driver.interval"), "Idle wait between driver passes")
	cmd.PersistentFlags().Int("concurrency", defaults.GetInt("driver.concurrency"), "Dedicated cursors advanced in parallel")
	cmd.PersistentFlags().Duration("lock-ttl", defaults.GetDuration("driver.lock_ttl"), "Per-cursor lease lifetime")
	cmd.PersistentFlags().String("redis-address", defaults.GetString("redis.address"), "Redis address for shared cursor leases")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Operator status listen address (empty disables)")
	cmd.PersistentFlags().String("signing-secret", "", "Operator token signing secret (overrides env)")

	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.encoding", "log-encoding")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "provider.kind", "provider")
	bindFlag(cmd, "provider.stripe_secret_key", "stripe-secret-key")
	bindFlag(cmd, "driver.interval", "interval")
	bindFlag(cmd, "driver.concurrency", "concurrency")
	bindFlag(cmd, "driver.lock_ttl", "lock-ttl")
	bindFlag(cmd, "redis.address", "redis-address")
	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		if cfgFile != "" {
			return fmt.Errorf("read config %s: %w", cfgFile, err)
		}
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}

	return nil
}
