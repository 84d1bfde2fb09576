package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/todoschedule/backend/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile     string
	envFile     string
	replayUser  string
	rebuild     bool
	tokenUser   string
	tokenEmail  string
	tokenTTLMin int
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "todoschedule-api",
		Short: "TodoSchedule sync relay",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	replayCmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild projected state for a user from the sync log",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), cmd.OutOrStdout(), replayUser, rebuild)
		},
	}
	replayCmd.Flags().StringVar(&replayUser, "user", "", "User whose projections are rebuilt")
	replayCmd.Flags().BoolVar(&rebuild, "rebuild", false, "Delete the user's projected rows before replaying")
	_ = replayCmd.MarkFlagRequired("user")

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIssueToken(cmd.OutOrStdout(), tokenUser, tokenEmail, tokenTTLMin)
		},
	}
	tokenCmd.Flags().StringVar(&tokenUser, "user", "", "User id placed in the token subject")
	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "Optional user email claim")
	tokenCmd.Flags().IntVar(&tokenTTLMin, "ttl-minutes", 24*60, "Token lifetime in minutes")
	_ = tokenCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(replayCmd, tokenCmd)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Path to a .env file loaded before configuration")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres)")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("database-dsn", "", "Postgres connection string")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")
	cmd.PersistentFlags().Int("max-download-batch", defaults.GetInt("sync.max_download_batch"), "Maximum messages returned per fetch")
	cmd.PersistentFlags().String("tombstone-policy", defaults.GetString("sync.tombstone_policy"), "Tombstone policy (terminal, resurrect)")
	cmd.PersistentFlags().Duration("max-clock-skew", defaults.GetDuration("sync.max_clock_skew"), "How far a client HLC may run ahead of server time")
	cmd.PersistentFlags().StringSlice("allowed-origins", nil, "Origins allowed to send credentialed cross-site requests")
	cmd.PersistentFlags().String("jaeger-endpoint", "", "Jaeger collector endpoint; tracing is disabled when empty")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "sync.max_download_batch", "max-download-batch")
	bindFlag(cmd, "sync.tombstone_policy", "tombstone-policy")
	bindFlag(cmd, "sync.max_clock_skew", "max-clock-skew")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "tracing.jaeger_endpoint", "jaeger-endpoint")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if err := config.LoadDotEnv(envFile); err != nil {
		return err
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
