package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/dreamup-ai/user-service/cmd/userapi/internal/config"
	"github.com/dreamup-ai/user-service/cmd/userapi/internal/logging"
)

var (
	cfg    *config.Config
	logger *zap.SugaredLogger
)

var rootCmd = &cobra.Command{
	Use:   "userapi",
	Short: "Dreamup user service",
	Long: `The user service owns the canonical user directory. It reconciles identities
from Cognito, Google and Discord onto one user, issues session tokens and
serves the signed internal API used by the rest of the system.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		if path == "" {
			path = os.Getenv("CONFIG_FILE")
		}
		if path != "" {
			viper.SetConfigFile(path)
			if err := viper.ReadInConfig(); err != nil {
				return fmt.Errorf("failed to read config file: %w", err)
			}
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		logger, err = logging.New(cfg.Debug)
		if err != nil {
			return err
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.String("config", "", "Path to a YAML/JSON/TOML config file (env: CONFIG_FILE)")
	flags.String("db-url", "", "Database connection URL (env: DATABASE_URL)")
	flags.String("server-addr", "", "Server bind address (env: SERVER_ADDR)")
	flags.Bool("debug", false, "Enable debug logging (env: DEBUG)")

	_ = viper.BindPFlag("database_url", flags.Lookup("db-url"))
	_ = viper.BindPFlag("server_addr", flags.Lookup("server-addr"))
	_ = viper.BindPFlag("debug", flags.Lookup("debug"))
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
