package main

import (
	"errors"
	"os"

	"github.com/MarcoPoloResearchLab/brewsync/internal/config"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "brewsync",
		Short:         "Offline-first sync engine for brewing data",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(
		newServeCommand(),
		newHydrateCommand(),
		newDrainCommand(),
		newStatsCommand(),
		newClearCommand(),
		newQueueCommand(),
		newRecordsCommand(),
	)
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("namespace", defaults.GetString("storage.namespace"), "Storage key namespace")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("gateway-url", defaults.GetString("gateway.base_url"), "Brewing backend base URL")
	cmd.PersistentFlags().Duration("gateway-timeout", defaults.GetDuration("gateway.timeout"), "Per-request timeout for backend calls")
	cmd.PersistentFlags().String("session-token", "", "Session JWT (overrides env)")
	cmd.PersistentFlags().String("user-id", "", "User id (defaults to the session subject)")
	cmd.PersistentFlags().String("unit-system", defaults.GetString("user.unit_system"), "Unit system recorded at hydration")
	cmd.PersistentFlags().Duration("check-cooldown", defaults.GetDuration("refcache.check_cooldown"), "Minimum interval between background version checks")
	cmd.PersistentFlags().Int("max-retries", defaults.GetInt("queue.max_retries"), "Transport failures before an operation is marked failed")
	cmd.PersistentFlags().Int("drain-concurrency", defaults.GetInt("queue.drain_concurrency"), "Independent entity chains sent in parallel")
	cmd.PersistentFlags().Bool("auto-drain", defaults.GetBool("queue.auto_drain"), "Drain in the background after every online mutation")
	cmd.PersistentFlags().Duration("probe-interval", defaults.GetDuration("connectivity.probe_interval"), "Connectivity probe interval")
	cmd.PersistentFlags().Duration("probe-timeout", defaults.GetDuration("connectivity.probe_timeout"), "Timeout of a single connectivity probe")
	cmd.PersistentFlags().String("diagnostics-address", defaults.GetString("diagnostics.address"), "Diagnostics HTTP listen address")
	cmd.PersistentFlags().StringSlice("diagnostics-origins", nil, "Origins allowed to call the diagnostics server (all when empty)")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().Bool("log-console", defaults.GetBool("log.console"), "Human-readable log output")

	bindFlag(cmd, "storage.namespace", "namespace")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "gateway.base_url", "gateway-url")
	bindFlag(cmd, "gateway.timeout", "gateway-timeout")
	bindFlag(cmd, "session.token", "session-token")
	bindFlag(cmd, "user.id", "user-id")
	bindFlag(cmd, "user.unit_system", "unit-system")
	bindFlag(cmd, "refcache.check_cooldown", "check-cooldown")
	bindFlag(cmd, "queue.max_retries", "max-retries")
	bindFlag(cmd, "queue.drain_concurrency", "drain-concurrency")
	bindFlag(cmd, "queue.auto_drain", "auto-drain")
	bindFlag(cmd, "connectivity.probe_interval", "probe-interval")
	bindFlag(cmd, "connectivity.probe_timeout", "probe-timeout")
	bindFlag(cmd, "diagnostics.address", "diagnostics-address")
	bindFlag(cmd, "diagnostics.allowed_origins", "diagnostics-origins")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.console", "log-console")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("brewsync")
		viper.AddConfigPath(".")
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
