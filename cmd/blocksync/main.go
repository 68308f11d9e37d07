package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/f-sync/blocksync/internal/config"
)

const (
	rootCommandUse              = "blocksync"
	rootCommandShortDescription = "Keep two Bluesky accounts mutually exclusive"
	rootCommandLongDescription  = "blocksync makes sure the secondary account blocks everything the primary follows and the primary blocks everything the secondary follows.\n\nCredentials are read from ACCOUNT_A_HANDLE, ACCOUNT_A_APP_PASSWORD, ACCOUNT_B_HANDLE and ACCOUNT_B_APP_PASSWORD, optionally loaded from a .env file."
	syncCommandUse              = "sync"
	syncCommandShortDescription = "Reconcile both accounts and apply the plan"
	planCommandUse              = "plan"
	planCommandShortDescription = "Show the actions a sync would take without applying them"
	flagConfigDescription       = "Path to a config file (yaml, toml or json)"
	flagEnvFileDescription      = "Path to a .env file with account credentials"
	flagServiceURLDescription   = "PDS base URL"
	flagMaxConcurrentDesc       = "Maximum concurrent write requests"
	flagRequestDelayDescription = "Base delay between write requests"
	flagRequestJitterDesc       = "Random jitter added to request delays"
	flagPageLimitDescription    = "Page size for follow and block listings (1-100)"
	flagMaxAttemptsDescription  = "Attempts per request before giving up on rate limits and server errors"
	flagLogLevelDescription     = "Log level (debug, info, warn, error)"
	flagLogFormatDescription    = "Log format (console or json)"
	flagLogFileDescription      = "Also write logs to this file, rotated by size"
	flagDryRunDescription       = "Compute and print the plan without applying it"
)

func main() {
	executionContext, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cobra.CheckErr(newRootCommand(NewSyncApplication()).ExecuteContext(executionContext))
}

func newRootCommand(application SyncApplication) *cobra.Command {
	settings := config.NewViper()

	rootCommand := &cobra.Command{
		Use:           rootCommandUse,
		Short:         rootCommandShortDescription,
		Long:          rootCommandLongDescription,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	persistentFlags := rootCommand.PersistentFlags()
	persistentFlags.String(config.KeyConfigFile, "", flagConfigDescription)
	persistentFlags.String(config.KeyEnvFile, config.DefaultEnvFile, flagEnvFileDescription)
	persistentFlags.String(config.KeyServiceURL, settings.GetString(config.KeyServiceURL), flagServiceURLDescription)
	persistentFlags.Int(config.KeyMaxConcurrent, settings.GetInt(config.KeyMaxConcurrent), flagMaxConcurrentDesc)
	persistentFlags.Duration(config.KeyRequestDelay, settings.GetDuration(config.KeyRequestDelay), flagRequestDelayDescription)
	persistentFlags.Duration(config.KeyRequestJitter, settings.GetDuration(config.KeyRequestJitter), flagRequestJitterDesc)
	persistentFlags.Int(config.KeyPageLimit, settings.GetInt(config.KeyPageLimit), flagPageLimitDescription)
	persistentFlags.Int(config.KeyMaxAttempts, settings.GetInt(config.KeyMaxAttempts), flagMaxAttemptsDescription)
	persistentFlags.String(config.KeyLogLevel, settings.GetString(config.KeyLogLevel), flagLogLevelDescription)
	persistentFlags.String(config.KeyLogFormat, settings.GetString(config.KeyLogFormat), flagLogFormatDescription)
	persistentFlags.String(config.KeyLogFile, "", flagLogFileDescription)
	for _, key := range []string{
		config.KeyConfigFile,
		config.KeyEnvFile,
		config.KeyServiceURL,
		config.KeyMaxConcurrent,
		config.KeyRequestDelay,
		config.KeyRequestJitter,
		config.KeyPageLimit,
		config.KeyMaxAttempts,
		config.KeyLogLevel,
		config.KeyLogFormat,
		config.KeyLogFile,
	} {
		bindFlagToViper(settings, key, persistentFlags)
	}

	syncCommand := &cobra.Command{
		Use:   syncCommandUse,
		Short: syncCommandShortDescription,
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, _ []string) error {
			return runSync(command.Context(), application, settings)
		},
	}
	syncCommand.Flags().Bool(config.KeyDryRun, false, flagDryRunDescription)
	bindFlagToViper(settings, config.KeyDryRun, syncCommand.Flags())

	planCommand := &cobra.Command{
		Use:   planCommandUse,
		Short: planCommandShortDescription,
		Args:  cobra.NoArgs,
		RunE: func(command *cobra.Command, _ []string) error {
			settings.Set(config.KeyDryRun, true)
			return runSync(command.Context(), application, settings)
		},
	}

	rootCommand.AddCommand(syncCommand, planCommand)
	return rootCommand
}

func runSync(executionContext context.Context, application SyncApplication, settings *viper.Viper) error {
	configuration, err := config.Load(settings)
	if err != nil {
		return err
	}
	return application.Run(executionContext, configuration)
}

func bindFlagToViper(settings *viper.Viper, flagName string, flagSet *pflag.FlagSet) {
	cobra.CheckErr(settings.BindPFlag(flagName, flagSet.Lookup(flagName)))
}
