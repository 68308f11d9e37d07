package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/f-sync/blocksync/internal/config"
	"github.com/f-sync/blocksync/internal/logging"
	"github.com/f-sync/blocksync/internal/pipeline"
	"github.com/f-sync/blocksync/internal/server"
)

const (
	commandUse                  = "blocksync-server"
	commandShortDescription     = "Serve plan previews and sync runs over HTTP"
	flagHostDescription         = "Host interface for the HTTP server"
	flagPortDescription         = "Port for the HTTP server"
	flagIntervalDescription     = "Start a sync on this interval (0 disables periodic syncs)"
	flagConfigDescription       = "Path to a config file (yaml, toml or json)"
	flagEnvFileDescription      = "Path to a .env file with account credentials"
	flagServiceURLDescription   = "PDS base URL"
	flagMaxConcurrentDesc       = "Maximum concurrent write requests"
	flagRequestDelayDescription = "Base delay between write requests"
	flagLogLevelDescription     = "Log level (debug, info, warn, error)"
	flagLogFormatDescription    = "Log format (console or json)"
	flagLogFileDescription      = "Also write logs to this file, rotated by size"
	shutdownTimeout             = 10 * time.Second
	readHeaderTimeout           = 10 * time.Second
	errMessageLoggerCreate      = "create logger"
	errMessageRunnerCreate      = "create sync runner"
	errMessageListenAndServe    = "listen and serve"
	errMessageShutdown          = "shutdown"
	logMessageStartingServer    = "starting HTTP server"
	logMessageServerStopped     = "server stopped"
	logMessageListenError       = "server listen failure"
	logMessagePeriodicSync      = "periodic sync enabled"
	logMessagePeriodicSkipped   = "periodic sync skipped"
	logFieldAddress             = "address"
	logFieldInterval            = "interval"
)

func main() {
	executionContext, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cobra.CheckErr(newServerCommand().ExecuteContext(executionContext))
}

func newServerCommand() *cobra.Command {
	settings := config.NewViper()

	command := &cobra.Command{
		Use:          commandUse,
		Short:        commandShortDescription,
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(command *cobra.Command, _ []string) error {
			return runServerCommand(command.Context(), settings)
		},
	}

	flags := command.Flags()
	flags.String(config.KeyHost, settings.GetString(config.KeyHost), flagHostDescription)
	flags.Int(config.KeyPort, settings.GetInt(config.KeyPort), flagPortDescription)
	flags.Duration(config.KeySyncInterval, 0, flagIntervalDescription)
	flags.String(config.KeyConfigFile, "", flagConfigDescription)
	flags.String(config.KeyEnvFile, config.DefaultEnvFile, flagEnvFileDescription)
	flags.String(config.KeyServiceURL, settings.GetString(config.KeyServiceURL), flagServiceURLDescription)
	flags.Int(config.KeyMaxConcurrent, settings.GetInt(config.KeyMaxConcurrent), flagMaxConcurrentDesc)
	flags.Duration(config.KeyRequestDelay, settings.GetDuration(config.KeyRequestDelay), flagRequestDelayDescription)
	flags.String(config.KeyLogLevel, settings.GetString(config.KeyLogLevel), flagLogLevelDescription)
	flags.String(config.KeyLogFormat, settings.GetString(config.KeyLogFormat), flagLogFormatDescription)
	flags.String(config.KeyLogFile, "", flagLogFileDescription)

	flags.VisitAll(func(flag *pflag.Flag) {
		bindFlagToViper(settings, flag.Name, flags)
	})

	return command
}

func bindFlagToViper(settings *viper.Viper, flagName string, flagSet *pflag.FlagSet) {
	cobra.CheckErr(settings.BindPFlag(flagName, flagSet.Lookup(flagName)))
}

func runServerCommand(executionContext context.Context, settings *viper.Viper) error {
	configuration, err := config.Load(settings)
	if err != nil {
		return err
	}

	logger, err := logging.New(configuration.Log)
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageLoggerCreate, err)
	}
	defer func() {
		_ = logger.Sync()
	}()

	runner, err := pipeline.NewBlueskyRunner(configuration, logger)
	if err != nil {
		return fmt.Errorf("%s: %w", errMessageRunnerCreate, err)
	}
	syncService, err := server.NewSyncService(server.SyncServiceConfig{
		Runner:      runner,
		Logger:      logger,
		BaseContext: executionContext,
	})
	if err != nil {
		return err
	}
	router, err := server.NewRouter(server.RouterConfig{Service: syncService, Logger: logger})
	if err != nil {
		return err
	}

	if configuration.Server.Interval > 0 {
		logger.Info(logMessagePeriodicSync, zap.Duration(logFieldInterval, configuration.Server.Interval))
		go runPeriodicSyncs(executionContext, syncService, configuration.Server.Interval, logger)
	}

	address := configuration.Server.Address()
	logger.Info(logMessageStartingServer, zap.String(logFieldAddress, address))

	httpServer := &http.Server{Addr: address, Handler: router, ReadHeaderTimeout: readHeaderTimeout}
	serveErrors := make(chan error, 1)
	go func() {
		serveErrors <- httpServer.ListenAndServe()
	}()

	select {
	case serveErr := <-serveErrors:
		if serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			logger.Error(logMessageListenError, zap.Error(serveErr))
			return fmt.Errorf("%s: %w", errMessageListenAndServe, serveErr)
		}
	case <-executionContext.Done():
		shutdownContext, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if shutdownErr := httpServer.Shutdown(shutdownContext); shutdownErr != nil {
			return fmt.Errorf("%s: %w", errMessageShutdown, shutdownErr)
		}
	}

	logger.Info(logMessageServerStopped)
	return nil
}

func runPeriodicSyncs(executionContext context.Context, syncService *server.SyncService, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-executionContext.Done():
			return
		case <-ticker.C:
			if _, startErr := syncService.Start(); startErr != nil {
				logger.Info(logMessagePeriodicSkipped, zap.Error(startErr))
			}
		}
	}
}
