// Package cli implements the stratad command tree.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/yairfalse/strata/pkg/anomaly"
	"github.com/yairfalse/strata/pkg/config"
	"github.com/yairfalse/strata/pkg/engine"
	"github.com/yairfalse/strata/pkg/subscriber"
	"github.com/yairfalse/strata/pkg/version"
)

var cfgFile string

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "stratad",
	Short: "Structured telemetry aggregation engine",
	Long: `stratad ingests typed telemetry events and aggregates them into
metric buckets under declarative configurations: matchers, conditions,
duration tracking, anomaly detection and subscriber notification.`,
	SilenceUsage: true,
}

// Execute runs the CLI.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initViper)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"process config file (default searches ./stratad.yaml, /etc/strata/stratad.yaml)")
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(versionCmd)
}

func initViper() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("stratad")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/strata")
	}
	viper.SetEnvPrefix("STRATA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	viper.SetDefault("queue_capacity", 4096)
	viper.SetDefault("nats.enabled", false)
	viper.SetDefault("nats.url", "nats://127.0.0.1:4222")
	viper.SetDefault("alarm_tick_seconds", 1)

	// A missing config file is fine; flags and env cover everything.
	_ = viper.ReadInConfig()
}

func newLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(viper.GetString("log_level"))
	if err != nil {
		return nil, fmt.Errorf("invalid log level: %w", err)
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	return cfg.Build()
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("stratad %s (%s)\n", version.Version, version.GitCommit)
	},
}

var runCmd = &cobra.Command{
	Use:   "run [engine-config...]",
	Short: "Run the aggregation engine",
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		var notifier anomaly.Notifier
		if viper.GetBool("nats.enabled") {
			dispatcher, err := subscriber.NewNATSDispatcher(subscriber.NATSConfig{
				URL: viper.GetString("nats.url"),
			}, logger)
			if err != nil {
				return fmt.Errorf("failed to start subscriber dispatch: %w", err)
			}
			defer dispatcher.Close()
			notifier = dispatcher
		}

		eng, err := engine.New(engine.Params{
			QueueCapacity: viper.GetInt("queue_capacity"),
			Notifier:      notifier,
			Logger:        logger,
		})
		if err != nil {
			return fmt.Errorf("failed to create engine: %w", err)
		}

		nowNs := time.Now().UnixNano()
		for _, path := range args {
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("failed to load engine config %s: %w", path, err)
			}
			if err := eng.InstallConfig(cfg, nowNs); err != nil {
				return fmt.Errorf("failed to install engine config %s: %w", path, err)
			}
			logger.Info("engine config loaded", zap.String("path", path))
		}

		ctx, cancel := signal.NotifyContext(context.Background(),
			os.Interrupt, syscall.SIGTERM)
		defer cancel()

		eng.Start(ctx)
		logger.Info("stratad running",
			zap.Int("queue_capacity", viper.GetInt("queue_capacity")),
			zap.Int("configs", len(args)))

		// Wall-clock alarm servicing.
		tick := time.Duration(viper.GetInt("alarm_tick_seconds")) * time.Second
		ticker := time.NewTicker(tick)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("shutting down")
				eng.Stop()
				return nil
			case now := <-ticker.C:
				eng.OnAlarmsFired(now.Unix(), now.UnixNano())
			}
		}
	},
}
