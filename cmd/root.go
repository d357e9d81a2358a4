package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/stepchat/internal/config"
	"github.com/zjrosen/stepchat/internal/log"
)

var (
	version   = "dev"
	cfgFile   string
	debugFlag bool

	cfg     config.Config
	cfgPath string

	logCleanup func()
)

var rootCmd = &cobra.Command{
	Use:   "stepchat",
	Short: "Route multi-agent conversations across workflow steps",
	Long: `stepchat routes the messages, handoffs and activity notices of a realtime
multi-agent transport onto the steps of a host workflow.

Use "stepchat replay" to run a scripted session through the routing core and
"stepchat agents" to inspect the agent catalog.`,
	Version:           version,
	SilenceUsage:      true,
	PersistentPreRunE: loadConfig,
	PersistentPostRun: func(*cobra.Command, []string) {
		if logCleanup != nil {
			logCleanup()
			logCleanup = nil
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/stepchat/config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debugFlag, "debug", "d", false,
		"enable debug logging to the configured log_path")
}

// loadConfig reads the configuration and starts file logging when debug is
// enabled by flag or config.
func loadConfig(*cobra.Command, []string) error {
	v := viper.New()
	loaded, used, err := config.Load(v, cfgFile)
	if err != nil {
		return err
	}
	cfg = loaded
	cfgPath = used
	if cfgPath == "" {
		cfgPath = config.LocalConfigPath
	}

	if debugFlag || cfg.Debug {
		cleanup, err := log.Init(cfg.LogPath)
		if err != nil {
			return fmt.Errorf("initializing logging: %w", err)
		}
		logCleanup = cleanup
		if !debugFlag {
			log.SetMinLevel(log.ParseLevel(cfg.LogLevel))
		}
		log.Info(log.CatConfig, "stepchat starting", "version", version, "config", cfgPath)
	}
	return nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
