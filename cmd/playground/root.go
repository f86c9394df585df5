package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/petasbytes/mcp-playground/internal/config"
	"github.com/petasbytes/mcp-playground/internal/logging"
)

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "playground",
	Short: "Chat with a model that can call MCP tools",
	Long: `playground runs a terminal chat against Anthropic or AWS Bedrock. Tools come
from the MCP servers listed in the config; "playground retail" serves a demo
product and order catalog to try it with.`,
	SilenceUsage: true,
	RunE:         runChat,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./playground.yaml or ~/.playground/playground.yaml)")

	rootCmd.PersistentFlags().String("provider", config.ProviderAnthropic, "model provider (anthropic, bedrock)")
	rootCmd.PersistentFlags().String("log-level", "warn", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "json", "log format (json, console)")
	rootCmd.PersistentFlags().String("log-file", "", "write logs to this file instead of stderr")
	rootCmd.PersistentFlags().String("servers-file", "", "YAML file with additional MCP servers")
	rootCmd.PersistentFlags().Bool("telemetry", false, "append JSONL events to the telemetry directory")

	_ = viper.BindPFlag("model.provider", rootCmd.PersistentFlags().Lookup("provider"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("logging.file", rootCmd.PersistentFlags().Lookup("log-file"))
	_ = viper.BindPFlag("tools.servers_file", rootCmd.PersistentFlags().Lookup("servers-file"))
	_ = viper.BindPFlag("telemetry.enabled", rootCmd.PersistentFlags().Lookup("telemetry"))

	rootCmd.AddCommand(chatCmd, toolsCmd, callCmd, retailCmd)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	var err error
	cfg, err = config.LoadConfig(cfgFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
}

func newLogger() (*zap.Logger, error) {
	return logging.New(cfg.Logging)
}
