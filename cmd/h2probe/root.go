// Package main implements h2probe, a small CLI that drives pkg/h2conn
// against a real server end to end: dial, handshake, submit one or more
// requests, print what comes back.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/relaycore/h2conn/pkg/config"
	"github.com/relaycore/h2conn/pkg/observability"
)

// Version is set at build time via -ldflags, following the teacher's
// cmd/version.go convention.
var Version = "dev"

var cfgFile string

// cfg is the configuration loaded by PersistentPreRunE, consumed by runProbe.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:     "h2probe <host:port> [path...]",
	Short:   "Dial a host over HTTP/2 and print the responses for one or more paths.",
	Version: Version,
	Args:    cobra.MinimumNArgs(1),
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := initializeConfig(); err != nil {
			return err
		}
		loaded, err := config.Load(cfgFile)
		if err != nil {
			observability.InitializeLogger(config.DefaultLoggerConfig())
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
		observability.InitializeLogger(cfg.Logger())
		observability.GetLogger().Info("h2probe starting", zap.String("version", Version))
		return nil
	},
	RunE: runProbe,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default ./h2conn.yaml)")
	rootCmd.Flags().StringP("method", "X", "GET", "HTTP method for every path requested")
	rootCmd.Flags().StringArrayP("header", "H", nil, "extra request header as 'Name: Value' (repeatable)")
	rootCmd.Flags().BoolP("insecure", "k", false, "skip TLS certificate verification")
	rootCmd.Flags().DurationP("timeout", "t", 0, "overall deadline for the probe; 0 means no deadline")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)
}

// Execute runs the root command, logging failures the way the teacher's
// cmd.Execute does before translating them into a process exit code.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		if logger := observability.GetLogger(); logger != nil {
			logger.Error("h2probe failed", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(1)
	}
}

// initializeConfig reads a config file and H2CONN_-prefixed environment
// variables, mirroring the teacher's cmd/root.go initializeConfig.
func initializeConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("h2conn")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("H2CONN")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}
