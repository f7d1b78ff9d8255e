package main

import (
	"fmt"
	"os"

	"github.com/opd-ai/assoctransport/config"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile   string
	mode      string
	hostname  string
	port      int
	system    string
	encrypted bool
	logLevel  string

	// Shared state set during PersistentPreRun
	opts *config.Options
)

var rootCmd = &cobra.Command{
	Use:   "assocnode",
	Short: "Association transport node",
	Long: `assocnode binds a transport engine in tcp, noise.tcp or udp mode and
exchanges length-framed payloads with other nodes.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		opts, err = loadOptions(cmd)
		if err != nil {
			return err
		}

		level, err := logrus.ParseLevel(opts.LogLevel)
		if err != nil {
			return fmt.Errorf("invalid log level: %w", err)
		}
		logrus.SetLevel(level)
		logrus.SetOutput(cmd.ErrOrStderr())
		return nil
	},
}

// loadOptions reads the config file and applies flags that were set.
func loadOptions(cmd *cobra.Command) (*config.Options, error) {
	o := config.NewOptions()
	if cfgFile != "" {
		var err error
		o, err = config.Load(cfgFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	flags := cmd.Flags()
	if flags.Changed("mode") {
		o.Mode = mode
	}
	if flags.Changed("hostname") {
		o.Hostname = hostname
	}
	if flags.Changed("port") {
		o.Port = port
	}
	if flags.Changed("system") {
		o.SystemName = system
	}
	if flags.Changed("encrypt") {
		o.EncryptionEnabled = encrypted
	}
	if flags.Changed("log-level") {
		o.LogLevel = logLevel
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "YAML config file")
	pf.StringVar(&mode, "mode", "tcp", "wire mode: tcp or udp")
	pf.StringVar(&hostname, "hostname", "127.0.0.1", "bind and advertised hostname")
	pf.IntVar(&port, "port", 0, "bind port (0 picks a free port)")
	pf.StringVar(&system, "system", "default", "local system name")
	pf.BoolVar(&encrypted, "encrypt", false, "enable the Noise encryption stage (tcp only)")
	pf.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
}
