// Command agentops runs supervised multi-agent conversations and exposes the
// operation registry behind them.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/aixgo-dev/agentops/pkg/config"
)

// Version information (set via ldflags)
var Version = "dev"

type globalFlags struct {
	configFile string
	envFiles   []string
	verbose    bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:           "agentops",
		Short:         "Supervised multi-agent orchestration",
		Long:          "agentops drives group conversations between agents under a supervisor and tracks every unit of work as an operation.",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", os.Getenv("AGENTOPS_CONFIG"), "YAML configuration file")
	root.PersistentFlags().StringSliceVar(&flags.envFiles, "env-file", nil, "dotenv files loaded before the configuration (default .env)")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "log every operation transition")

	root.AddCommand(newServeCommand(flags))
	root.AddCommand(newRunCommand(flags))
	root.AddCommand(newConfigCommand(flags))
	return root
}

// loadConfig applies dotenv files, the YAML file and the verbose flag.
func (f *globalFlags) loadConfig() (*config.Config, error) {
	if err := config.LoadEnvFiles(f.envFiles...); err != nil {
		return nil, err
	}
	cfg, err := config.Load(f.configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if f.verbose {
		cfg.Verbose = true
	}
	return cfg, nil
}

func newConfigCommand(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the effective configuration",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "dump <file>",
		Short: "Write the effective configuration to a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.loadConfig()
			if err != nil {
				return err
			}
			if err := config.SaveConfig(cfg, args[0]); err != nil {
				return err
			}
			log.Printf("Configuration written to %s", args[0])
			return nil
		},
	})
	return cmd
}
