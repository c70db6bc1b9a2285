package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/ironca/config"
	"github.com/jmcleod/ironca/internal/telemetry"
)

// Version is set at build time with -ldflags "-X".
var Version = "dev"

// rootOptions carries the persistent flags and the configuration they
// resolve to.
type rootOptions struct {
	configPath string
	envFile    string
	logLevel   string
	output     string

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "ironca",
		Short: "IronCA is a certificate authority service",
		Long: `A certificate authority service to build CA hierarchies, issue server and
client certificates and export them as PEM, DER or PKCS#12.
Complete documentation is available at https://github.com/jmcleod/ironca`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to a YAML configuration file")
	cmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "Path to a dotenv file (default .env)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level: DEBUG, INFO, WARN or ERROR")
	cmd.PersistentFlags().StringVarP(&opts.output, "output", "o", "text", "Output format: text, json")

	cmd.AddCommand(
		newServerCmd(opts),
		newCACmd(opts),
		newCertCmd(opts),
		newExportCmd(opts),
		newVersionCmd(),
	)
	return cmd
}

func (o *rootOptions) load() error {
	cfg, err := config.Load(o.configPath, o.envFile)
	if err != nil {
		return err
	}
	if o.logLevel != "" {
		if _, err := telemetry.ParseLevel(o.logLevel); err != nil {
			return err
		}
		cfg.Log.Level = o.logLevel
	}
	o.cfg = cfg
	return nil
}

func Execute() {
	err := newRootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		// Skip configuration loading.
		PersistentPreRun: func(cmd *cobra.Command, args []string) {},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "ironca version %s\n", Version)
		},
	}
}
