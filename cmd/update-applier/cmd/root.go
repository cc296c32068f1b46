package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/perimetra/release-pipeline/internal/logger"
	"github.com/perimetra/release-pipeline/internal/service/applier"
	"github.com/perimetra/release-pipeline/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string

	// logLevel selects the minimum level for log output.
	logLevel string

	// publicKeyPath overrides the configured verification key.
	publicKeyPath string

	// installDir overrides the configured installation directory.
	installDir string

	// apply installs the bundle contents after verification.
	apply bool

	// rootCmd represents the base command for verifying and applying a bundle.
	rootCmd = &cobra.Command{
		Use:   "update-applier [bundle]",
		Short: "Verify a release bundle and optionally install it",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			if level, ok := logger.ParseLogLevel(logLevel); ok {
				logger.SetLevel(level)
			}

			options := &applier.Options{
				ConfigPath:    configPath,
				BundlePath:    args[0],
				PublicKeyPath: publicKeyPath,
				InstallDir:    installDir,
				Apply:         apply,
			}

			return applier.Run(ctx, options)
		},
	}
)

// Execute runs the update-applier CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "minimum log level (debug, info, warn, error)")
	rootCmd.Flags().StringVarP(&publicKeyPath, "public-key", "k", "", "path to the pinned public key")
	rootCmd.Flags().StringVarP(&installDir, "install-dir", "d", "", "installation directory for bundle contents")
	rootCmd.Flags().BoolVar(&apply, "apply", false, "install the bundle contents after verification")
}
