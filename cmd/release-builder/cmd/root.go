package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/perimetra/release-pipeline/internal/logger"
	"github.com/perimetra/release-pipeline/internal/service/builder"
	"github.com/perimetra/release-pipeline/internal/version"
)

var (
	// configPath to the configuration YAML file.
	configPath string

	// logLevel selects the minimum level for log output.
	logLevel string

	// projectRoot holds the per-kind source trees and the VERSION marker.
	projectRoot string

	// versionOverride pins the release version, beating every other source.
	versionOverride string

	// skipGates bypasses the acceptance gates; the bypass lands in the manifest.
	skipGates bool

	// signingKeyPath overrides the configured signing key.
	signingKeyPath string

	// outputDir overrides the configured published artifacts directory.
	outputDir string

	// stagingDir overrides the configured staging base directory.
	stagingDir string

	// rootCmd represents the base command for building a signed release.
	rootCmd = &cobra.Command{
		Use:   "release-builder",
		Short: "Gate, package, sign and publish a release",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			if level, ok := logger.ParseLogLevel(logLevel); ok {
				logger.SetLevel(level)
			}

			options := &builder.Options{
				ConfigPath:      configPath,
				ProjectRoot:     projectRoot,
				VersionOverride: versionOverride,
				SkipGates:       skipGates,
				SigningKeyPath:  signingKeyPath,
				OutputDir:       outputDir,
				StagingDir:      stagingDir,
			}

			_, err := builder.Run(ctx, options)

			return err
		},
	}
)

// Execute runs the release-builder CLI and exits with non-zero status on error.
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
	rootCmd.Flags().StringVarP(&projectRoot, "root", "r", ".", "project root with per-kind sources")
	rootCmd.Flags().StringVar(&versionOverride, "version-override", "", "release version, overrides config and VERSION file")
	rootCmd.Flags().BoolVar(&skipGates, "skip-gates", false, "bypass acceptance gates (recorded in the manifest)")
	rootCmd.Flags().StringVarP(&signingKeyPath, "signing-key", "k", "", "path to the signing private key")
	rootCmd.Flags().StringVarP(&outputDir, "output", "o", "", "published artifacts directory")
	rootCmd.Flags().StringVar(&stagingDir, "staging", "", "staging base directory")
}
