package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oshokin/release-packer/internal/logger"
	"github.com/oshokin/release-packer/internal/service/packager"
	"github.com/oshokin/release-packer/internal/version"
)

// installArgument enables the dependency install step.
const installArgument = "install"

var (
	// configPath to the configuration YAML file.
	configPath string

	// rootPath is the project root to package.
	rootPath string

	// logLevel is the minimum level of printed log messages.
	logLevel string

	// rootCmd represents the base command for packaging a project.
	rootCmd = &cobra.Command{
		Use:   "release-packer [install]",
		Short: "Stage project files into a clean build directory and archive them",
		Long: "release-packer copies the deployable subset of a project into build/<app>,\n" +
			"optionally installs runtime dependencies into the staged copy and\n" +
			"compresses the result into a single zip archive.",
		ValidArgs:     []string{installArgument},
		Args:          cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			level, ok := logger.ParseLogLevel(logLevel)
			if !ok {
				return fmt.Errorf("unknown log level %q", logLevel)
			}

			logger.SetLevel(level)

			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			// Setup graceful shutdown handling.
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
			defer stop()

			options := &packager.Options{
				Root:                rootPath,
				ConfigPath:          configPath,
				ConfigRequired:      cmd.Flags().Changed("config"),
				InstallDependencies: len(args) == 1 && args[0] == installArgument,
				Stdout:              cmd.OutOrStdout(),
				Stderr:              cmd.ErrOrStderr(),
			}

			_, err := packager.Run(ctx, options)

			return err
		},
	}
)

// Execute runs the release-packer CLI and exits with non-zero status on error.
func Execute() {
	version.AttachCobraVersionCommand(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		logger.Logger().Errorf("release-packer: %v", err)
		os.Exit(1)
	}
}

//nolint:gochecknoinits // Required by Cobra CLI framework architecture.
func init() {
	// Setup command flags with consistent naming and descriptions.
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "",
		"path to configuration file (default: release-packer.yaml inside the project root)")
	rootCmd.Flags().StringVarP(&rootPath, "root", "r", ".", "project root to package")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
}
