package commands

import (
	"fmt"
	"os"

	"github.com/cyverse/imagecache/config"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/xerrors"
)

var (
	configPath string
	logLevel   string
	cacheDir   string

	loadedConfig *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "imagecache",
	Short: "Decode GIF images and manage the image cache",
	Long: `Decode and composite GIF animations, and run image keys through
the memory and disk caches.

Examples:
  # Show the frames of a GIF
  imagecache inspect cat.gif

  # Write frame 3 of a GIF as PNG
  imagecache render cat.gif --frame 3 --out frame3.png

  # Load images through the caches
  imagecache load --config imagecache.yaml cdn/cat.gif cdn/dog.gif

  # Drop expired entries from the disk cache
  imagecache sweep`,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

// Execute adds all child commands to the root command and runs it
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	log.SetFormatter(&log.TextFormatter{
		FullTimestamp: true,
	})

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file path (e.g. imagecache.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "set the logging level (e.g. debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&cacheDir, "cache-dir", "", "disk cache directory, overrides the config file")

	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(renderCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(clearCmd)
}

// initConfig reads the config file if given and applies flags over it
func initConfig(command *cobra.Command, args []string) error {
	cfg := config.NewDefaultConfig()

	if configPath != "" {
		fileConfig, err := config.NewConfigFromFile(configPath)
		if err != nil {
			return err
		}
		cfg = fileConfig
	}

	if logLevel != "" {
		cfg.LogLevel = logLevel
	}

	if cacheDir != "" {
		cfg.CacheRootPath = cacheDir
	}

	err := cfg.Validate()
	if err != nil {
		return xerrors.Errorf("invalid configuration: %w", err)
	}

	log.SetLevel(cfg.GetLogLevel())

	loadedConfig = cfg
	return nil
}

func printf(command *cobra.Command, format string, args ...interface{}) {
	fmt.Fprintf(command.OutOrStdout(), format, args...)
}
