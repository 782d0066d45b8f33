package cmd

import (
	"fmt"
	"io"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/lehigh-university-libraries/slidezoom/internal/config"
	"github.com/lehigh-university-libraries/slidezoom/internal/logging"
)

// app carries what PersistentPreRunE prepared to the subcommands.
type app struct {
	cfg       *config.Config
	logCloser io.Closer
}

func NewRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:   "slidezoom",
		Short: "Deep zoom tile server and converter for whole-slide images",
		Long: `Slidezoom serves gigapixel microscopy slides to deep zoom viewers such as
OpenSeadragon, and converts raw scanner output into tiled pyramidal TIFFs.

Configuration is read from SLIDEZOOM_* environment variables, optionally
loaded from a .env file in the working directory.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Load .env file if present (ignore errors)
			_ = godotenv.Load()

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			closer, err := logging.Setup(cfg.Log)
			if err != nil {
				return fmt.Errorf("failed to set up logging: %w", err)
			}
			a.cfg, a.logCloser = cfg, closer
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logCloser != nil {
				_ = a.logCloser.Close()
			}
		},
	}

	// Add subcommands
	cmd.AddCommand(newServeCmd(a))
	cmd.AddCommand(newConvertCmd(a))
	cmd.AddCommand(newCatalogCmd(a))

	return cmd
}
