package cmd

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lehigh-university-libraries/slidezoom/internal/convert"
)

func newConvertCmd(a *app) *cobra.Command {
	var (
		outputDir string
		dzi       bool
	)

	cmd := &cobra.Command{
		Use:   "convert <input>",
		Short: "Convert a KFB/SVS/TIFF slide into a pyramidal TIFF",
		Long: `Converts a whole-slide image into a tiled, JPEG-compressed (Q90) pyramidal
TIFF named after the input, using in-process libvips when the binary was built
with -tags vips and the vips command line tool otherwise.

With --dzi the converted slide is also cut into a Deep Zoom bundle
(<name>.dzi and <name>_files/) for offline viewing.`,
		Example: `  # Convert into ./converted
  slidezoom convert scan.kfb

  # Convert and pre-tile
  slidezoom convert scan.kfb -o /data/slides --dzi`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := convert.NewPipeline(a.cfg.TileSize, a.cfg.Overlap)
			res, err := p.Run(cmd.Context(), args[0], outputDir, dzi)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Conversion failed: %v\n", err)
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Generated pyramidal TIFF: %s (%s, %s)\n", res.TIFF, humanize.Bytes(uint64(res.TIFFSize)), res.Strategy)
			if res.DZI != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Generated Deep Zoom bundle: %s (%s tiles)\n", res.DZI, humanize.Comma(int64(res.Tiles)))
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Done in %s\n", res.Elapsed.Round(time.Millisecond))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", "./converted", "Output directory")
	cmd.Flags().BoolVar(&dzi, "dzi", false, "Also generate a Deep Zoom (DZI) bundle for offline viewing")

	return cmd
}
