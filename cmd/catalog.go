package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/lehigh-university-libraries/slidezoom/internal/catalog"
	"github.com/lehigh-university-libraries/slidezoom/internal/storage"
)

func newCatalogCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage the slide catalog",
		Long: `Commands for the slide catalog kept in SLIDEZOOM_DATABASE_URL.

Without a database the catalog lives in memory and only lasts for one process,
so these commands are mostly useful against Postgres.`,
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Import slides from a YAML, Parquet or JSONL seed file",
		Example: `  slidezoom catalog import slides.yaml
  slidezoom catalog import export.parquet`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := storage.Open(cmd.Context(), a.cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer store.Close()

			n, err := catalog.Seed(cmd.Context(), store, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Imported %d slides\n", n)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List catalogued slides, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := storage.Open(cmd.Context(), a.cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer store.Close()

			slides, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTITLE\tFILE\tADDED")
			for _, s := range slides {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", s.ID, s.Title, s.FilePath, humanize.Time(s.CreatedAt))
			}
			return w.Flush()
		},
	})

	return cmd
}
