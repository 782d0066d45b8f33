package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/rs/cors"
	"github.com/spf13/cobra"

	"github.com/lehigh-university-libraries/slidezoom/internal/catalog"
	"github.com/lehigh-university-libraries/slidezoom/internal/handlers"
	"github.com/lehigh-university-libraries/slidezoom/internal/metrics"
	"github.com/lehigh-university-libraries/slidezoom/internal/pyramid"
	"github.com/lehigh-university-libraries/slidezoom/internal/slide"
	"github.com/lehigh-university-libraries/slidezoom/internal/storage"
	"github.com/lehigh-university-libraries/slidezoom/internal/tiles"
)

func newServeCmd(a *app) *cobra.Command {
	var (
		port     string
		storageP string
		tileSize int
		overlap  int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the deep zoom tile server",
		Long: `Starts the slide API on the specified port.

Slides are registered in the catalog with a path relative to the storage root.
Viewers fetch a DZI descriptor per slide and then request JPEG tiles, where
level 0 is the full resolution level.`,
		Example: `  # Start server on default port 8888
  slidezoom serve

  # Serve slides from a local directory with one pixel of tile overlap
  slidezoom serve --storage ./slides --overlap 1 --port 3000`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := a.cfg
			if cmd.Flags().Changed("storage") {
				cfg.StoragePath = storageP
			}
			if cmd.Flags().Changed("tile-size") {
				cfg.TileSize = tileSize
			}
			if cmd.Flags().Changed("overlap") {
				cfg.Overlap = overlap
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			root, err := cfg.EnsureStoragePath()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			store, err := storage.Open(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer store.Close()
			if cfg.CatalogSeed != "" {
				if _, err := catalog.Seed(ctx, store, cfg.CatalogSeed); err != nil {
					return err
				}
			}

			m := metrics.New()
			tileService, err := tiles.New(store, pyramid.NewManager(root, cfg.TileSize, cfg.Overlap, slide.Default), tiles.Options{
				Workers:   cfg.Workers,
				CacheSize: cfg.TileCacheSize,
				Timeout:   cfg.RequestTimeout,
				Metrics:   m,
			})
			if err != nil {
				return err
			}
			handler := handlers.New(store, tileService, m)

			c := cors.New(cors.Options{
				AllowedOrigins:   cfg.AllowedOrigins,
				AllowedMethods:   []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodOptions},
				AllowedHeaders:   []string{"*"},
				ExposedHeaders:   []string{"ETag", "Cache-Control"},
				AllowCredentials: true,
			})

			addr := ":" + port
			server := &http.Server{
				Addr:              addr,
				Handler:           c.Handler(handler.Routes()),
				ReadHeaderTimeout: 10 * time.Second,
			}

			// Start server in goroutine
			serverErr := make(chan error, 1)
			go func() {
				slog.Info("Slide server available",
					"addr", addr,
					"url", "http://localhost"+addr,
					"storage", root,
					"tile_size", cfg.TileSize,
					"overlap", cfg.Overlap,
					"workers", cfg.Workers)
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serverErr <- err
				}
			}()

			// Wait for context cancellation (Ctrl+C) or server error
			select {
			case <-ctx.Done():
				slog.Info("Shutting down server...")
				// Give server 5 seconds to shut down gracefully
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					slog.Error("Server shutdown failed", "err", err)
					return err
				}
				slog.Info("Server stopped")
				return nil
			case err := <-serverErr:
				return fmt.Errorf("server failed: %w", err)
			}
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "8888", "Port to listen on")
	cmd.Flags().StringVar(&storageP, "storage", "", "Slide storage root (overrides SLIDEZOOM_STORAGE_PATH)")
	cmd.Flags().IntVar(&tileSize, "tile-size", 256, "Tile edge in pixels (overrides SLIDEZOOM_TILE_SIZE)")
	cmd.Flags().IntVar(&overlap, "overlap", 0, "Tile overlap in pixels (overrides SLIDEZOOM_OVERLAP)")

	return cmd
}
