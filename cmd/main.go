package main

import (
	"affectation_service/internal/api"
	"affectation_service/internal/config"
	"affectation_service/internal/domain/model"
	"affectation_service/internal/domain/repository"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

type rootOptions struct {
	configPath string
	verbose    bool

	cfg    *config.Config
	logger *zap.Logger
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "affectation",
		Short: "Territorial affectation analysis for land parcels",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log, opts.verbose)
			if err != nil {
				return err
			}
			opts.cfg, opts.logger = cfg, logger
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if opts.logger != nil {
				_ = opts.logger.Sync()
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&opts.configPath, "config", "c", "", "config file path (YAML)")
	pf.BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	cmd.AddCommand(
		newServeCommand(opts),
		newAnalyzeCommand(opts),
		newLayersCommand(opts),
	)
	return cmd
}

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			mux := http.NewServeMux()
			api.NewHandler(a.service, a.recorder, opts.cfg.Options(), opts.logger).Routes(mux)
			mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))

			server := &http.Server{
				Addr:              opts.cfg.Server.Addr,
				Handler:           mux,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				opts.logger.Info("starting server", zap.String("addr", server.Addr))
				errCh <- server.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			opts.logger.Info("shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		},
	}
}

func newAnalyzeCommand(opts *rootOptions) *cobra.Command {
	var (
		parcelPath string
		parcelID   string
		crs        string
		layers     []string
		minPct     float64
		minArea    float64
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Analyze a parcel read from a GeoJSON file and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			parcel, err := repository.ReadParcelFile(parcelPath, parcelID, model.CRS(crs))
			if err != nil {
				return err
			}

			options := opts.cfg.Options()
			if cmd.Flags().Changed("min-percentage") {
				options.MinPercentage = minPct
			}
			if cmd.Flags().Changed("min-area") {
				options.MinAbsoluteArea = minArea
			}
			if cmd.Flags().Changed("timeout") {
				options.TimeoutPerLayer = timeout
			}

			a, err := buildApp(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.service.AnalyzeSelection(cmd.Context(), parcel, layers, options)
			if err != nil {
				return err
			}
			if a.recorder != nil {
				if err := a.recorder.SaveReport(cmd.Context(), report); err != nil {
					opts.logger.Warn("failed to save report", zap.Error(err))
				}
			}
			return printJSON(cmd, api.FormatReport(report))
		},
	}

	f := cmd.Flags()
	f.StringVarP(&parcelPath, "parcel", "p", "", "parcel GeoJSON file (Geometry, Feature or FeatureCollection)")
	f.StringVar(&parcelID, "id", "", "parcel identifier (default: file name)")
	f.StringVar(&crs, "crs", "", "parcel CRS, overrides the file (e.g. EPSG:25830)")
	f.StringSliceVarP(&layers, "layers", "l", nil, "layer ids to evaluate (default: every layer of the default backend)")
	f.Float64Var(&minPct, "min-percentage", 0, "minimum percentage of the parcel for a layer to be reported")
	f.Float64Var(&minArea, "min-area", 0, "minimum affected area in square metres")
	f.DurationVar(&timeout, "timeout", 0, "timeout per layer")
	_ = cmd.MarkFlagRequired("parcel")
	return cmd
}

func newLayersCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "layers",
		Short: "List the layers of the default backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := buildApp(cmd.Context(), opts.cfg, opts.logger)
			if err != nil {
				return err
			}
			defer a.Close()

			layers, err := a.service.ListLayers(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd, layers)
		},
	}
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
