package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/faceset/faceset/internal/acquire"
	"github.com/faceset/faceset/internal/cache"
	"github.com/faceset/faceset/internal/config"
	"github.com/faceset/faceset/internal/dataset"
	"github.com/faceset/faceset/internal/dedup"
	"github.com/faceset/faceset/internal/extract"
	"github.com/faceset/faceset/internal/facemodel"
	"github.com/faceset/faceset/internal/identity"
	"github.com/faceset/faceset/internal/pipeline"
	"github.com/faceset/faceset/internal/verify"
)

var buildCmd = &cobra.Command{
	Use:   "build <subject name>",
	Short: "Build a face dataset for a person",
	Long: `Runs the full dataset pipeline for the named subject: identity lookup,
image acquisition, face extraction, identity verification, duplicate
removal, and dataset persistence. Progress is checkpointed per stage, so
an interrupted build can be continued with --resume.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runBuild,
}

func init() {
	buildCmd.Flags().Int("target", 40, "Number of raw images to collect before stopping")
	buildCmd.Flags().Bool("verify", true, "Verify faces against the subject's reference portrait")
	buildCmd.Flags().Bool("resume", false, "Resume from the last completed stage")
	buildCmd.Flags().String("report", "", "Write a JSON run report to this path")
	buildCmd.Flags().Int("concurrency", 0, "Worker count for downloads and model calls (default from config)")
	rootCmd.AddCommand(buildCmd)
}

func runBuild(cmd *cobra.Command, args []string) error {
	subject := strings.Join(args, " ")

	cfg := config.Load()
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if workers := mustGetInt(cmd, "concurrency"); workers > 0 {
		cfg.Policy.Acquisition.Workers = workers
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	slog.SetDefault(log)

	p, cleanup, err := buildPipeline(cmd, cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	opts := pipeline.Options{
		TargetCount: mustGetInt(cmd, "target"),
		Verify:      mustGetBool(cmd, "verify"),
		Resume:      mustGetBool(cmd, "resume"),
		ReportPath:  mustGetString(cmd, "report"),
	}

	report, err := p.Run(cmd.Context(), subject, opts)
	if err != nil {
		if report != nil && report.Failure != nil {
			return fmt.Errorf("build failed in %s stage (%s): %s",
				report.Failure.Stage, report.Failure.Kind, report.Failure.Message)
		}
		return err
	}

	fmt.Printf("Subject: %s (%s)\n", report.Subject, report.CanonicalName)
	fmt.Printf("Images:  %d\n", report.Persisted)
	fmt.Printf("Dataset: %s\n", report.DatasetDir)
	return nil
}

// buildPipeline wires the concrete stage implementations from config. The
// returned cleanup closes the embedding cache connection, if one was opened.
func buildPipeline(cmd *cobra.Command, cfg *config.Config, log *slog.Logger) (*pipeline.Pipeline, func(), error) {
	tmdb, err := identity.NewTMDBClient(cfg.Identity, log)
	if err != nil {
		return nil, nil, fmt.Errorf("configure identity lookup: %w", err)
	}

	model := facemodel.NewClient(cfg.FaceModel.URL)

	cleanup := func() {}
	var embeddingCache verify.EmbeddingCache
	if cfg.Database.URL != "" {
		pg, err := cache.NewPostgresCache(cmd.Context(), cfg.Database.URL)
		if err != nil {
			return nil, nil, fmt.Errorf("connect embedding cache: %w", err)
		}
		embeddingCache = pg
		cleanup = func() { pg.Close() }
	}

	acq := cfg.Policy.Acquisition
	fetcher := acquire.NewFetcher(acquire.FetcherOptions{
		Policy: acquire.DefaultRetryPolicy(
			acq.MaxAttempts,
			time.Duration(acq.RetryBaseDelayMs)*time.Millisecond,
			time.Duration(acq.RetryMaxDelayMs)*time.Millisecond,
		),
		Delay: acquire.DelayRange{
			Min: time.Duration(acq.RequestDelayMinMs) * time.Millisecond,
			Max: time.Duration(acq.RequestDelayMaxMs) * time.Millisecond,
		},
		Timeout:  time.Duration(acq.RequestTimeoutSec) * time.Second,
		MinBytes: acq.MinImageBytes,
		MaxBytes: acq.MaxImageBytes,
	})

	collector := func(rec *identity.Record) pipeline.ImageCollector {
		sources := []acquire.Source{acquire.NewGallerySource(rec.GalleryURLs)}
		if cfg.Search.OpenverseURL != "" {
			sources = append(sources, acquire.NewOpenverseSource(cfg.Search.OpenverseURL))
		}
		if cfg.Search.SearxURL != "" {
			sources = append(sources, acquire.NewSearxSource(cfg.Search.SearxURL))
		}
		return acquire.NewCollector(sources, acquire.CollectorOptions{
			Fetcher:      fetcher,
			Workers:      acq.Workers,
			MaxPerSource: acq.MaxPerSource,
			Logger:       log,
		})
	}

	det := cfg.Policy.Detection
	extractor := extract.New(model, extract.Options{
		ConfidenceThreshold: det.ConfidenceThreshold,
		MinFaceSize:         det.MinFaceSize,
		MaxFacesPerImage:    det.MaxFacesPerImage,
		CropPadding:         det.CropPadding,
		JPEGQuality:         cfg.Policy.Output.JPEGQuality,
		Workers:             acq.Workers,
	}, log)

	verifier := verify.New(model, embeddingCache, verify.Options{
		SimilarityThreshold: cfg.Policy.Verification.SimilarityThreshold,
		Workers:             acq.Workers,
	}, log)

	resolver := dedup.NewResolver(dedup.Options{
		DuplicateThreshold: cfg.Policy.Dedup.DuplicateThreshold,
		PairwiseCutoff:     cfg.Policy.Dedup.PairwiseCutoff,
		IndexNeighbors:     cfg.Policy.Dedup.IndexNeighbors,
	}, log)

	writer := dataset.NewWriter(dataset.Options{
		ImageSize:   cfg.Policy.Output.ImageSize,
		JPEGQuality: cfg.Policy.Output.JPEGQuality,
		Limit:       0,
	}, log)

	p := pipeline.New(pipeline.Deps{
		Identity:  tmdb,
		Collector: collector,
		Fetcher:   fetcher,
		Extractor: extractor,
		Verifier:  verifier,
		Resolver:  resolver,
		Writer:    writer,
	}, cfg.DataDir, log)

	return p, cleanup, nil
}
