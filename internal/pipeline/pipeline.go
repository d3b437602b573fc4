// Package pipeline orchestrates a dataset build as a linear sequence of
// resumable stages. Each completed stage persists its output as a state
// file and appends exactly one checkpoint record, so an interrupted run
// can pick up where it stopped without repeating network or model work.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/faceset/faceset/internal/acquire"
	"github.com/faceset/faceset/internal/checkpoint"
	"github.com/faceset/faceset/internal/dataset"
	"github.com/faceset/faceset/internal/dedup"
	"github.com/faceset/faceset/internal/extract"
	"github.com/faceset/faceset/internal/identity"
	"github.com/faceset/faceset/internal/verify"
)

// Stage names the pipeline states in execution order.
type Stage string

const (
	StageIdentify    Stage = "identify"
	StageAcquire     Stage = "acquire"
	StageDetect      Stage = "detect"
	StageVerify      Stage = "verify"
	StageDeduplicate Stage = "deduplicate"
	StagePersist     Stage = "persist"
)

// failedRecord marks an aborted run in the checkpoint log.
const failedRecord = "failed"

const (
	checkpointFile = "checkpoints.json"
	referenceBase  = "reference"
	rawDirName     = "raw"
	facesDirName   = "faces"
	datasetDirName = "dataset"
)

// ImageCollector gathers raw candidate images for a subject.
type ImageCollector interface {
	Collect(ctx context.Context, terms string, minCount int, destDir string) ([]acquire.RawImage, error)
}

// FaceExtractor turns raw images into validated face candidates.
type FaceExtractor interface {
	ExtractAll(ctx context.Context, raws []acquire.RawImage, facesDir string) ([]extract.Candidate, extract.Stats, error)
}

// ReferenceVerifier scores candidates against a reference embedding.
type ReferenceVerifier interface {
	SetReference(ctx context.Context, imagePath string) error
	SetReferenceEmbedding(embedding []float32)
	Reference() []float32
	Verify(ctx context.Context, candidates []extract.Candidate) ([]verify.Scored, error)
}

// GroupResolver collapses near-duplicate candidates.
type GroupResolver interface {
	Resolve(candidates []verify.Scored) ([]dedup.Group, error)
}

// DatasetWriter persists the final selection.
type DatasetWriter interface {
	Write(destDir, subject, canonicalName string, entries []verify.Scored, reference []float32) (*dataset.Result, error)
}

// PortraitFetcher downloads a single image, returning data and extension.
type PortraitFetcher interface {
	Download(ctx context.Context, imageURL string) ([]byte, string, error)
}

// Deps are the stage implementations. The collector is built per identity
// because its gallery source depends on the lookup result.
type Deps struct {
	Identity  identity.Service
	Collector func(rec *identity.Record) ImageCollector
	Fetcher   PortraitFetcher
	Extractor FaceExtractor
	Verifier  ReferenceVerifier
	Resolver  GroupResolver
	Writer    DatasetWriter
}

// Options configure a single run.
type Options struct {
	TargetCount int
	Verify      bool
	Resume      bool
	ReportPath  string
}

// Pipeline drives a run through its stages.
type Pipeline struct {
	deps    Deps
	dataDir string
	log     *slog.Logger
}

// New creates a pipeline rooted at dataDir.
func New(deps Deps, dataDir string, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{deps: deps, dataDir: dataDir, log: log}
}

// stage state persisted between runs

type identifyState struct {
	Record        *identity.Record `json:"record"`
	ReferencePath string           `json:"reference_path,omitempty"`
}

type acquireState struct {
	Images []acquire.RawImage `json:"images"`
}

type detectState struct {
	Candidates []extract.Candidate `json:"candidates"`
	Stats      extract.Stats       `json:"stats"`
}

type verifyState struct {
	Scored    []verify.Scored `json:"scored"`
	Reference []float32       `json:"reference,omitempty"`
	Skipped   bool            `json:"skipped"`
}

type dedupState struct {
	Kept    []verify.Scored `json:"kept"`
	Groups  int             `json:"groups"`
	Removed int             `json:"removed"`
}

type persistState struct {
	Count int    `json:"count"`
	Dir   string `json:"dir"`
}

// Run executes (or resumes) a dataset build for the subject. A non-nil
// error is always a classified *Error; the report is non-nil whenever the
// run got far enough to start its stage sequence.
func (p *Pipeline) Run(ctx context.Context, subject string, opts Options) (*RunReport, error) {
	canonical := dataset.Slug(subject)
	if canonical == "" {
		return nil, fatal(StageIdentify, KindIdentityNotFound, fmt.Errorf("subject name %q is empty after normalization", subject))
	}

	runDir := filepath.Join(p.dataDir, canonical)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return nil, fatal(StageIdentify, KindPersistence, fmt.Errorf("create run dir: %w", err))
	}

	store, err := checkpoint.Open(filepath.Join(runDir, checkpointFile))
	if err != nil {
		return nil, fatal(StageIdentify, KindPersistence, err)
	}
	if !opts.Resume && store.Len() > 0 {
		if err := store.Reset(); err != nil {
			return nil, fatal(StageIdentify, KindPersistence, err)
		}
	}

	report := &RunReport{
		RunID:         uuid.NewString(),
		Subject:       subject,
		CanonicalName: canonical,
		StartedAt:     time.Now().UTC(),
	}
	p.log.Info("run started", "run_id", report.RunID, "subject", subject, "resume", opts.Resume)

	runErr := p.execute(ctx, subject, canonical, runDir, opts, store, report)

	report.FinishedAt = time.Now().UTC()

	if runErr != nil {
		var stageErr *Error
		if !errors.As(runErr, &stageErr) {
			stageErr = fatal(StageIdentify, classify(runErr), runErr)
		}
		report.Failure = &FailureReport{
			Stage:   stageErr.Stage,
			Kind:    stageErr.Kind,
			Message: stageErr.Err.Error(),
		}
		// The failed record is informational; a best-effort append must not
		// mask the original failure.
		if err := store.Append(failedRecord, map[string]any{
			"stage":  string(stageErr.Stage),
			"kind":   string(stageErr.Kind),
			"reason": stageErr.Err.Error(),
		}); err != nil {
			p.log.Warn("could not record failure checkpoint", "error", err)
		}
		runErr = stageErr
	}

	if opts.ReportPath != "" {
		if err := report.WriteFile(opts.ReportPath); err != nil {
			p.log.Warn("could not write run report", "error", err)
		}
	}

	p.log.Info("run finished",
		"run_id", report.RunID,
		"persisted", report.Persisted,
		"failed", report.Failure != nil,
	)

	return report, runErr
}

// execute walks the stages in order. Helpers return classified errors.
func (p *Pipeline) execute(ctx context.Context, subject, canonical, runDir string, opts Options, store *checkpoint.Store, report *RunReport) error {
	idState, err := p.identify(ctx, subject, runDir, opts, store, report)
	if err != nil {
		return err
	}

	raws, err := p.acquireImages(ctx, idState.Record, runDir, opts, store, report)
	if err != nil {
		return err
	}

	candidates, err := p.detect(ctx, raws, runDir, opts, store, report)
	if err != nil {
		return err
	}

	scored, err := p.verifyCandidates(ctx, candidates, idState.ReferencePath, runDir, opts, store, report)
	if err != nil {
		return err
	}

	kept, err := p.deduplicate(ctx, scored, runDir, opts, store, report)
	if err != nil {
		return err
	}

	return p.persist(ctx, subject, canonical, kept, runDir, opts, store, report)
}

func (p *Pipeline) identify(ctx context.Context, subject, runDir string, opts Options, store *checkpoint.Store, report *RunReport) (*identifyState, error) {
	var state identifyState
	if resumed := p.tryResume(StageIdentify, runDir, opts, store, report, &state); resumed {
		return &state, nil
	}

	started := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, fatal(StageIdentify, KindNetwork, err)
	}

	rec, err := p.deps.Identity.Lookup(ctx, subject)
	if err != nil {
		return nil, fatal(StageIdentify, classify(err), err)
	}

	state.Record = rec
	if rec.PortraitURL != "" && p.deps.Fetcher != nil {
		state.ReferencePath = p.fetchReference(ctx, rec.PortraitURL, runDir)
	}

	outcome := success(map[string]any{
		"id":           rec.ID,
		"name":         rec.Name,
		"locale_match": rec.LocaleMatch,
		"gallery_urls": len(rec.GalleryURLs),
		"reference":    state.ReferencePath != "",
	})
	if err := p.commit(StageIdentify, runDir, store, report, &state, outcome, started); err != nil {
		return nil, err
	}
	return &state, nil
}

// fetchReference downloads the portrait used as the verification reference.
// Failures are tolerated here; verification reports them if it needs the
// reference later.
func (p *Pipeline) fetchReference(ctx context.Context, portraitURL, runDir string) string {
	data, ext, err := p.deps.Fetcher.Download(ctx, portraitURL)
	if err != nil {
		p.log.Warn("could not download reference portrait", "url", portraitURL, "error", err)
		return ""
	}
	path := filepath.Join(runDir, referenceBase+"."+ext)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		p.log.Warn("could not save reference portrait", "error", err)
		return ""
	}
	return path
}

func (p *Pipeline) acquireImages(ctx context.Context, rec *identity.Record, runDir string, opts Options, store *checkpoint.Store, report *RunReport) ([]acquire.RawImage, error) {
	var state acquireState
	if resumed := p.tryResume(StageAcquire, runDir, opts, store, report, &state); resumed {
		return state.Images, nil
	}

	started := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, fatal(StageAcquire, KindNetwork, err)
	}

	collector := p.deps.Collector(rec)
	images, err := collector.Collect(ctx, rec.Name, opts.TargetCount, filepath.Join(runDir, rawDirName))
	if err != nil {
		return nil, fatal(StageAcquire, classify(err), err)
	}

	state.Images = images
	summary := map[string]any{"images": len(images), "target": opts.TargetCount}

	outcome := success(summary)
	if len(images) < opts.TargetCount {
		outcome = partial(fmt.Sprintf("collected %d of %d requested images", len(images), opts.TargetCount), summary)
	}
	if err := p.commit(StageAcquire, runDir, store, report, &state, outcome, started); err != nil {
		return nil, err
	}
	return images, nil
}

func (p *Pipeline) detect(ctx context.Context, raws []acquire.RawImage, runDir string, opts Options, store *checkpoint.Store, report *RunReport) ([]extract.Candidate, error) {
	var state detectState
	if resumed := p.tryResume(StageDetect, runDir, opts, store, report, &state); resumed {
		return state.Candidates, nil
	}

	started := time.Now()
	candidates, stats, err := p.deps.Extractor.ExtractAll(ctx, raws, filepath.Join(runDir, facesDirName))
	if err != nil {
		return nil, fatal(StageDetect, classify(err), err)
	}

	state.Candidates = candidates
	state.Stats = stats

	rejections := map[string]int{}
	for reason, n := range stats.Rejections {
		rejections[string(reason)] = n
	}
	outcome := success(map[string]any{
		"processed":  stats.Processed,
		"faces":      stats.Accepted,
		"rejections": rejections,
	})
	if err := p.commit(StageDetect, runDir, store, report, &state, outcome, started); err != nil {
		return nil, err
	}
	return candidates, nil
}

func (p *Pipeline) verifyCandidates(ctx context.Context, candidates []extract.Candidate, referencePath, runDir string, opts Options, store *checkpoint.Store, report *RunReport) ([]verify.Scored, error) {
	var state verifyState
	if resumed := p.tryResume(StageVerify, runDir, opts, store, report, &state); resumed {
		if len(state.Reference) > 0 {
			p.deps.Verifier.SetReferenceEmbedding(state.Reference)
		}
		return acceptedOnly(state.Scored), nil
	}

	started := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, fatal(StageVerify, KindNetwork, err)
	}

	if !opts.Verify {
		state.Scored = verify.Skip(candidates)
		state.Skipped = true
		outcome := success(map[string]any{"skipped": true, "candidates": len(candidates)})
		if err := p.commit(StageVerify, runDir, store, report, &state, outcome, started); err != nil {
			return nil, err
		}
		return state.Scored, nil
	}

	if referencePath == "" {
		return nil, fatal(StageVerify, KindReferenceUnavailable, verify.ErrReferenceUnavailable)
	}
	if err := p.deps.Verifier.SetReference(ctx, referencePath); err != nil {
		return nil, fatal(StageVerify, classify(err), err)
	}

	scored, err := p.deps.Verifier.Verify(ctx, candidates)
	if err != nil {
		return nil, fatal(StageVerify, classify(err), err)
	}

	state.Scored = scored
	state.Reference = p.deps.Verifier.Reference()

	accepted := acceptedOnly(scored)
	outcome := success(map[string]any{
		"candidates": len(candidates),
		"accepted":   len(accepted),
		"rejected":   len(scored) - len(accepted),
	})
	if err := p.commit(StageVerify, runDir, store, report, &state, outcome, started); err != nil {
		return nil, err
	}
	return accepted, nil
}

func (p *Pipeline) deduplicate(ctx context.Context, scored []verify.Scored, runDir string, opts Options, store *checkpoint.Store, report *RunReport) ([]verify.Scored, error) {
	var state dedupState
	if resumed := p.tryResume(StageDeduplicate, runDir, opts, store, report, &state); resumed {
		return state.Kept, nil
	}

	started := time.Now()
	if err := ctx.Err(); err != nil {
		return nil, fatal(StageDeduplicate, KindNetwork, err)
	}

	groups, err := p.deps.Resolver.Resolve(scored)
	if err != nil {
		return nil, fatal(StageDeduplicate, classify(err), err)
	}

	state.Kept = dedup.Representatives(groups)
	state.Groups = len(groups)
	state.Removed = len(scored) - len(state.Kept)

	outcome := success(map[string]any{
		"candidates": len(scored),
		"groups":     state.Groups,
		"removed":    state.Removed,
	})
	if err := p.commit(StageDeduplicate, runDir, store, report, &state, outcome, started); err != nil {
		return nil, err
	}
	return state.Kept, nil
}

func (p *Pipeline) persist(ctx context.Context, subject, canonical string, kept []verify.Scored, runDir string, opts Options, store *checkpoint.Store, report *RunReport) error {
	var state persistState
	if resumed := p.tryResume(StagePersist, runDir, opts, store, report, &state); resumed {
		report.Persisted = state.Count
		report.DatasetDir = state.Dir
		return nil
	}

	started := time.Now()
	if err := ctx.Err(); err != nil {
		return fatal(StagePersist, KindNetwork, err)
	}

	if len(kept) == 0 {
		return fatal(StagePersist, KindValidationReject, errors.New("no candidates survived validation"))
	}

	destDir := filepath.Join(runDir, datasetDirName)
	result, err := p.deps.Writer.Write(destDir, subject, canonical, kept, p.deps.Verifier.Reference())
	if err != nil {
		return fatal(StagePersist, KindPersistence, err)
	}

	state.Count = result.Count
	state.Dir = result.Dir
	report.Persisted = result.Count
	report.DatasetDir = result.Dir

	outcome := success(map[string]any{"persisted": result.Count, "dir": result.Dir})
	return p.commit(StagePersist, runDir, store, report, &state, outcome, started)
}

// tryResume loads a previously completed stage's state. It only succeeds
// when resume is on, the stage checkpoint exists, and the state file loads.
func (p *Pipeline) tryResume(stage Stage, runDir string, opts Options, store *checkpoint.Store, report *RunReport, state any) bool {
	if !opts.Resume || !store.Has(string(stage)) {
		return false
	}
	if err := loadState(runDir, stage, state); err != nil {
		p.log.Warn("stage checkpoint present but state unreadable, recomputing",
			"stage", stage, "error", err)
		return false
	}

	p.log.Info("resuming from checkpoint", "stage", stage)
	report.Stages = append(report.Stages, StageReport{
		Stage:   stage,
		Status:  StatusSuccess,
		Resumed: true,
		Summary: store.Summary(string(stage)),
	})
	return true
}

// commit makes a stage's completion durable: state file first, then the
// checkpoint record, then the report entry. A checkpoint is never written
// for a stage whose state did not reach disk.
func (p *Pipeline) commit(stage Stage, runDir string, store *checkpoint.Store, report *RunReport, state any, outcome Outcome, started time.Time) error {
	if err := saveState(runDir, stage, state); err != nil {
		return fatal(stage, KindPersistence, err)
	}

	summary := outcome.Summary
	if outcome.Reason != "" {
		summary = cloneSummary(summary)
		summary["reason"] = outcome.Reason
		summary["status"] = string(outcome.Status)
	}
	if err := store.Append(string(stage), summary); err != nil {
		return fatal(stage, KindPersistence, err)
	}

	report.Stages = append(report.Stages, StageReport{
		Stage:    stage,
		Status:   outcome.Status,
		Reason:   outcome.Reason,
		Summary:  outcome.Summary,
		Duration: time.Since(started),
	})
	return nil
}

func acceptedOnly(scored []verify.Scored) []verify.Scored {
	var out []verify.Scored
	for _, s := range scored {
		if s.Accepted {
			out = append(out, s)
		}
	}
	return out
}

func cloneSummary(summary map[string]any) map[string]any {
	out := make(map[string]any, len(summary)+2)
	for k, v := range summary {
		out[k] = v
	}
	return out
}

func statePath(runDir string, stage Stage) string {
	return filepath.Join(runDir, fmt.Sprintf("state_%s.json", stage))
}

func saveState(runDir string, stage Stage, state any) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal %s state: %w", stage, err)
	}

	path := statePath(runDir, stage)
	tmp, err := os.CreateTemp(runDir, "state-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s state: %w", stage, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit %s state: %w", stage, err)
	}
	return nil
}

func loadState(runDir string, stage Stage, state any) error {
	data, err := os.ReadFile(statePath(runDir, stage))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, state); err != nil {
		return fmt.Errorf("parse %s state: %w", stage, err)
	}
	return nil
}
