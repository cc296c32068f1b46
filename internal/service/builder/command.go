package builder

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/perimetra/release-pipeline/internal/config"
	"github.com/perimetra/release-pipeline/internal/gate"
	"github.com/perimetra/release-pipeline/internal/logger"
	"github.com/perimetra/release-pipeline/internal/manifest"
	"github.com/perimetra/release-pipeline/internal/packaging"
	"github.com/perimetra/release-pipeline/internal/signing"
	"github.com/perimetra/release-pipeline/internal/version"
)

// Stage names a step of the release state machine.
type Stage string

const (
	// StageGateCheck evaluates the acceptance gate registry.
	StageGateCheck Stage = "GATE_CHECK"
	// StagePackage builds one archive per artifact kind.
	StagePackage Stage = "PACKAGE"
	// StageSign produces a detached signature per archive.
	StageSign Stage = "SIGN"
	// StageManifest emits the manifest and checksum list.
	StageManifest Stage = "MANIFEST"
	// StagePublish moves the staged build into the published location.
	StagePublish Stage = "PUBLISH"
)

// AbortError marks a run stopped at a stage with no partial publication.
type AbortError struct {
	// Stage is where the run stopped.
	Stage Stage
	// Err is the underlying cause.
	Err error
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("release aborted at %s: %v", e.Stage, e.Err)
}

func (e *AbortError) Unwrap() error {
	return e.Err
}

// errSigningKeyRequired is returned when no signing key is configured.
var errSigningKeyRequired = errors.New("signing key must be configured")

// Options contains inputs for the release builder entry point.
type Options struct {
	// ConfigPath is an optional path to the pipeline settings YAML.
	ConfigPath string
	// ProjectRoot is the directory holding per-kind sources and the VERSION
	// marker file. Defaults to the current directory.
	ProjectRoot string
	// VersionOverride is the highest-priority version source.
	VersionOverride string
	// SkipGates bypasses GATE_CHECK. The bypass is recorded in the manifest.
	SkipGates bool
	// SigningKeyPath overrides the configured signing key location.
	SigningKeyPath string
	// OutputDir overrides the configured published artifacts directory.
	OutputDir string
	// StagingDir overrides the configured staging base directory.
	StagingDir string
	// Registry supplies the acceptance gates. When nil, the stock gates for
	// ProjectRoot are used.
	Registry *gate.Registry
	// Kinds lists the artifact kinds to package. When empty, the standard
	// kinds are built.
	Kinds []packaging.Kind
}

// Release summarizes a published build. It owns its artifacts, signature
// records and manifest; a later version supersedes it rather than mutating it.
type Release struct {
	// Version is the resolved release version.
	Version string
	// Artifacts are the published archives in kind order.
	Artifacts []packaging.Artifact
	// GateResults are the per-gate outcomes in registration order. Empty when
	// the gates were skipped.
	GateResults []gate.Result
	// Records are the signature records, one per artifact.
	Records []signing.Record
	// Manifest is the structured release record.
	Manifest *manifest.Manifest
	// GatesSkipped reports an explicit gate bypass.
	GatesSkipped bool
	// OutputDir is the published location.
	OutputDir string
}

// runner holds the state of one orchestrator run.
// It is unexported; callers use Run, which encapsulates setup and teardown.
type runner struct {
	cfg          *config.Config
	registry     *gate.Registry
	signer       *signing.Signer
	kinds        []packaging.Kind
	projectRoot  string
	version      string
	gatesSkipped bool
	gateResults  []gate.Result
	stagingDir   string
	published    bool
}

// Run executes the release pipeline: GATE_CHECK, PACKAGE, SIGN, MANIFEST,
// then publication. Any failure aborts the run with the failing stage and
// leaves the published location untouched; all intermediate output lives in
// a staging directory that is discarded on abort.
func Run(ctx context.Context, opts *Options) (*Release, error) {
	ctx = logger.WithName(ctx, "release-builder")

	r, err := newRunner(opts)
	if err != nil {
		return nil, err
	}

	lk, err := acquireLock(ctx, r.lockPath())
	if err != nil {
		return nil, err
	}

	defer lk.release()
	defer r.cleanup(ctx)

	release, err := r.run(ctx)
	if err != nil {
		return nil, err
	}

	logger.InfoKV(ctx, "Release published",
		"version", release.Version, "output", release.OutputDir, "artifacts", len(release.Artifacts))

	return release, nil
}

// newRunner resolves configuration, gates and the release version.
// The version is fixed here, before GATE_CHECK, and never re-resolved.
func newRunner(opts *Options) (*runner, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	projectRoot := opts.ProjectRoot
	if projectRoot == "" {
		projectRoot = "."
	}

	registry := opts.Registry
	if registry == nil {
		registry = gate.DefaultRegistry(projectRoot)
	}

	kinds := opts.Kinds
	if len(kinds) == 0 {
		for _, k := range cfg.Kinds {
			kinds = append(kinds, packaging.Kind(k))
		}
	}

	if len(kinds) == 0 {
		kinds = packaging.DefaultKinds()
	}

	return &runner{
		cfg:          cfg,
		registry:     registry,
		signer:       signing.NewSigner(signing.WithTimeout(cfg.ToolTimeout)),
		kinds:        kinds,
		projectRoot:  projectRoot,
		version:      version.Resolve(opts.VersionOverride, cfg.Version, projectRoot),
		gatesSkipped: opts.SkipGates || cfg.SkipGates,
	}, nil
}

// loadConfig builds the effective configuration: the YAML file (explicit
// path, or the default file when present), then flag overrides on top.
func loadConfig(opts *Options) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)

	switch {
	case opts.ConfigPath != "":
		cfg, err = config.Load(opts.ConfigPath)
	default:
		if _, statErr := os.Stat(config.DefaultConfigFilename); statErr == nil {
			cfg, err = config.Load(config.DefaultConfigFilename)
		} else {
			cfg = new(config.Config)
			err = config.Validate(cfg)
		}
	}

	if err != nil {
		return nil, err
	}

	if opts.SigningKeyPath != "" {
		cfg.SigningKeyPath = opts.SigningKeyPath
	}

	if opts.OutputDir != "" {
		cfg.OutputDir = opts.OutputDir
	}

	if opts.StagingDir != "" {
		cfg.StagingDir = opts.StagingDir
	}

	if cfg.SigningKeyPath == "" {
		return nil, errSigningKeyRequired
	}

	return cfg, nil
}

// run drives the state machine. Stages never re-enter; the first failure
// wraps into an AbortError carrying the stage name.
func (r *runner) run(ctx context.Context) (*Release, error) {
	logger.InfoKV(ctx, "Starting release build", "version", r.version)

	if err := r.stage(ctx); err != nil {
		return nil, err
	}

	if err := r.gateCheck(ctx); err != nil {
		return nil, &AbortError{Stage: StageGateCheck, Err: err}
	}

	artifacts, err := packaging.PackageAll(ctx, r.projectRoot, r.kinds, r.version, r.stagingDir)
	if err != nil {
		return nil, &AbortError{Stage: StagePackage, Err: err}
	}

	records, err := r.signAll(ctx, artifacts)
	if err != nil {
		return nil, &AbortError{Stage: StageSign, Err: err}
	}

	m, err := r.buildManifest(artifacts, records)
	if err != nil {
		return nil, &AbortError{Stage: StageManifest, Err: err}
	}

	if err = r.publish(ctx); err != nil {
		return nil, &AbortError{Stage: StagePublish, Err: err}
	}

	return r.assembleRelease(artifacts, records, m), nil
}

// stage creates the per-run staging directory. When no staging base is
// configured it lives next to the output directory, keeping the final
// rename on a single filesystem.
func (r *runner) stage(_ context.Context) error {
	base := r.cfg.StagingDir
	if base == "" {
		base = filepath.Dir(r.cfg.OutputDir)
	}

	if err := os.MkdirAll(base, 0o755); err != nil {
		return &AbortError{Stage: StagePackage, Err: err}
	}

	staging, err := os.MkdirTemp(base, fmt.Sprintf(".staging-%s-", r.version))
	if err != nil {
		return &AbortError{Stage: StagePackage, Err: err}
	}

	// MkdirTemp restricts to 0700; published artifacts are world-readable.
	if err = os.Chmod(staging, 0o755); err != nil {
		return &AbortError{Stage: StagePackage, Err: err}
	}

	r.stagingDir = staging

	return nil
}

// gateCheck delegates to the registry, or records an explicit bypass.
func (r *runner) gateCheck(ctx context.Context) error {
	if r.gatesSkipped {
		logger.WarnKV(ctx, "Acceptance gates explicitly skipped",
			"version", r.version, "gates", r.registry.Names())

		return nil
	}

	results, err := r.registry.Evaluate(ctx)
	r.gateResults = results

	if err != nil {
		return err
	}

	logger.InfoKV(ctx, "All acceptance gates passed", "gates", r.registry.Names())

	return nil
}

// signAll signs every archive. Archives are independent, so signing runs
// concurrently; any signing error aborts the run.
func (r *runner) signAll(ctx context.Context, artifacts []packaging.Artifact) ([]signing.Record, error) {
	records := make([]signing.Record, len(artifacts))

	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(len(artifacts))

	for i, artifact := range artifacts {
		i, artifact := i, artifact

		group.Go(func() error {
			record, err := r.signer.Sign(groupCtx, artifact.Path, r.cfg.SigningKeyPath)
			if err != nil {
				return err
			}

			records[i] = *record

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	return records, nil
}

// buildManifest emits both manifest representations into staging.
// This is the last build step; its success gates publication.
func (r *runner) buildManifest(artifacts []packaging.Artifact, records []signing.Record) (*manifest.Manifest, error) {
	paths := make([]string, 0, len(artifacts))
	for _, artifact := range artifacts {
		paths = append(paths, artifact.Path)
	}

	m, err := manifest.Build(r.version, paths, records, time.Now().UTC())
	if err != nil {
		return nil, err
	}

	m.GatesSkipped = r.gatesSkipped

	if err = m.Write(r.stagingDir); err != nil {
		return nil, err
	}

	return m, nil
}

// publish atomically swaps the staged build into the output directory.
// A previous release is renamed aside first and restored if the swap fails.
func (r *runner) publish(ctx context.Context) error {
	out := r.cfg.OutputDir
	previous := out + ".old"

	if _, err := os.Stat(out); err == nil {
		if err = os.Rename(out, previous); err != nil {
			return err
		}
	}

	if err := os.Rename(r.stagingDir, out); err != nil {
		// Put the superseded release back; the staged build is discarded.
		_ = os.Rename(previous, out)

		return err
	}

	r.published = true

	_ = os.RemoveAll(previous)

	logger.InfoKV(ctx, "Staged build moved to published location", "output", out)

	return nil
}

// assembleRelease rewrites staged paths to their published locations.
func (r *runner) assembleRelease(artifacts []packaging.Artifact, records []signing.Record, m *manifest.Manifest) *Release {
	published := make([]packaging.Artifact, len(artifacts))
	for i, artifact := range artifacts {
		artifact.Path = filepath.Join(r.cfg.OutputDir, filepath.Base(artifact.Path))
		published[i] = artifact
	}

	publishedRecords := make([]signing.Record, len(records))
	for i, record := range records {
		record.ArtifactPath = filepath.Join(r.cfg.OutputDir, filepath.Base(record.ArtifactPath))
		record.SignaturePath = filepath.Join(r.cfg.OutputDir, filepath.Base(record.SignaturePath))
		publishedRecords[i] = record
	}

	return &Release{
		Version:      r.version,
		Artifacts:    published,
		GateResults:  r.gateResults,
		Records:      publishedRecords,
		Manifest:     m,
		GatesSkipped: r.gatesSkipped,
		OutputDir:    r.cfg.OutputDir,
	}
}

// lockPath derives the advisory lock location for this version.
func (r *runner) lockPath() string {
	return filepath.Join(filepath.Dir(r.cfg.OutputDir), fmt.Sprintf(".release-%s.lock", r.version))
}

// cleanup discards the staging directory of an aborted run.
func (r *runner) cleanup(ctx context.Context) {
	if r.published || r.stagingDir == "" {
		return
	}

	if _, err := os.Stat(r.stagingDir); err == nil {
		_ = os.RemoveAll(r.stagingDir)
		logger.InfoKV(ctx, "Discarded staging directory", "staging", r.stagingDir)
	}
}
