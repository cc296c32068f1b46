package applier

import (
	"bytes"
	"context"
	"crypto"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	goupdate "github.com/doitdistributed/go-update"

	"github.com/perimetra/release-pipeline/internal/config"
	"github.com/perimetra/release-pipeline/internal/logger"
	"github.com/perimetra/release-pipeline/internal/manifest"
	"github.com/perimetra/release-pipeline/internal/packaging"
	"github.com/perimetra/release-pipeline/internal/signing"
	"github.com/perimetra/release-pipeline/internal/verify"
)

var (
	errInstallDirRequired = errors.New("install directory must be configured to apply an update")
	errPublicKeyRequired  = errors.New("public key must be configured")
	errBundleRequired     = errors.New("bundle path is required")
	errManifestMismatch   = errors.New("bundle digest does not match the release manifest")
	errBundleNotListed    = errors.New("bundle is not listed in the release manifest")
)

// installedFileMode is used for files written into the install directory.
const installedFileMode os.FileMode = 0o755

// Options contains inputs for the update applier entry point.
type Options struct {
	// ConfigPath is an optional path to the pipeline settings YAML.
	ConfigPath string
	// BundlePath is the downloaded release archive to check.
	BundlePath string
	// PublicKeyPath overrides the configured verification key location.
	PublicKeyPath string
	// InstallDir overrides the configured installation directory.
	InstallDir string
	// Apply unpacks and installs the bundle after a successful verification.
	// When false the run stops after the verdict.
	Apply bool
}

// runner holds the state of one applier run.
type runner struct {
	cfg                *config.Config
	bundlePath         string
	keyPath            string
	installDir         string
	apply              bool
	temporaryDirectory string
}

// Run checks a release bundle against its detached signature and, when
// requested, installs its contents. A rejected bundle is never unpacked;
// the rejection reason is returned to the caller unchanged.
func Run(ctx context.Context, opts *Options) error {
	ctx = logger.WithName(ctx, "update-applier")

	a, err := newRunner(opts)
	if err != nil {
		return err
	}

	defer a.cleanup(ctx)

	if err = a.run(ctx); err != nil {
		var rejection *verify.RejectionError
		if errors.As(err, &rejection) {
			logger.ErrorKV(ctx, "Bundle rejected", "bundle", a.bundlePath, "reason", rejection.Reason)
		}

		return err
	}

	return nil
}

// newRunner resolves configuration and flag overrides.
func newRunner(opts *Options) (*runner, error) {
	if opts.BundlePath == "" {
		return nil, errBundleRequired
	}

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

	if opts.PublicKeyPath != "" {
		cfg.PublicKeyPath = opts.PublicKeyPath
	}

	if opts.InstallDir != "" {
		cfg.InstallDir = opts.InstallDir
	}

	if cfg.PublicKeyPath == "" {
		return nil, errPublicKeyRequired
	}

	if opts.Apply && cfg.InstallDir == "" {
		return nil, errInstallDirRequired
	}

	return &runner{
		cfg:        cfg,
		bundlePath: opts.BundlePath,
		keyPath:    cfg.PublicKeyPath,
		installDir: cfg.InstallDir,
		apply:      opts.Apply,
	}, nil
}

// run verifies first and installs second. The signature check is the
// security boundary; the manifest cross-check only catches corruption.
func (a *runner) run(ctx context.Context) error {
	sigPath := signing.SignaturePath(a.bundlePath)

	if err := verify.Verify(ctx, a.bundlePath, sigPath, a.keyPath); err != nil {
		return err
	}

	logger.InfoKV(ctx, "Bundle verified", "bundle", a.bundlePath, "signature", sigPath)

	if err := a.crossCheckManifest(ctx); err != nil {
		return err
	}

	if !a.apply {
		return nil
	}

	return a.install(ctx)
}

// crossCheckManifest compares the bundle digest against a release manifest
// sitting next to the bundle. A missing manifest is tolerated with a
// warning; a present one must match.
func (a *runner) crossCheckManifest(ctx context.Context) error {
	manifestPath := filepath.Join(filepath.Dir(a.bundlePath), manifest.Filename)

	m, err := manifest.Load(manifestPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.WarnKV(ctx, "No release manifest next to the bundle, relying on the signature alone",
				"bundle", a.bundlePath)

			return nil
		}

		return err
	}

	entry := m.Entry(filepath.Base(a.bundlePath))
	if entry == nil {
		return fmt.Errorf("%s: %w", filepath.Base(a.bundlePath), errBundleNotListed)
	}

	digest, size, err := manifest.FileDigest(a.bundlePath)
	if err != nil {
		return err
	}

	if digest != entry.SHA256 || size != entry.SizeBytes {
		return fmt.Errorf("%s: %w", a.bundlePath, errManifestMismatch)
	}

	logger.InfoKV(ctx, "Manifest digest matches", "sha256", digest, "release", m.Version)

	return nil
}

// install unpacks the verified bundle into a scratch directory, stops any
// processes running the binaries it replaces, then swaps files in place.
func (a *runner) install(ctx context.Context) error {
	tempDir, err := os.MkdirTemp("", "update-applier-")
	if err != nil {
		return err
	}

	a.temporaryDirectory = tempDir

	files, err := packaging.Extract(ctx, a.bundlePath, tempDir)
	if err != nil {
		return fmt.Errorf("unpack bundle: %w", err)
	}

	if err = a.terminateReplacedProcesses(ctx, files); err != nil {
		return fmt.Errorf("stop running executables: %w", err)
	}

	for _, rel := range files {
		if err = a.applyFile(ctx, rel); err != nil {
			return fmt.Errorf("install %s: %w", rel, err)
		}
	}

	logger.InfoKV(ctx, "Update applied", "install_dir", a.installDir, "files", len(files))

	return nil
}

// applyFile swaps one extracted file into the install directory with a
// checksum-validated atomic replace.
func (a *runner) applyFile(ctx context.Context, rel string) error {
	sourcePath := filepath.Join(a.temporaryDirectory, rel)
	targetPath := filepath.Join(a.installDir, rel)

	data, err := os.ReadFile(filepath.Clean(sourcePath))
	if err != nil {
		return err
	}

	checksum := sha256.Sum256(data)

	if err = os.MkdirAll(filepath.Dir(targetPath), installedFileMode); err != nil {
		return err
	}

	if _, err = os.Stat(targetPath); err != nil && os.IsNotExist(err) {
		var created *os.File

		if created, err = os.Create(filepath.Clean(targetPath)); err != nil {
			return err
		}

		_ = created.Close()
	}

	err = goupdate.Apply(bytes.NewReader(data), goupdate.Options{
		TargetPath: targetPath,
		TargetMode: installedFileMode,
		Checksum:   checksum[:],
		Hash:       crypto.SHA256,
	})
	if err != nil {
		return err
	}

	oldFileName := targetPath + ".old"
	if _, err = os.Stat(oldFileName); err == nil {
		_ = os.Remove(oldFileName)
	}

	logger.DebugKV(ctx, "Installed file", "path", targetPath)

	return nil
}

// cleanup removes the scratch directory on every exit path.
func (a *runner) cleanup(ctx context.Context) {
	if a.temporaryDirectory == "" {
		return
	}

	if err := os.RemoveAll(a.temporaryDirectory); err != nil {
		logger.WarnKV(ctx, "Could not remove temporary directory",
			"path", a.temporaryDirectory, "error", err)
	}
}
