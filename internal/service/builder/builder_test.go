package builder

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/perimetra/release-pipeline/internal/gate"
	"github.com/perimetra/release-pipeline/internal/manifest"
	"github.com/perimetra/release-pipeline/internal/packaging"
	"github.com/perimetra/release-pipeline/internal/verify"
)

// writeRSAKeyPair writes a PKCS#1 private key and PKIX public key and
// returns their paths.
func writeRSAKeyPair(t *testing.T) (string, string) {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	dir := t.TempDir()

	privatePath := filepath.Join(dir, "release.key")
	privatePEM := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})
	require.NoError(t, os.WriteFile(privatePath, privatePEM, 0o600))

	publicBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	require.NoError(t, err)

	publicPath := filepath.Join(dir, "release.pub")
	publicPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: publicBytes})
	require.NoError(t, os.WriteFile(publicPath, publicPEM, 0o600))

	return privatePath, publicPath
}

// makeProjectRoot lays out one source tree per artifact kind.
func makeProjectRoot(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	for _, kind := range packaging.DefaultKinds() {
		dir := filepath.Join(root, string(kind))
		require.NoError(t, os.MkdirAll(dir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "main.bin"), []byte(string(kind)+" payload"), 0o755))
	}

	return root
}

// passingRegistry is a registry whose single gate always passes.
func passingRegistry(t *testing.T) *gate.Registry {
	t.Helper()

	registry := gate.NewRegistry()
	registry.MustRegister(gate.Gate{
		Name: "always-green",
		Check: func(_ context.Context) gate.Result {
			return gate.Pass()
		},
	})

	return registry
}

func TestRunPublishesSignedRelease(t *testing.T) {
	t.Parallel()

	keyPath, publicKeyPath := writeRSAKeyPair(t)
	workDir := t.TempDir()
	outputDir := filepath.Join(workDir, "artifacts")

	release, err := Run(context.Background(), &Options{
		ProjectRoot:     makeProjectRoot(t),
		VersionOverride: "1.2.3",
		SigningKeyPath:  keyPath,
		OutputDir:       outputDir,
		Registry:        passingRegistry(t),
	})
	require.NoError(t, err)
	require.Equal(t, "1.2.3", release.Version)
	require.False(t, release.GatesSkipped)
	require.Len(t, release.Artifacts, len(packaging.DefaultKinds()))
	require.Len(t, release.Records, len(release.Artifacts))

	for _, record := range release.Records {
		require.FileExists(t, record.ArtifactPath)
		require.FileExists(t, record.SignaturePath)
		require.NoError(t, verify.Verify(context.Background(), record.ArtifactPath, record.SignaturePath, publicKeyPath))
	}

	loaded, err := manifest.Load(filepath.Join(outputDir, manifest.Filename))
	require.NoError(t, err)
	require.Equal(t, "1.2.3", loaded.Version)
	require.Len(t, loaded.Entries, len(release.Artifacts))
	require.FileExists(t, filepath.Join(outputDir, manifest.ChecksumFilename))

	// No staging leftovers and no lingering lock next to the output dir.
	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "artifacts", entries[0].Name())
}

func TestRunAbortsWhenGateFails(t *testing.T) {
	t.Parallel()

	keyPath, _ := writeRSAKeyPair(t)
	root := makeProjectRoot(t)
	outputDir := filepath.Join(t.TempDir(), "artifacts")

	registry := gate.NewRegistry()
	registry.MustRegister(gate.FilePresence("mtls", filepath.Join(root, "core", "main.bin")))
	registry.MustRegister(gate.FilePresence("buffer", filepath.Join(root, "linux-agent", "buffer", "persistence.py")))

	_, err := Run(context.Background(), &Options{
		ProjectRoot:    root,
		SigningKeyPath: keyPath,
		OutputDir:      outputDir,
		Registry:       registry,
	})
	require.Error(t, err)

	var abort *AbortError
	require.ErrorAs(t, err, &abort)
	require.Equal(t, StageGateCheck, abort.Stage)

	var failure *gate.Failure
	require.ErrorAs(t, err, &failure)
	require.Equal(t, "buffer", failure.Gate)
	require.Contains(t, failure.Messages, "no persistence.py found")

	require.NoDirExists(t, outputDir)
}

func TestRunSkipGatesIsRecordedInManifest(t *testing.T) {
	t.Parallel()

	keyPath, _ := writeRSAKeyPair(t)
	outputDir := filepath.Join(t.TempDir(), "artifacts")

	// The registry would fail, so a successful run proves the bypass.
	registry := gate.NewRegistry()
	registry.MustRegister(gate.FilePresence("mtls", filepath.Join(t.TempDir(), "certs", "ca.crt")))

	release, err := Run(context.Background(), &Options{
		ProjectRoot:    makeProjectRoot(t),
		SkipGates:      true,
		SigningKeyPath: keyPath,
		OutputDir:      outputDir,
		Registry:       registry,
	})
	require.NoError(t, err)
	require.True(t, release.GatesSkipped)
	require.True(t, release.Manifest.GatesSkipped)

	loaded, err := manifest.Load(filepath.Join(outputDir, manifest.Filename))
	require.NoError(t, err)
	require.True(t, loaded.GatesSkipped)
}

func TestRunAbortsOnUnusableSigningKey(t *testing.T) {
	t.Parallel()

	keyPath := filepath.Join(t.TempDir(), "mangled.key")
	require.NoError(t, os.WriteFile(keyPath, []byte("not a key at all"), 0o600))

	workDir := t.TempDir()
	outputDir := filepath.Join(workDir, "artifacts")

	_, err := Run(context.Background(), &Options{
		ProjectRoot:    makeProjectRoot(t),
		SigningKeyPath: keyPath,
		OutputDir:      outputDir,
		Registry:       passingRegistry(t),
	})
	require.Error(t, err)

	var abort *AbortError
	require.ErrorAs(t, err, &abort)
	require.Equal(t, StageSign, abort.Stage)

	require.NoDirExists(t, outputDir)

	// The aborted staging directory must not linger.
	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestRunReplacesPreviousRelease(t *testing.T) {
	t.Parallel()

	keyPath, _ := writeRSAKeyPair(t)
	root := makeProjectRoot(t)
	workDir := t.TempDir()
	outputDir := filepath.Join(workDir, "artifacts")

	for _, v := range []string{"1.0.0", "2.0.0"} {
		_, err := Run(context.Background(), &Options{
			ProjectRoot:     root,
			VersionOverride: v,
			SigningKeyPath:  keyPath,
			OutputDir:       outputDir,
			Registry:        passingRegistry(t),
		})
		require.NoError(t, err)
	}

	require.FileExists(t, filepath.Join(outputDir, packaging.ArchiveName(packaging.KindCore, "2.0.0")))
	require.NoFileExists(t, filepath.Join(outputDir, packaging.ArchiveName(packaging.KindCore, "1.0.0")))
	require.NoDirExists(t, outputDir+".old")

	loaded, err := manifest.Load(filepath.Join(outputDir, manifest.Filename))
	require.NoError(t, err)
	require.Equal(t, "2.0.0", loaded.Version)
}

func TestRunTwiceProducesIdenticalManifestsExceptTimestamp(t *testing.T) {
	t.Parallel()

	keyPath, _ := writeRSAKeyPair(t)
	root := makeProjectRoot(t)
	outputDir := filepath.Join(t.TempDir(), "artifacts")

	manifests := make([]*manifest.Manifest, 0, 2)

	for run := 0; run < 2; run++ {
		_, err := Run(context.Background(), &Options{
			ProjectRoot:     root,
			VersionOverride: "1.0.0",
			SigningKeyPath:  keyPath,
			OutputDir:       outputDir,
			Registry:        passingRegistry(t),
		})
		require.NoError(t, err)

		loaded, err := manifest.Load(filepath.Join(outputDir, manifest.Filename))
		require.NoError(t, err)

		manifests = append(manifests, loaded)
	}

	require.Equal(t, manifests[0].Version, manifests[1].Version)
	require.Equal(t, manifests[0].Entries, manifests[1].Entries)
	require.Equal(t, manifests[0].ChecksumLines(), manifests[1].ChecksumLines())
}

func TestRunRefusesWhileAnotherRunHoldsTheLock(t *testing.T) {
	t.Parallel()

	keyPath, _ := writeRSAKeyPair(t)
	workDir := t.TempDir()
	outputDir := filepath.Join(workDir, "artifacts")

	lockPath := filepath.Join(workDir, ".release-1.0.0.lock")
	require.NoError(t, os.WriteFile(lockPath, []byte("12345\n"), 0o600))

	_, err := Run(context.Background(), &Options{
		ProjectRoot:     makeProjectRoot(t),
		VersionOverride: "1.0.0",
		SigningKeyPath:  keyPath,
		OutputDir:       outputDir,
		Registry:        passingRegistry(t),
	})
	require.ErrorIs(t, err, errRunInFlight)
	require.NoDirExists(t, outputDir)
}

func TestRunReclaimsStaleLock(t *testing.T) {
	t.Parallel()

	keyPath, _ := writeRSAKeyPair(t)
	workDir := t.TempDir()
	outputDir := filepath.Join(workDir, "artifacts")

	lockPath := filepath.Join(workDir, ".release-1.0.0.lock")
	require.NoError(t, os.WriteFile(lockPath, []byte("12345\n"), 0o600))

	staleTime := time.Now().Add(-lockLifetime - time.Hour)
	require.NoError(t, os.Chtimes(lockPath, staleTime, staleTime))

	_, err := Run(context.Background(), &Options{
		ProjectRoot:     makeProjectRoot(t),
		VersionOverride: "1.0.0",
		SigningKeyPath:  keyPath,
		OutputDir:       outputDir,
		Registry:        passingRegistry(t),
	})
	require.NoError(t, err)
	require.NoFileExists(t, lockPath)
}

func TestRunRequiresSigningKey(t *testing.T) {
	t.Parallel()

	_, err := Run(context.Background(), &Options{
		ProjectRoot: makeProjectRoot(t),
		OutputDir:   filepath.Join(t.TempDir(), "artifacts"),
		Registry:    passingRegistry(t),
	})
	require.ErrorIs(t, err, errSigningKeyRequired)
}
