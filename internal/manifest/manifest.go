package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/perimetra/release-pipeline/internal/signing"
)

const (
	// Filename is the structured manifest document inside a release.
	Filename = "release_manifest.yaml"

	// ChecksumFilename is the flat checksum list, compatible with
	// `sha256sum -c`.
	ChecksumFilename = "SHA256SUMS"

	// fileMode is used for the emitted manifest documents.
	fileMode os.FileMode = 0o644
)

// Entry records integrity metadata for one published artifact. Entries are
// derived and recomputed on every build, never carried over.
type Entry struct {
	// Path is the artifact filename, relative to the release directory.
	Path string `yaml:"path"`
	// SHA256 is the hex content hash of the artifact bytes.
	SHA256 string `yaml:"sha256"`
	// SizeBytes is the artifact size.
	SizeBytes uint64 `yaml:"size_bytes"`
	// Signed reports whether a detached signature exists for the artifact.
	Signed bool `yaml:"signed"`
}

// Manifest is the machine-readable record of a release. Its presence is the
// marker of a complete build: a release directory without one must be
// treated as untrusted.
type Manifest struct {
	// Version is the release version, fixed at orchestrator entry.
	Version string `yaml:"version"`
	// CreatedAt is the build timestamp.
	CreatedAt time.Time `yaml:"created_at"`
	// GatesSkipped records an explicit gate bypass so it can never be
	// mistaken for a passed check.
	GatesSkipped bool `yaml:"gates_skipped,omitempty"`
	// Entries lists every artifact of the release in build order.
	Entries []Entry `yaml:"artifacts"`
}

// Failure reports an aborted manifest generation.
type Failure struct {
	// Err is the underlying cause.
	Err error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("manifest generation failed: %v", f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Build computes a streaming content hash and size for each artifact and
// marks an entry signed when a signature record exists for its path. The
// hash covers the exact bytes a downstream verifier will read.
func Build(version string, artifactPaths []string, records []signing.Record, createdAt time.Time) (*Manifest, error) {
	signedPaths := make(map[string]struct{}, len(records))
	for _, record := range records {
		signedPaths[record.ArtifactPath] = struct{}{}
	}

	m := &Manifest{
		Version:   version,
		CreatedAt: createdAt,
		Entries:   make([]Entry, 0, len(artifactPaths)),
	}

	for _, path := range artifactPaths {
		sum, size, err := FileDigest(path)
		if err != nil {
			return nil, &Failure{Err: err}
		}

		_, signed := signedPaths[path]

		m.Entries = append(m.Entries, Entry{
			Path:      filepath.Base(path),
			SHA256:    sum,
			SizeBytes: size,
			Signed:    signed,
		})
	}

	return m, nil
}

// FileDigest streams the file through SHA-256 and returns the hex digest and
// byte size. Artifacts can be large, so the file is never loaded whole.
func FileDigest(path string) (string, uint64, error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}

	defer func() {
		_ = f.Close()
	}()

	hasher := sha256.New()

	size, err := io.Copy(hasher, f)
	if err != nil {
		return "", 0, fmt.Errorf("hash %s: %w", path, err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), uint64(size), nil
}

// Write emits both representations into dir: the structured YAML manifest
// and the flat checksum list. Writing them is the final step of a build.
func (m *Manifest) Write(dir string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return &Failure{Err: fmt.Errorf("marshal manifest: %w", err)}
	}

	if err = os.WriteFile(filepath.Join(dir, Filename), data, fileMode); err != nil {
		return &Failure{Err: err}
	}

	if err = os.WriteFile(filepath.Join(dir, ChecksumFilename), []byte(m.ChecksumLines()), fileMode); err != nil {
		return &Failure{Err: err}
	}

	return nil
}

// ChecksumLines renders the entries as `<hex-sha256>  <filename>` lines,
// the format standard checksum tooling consumes.
func (m *Manifest) ChecksumLines() string {
	var builder strings.Builder

	for _, entry := range m.Entries {
		builder.WriteString(entry.SHA256)
		builder.WriteString("  ")
		builder.WriteString(entry.Path)
		builder.WriteString("\n")
	}

	return builder.String()
}

// Load reads a structured manifest document from path.
func Load(path string) (*Manifest, error) {
	contents, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var m Manifest
	if err = yaml.Unmarshal(contents, &m); err != nil {
		return nil, fmt.Errorf("unmarshal manifest: %w", err)
	}

	return &m, nil
}

// Entry returns the entry for the given filename, or nil.
func (m *Manifest) Entry(name string) *Entry {
	for i := range m.Entries {
		if m.Entries[i].Path == name {
			return &m.Entries[i]
		}
	}

	return nil
}
