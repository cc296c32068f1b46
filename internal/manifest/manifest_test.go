package manifest

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/perimetra/release-pipeline/internal/signing"
)

// checksumLine matches one SHA256SUMS line.
var checksumLine = regexp.MustCompile(`^[0-9a-f]{64}  \S+$`)

// writeArtifact creates a file and returns its path plus the expected digest.
func writeArtifact(t *testing.T, dir, name string, content []byte) (string, string) {
	t.Helper()

	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0o600))

	sum := sha256.Sum256(content)

	return path, hex.EncodeToString(sum[:])
}

// TestBuildComputesDigestsAndSignedFlags checks the round-trip integrity
// property: recomputing the hash from the artifact bytes matches the entry.
func TestBuildComputesDigestsAndSignedFlags(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	corePath, coreSum := writeArtifact(t, dir, "core-1.2.0.tar.gz", []byte("core bytes"))
	agentPath, agentSum := writeArtifact(t, dir, "linux-agent-1.2.0.tar.gz", []byte("agent bytes"))

	records := []signing.Record{
		{ArtifactPath: corePath, Method: signing.MethodGPG, SignaturePath: corePath + ".sig"},
	}

	m, err := Build("1.2.0", []string{corePath, agentPath}, records, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, m.Entries, 2)

	core := m.Entry("core-1.2.0.tar.gz")
	require.NotNil(t, core)
	require.Equal(t, coreSum, core.SHA256)
	require.EqualValues(t, len("core bytes"), core.SizeBytes)
	require.True(t, core.Signed)

	agent := m.Entry("linux-agent-1.2.0.tar.gz")
	require.NotNil(t, agent)
	require.Equal(t, agentSum, agent.SHA256)
	require.False(t, agent.Signed)
}

// TestBuildMissingArtifact aborts with a Failure.
func TestBuildMissingArtifact(t *testing.T) {
	t.Parallel()

	_, err := Build("1.0.0", []string{filepath.Join(t.TempDir(), "absent.tar.gz")}, nil, time.Now())
	require.Error(t, err)

	var failure *Failure
	require.ErrorAs(t, err, &failure)
}

// TestWriteEmitsBothRepresentations checks the YAML document and the
// checksum list land together and the list matches sha256sum's format.
func TestWriteEmitsBothRepresentations(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path, _ := writeArtifact(t, dir, "dpi-probe-0.9.0.tar.gz", []byte("probe"))

	m, err := Build("0.9.0", []string{path}, nil, time.Now().UTC())
	require.NoError(t, err)
	require.NoError(t, m.Write(dir))

	loaded, err := Load(filepath.Join(dir, Filename))
	require.NoError(t, err)
	require.Equal(t, "0.9.0", loaded.Version)
	require.Equal(t, m.Entries, loaded.Entries)

	sums, err := os.ReadFile(filepath.Join(dir, ChecksumFilename))
	require.NoError(t, err)

	lines := regexp.MustCompile(`\n`).Split(string(sums), -1)
	require.Len(t, lines, 2) // one entry plus trailing newline
	require.Regexp(t, checksumLine, lines[0])
	require.Contains(t, lines[0], "dpi-probe-0.9.0.tar.gz")
}

// TestBuildIdempotentExceptTimestamp builds twice from identical inputs and
// expects identical entries; only CreatedAt may differ.
func TestBuildIdempotentExceptTimestamp(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path, _ := writeArtifact(t, dir, "core-2.0.0.tar.gz", []byte("stable bytes"))

	first, err := Build("2.0.0", []string{path}, nil, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	second, err := Build("2.0.0", []string{path}, nil, time.Date(2026, 2, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	require.Equal(t, first.Entries, second.Entries)
	require.Equal(t, first.ChecksumLines(), second.ChecksumLines())
	require.NotEqual(t, first.CreatedAt, second.CreatedAt)
}

// TestGatesSkippedRoundTrip ensures an explicit bypass survives serialization.
func TestGatesSkippedRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path, _ := writeArtifact(t, dir, "core-1.0.0.tar.gz", []byte("x"))

	m, err := Build("1.0.0", []string{path}, nil, time.Now().UTC())
	require.NoError(t, err)

	m.GatesSkipped = true
	require.NoError(t, m.Write(dir))

	loaded, err := Load(filepath.Join(dir, Filename))
	require.NoError(t, err)
	require.True(t, loaded.GatesSkipped)
}
