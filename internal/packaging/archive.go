package packaging

import (
	"archive/tar"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/errgroup"

	"github.com/perimetra/release-pipeline/internal/logger"
)

// Kind identifies an independently packaged artifact family.
type Kind string

const (
	// KindCore is the detection core package.
	KindCore Kind = "core"
	// KindLinuxAgent is the Linux endpoint agent package.
	KindLinuxAgent Kind = "linux-agent"
	// KindWindowsAgent is the Windows endpoint agent package.
	KindWindowsAgent Kind = "windows-agent"
	// KindDPIProbe is the deep packet inspection probe package.
	KindDPIProbe Kind = "dpi-probe"
)

// ArchiveExtension is the archive format suffix for all artifact kinds.
const ArchiveExtension = ".tar.gz"

// archiveFileMode is used for produced archives.
const archiveFileMode os.FileMode = 0o644

// DefaultKinds returns the artifact kinds of a standard release.
func DefaultKinds() []Kind {
	return []Kind{KindCore, KindLinuxAgent, KindWindowsAgent, KindDPIProbe}
}

// Artifact is a packaged archive ready for signing. It is content-addressed
// by hash and never mutated after creation.
type Artifact struct {
	// Kind is the artifact family.
	Kind Kind
	// Path is the archive location.
	Path string
	// Version is the release version baked into the archive name.
	Version string
}

// Failure reports a failed archive build for one artifact kind.
type Failure struct {
	// Kind is the artifact family that failed to package.
	Kind Kind
	// Err is the underlying cause.
	Err error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("package %s: %v", f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// ArchiveName returns "<kind>-<version>.tar.gz".
func ArchiveName(kind Kind, version string) string {
	return fmt.Sprintf("%s-%s%s", kind, version, ArchiveExtension)
}

// PackageAll builds one archive per kind, reading each kind's files from
// root/<kind> and writing archives into destDir. Kinds have no data
// dependency on one another, so they are packaged concurrently with
// parallelism bounded by the number of kinds. The first failure aborts the
// run; archives already written for other kinds stay intact on disk.
func PackageAll(ctx context.Context, root string, kinds []Kind, version, destDir string) ([]Artifact, error) {
	artifacts := make([]Artifact, len(kinds))

	group, ctx := errgroup.WithContext(ctx)
	group.SetLimit(len(kinds))

	for i, kind := range kinds {
		i, kind := i, kind

		group.Go(func() error {
			sourceDir := filepath.Join(root, string(kind))

			info, err := os.Stat(sourceDir)
			if err != nil {
				return &Failure{Kind: kind, Err: err}
			}

			if !info.IsDir() {
				return &Failure{Kind: kind, Err: fmt.Errorf("%s is not a directory", sourceDir)}
			}

			destPath := filepath.Join(destDir, ArchiveName(kind, version))
			if err = BuildArchive(ctx, sourceDir, destPath); err != nil {
				return &Failure{Kind: kind, Err: err}
			}

			logger.InfoKV(ctx, "Packaged artifact", "kind", kind, "archive", destPath)
			artifacts[i] = Artifact{Kind: kind, Path: destPath, Version: version}

			return nil
		})
	}

	if err := group.Wait(); err != nil {
		return nil, err
	}

	return artifacts, nil
}

// BuildArchive creates a tar.gz archive of sourceDir at destPath. Headers
// are normalized (no owner data, second-granularity timestamps) so identical
// inputs produce byte-identical archives across runs.
func BuildArchive(ctx context.Context, sourceDir, destPath string) error {
	out, err := os.OpenFile(filepath.Clean(destPath), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, archiveFileMode)
	if err != nil {
		return err
	}

	gzWriter := gzip.NewWriter(out)
	tarWriter := tar.NewWriter(gzWriter)

	walkErr := filepath.WalkDir(sourceDir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}

		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}

		if rel == "." {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}

		switch {
		case entry.IsDir():
			return tarWriter.WriteHeader(dirHeader(rel, info))
		case info.Mode().IsRegular():
			return addFile(tarWriter, path, rel, info)
		default:
			// Sockets, devices and symlinks have no place in a release archive.
			return fmt.Errorf("unsupported file type: %s", path)
		}
	})

	closeErr := closeAll(tarWriter, gzWriter, out)
	if walkErr != nil {
		_ = os.Remove(destPath)

		return walkErr
	}

	if closeErr != nil {
		_ = os.Remove(destPath)

		return closeErr
	}

	return nil
}

// dirHeader builds a normalized tar header for a directory.
func dirHeader(rel string, info os.FileInfo) *tar.Header {
	return &tar.Header{
		Typeflag: tar.TypeDir,
		Name:     filepath.ToSlash(rel) + "/",
		Mode:     int64(info.Mode().Perm()),
		ModTime:  info.ModTime().Truncate(time.Second),
	}
}

// addFile writes a normalized header and the file content.
func addFile(tarWriter *tar.Writer, path, rel string, info os.FileInfo) error {
	header := &tar.Header{
		Typeflag: tar.TypeReg,
		Name:     filepath.ToSlash(rel),
		Mode:     int64(info.Mode().Perm()),
		Size:     info.Size(),
		ModTime:  info.ModTime().Truncate(time.Second),
	}

	if err := tarWriter.WriteHeader(header); err != nil {
		return err
	}

	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return err
	}

	defer func() {
		_ = f.Close()
	}()

	if _, err = io.Copy(tarWriter, f); err != nil {
		return fmt.Errorf("archive %s: %w", rel, err)
	}

	return nil
}

// closeAll flushes the writer stack in order and reports the first error.
func closeAll(closers ...io.Closer) error {
	var firstErr error

	for _, c := range closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	return firstErr
}
