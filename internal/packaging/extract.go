package packaging

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/gzip"
)

// errUnsafePath is returned for archive entries that would escape the
// destination directory.
var errUnsafePath = errors.New("archive entry escapes destination")

// extractedFileMode is used for unpacked regular files.
const extractedFileMode os.FileMode = 0o755

// Extract unpacks a tar.gz bundle into destDir and returns the relative
// paths of extracted regular files. Entries that would escape destDir are
// rejected. Callers must only pass bundles that already passed verification.
func Extract(ctx context.Context, bundlePath, destDir string) ([]string, error) {
	bundle, err := os.Open(filepath.Clean(bundlePath))
	if err != nil {
		return nil, err
	}

	defer func() {
		_ = bundle.Close()
	}()

	gzReader, err := gzip.NewReader(bundle)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}

	defer func() {
		_ = gzReader.Close()
	}()

	var files []string

	tarReader := tar.NewReader(gzReader)

	for {
		if err = ctx.Err(); err != nil {
			return nil, err
		}

		header, readErr := tarReader.Next()
		if errors.Is(readErr, io.EOF) {
			break
		}

		if readErr != nil {
			return nil, fmt.Errorf("read archive: %w", readErr)
		}

		if !filepath.IsLocal(header.Name) {
			return nil, fmt.Errorf("%s: %w", header.Name, errUnsafePath)
		}

		target := filepath.Join(destDir, filepath.FromSlash(header.Name))

		switch header.Typeflag {
		case tar.TypeDir:
			if err = os.MkdirAll(target, extractedFileMode); err != nil {
				return nil, err
			}
		case tar.TypeReg:
			if err = writeExtracted(tarReader, target); err != nil {
				return nil, err
			}

			files = append(files, filepath.FromSlash(header.Name))
		default:
			return nil, fmt.Errorf("unsupported archive entry type for %s", header.Name)
		}
	}

	return files, nil
}

// writeExtracted copies one archive entry to disk.
func writeExtracted(r io.Reader, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), extractedFileMode); err != nil {
		return err
	}

	out, err := os.OpenFile(filepath.Clean(target), os.O_WRONLY|os.O_CREATE|os.O_TRUNC, extractedFileMode)
	if err != nil {
		return err
	}

	if _, err = io.Copy(out, r); err != nil {
		_ = out.Close()

		return err
	}

	return out.Close()
}
