package sandbox

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// maxArtifactBytes caps the total size extracted from one sandbox
const maxArtifactBytes = 512 << 20

// untar writes the archive returned by the engine into dest. The archive's top level
// directory is stripped, links and special files are skipped, and no entry may land
// outside dest.
func untar(r io.Reader, dest string) error {
	dest = filepath.Clean(dest)
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}

	var written int64
	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		} else if err != nil {
			return fmt.Errorf("could not read artifact archive: %w", err)
		}

		rel := stripTop(hdr.Name)
		if rel == "" {
			continue
		}
		target := filepath.Join(dest, filepath.FromSlash(rel))
		if !strings.HasPrefix(target, dest+string(os.PathSeparator)) {
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if written+hdr.Size > maxArtifactBytes {
				return fmt.Errorf("artifacts exceed %d bytes", maxArtifactBytes)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			n, err := writeFile(target, tr)
			written += n
			if err != nil {
				return err
			}
		}
	}
}

func stripTop(name string) string {
	clean := path.Clean("/" + name)[1:]
	if i := strings.IndexByte(clean, '/'); i >= 0 {
		return clean[i+1:]
	}
	return ""
}

func writeFile(target string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return n, err
}
