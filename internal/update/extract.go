package update

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// extractArchive unpacks a tar.gz package into dest, rejecting entries
// that would escape it.
func extractArchive(archive, dest string) error {
	f, err := os.Open(archive)
	if err != nil {
		return fmt.Errorf("open package: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("read package gzip: %w", err)
	}
	defer gz.Close()

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return fmt.Errorf("create extract dir: %w", err)
	}

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read package tar: %w", err)
		}

		target, err := securePath(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("extract dir %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("extract parent of %s: %w", hdr.Name, err)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode).Perm())
			if err != nil {
				return fmt.Errorf("extract file %s: %w", hdr.Name, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("extract content of %s: %w", hdr.Name, err)
			}
			if err := out.Close(); err != nil {
				return fmt.Errorf("close extracted %s: %w", hdr.Name, err)
			}
		default:
			// Symlinks and specials are not part of the package format.
		}
	}
}

// installStaged moves the extracted top-level directories over the install
// targets. Unknown top-level entries in the package are ignored with a
// warning from the caller.
func installStaged(staging string, targets map[string]string) error {
	for name, target := range targets {
		src := filepath.Join(staging, name)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue // package does not update this component
		}
		if err := os.RemoveAll(target); err != nil {
			return fmt.Errorf("clear %s: %w", target, err)
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("create parent of %s: %w", target, err)
		}
		if err := os.Rename(src, target); err != nil {
			// Rename fails across filesystems; fall back to a copy.
			if copyErr := copyDir(src, target); copyErr != nil {
				return fmt.Errorf("install %s: %w", target, copyErr)
			}
		}
	}
	return nil
}

func securePath(dest, name string) (string, error) {
	cleaned := filepath.Clean(name)
	if strings.HasPrefix(cleaned, "..") || filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("package entry escapes destination: %s", name)
	}
	target := filepath.Join(dest, cleaned)
	if !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return "", fmt.Errorf("package entry escapes destination: %s", name)
	}
	return target, nil
}
