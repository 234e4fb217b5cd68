package update

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
)

// manifestName records which original path each backed-up directory came
// from, so a restore does not depend on configuration being unchanged.
const manifestName = "manifest.json"

type backupManifest struct {
	CreatedAt time.Time         `json:"createdAt"`
	Dirs      map[string]string `json:"dirs"` // backup subdir -> original path
}

// CreateBackup copies each source directory into a timestamped directory
// under root and returns the backup path. Missing sources are skipped: a
// first install has nothing to back up for some dirs.
func CreateBackup(root string, srcDirs []string, now time.Time) (string, error) {
	dest := filepath.Join(root, now.Format("20060102-150405"))
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", fmt.Errorf("create backup dir: %w", err)
	}

	manifest := backupManifest{CreatedAt: now, Dirs: map[string]string{}}
	for _, src := range srcDirs {
		if _, err := os.Stat(src); os.IsNotExist(err) {
			log.Warn().Str("dir", src).Msg("backup source missing, skipped")
			continue
		}
		name := filepath.Base(src)
		if err := copyDir(src, filepath.Join(dest, name)); err != nil {
			os.RemoveAll(dest)
			return "", fmt.Errorf("backup %s: %w", src, err)
		}
		manifest.Dirs[name] = src
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		os.RemoveAll(dest)
		return "", fmt.Errorf("marshal backup manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dest, manifestName), data, 0o644); err != nil {
		os.RemoveAll(dest)
		return "", fmt.Errorf("write backup manifest: %w", err)
	}

	log.Info().Str("backup", dest).Int("dirs", len(manifest.Dirs)).Msg("pre-update backup created")
	return dest, nil
}

// RestoreBackup puts every directory recorded in the backup's manifest
// back at its original path, replacing whatever is there.
func RestoreBackup(backupPath string) error {
	data, err := os.ReadFile(filepath.Join(backupPath, manifestName))
	if err != nil {
		return fmt.Errorf("read backup manifest: %w", err)
	}
	var manifest backupManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return fmt.Errorf("parse backup manifest: %w", err)
	}

	for name, original := range manifest.Dirs {
		src := filepath.Join(backupPath, name)
		staging := original + ".restoring"
		if err := copyDir(src, staging); err != nil {
			os.RemoveAll(staging)
			return fmt.Errorf("stage restore of %s: %w", original, err)
		}
		if err := os.RemoveAll(original); err != nil {
			os.RemoveAll(staging)
			return fmt.Errorf("clear %s for restore: %w", original, err)
		}
		if err := os.Rename(staging, original); err != nil {
			return fmt.Errorf("restore %s: %w", original, err)
		}
		log.Info().Str("dir", original).Str("from", backupPath).Msg("directory restored from backup")
	}
	return nil
}

// PruneBackups keeps the most recent keep backups under root and removes
// the rest. Backup names sort chronologically by construction.
func PruneBackups(root string, keep int) (int, error) {
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read backups root: %w", err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() {
			names = append(names, e.Name())
		}
	}
	if len(names) <= keep {
		return 0, nil
	}
	sort.Strings(names)

	removed := 0
	for _, name := range names[:len(names)-keep] {
		if err := os.RemoveAll(filepath.Join(root, name)); err != nil {
			log.Warn().Err(err).Str("backup", name).Msg("backup prune failed")
			continue
		}
		removed++
	}
	if removed > 0 {
		log.Info().Int("removed", removed).Int("kept", keep).Msg("update backups pruned")
	}
	return removed, nil
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, info.Mode().Perm())
		}
		if !info.Mode().IsRegular() {
			// Sockets and device nodes have no business in app dirs.
			return nil
		}
		return copyFile(path, target, info.Mode().Perm())
	})
}

func copyFile(src, dst string, perm os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
