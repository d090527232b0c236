package fsutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteFileAtomic writes data to path via a temp file in the same directory
// followed by rename, fsyncing the file before the swap. Readers never
// observe a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if tmpName != "" {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing %s: %w", tmpName, err)
	}
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming into place: %w", err)
	}
	tmpName = ""
	return nil
}

// WriteJSONAtomic marshals v with indentation and writes it atomically.
func WriteJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", path, err)
	}
	return WriteFileAtomic(path, data, 0o644)
}

// ZeroAndRemove best-effort overwrites a file with zeros before unlinking.
// Overwrite failures are ignored; the unlink error is returned.
func ZeroAndRemove(path string) error {
	if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
		if f, err := os.OpenFile(path, os.O_WRONLY, 0); err == nil {
			size := info.Size()
			buf := make([]byte, 64*1024)
			var written int64
			for written < size {
				n := int64(len(buf))
				if size-written < n {
					n = size - written
				}
				if _, werr := f.Write(buf[:n]); werr != nil {
					break
				}
				written += n
			}
			_ = f.Sync()
			_ = f.Close()
		}
	}
	return os.Remove(path)
}

// DirSize walks dir and returns the total size of regular files. Symlinks
// resolving outside root count as zero; each one is reported in skipped.
func DirSize(root, dir string) (total int64, skipped []string, err error) {
	err = filepath.Walk(dir, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if info.Mode()&os.ModeSymlink != 0 {
			target, rerr := filepath.EvalSymlinks(path)
			if rerr != nil || !Within(root, target) {
				skipped = append(skipped, path)
				return nil
			}
			if ti, serr := os.Stat(target); serr == nil && ti.Mode().IsRegular() {
				total += ti.Size()
			}
			return nil
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	if os.IsNotExist(err) {
		err = nil
	}
	return total, skipped, err
}
