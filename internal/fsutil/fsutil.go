package fsutil

import (
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"syscall"
)

var fitsExts = map[string]struct{}{
	".fits": {},
	".fit":  {},
	".fts":  {},
}

// ListFITS returns the files in dir whose names match pattern, sorted.
// An empty pattern selects every FITS file.
func ListFITS(dir, pattern string) ([]string, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, err
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", dir)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if pattern == "" {
			if !IsFITSFile(name) {
				continue
			}
		} else if ok, err := filepath.Match(pattern, name); err != nil {
			return nil, fmt.Errorf("bad pattern %q: %w", pattern, err)
		} else if !ok {
			continue
		}
		files = append(files, filepath.Join(dir, name))
	}
	sort.Strings(files)
	return files, nil
}

// IsFITSFile checks if a file name carries a FITS extension.
func IsFITSFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, ok := fitsExts[ext]
	return ok
}

// FirstExisting returns the first path that exists.
func FirstExisting(paths ...string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Exists reports whether path exists; symlinks are followed.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Symlink points link at the absolute form of target. An existing entry at
// link is kept when keep is true and replaced otherwise. The returned flag
// reports whether a link was created.
func Symlink(target, link string, keep bool) (bool, error) {
	abs, err := filepath.Abs(target)
	if err != nil {
		return false, err
	}
	if _, err := os.Lstat(link); err == nil {
		if keep {
			return false, nil
		}
		if err := os.Remove(link); err != nil {
			return false, err
		}
	}
	if err := os.Symlink(abs, link); err != nil {
		return false, err
	}
	return true, nil
}

// CopyFile copies src to dst, creating dst's directory and preserving the mode.
func CopyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// MD5 returns the hex MD5 checksum of the file at path.
func MD5(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Rel returns path relative to base when it lies below base, else path.
func Rel(base, path string) string {
	rel, err := filepath.Rel(base, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}

// Resolve joins a stored relative path onto base.
func Resolve(base, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(base, path)
}

// AvailableMemoryMB returns available memory in MB
func AvailableMemoryMB() (int64, error) {
	// Try to read /proc/meminfo for more accurate available memory
	content, err := os.ReadFile("/proc/meminfo")
	if err == nil {
		for _, line := range strings.Split(string(content), "\n") {
			if strings.HasPrefix(line, "MemAvailable:") {
				fields := strings.Fields(line)
				if len(fields) >= 2 {
					if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
						return kb / 1024, nil
					}
				}
			}
		}
	}

	// Fallback to syscall if /proc/meminfo parsing fails
	var sysinfo syscall.Sysinfo_t
	if err := syscall.Sysinfo(&sysinfo); err != nil {
		return 0, errors.Join(errors.New("cannot determine available memory"), err)
	}
	return int64(sysinfo.Freeram) * int64(sysinfo.Unit) / (1024 * 1024), nil
}
