package mosaic

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"omegacamer/internal/fsutil"
	"omegacamer/internal/storage"
)

// Linker lays out one directory per target and night holding symlinks to
// the exposures of that group.
type Linker struct {
	store   *storage.Store
	workDir string
	logger  *slog.Logger
}

// NewLinker creates a linker below workDir.
func NewLinker(store *storage.Store, workDir string, logger *slog.Logger) *Linker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Linker{store: store, workDir: workDir, logger: logger}
}

// Dir is the work directory of a group.
func (l *Linker) Dir(tn storage.TargetNight) string {
	return filepath.Join(l.workDir, tn.Target, tn.Night)
}

// LinkSummary counts what Link did.
type LinkSummary struct {
	Groups  int `json:"groups"`
	Linked  int `json:"linked"`
	Missing int `json:"missing"`
	Empty   int `json:"empty"`
}

// Link prepares the directory of every target/night without a mosaic.
func (l *Linker) Link(ctx context.Context) (LinkSummary, error) {
	var sum LinkSummary
	groups, err := l.store.MissingMosaics(ctx)
	if err != nil {
		return sum, err
	}
	l.logger.Info("grouped exposures", "groups", len(groups))
	for _, tn := range groups {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Groups++
		exps, err := l.store.ExposuresForMosaic(ctx, tn.Target, tn.Night)
		if err != nil {
			return sum, err
		}
		files, missing := existing(exps, l.logger)
		sum.Missing += missing
		if len(files) == 0 {
			l.logger.Warn("no exposure files found, skipping", "target", tn.Target, "night", tn.Night)
			sum.Empty++
			continue
		}
		n, err := l.LinkFiles(tn, files)
		if err != nil {
			return sum, err
		}
		sum.Linked += n
	}
	return sum, nil
}

// existing returns the paths of exps present on disk, warning about the rest.
func existing(exps []storage.Exposure, logger *slog.Logger) ([]string, int) {
	var files []string
	missing := 0
	for _, e := range exps {
		if !fsutil.Exists(e.FilePath) {
			logger.Warn("exposure file does not exist", "file", e.FilePath)
			missing++
			continue
		}
		files = append(files, e.FilePath)
	}
	return files, missing
}

// LinkFiles symlinks files into the group directory, keeping existing
// links, and returns how many links were created.
func (l *Linker) LinkFiles(tn storage.TargetNight, files []string) (int, error) {
	dir := l.Dir(tn)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	created := 0
	for _, f := range files {
		link := filepath.Join(dir, filepath.Base(f))
		ok, err := fsutil.Symlink(f, link, true)
		if err != nil {
			l.logger.Error("failed to create symlink", "file", f, "error", err)
			continue
		}
		if ok {
			created++
			l.logger.Debug("created symlink", "link", link, "target", f)
		}
	}
	return created, nil
}

// Masks maps CCD numbers to bad-pixel weight maps.
type Masks map[int]string

// LoadMasks finds <ccd>.fits files in dir. Files whose stem is not a CCD
// number are skipped with a warning.
func LoadMasks(dir string, logger *slog.Logger) (Masks, error) {
	if logger == nil {
		logger = slog.Default()
	}
	files, err := fsutil.ListFITS(dir, "*.fits")
	if err != nil {
		return nil, fmt.Errorf("ccd masks directory: %w", err)
	}
	masks := make(Masks, len(files))
	for _, f := range files {
		stem := strings.TrimSuffix(filepath.Base(f), ".fits")
		ccd, err := strconv.Atoi(stem)
		if err != nil {
			logger.Warn("mask file does not have a valid CCD id in its name", "file", f)
			continue
		}
		masks[ccd] = f
		logger.Debug("loaded mask", "ccd", ccd, "file", f)
	}
	if len(masks) == 0 {
		logger.Warn("no CCD masks loaded, mosaics will be unweighted", "dir", dir)
	}
	return masks, nil
}

// WeightName is the weight map SWarp pairs with image.
func WeightName(image string) string {
	return strings.TrimSuffix(image, filepath.Ext(image)) + ".weight.fits"
}
