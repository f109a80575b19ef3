// Package mosaic inventories reduced CCD frames, groups them by target and
// night, and co-adds each group into a mosaic.
package mosaic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"omegacamer/internal/astro"
	"omegacamer/internal/fits"
	"omegacamer/internal/fsutil"
	"omegacamer/internal/storage"
)

// NightRule assigns observations to nights.
type NightRule struct {
	Location  *time.Location
	StartHour int
}

// Night returns the night t belongs to.
func (r NightRule) Night(t time.Time) string {
	loc := r.Location
	if loc == nil {
		loc = time.UTC
	}
	return astro.DetermineNight(t, loc, r.StartHour)
}

// Inventory registers reduced frames found in the source directories.
type Inventory struct {
	store        *storage.Store
	dirs         []string
	pattern      string
	nights       NightRule
	expectedCCDs int
	logger       *slog.Logger
}

// NewInventory creates an inventory over dirs. Files are selected with
// the glob pattern.
func NewInventory(store *storage.Store, dirs []string, pattern string, nights NightRule, expectedCCDs int, logger *slog.Logger) *Inventory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inventory{store: store, dirs: dirs, pattern: pattern, nights: nights, expectedCCDs: expectedCCDs, logger: logger}
}

// InventorySummary counts what Build did.
type InventorySummary struct {
	Directories int                  `json:"directories"`
	Files       int                  `json:"files"`
	Added       int                  `json:"added"`
	Unparsable  int                  `json:"unparsable"`
	Failed      int                  `json:"failed"`
	Incomplete  []storage.EpochCount `json:"incomplete,omitempty"`
}

// Build walks every configured directory. Missing directories and bad
// files are logged and skipped; only database errors abort.
func (inv *Inventory) Build(ctx context.Context) (InventorySummary, error) {
	var sum InventorySummary
	for _, dir := range inv.dirs {
		files, err := fsutil.ListFITS(dir, inv.pattern)
		if err != nil {
			inv.logger.Error("directory does not exist or is not a directory", "dir", dir, "error", err)
			continue
		}
		sum.Directories++
		inv.logger.Info("processing directory", "dir", dir, "files", len(files))

		for _, f := range files {
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			sum.Files++
			added, err := inv.AddFile(ctx, f)
			switch {
			case errors.Is(err, astro.ErrUnparsableName):
				inv.logger.Warn("skipping file", "file", f, "error", err)
				sum.Unparsable++
			case errors.Is(err, errStore):
				return sum, err
			case err != nil:
				inv.logger.Error("error processing file", "file", f, "error", err)
				sum.Failed++
			case added:
				sum.Added++
			}
		}
	}

	incomplete, err := inv.Incomplete(ctx)
	if err != nil {
		return sum, err
	}
	sum.Incomplete = incomplete
	if len(incomplete) == 0 {
		inv.logger.Info("all epochs have complete CCD data")
	}
	for _, e := range incomplete {
		inv.logger.Warn("epoch has missing CCDs", "target", e.Target, "timestamp", e.Timestamp,
			"ccds", fmt.Sprintf("%d/%d", e.CCDs, inv.expectedCCDs))
	}
	inv.logger.Info("inventory completed", "files", sum.Files, "added", sum.Added, "failed", sum.Failed)
	return sum, nil
}

// Incomplete lists epochs with fewer CCDs than expected.
func (inv *Inventory) Incomplete(ctx context.Context) ([]storage.EpochCount, error) {
	if inv.expectedCCDs <= 0 {
		return nil, nil
	}
	return inv.store.EpochsWithCCDCount(ctx, "<", inv.expectedCCDs)
}

var errStore = errors.New("store")

// AddFile registers one reduced CCD frame. The target is the OBJECT of the
// primary header; epoch and CCD come from the file name.
func (inv *Inventory) AddFile(ctx context.Context, path string) (bool, error) {
	frame, err := astro.ParseReducedName(path)
	if err != nil {
		return false, err
	}
	h, err := fits.ReadPrimaryHeader(path)
	if err != nil {
		return false, err
	}
	target, ok := h.String("OBJECT")
	target = strings.TrimSpace(target)
	if !ok || target == "" {
		return false, fmt.Errorf("%s: no OBJECT keyword", filepath.Base(path))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return false, err
	}
	added, err := inv.store.AddExposure(ctx, storage.Exposure{
		Target:    target,
		Night:     inv.nights.Night(frame.Time),
		Timestamp: frame.Timestamp,
		MJD:       frame.MJD,
		CCD:       frame.CCD,
		FilePath:  abs,
	})
	if err != nil {
		return false, fmt.Errorf("%w: %w", errStore, err)
	}
	if added {
		inv.logger.Debug("added exposure", "target", target, "ccd", frame.CCD, "file", abs)
	}
	return added, nil
}
