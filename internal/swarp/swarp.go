// Package swarp writes SWarp configurations and runs co-additions.
package swarp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"omegacamer/internal/config"
	"omegacamer/internal/fsutil"
	"omegacamer/internal/tools"
)

// ErrNoInputs is returned when the input pattern matches nothing.
var ErrNoInputs = errors.New("no input images")

// Config is the SWarp parameter set.
type Config struct {
	OutputName       string
	WeightOutputName string
	HeaderOnly       bool
	HeaderSuffix     string
	WeightType       string
	WeightSuffix     string
	Combine          bool
	CombineType      string
	CelestialType    string
	ProjectionType   string
	ProjectionErr    float64
	CenterType       string
	Center           string
	PixelscaleType   string
	PixelScale       float64
	ImageSize        int
	Resample         bool
	ResampleDir      string
	ResampleSuffix   string
	ResamplingType   string
	Oversampling     int
	Interpolate      bool
	FscaleType       string
	FscaleKeyword    string
	FscaleDefault    float64
	GainKeyword      string
	GainDefault      float64
	SubtractBack     bool
	BackType         string
	BackDefault      float64
	BackSize         int
	BackFilterSize   int
	VMemDir          string
	VMemMax          int
	MemMax           int
	CombineBufSize   int
	DeleteTmpFiles   bool
	CopyKeywords     string
	WriteFileInfo    bool
	WriteXML         bool
	XMLName          string
	VerboseType      string
	NThreads         int
}

// DefaultConfig returns the stock parameters.
func DefaultConfig() Config {
	return Config{
		OutputName:       "coadd.fits",
		WeightOutputName: "coadd.weight.fits",
		HeaderSuffix:     ".head",
		WeightType:       "NONE",
		WeightSuffix:     ".weight.fits",
		Combine:          true,
		CombineType:      "MEDIAN",
		CelestialType:    "NATIVE",
		ProjectionType:   "TAN",
		ProjectionErr:    0.001,
		CenterType:       "ALL",
		Center:           "00:00:00.0, +00:00:00.0",
		PixelscaleType:   "MEDIAN",
		Resample:         true,
		ResampleDir:      ".",
		ResampleSuffix:   ".resamp.fits",
		ResamplingType:   "LANCZOS3",
		FscaleType:       "FIXED",
		FscaleKeyword:    "FLXSCALE",
		FscaleDefault:    1.0,
		GainKeyword:      "GAIN",
		BackType:         "AUTO",
		BackSize:         128,
		BackFilterSize:   3,
		VMemDir:          ".",
		VMemMax:          2047,
		MemMax:           2048,
		CombineBufSize:   256,
		DeleteTmpFiles:   true,
		CopyKeywords:     "OBJECT",
		WriteXML:         true,
		XMLName:          "swarp.xml",
		VerboseType:      "NORMAL",
	}
}

// FromSettings applies the configurable subset on top of the defaults.
// A zero mem_max is sized from the available memory.
func FromSettings(s config.Swarp, logger *slog.Logger) Config {
	c := DefaultConfig()
	if s.CombineType != "" {
		c.CombineType = s.CombineType
	}
	if s.ResamplingType != "" {
		c.ResamplingType = s.ResamplingType
	}
	if s.PixelscaleType != "" {
		c.PixelscaleType = s.PixelscaleType
	}
	if s.ProjectionType != "" {
		c.ProjectionType = s.ProjectionType
	}
	c.PixelScale = s.PixelScale
	c.SubtractBack = s.SubtractBack
	c.NThreads = s.NThreads
	switch {
	case s.MemMax > 0:
		c.MemMax = s.MemMax
	default:
		if mb, err := fsutil.AvailableMemoryMB(); err == nil && mb > 0 {
			c.MemMax = int(max(mb*3/4, 256))
		} else if logger != nil {
			logger.Warn("could not size swarp memory, using default", "mem_max", c.MemMax, "error", err)
		}
	}
	return c
}

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// WriteConfig writes c to path.
func (c Config) WriteConfig(path string) error {
	return tools.WriteParams(path, []tools.Param{
		{Key: "IMAGEOUT_NAME", Value: c.OutputName, Comment: "Output filename"},
		{Key: "WEIGHTOUT_NAME", Value: c.WeightOutputName, Comment: "Output weight-map filename"},
		{Key: "HEADER_ONLY", Value: tools.YesNo(c.HeaderOnly), Comment: "Only a header as an output file (Y/N)?"},
		{Key: "HEADER_SUFFIX", Value: c.HeaderSuffix, Comment: "Filename extension for additional headers"},
		{Key: "WEIGHT_TYPE", Value: c.WeightType, Comment: "BACKGROUND,MAP_RMS,MAP_VARIANCE or MAP_WEIGHT"},
		{Key: "WEIGHT_SUFFIX", Value: c.WeightSuffix, Comment: "Suffix to use for weight-maps"},
		{Key: "COMBINE", Value: tools.YesNo(c.Combine), Comment: "Combine resampled images (Y/N)?"},
		{Key: "COMBINE_TYPE", Value: c.CombineType, Comment: "MEDIAN, AVERAGE, MIN, MAX, WEIGHTED, etc."},
		{Key: "CELESTIAL_TYPE", Value: c.CelestialType, Comment: "NATIVE, PIXEL, EQUATORIAL, etc."},
		{Key: "PROJECTION_TYPE", Value: c.ProjectionType, Comment: "WCS projection code or NONE"},
		{Key: "PROJECTION_ERR", Value: ftoa(c.ProjectionErr), Comment: "Maximum projection error (in pixels)"},
		{Key: "CENTER_TYPE", Value: c.CenterType, Comment: "MANUAL, ALL or MOST"},
		{Key: "CENTER", Value: c.Center, Comment: "Coordinates of the image center"},
		{Key: "PIXELSCALE_TYPE", Value: c.PixelscaleType, Comment: "MANUAL, FIT, MIN, MAX or MEDIAN"},
		{Key: "PIXEL_SCALE", Value: ftoa(c.PixelScale), Comment: "Pixel scale"},
		{Key: "IMAGE_SIZE", Value: strconv.Itoa(c.ImageSize), Comment: "Image size (0 = AUTOMATIC)"},
		{Key: "RESAMPLE", Value: tools.YesNo(c.Resample), Comment: "Resample input images (Y/N)?"},
		{Key: "RESAMPLE_DIR", Value: c.ResampleDir, Comment: "Directory path for resampled images"},
		{Key: "RESAMPLE_SUFFIX", Value: c.ResampleSuffix, Comment: "Filename extension for resampled images"},
		{Key: "RESAMPLING_TYPE", Value: c.ResamplingType, Comment: "NEAREST, BILINEAR, LANCZOS2, etc."},
		{Key: "OVERSAMPLING", Value: strconv.Itoa(c.Oversampling), Comment: "Oversampling (0 = automatic)"},
		{Key: "INTERPOLATE", Value: tools.YesNo(c.Interpolate), Comment: "Interpolate bad input pixels (Y/N)?"},
		{Key: "FSCALASTRO_TYPE", Value: c.FscaleType, Comment: "NONE, FIXED, or VARIABLE"},
		{Key: "FSCALE_KEYWORD", Value: c.FscaleKeyword, Comment: "FITS keyword for FSCALE"},
		{Key: "FSCALE_DEFAULT", Value: ftoa(c.FscaleDefault), Comment: "Default FSCALE value if not in header"},
		{Key: "GAIN_KEYWORD", Value: c.GainKeyword, Comment: "FITS keyword for gain (e-/ADU)"},
		{Key: "GAIN_DEFAULT", Value: ftoa(c.GainDefault), Comment: "Default gain if no FITS keyword found"},
		{Key: "SUBTRACT_BACK", Value: tools.YesNo(c.SubtractBack), Comment: "Subtract sky background (Y/N)?"},
		{Key: "BACK_TYPE", Value: c.BackType, Comment: "AUTO or MANUAL"},
		{Key: "BACK_DEFAULT", Value: ftoa(c.BackDefault), Comment: "Default background value in MANUAL"},
		{Key: "BACK_SIZE", Value: strconv.Itoa(c.BackSize), Comment: "Background mesh size (pixels)"},
		{Key: "BACK_FILTERSIZE", Value: strconv.Itoa(c.BackFilterSize), Comment: "Background map filter range (meshes)"},
		{Key: "VMEM_DIR", Value: c.VMemDir, Comment: "Directory path for swap files"},
		{Key: "VMEM_MAX", Value: strconv.Itoa(c.VMemMax), Comment: "Maximum amount of virtual memory (MB)"},
		{Key: "MEM_MAX", Value: strconv.Itoa(c.MemMax), Comment: "Maximum amount of usable RAM (MB)"},
		{Key: "COMBINE_BUFSIZE", Value: strconv.Itoa(c.CombineBufSize), Comment: "RAM dedicated to co-addition (MB)"},
		{Key: "DELETE_TMPFILES", Value: tools.YesNo(c.DeleteTmpFiles), Comment: "Delete temporary resampled FITS files (Y/N)?"},
		{Key: "COPY_KEYWORDS", Value: c.CopyKeywords, Comment: "List of FITS keywords to propagate"},
		{Key: "WRITE_FILEINFO", Value: tools.YesNo(c.WriteFileInfo), Comment: "Write info about input files in output image header?"},
		{Key: "WRITE_XML", Value: tools.YesNo(c.WriteXML), Comment: "Write XML file (Y/N)?"},
		{Key: "XML_NAME", Value: c.XMLName, Comment: "Filename for XML output"},
		{Key: "VERBOSE_TYPE", Value: c.VerboseType, Comment: "QUIET, LOG, NORMAL, or FULL"},
		{Key: "NTHREADS", Value: strconv.Itoa(c.NThreads), Comment: "Number of simultaneous threads (0 = automatic)"},
	})
}

// Runner executes external tools; *tools.Manager satisfies it.
type Runner interface {
	Run(ctx context.Context, c tools.Cmd) error
}

// Coadder runs SWarp.
type Coadder struct {
	runner Runner
	extra  []string
	logger *slog.Logger
}

// NewCoadder creates a coadder passing extraArgs to every invocation.
func NewCoadder(r Runner, extraArgs string, logger *slog.Logger) (*Coadder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	extra, err := tools.SplitArgs(extraArgs)
	if err != nil {
		return nil, err
	}
	return &Coadder{runner: r, extra: extra, logger: logger}, nil
}

// Run co-adds the images of workDir matching pattern into cfg.OutputName.
// The configuration is written to workDir/configName. Nothing is done
// when the output exists and redo is false; the boolean reports whether
// SWarp ran.
func (c *Coadder) Run(ctx context.Context, cfg Config, workDir, pattern string, redo bool, configName string) (bool, error) {
	output := filepath.Join(workDir, cfg.OutputName)
	if fsutil.Exists(output) && !redo {
		c.logger.Info("mosaic exists, skipping", "output", output)
		return false, nil
	}
	if err := cfg.WriteConfig(filepath.Join(workDir, configName)); err != nil {
		return false, err
	}

	inputs := []string{pattern}
	if strings.ContainsAny(pattern, "*?[") {
		matches, err := filepath.Glob(filepath.Join(workDir, pattern))
		if err != nil {
			return false, fmt.Errorf("pattern %q: %w", pattern, err)
		}
		sort.Strings(matches)
		inputs = inputs[:0]
		for _, m := range matches {
			inputs = append(inputs, filepath.Base(m))
		}
	}
	if len(inputs) == 0 {
		return false, fmt.Errorf("%s/%s: %w", workDir, pattern, ErrNoInputs)
	}

	c.logger.Info("running swarp", "work_dir", workDir, "inputs", len(inputs), "output", cfg.OutputName)
	args := append(inputs, "-c", configName)
	args = append(args, c.extra...)
	if err := c.runner.Run(ctx, tools.Cmd{Tool: tools.Swarp, Args: args, Dir: workDir}); err != nil {
		return true, err
	}
	return true, nil
}
