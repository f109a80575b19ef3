package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"
)

const (
	// EnvConfig names the environment variable pointing at the YAML config.
	EnvConfig = "OMEGACAMER_CONFIG"
	// EnvPassword carries the archive password; it is never read from the file.
	EnvPassword = "OMEGACAMER_ESO_PASSWORD"

	defaultConfigPath = "~/.config/omegacamer/config.yaml"
	defaultParallel   = 4
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	WorkingDirectory       string      `yaml:"working_directory"`
	Credentials            Credentials `yaml:"credentials"`
	ReportPath             string      `yaml:"report_path"`
	ReducedDataDir         string      `yaml:"reduced_data_dir"`
	Objects                []string    `yaml:"objects"`
	Lenses                 []string    `yaml:"lenses"`
	PlateSolve             bool        `yaml:"plate_solve"`
	MosaicWorkingDirectory string      `yaml:"mosaic_working_directory"`
	Directories            []string    `yaml:"directories"`
	DiscoveryFilePattern   string      `yaml:"discovery_file_pattern"`
	Database               Database    `yaml:"database"`
	Logging                Logging     `yaml:"logging"`
	CCDMasksDirectory      string      `yaml:"ccd_masks_directory"`
	ScampBin               string      `yaml:"scamp_bin"`
	SexBin                 string      `yaml:"sex_bin"`
	SwarpBin               string      `yaml:"swarp_bin"`
	GzipBin                string      `yaml:"gzip_bin"`
	SourcesSaveDir         string      `yaml:"sources_save_dir"`
	HeadersSaveDir         string      `yaml:"headers_save_dir"`
	TmpDir                 string      `yaml:"tmp_dir"`
	KeepTmp                bool        `yaml:"keep_tmp"`
	ReducedFormat          string      `yaml:"reduced_format"` // MEF or perccd
	Version                string      `yaml:"version"`

	Archive    Archive    `yaml:"archive"`
	Reducer    Reducer    `yaml:"reducer"`
	Scamp      Scamp      `yaml:"scamp"`
	Sextractor Sextractor `yaml:"sextractor"`
	Swarp      Swarp      `yaml:"swarp"`
	Mosaic     Mosaic     `yaml:"mosaic"`
	Processing Processing `yaml:"processing"`
	Server     Server     `yaml:"server"`

	path string
}

// Credentials identify the archive account and observing programme.
type Credentials struct {
	User      string `yaml:"user"`
	ProgramID string `yaml:"program_id"`
}

// Database names the SQLite file inside the working directory.
type Database struct {
	Name string `yaml:"name"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Format     string `yaml:"format"`      // text, json
	File       string `yaml:"file"`        // relative to the working directory
	MaxSize    int    `yaml:"max_size"`    // Max size in MB before rotation
	MaxBackups int    `yaml:"max_backups"` // Number of backup files to keep
	MaxAge     int    `yaml:"max_age"`     // Days to keep log files
}

// Archive configures the ESO archive endpoints.
type Archive struct {
	RecordsURL     string        `yaml:"records_url"`
	TokenURL       string        `yaml:"token_url"`
	FileURL        string        `yaml:"file_url"`
	CalselectorURL string        `yaml:"calselector_url"`
	MaxRows        int           `yaml:"max_rows"`
	Timeout        time.Duration `yaml:"timeout"`
}

// Reducer configures the external command doing pixel-level calibration.
type Reducer struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

// Scamp mirrors the SCAMP parameters we drive from configuration.
type Scamp struct {
	AstrefCatalog  string  `yaml:"astref_catalog"`
	AstrefBand     string  `yaml:"astref_band"`
	PositionMaxErr float64 `yaml:"position_maxerr"` // arcmin
	PosAngleMaxErr float64 `yaml:"posangle_maxerr"` // degrees
	PixScaleMaxErr float64 `yaml:"pixscale_maxerr"`
	CrossIDRadius  float64 `yaml:"crossid_radius"` // arcsec
	Match          bool    `yaml:"match"`
	SolveAstrom    bool    `yaml:"solve_astrom"`
	SolvePhotom    bool    `yaml:"solve_photom"`
	SNThresholds   string  `yaml:"sn_thresholds"`
	FWHMThresholds string  `yaml:"fwhm_thresholds"`
	HeaderSuffix   string  `yaml:"header_suffix"`
	AHeaderSuffix  string  `yaml:"aheader_suffix"`
	CheckplotType  string  `yaml:"checkplot_type"`
	CheckplotDev   string  `yaml:"checkplot_dev"`
	VerboseType    string  `yaml:"verbose_type"`
	Threads        int     `yaml:"threads"`
	ExtraArgs      string  `yaml:"extra_args"`
}

// Sextractor configures source extraction ahead of SCAMP.
type Sextractor struct {
	DetectThresh   float64 `yaml:"detect_thresh"`
	AnalysisThresh float64 `yaml:"analysis_thresh"`
	DetectMinArea  int     `yaml:"detect_minarea"`
	ExtraArgs      string  `yaml:"extra_args"`
}

// Swarp configures co-addition.
type Swarp struct {
	CombineType    string  `yaml:"combine_type"`
	ResamplingType string  `yaml:"resampling_type"`
	PixelscaleType string  `yaml:"pixelscale_type"`
	PixelScale     float64 `yaml:"pixel_scale"`
	SubtractBack   bool    `yaml:"subtract_back"`
	ProjectionType string  `yaml:"projection_type"`
	NThreads       int     `yaml:"nthreads"`
	MemMax         int     `yaml:"mem_max"`
	ExtraArgs      string  `yaml:"extra_args"`
}

// Mosaic controls grouping and mosaic production.
type Mosaic struct {
	ExpectedCCDs          int    `yaml:"expected_ccds"`
	RequireCompleteEpochs bool   `yaml:"require_complete_epochs"`
	Timezone              string `yaml:"timezone"`
	NightStartHour        int    `yaml:"night_start_hour"`
	Redo                  bool   `yaml:"redo"`
	Preview               bool   `yaml:"preview"`
	PreviewSize           uint   `yaml:"preview_size"`
}

// Processing captures execution preferences.
type Processing struct {
	ParallelJobs int `yaml:"parallel_jobs"`
	QueueSize    int `yaml:"queue_size"`
}

// Server configures the status service.
type Server struct {
	Addr     string `yaml:"addr"`
	GRPCAddr string `yaml:"grpc_addr"`
}

// Load reads configuration from disk, falling back to sensible defaults.
// An empty path resolves through OMEGACAMER_CONFIG and then the default
// location; only an explicitly requested file must exist.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	explicit := path != ""
	if path == "" {
		path = os.Getenv(EnvConfig)
		explicit = path != ""
	}
	if path == "" {
		path = defaultConfigPath
	}

	expanded, err := homedir.Expand(path)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(expanded)
	if errors.Is(err, os.ErrNotExist) && !explicit {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", expanded, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", expanded, err)
	}
	cfg.path = expanded

	if err := cfg.expandPaths(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the file the configuration was loaded from, if any.
func (c *Config) Path() string {
	return c.path
}

// Targets returns the configured target fields; the historical "lenses"
// key is honoured when "objects" is absent.
func (c *Config) Targets() []string {
	if len(c.Objects) > 0 {
		return c.Objects
	}
	return c.Lenses
}

// DatabasePath is the SQLite file inside the working directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.WorkingDirectory, c.Database.Name)
}

// Location returns the observatory time zone used to assign nights.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Mosaic.Timezone)
}

// Validate checks the settings every command relies on.
func (c *Config) Validate() error {
	var errs []error
	if c.WorkingDirectory == "" {
		errs = append(errs, errors.New("working_directory is required"))
	}
	if c.Database.Name == "" {
		errs = append(errs, errors.New("database.name is required"))
	} else if filepath.Base(c.Database.Name) != c.Database.Name {
		errs = append(errs, fmt.Errorf("database.name must be a file name, got %q", c.Database.Name))
	}
	if c.Processing.ParallelJobs < 1 {
		errs = append(errs, errors.New("processing.parallel_jobs must be at least 1"))
	}
	if c.Scamp.Threads < 0 {
		errs = append(errs, errors.New("scamp.threads must not be negative"))
	}
	switch strings.ToUpper(c.ReducedFormat) {
	case "MEF", "PERCCD":
	default:
		errs = append(errs, fmt.Errorf("reduced_format must be MEF or perccd, got %q", c.ReducedFormat))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("mosaic.timezone: %w", err))
	}
	if c.Mosaic.NightStartHour < 0 || c.Mosaic.NightStartHour > 23 {
		errs = append(errs, errors.New("mosaic.night_start_hour must be within 0-23"))
	}
	return errors.Join(errs...)
}

// ValidateFor adds the requirements specific to one command.
func (c *Config) ValidateFor(command string) error {
	errs := []error{c.Validate()}
	switch command {
	case "download":
		if c.Credentials.User == "" {
			errs = append(errs, errors.New("credentials.user is required"))
		}
		if c.Credentials.ProgramID == "" {
			errs = append(errs, errors.New("credentials.program_id is required"))
		}
	case "link", "mosaic":
		if c.MosaicWorkingDirectory == "" {
			errs = append(errs, errors.New("mosaic_working_directory is required"))
		}
	case "inventory", "watch":
		if len(c.Directories) == 0 {
			errs = append(errs, errors.New("directories must list at least one directory"))
		}
	case "prered":
		if c.Reducer.Command == "" {
			errs = append(errs, errors.New("reducer.command is required"))
		}
	case "report":
		if c.ReportPath == "" {
			errs = append(errs, errors.New("report_path is required"))
		}
	}
	return errors.Join(errs...)
}

func (c *Config) expandPaths() error {
	fields := []*string{
		&c.WorkingDirectory, &c.ReportPath, &c.ReducedDataDir, &c.MosaicWorkingDirectory,
		&c.CCDMasksDirectory, &c.SourcesSaveDir, &c.HeadersSaveDir, &c.TmpDir,
	}
	for _, f := range fields {
		expanded, err := homedir.Expand(*f)
		if err != nil {
			return err
		}
		*f = expanded
	}
	for i, d := range c.Directories {
		expanded, err := homedir.Expand(d)
		if err != nil {
			return err
		}
		c.Directories[i] = expanded
	}
	return nil
}

func defaultConfig() *Config {
	return &Config{
		WorkingDirectory:     ".",
		DiscoveryFilePattern: "*OFCS.fits",
		Database:             Database{Name: "omegacamer.sqlite3"},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			File:       "omegacamer.log",
			MaxSize:    100, // 100MB
			MaxBackups: 5,
			MaxAge:     30, // 30 days
		},
		ScampBin:       "scamp",
		SexBin:         "sex",
		SwarpBin:       "swarp",
		GzipBin:        "gzip",
		SourcesSaveDir: "sources",
		HeadersSaveDir: "headers",
		TmpDir:         os.TempDir(),
		ReducedFormat:  "perccd",
		Version:        "v0.1.0",
		Archive: Archive{
			RecordsURL:     "https://archive.eso.org/wdb/wdb/eso/eso_archive_main/query",
			TokenURL:       "https://www.eso.org/sso/oidc/token",
			FileURL:        "https://dataportal.eso.org/dataPortal/file",
			CalselectorURL: "https://archive.eso.org/calselector/v1/associations",
			MaxRows:        30000,
			Timeout:        10 * time.Minute,
		},
		Scamp: Scamp{
			AstrefCatalog:  "GAIA-EDR3",
			AstrefBand:     "DEFAULT",
			PositionMaxErr: 1.0,
			PosAngleMaxErr: 5.0,
			PixScaleMaxErr: 1.2,
			CrossIDRadius:  2.0,
			Match:          true,
			SolveAstrom:    true,
			SolvePhotom:    false,
			SNThresholds:   "10.0,100.0",
			FWHMThresholds: "0.0,100.0",
			HeaderSuffix:   ".head",
			AHeaderSuffix:  ".ahead",
			CheckplotType:  "NONE",
			CheckplotDev:   "NULL",
			VerboseType:    "NORMAL",
			Threads:        1,
		},
		Sextractor: Sextractor{
			DetectThresh:   5.0,
			AnalysisThresh: 5.0,
			DetectMinArea:  5,
		},
		Swarp: Swarp{
			CombineType:    "MEDIAN",
			ResamplingType: "LANCZOS3",
			PixelscaleType: "MEDIAN",
			ProjectionType: "TAN",
			MemMax:         2048,
		},
		Mosaic: Mosaic{
			ExpectedCCDs:   32,
			Timezone:       "America/Santiago",
			NightStartHour: 20,
			PreviewSize:    1024,
		},
		Processing: Processing{
			ParallelJobs: defaultParallel,
			QueueSize:    16,
		},
		Server: Server{
			Addr: "localhost:8080",
		},
	}
}
