package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
working_directory: /scratch/omegacam
credentials:
  user: astro
  program_id: 110.2AB1.001
objects: [J1433_6007, RXJ1131]
plate_solve: true
database:
  name: book.sqlite3
scamp:
  threads: 8
  astref_catalog: GAIA-DR3
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/scratch/omegacam", cfg.WorkingDirectory)
	assert.Equal(t, "110.2AB1.001", cfg.Credentials.ProgramID)
	assert.Equal(t, []string{"J1433_6007", "RXJ1131"}, cfg.Targets())
	assert.True(t, cfg.PlateSolve)
	assert.Equal(t, 8, cfg.Scamp.Threads)
	assert.Equal(t, "GAIA-DR3", cfg.Scamp.AstrefCatalog)
	// untouched keys keep their defaults
	assert.Equal(t, ".head", cfg.Scamp.HeaderSuffix)
	assert.Equal(t, "*OFCS.fits", cfg.DiscoveryFilePattern)
	assert.Equal(t, 32, cfg.Mosaic.ExpectedCCDs)
	assert.Equal(t, filepath.Join("/scratch/omegacam", "book.sqlite3"), cfg.DatabasePath())
	assert.Equal(t, path, cfg.Path())
}

func TestLoadLensesAlias(t *testing.T) {
	cfg, err := Load(writeConfig(t, "lenses: [HE0435]\n"))
	require.NoError(t, err)
	assert.Equal(t, []string{"HE0435"}, cfg.Targets())
}

func TestLoadUsesEnvironment(t *testing.T) {
	path := writeConfig(t, "working_directory: /from/env\n")
	t.Setenv(EnvConfig, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/from/env", cfg.WorkingDirectory)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestLoadMissingDefaultFallsBack(t *testing.T) {
	t.Setenv(EnvConfig, "")
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "omegacamer.sqlite3", cfg.Database.Name)
}

func TestValidate(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Database.Name = "sub/dir.db"
	cfg.Processing.ParallelJobs = 0
	cfg.ReducedFormat = "tiles"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.name")
	assert.Contains(t, err.Error(), "parallel_jobs")
	assert.Contains(t, err.Error(), "reduced_format")
}

func TestValidateForCommand(t *testing.T) {
	cfg := defaultConfig()

	err := cfg.ValidateFor("download")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "credentials.user")

	cfg.Credentials = Credentials{User: "u", ProgramID: "p"}
	assert.NoError(t, cfg.ValidateFor("download"))

	assert.Error(t, cfg.ValidateFor("mosaic"))
	cfg.MosaicWorkingDirectory = t.TempDir()
	assert.NoError(t, cfg.ValidateFor("mosaic"))
}
