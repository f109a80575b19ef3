package swarp

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omegacamer/internal/config"
	"omegacamer/internal/tools"
)

func fakeSwarp(t *testing.T) string {
	t.Helper()
	bin := t.TempDir()
	t.Setenv("PATH", bin+string(os.PathListSeparator)+os.Getenv("PATH"))
	calls := filepath.Join(t.TempDir(), "calls.log")
	// record the arguments and produce the output named in the config
	script := `#!/bin/sh
echo "$@" >> ` + calls + `
prev=""; conf=""
for a in "$@"; do [ "$prev" = "-c" ] && conf="$a"; prev="$a"; done
out=$(awk '$1 == "IMAGEOUT_NAME" {print $2}' "$conf")
: > "$out"
`
	require.NoError(t, os.WriteFile(filepath.Join(bin, "swarp"), []byte(script), 0o755))
	return calls
}

func TestRunExpandsPatternAndSkipsExisting(t *testing.T) {
	calls := fakeSwarp(t)
	work := t.TempDir()
	for _, n := range []string{"b_2OFCS.fits", "a_1OFCS.fits", "a_1OFCS.weight.fits", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(work, n), nil, 0o644))
	}

	mgr := tools.NewManager(&config.Config{SwarpBin: "swarp"}, nil)
	c, err := NewCoadder(mgr, "", nil)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.OutputName = "J1433_6007_2024-10-23.fits"

	ran, err := c.Run(context.Background(), cfg, work, "*OFCS.fits", false, "mosaic.swarp")
	require.NoError(t, err)
	assert.True(t, ran)
	assert.FileExists(t, filepath.Join(work, "J1433_6007_2024-10-23.fits"))

	ran, err = c.Run(context.Background(), cfg, work, "*OFCS.fits", false, "mosaic.swarp")
	require.NoError(t, err)
	assert.False(t, ran)

	ran, err = c.Run(context.Background(), cfg, work, "*OFCS.fits", true, "mosaic.swarp")
	require.NoError(t, err)
	assert.True(t, ran)

	data, err := os.ReadFile(calls)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "a_1OFCS.fits b_2OFCS.fits -c mosaic.swarp", lines[0])
}

func TestRunSingleFileAndExtraArgs(t *testing.T) {
	calls := fakeSwarp(t)
	work := t.TempDir()
	mgr := tools.NewManager(&config.Config{SwarpBin: "swarp"}, nil)
	c, err := NewCoadder(mgr, "-VERBOSE_TYPE QUIET", nil)
	require.NoError(t, err)

	_, err = c.Run(context.Background(), DefaultConfig(), work, "one.fits", false, "x.swarp")
	require.NoError(t, err)
	data, err := os.ReadFile(calls)
	require.NoError(t, err)
	assert.Equal(t, "one.fits -c x.swarp -VERBOSE_TYPE QUIET\n", string(data))
}

func TestRunNoInputs(t *testing.T) {
	fakeSwarp(t)
	mgr := tools.NewManager(&config.Config{SwarpBin: "swarp"}, nil)
	c, err := NewCoadder(mgr, "", nil)
	require.NoError(t, err)
	_, err = c.Run(context.Background(), DefaultConfig(), t.TempDir(), "*.fits", false, "x.swarp")
	assert.True(t, errors.Is(err, ErrNoInputs))
}

func TestWriteConfigDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "default.swarp")
	require.NoError(t, DefaultConfig().WriteConfig(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)
	for _, want := range []string{
		"IMAGEOUT_NAME      coadd.fits",
		"WEIGHT_TYPE        NONE",
		"COMBINE_TYPE       MEDIAN",
		"PROJECTION_ERR     0.001",
		"CENTER             00:00:00.0, +00:00:00.0",
		"FSCALASTRO_TYPE    FIXED",
		"VMEM_MAX           2047",
		"WRITE_XML          Y",
		"NTHREADS           0",
	} {
		assert.Contains(t, text, want)
	}
}

func TestFromSettings(t *testing.T) {
	c := FromSettings(config.Swarp{CombineType: "WEIGHTED", MemMax: 4096, NThreads: 8, SubtractBack: true}, nil)
	assert.Equal(t, "WEIGHTED", c.CombineType)
	assert.Equal(t, "LANCZOS3", c.ResamplingType)
	assert.Equal(t, 4096, c.MemMax)
	assert.Equal(t, 8, c.NThreads)
	assert.True(t, c.SubtractBack)

	c = FromSettings(config.Swarp{}, nil)
	assert.GreaterOrEqual(t, c.MemMax, 256)
}
