package mosaic

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omegacamer/internal/astro"
	"omegacamer/internal/fits"
	"omegacamer/internal/scamp"
	"omegacamer/internal/storage"
	"omegacamer/internal/swarp"
)

const (
	epoch1 = "2024-10-24T05:41:00.123"
	epoch2 = "2024-10-24T06:02:10.500"
)

var utcNights = NightRule{Location: time.UTC, StartHour: 12}

func newStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.New(filepath.Join(t.TempDir(), "book.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func writeFrame(t *testing.T, dir, name, object string) string {
	t.Helper()
	h := fits.NewHeader()
	require.NoError(t, h.Set("SIMPLE", true, ""))
	require.NoError(t, h.Set("BITPIX", 16, ""))
	require.NoError(t, h.Set("NAXIS", 0, ""))
	if object != "" {
		require.NoError(t, h.Set("OBJECT", object, "Target"))
	}
	path := filepath.Join(dir, name)
	require.NoError(t, fits.WriteFile(path, h, nil))
	return path
}

func frameName(epoch string, ccd int) string {
	return "OMEGA." + epoch + "_" + strconv.Itoa(ccd) + "OFCS.fits"
}

func night(t *testing.T, epoch string) string {
	t.Helper()
	ts, err := astro.ParseTimestamp(epoch)
	require.NoError(t, err)
	return utcNights.Night(ts)
}

// inventoried registers ccds 1..n of epoch1 for J1433_6007.
func inventoried(t *testing.T, store *storage.Store, n int) (string, []string) {
	t.Helper()
	dir := t.TempDir()
	var files []string
	for ccd := 1; ccd <= n; ccd++ {
		files = append(files, writeFrame(t, dir, frameName(epoch1, ccd), "J1433_6007"))
	}
	inv := NewInventory(store, []string{dir}, "*OFCS.fits", utcNights, n, nil)
	_, err := inv.Build(context.Background())
	require.NoError(t, err)
	return dir, files
}

func TestInventoryBuild(t *testing.T) {
	store := newStore(t)
	dir := t.TempDir()
	writeFrame(t, dir, frameName(epoch1, 1), "J1433_6007 ")
	writeFrame(t, dir, frameName(epoch1, 2), "J1433_6007")
	writeFrame(t, dir, frameName(epoch2, 1), "")
	writeFrame(t, dir, "garbage_1OFCS.fits", "J1433_6007")
	writeFrame(t, dir, "notes.fits", "J1433_6007")

	inv := NewInventory(store, []string{filepath.Join(t.TempDir(), "missing"), dir}, "*OFCS.fits", utcNights, 32, nil)
	sum, err := inv.Build(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Directories)
	assert.Equal(t, 4, sum.Files)
	assert.Equal(t, 2, sum.Added)
	assert.Equal(t, 1, sum.Unparsable)
	assert.Equal(t, 1, sum.Failed)
	require.Len(t, sum.Incomplete, 1)
	assert.Equal(t, 2, sum.Incomplete[0].CCDs)
	assert.Equal(t, "J1433_6007", sum.Incomplete[0].Target)

	exps, err := store.ExposuresForMosaic(context.Background(), "J1433_6007", night(t, epoch1))
	require.NoError(t, err)
	require.Len(t, exps, 2)
	assert.True(t, filepath.IsAbs(exps[0].FilePath))
	assert.Equal(t, epoch1, exps[0].Timestamp)

	sum, err = inv.Build(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Added)
}

func TestInventoryCompleteEpochs(t *testing.T) {
	store := newStore(t)
	dir := t.TempDir()
	writeFrame(t, dir, frameName(epoch1, 1), "J1433_6007")
	writeFrame(t, dir, frameName(epoch1, 2), "J1433_6007")

	inv := NewInventory(store, []string{dir}, "*OFCS.fits", utcNights, 2, nil)
	sum, err := inv.Build(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sum.Incomplete)
}

func TestAddFileErrors(t *testing.T) {
	store := newStore(t)
	dir := t.TempDir()
	inv := NewInventory(store, nil, "", utcNights, 32, nil)

	_, err := inv.AddFile(context.Background(), writeFrame(t, dir, "x.fits", "A"))
	assert.True(t, errors.Is(err, astro.ErrUnparsableName))

	_, err = inv.AddFile(context.Background(), writeFrame(t, dir, frameName(epoch1, 3), ""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OBJECT")

	added, err := inv.AddFile(context.Background(), writeFrame(t, dir, frameName(epoch1, 4), "A"))
	require.NoError(t, err)
	assert.True(t, added)
}

func TestLinkerLink(t *testing.T) {
	store := newStore(t)
	_, files := inventoried(t, store, 3)
	require.NoError(t, os.Remove(files[2]))

	work := t.TempDir()
	l := NewLinker(store, work, nil)
	sum, err := l.Link(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Groups)
	assert.Equal(t, 2, sum.Linked)
	assert.Equal(t, 1, sum.Missing)

	dir := filepath.Join(work, "J1433_6007", night(t, epoch1))
	target, err := os.Readlink(filepath.Join(dir, filepath.Base(files[0])))
	require.NoError(t, err)
	assert.Equal(t, files[0], target)

	sum, err = l.Link(context.Background())
	require.NoError(t, err)
	assert.Zero(t, sum.Linked, "existing links are kept")
}

func TestLinkerSkipsGroupWithoutFiles(t *testing.T) {
	store := newStore(t)
	_, files := inventoried(t, store, 1)
	require.NoError(t, os.Remove(files[0]))

	work := t.TempDir()
	sum, err := NewLinker(store, work, nil).Link(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Empty)
	assert.NoDirExists(t, filepath.Join(work, "J1433_6007"))
}

func TestLoadMasks(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"1.fits", "32.fits", "bad.fits", "readme.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), nil, 0o644))
	}
	masks, err := LoadMasks(dir, nil)
	require.NoError(t, err)
	assert.Equal(t, Masks{1: filepath.Join(dir, "1.fits"), 32: filepath.Join(dir, "32.fits")}, masks)

	_, err = LoadMasks(filepath.Join(dir, "nope"), nil)
	assert.Error(t, err)
}

func TestWeightName(t *testing.T) {
	assert.Equal(t, "a_1OFCS.weight.fits", WeightName("a_1OFCS.fits"))
}

type fakeCoadder struct {
	mu      sync.Mutex
	configs []swarp.Config
	inputs  [][]string
	err     error
}

func (f *fakeCoadder) Run(ctx context.Context, cfg swarp.Config, workDir, pattern string, redo bool, configName string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := filepath.Join(workDir, cfg.OutputName)
	if _, err := os.Stat(out); err == nil && !redo {
		return false, nil
	}
	if f.err != nil {
		return true, f.err
	}
	data, err := os.ReadFile(filepath.Join(workDir, strings.TrimPrefix(pattern, "@")))
	if err != nil {
		return true, err
	}
	f.configs = append(f.configs, cfg)
	f.inputs = append(f.inputs, strings.Fields(string(data)))
	return true, os.WriteFile(out, []byte("mosaic"), 0o644)
}

type fakeSolver struct {
	fail   map[string]bool
	solved []string
}

func (f *fakeSolver) SolveAll(ctx context.Context, files []string) []scamp.Result {
	out := make([]scamp.Result, len(files))
	for i, file := range files {
		out[i] = scamp.Result{File: file, Header: file + ".head"}
		if f.fail[filepath.Base(file)] {
			out[i].Err = scamp.ErrTooFewSources
			continue
		}
		f.solved = append(f.solved, file)
	}
	return out
}

func newBuilder(t *testing.T, store *storage.Store, masks Masks, solver Solver, c Coadder, opts BuildOptions) (*Builder, string) {
	t.Helper()
	work := t.TempDir()
	if opts.Swarp.CombineType == "" {
		opts.Swarp = swarp.DefaultConfig()
	}
	preview := func(ctx context.Context, fitsPath, pngPath string) error {
		return os.WriteFile(pngPath, []byte("png"), 0o644)
	}
	return NewBuilder(store, NewLinker(store, work, nil), masks, solver, c, preview, opts, nil), work
}

func TestBuildProducesMosaic(t *testing.T) {
	store := newStore(t)
	inventoried(t, store, 2)
	coadder := &fakeCoadder{}
	b, work := newBuilder(t, store, nil, nil, coadder, BuildOptions{})

	sum, err := b.Build(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Built)

	n := night(t, epoch1)
	out := filepath.Join(work, "J1433_6007", n, "J1433_6007_"+n+".fits")
	m, err := store.FindMosaic(context.Background(), "J1433_6007", n)
	require.NoError(t, err)
	assert.Equal(t, out, m.FilePath)
	assert.Equal(t, 2, m.InputCount)
	assert.Equal(t, strings.TrimSuffix(out, ".fits")+".png", m.PreviewPath)
	assert.FileExists(t, m.PreviewPath)

	require.Len(t, coadder.inputs, 1)
	assert.Equal(t, []string{frameName(epoch1, 1), frameName(epoch1, 2)}, coadder.inputs[0])
	assert.Equal(t, "NONE", coadder.configs[0].WeightType)
	assert.Equal(t, "J1433_6007_"+n+".weight.fits", coadder.configs[0].WeightOutputName)

	sum, err = b.Build(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Zero(t, sum.Groups, "built mosaics are not missing any more")
}

func TestBuildUsesMasksOnlyWhenComplete(t *testing.T) {
	store := newStore(t)
	inventoried(t, store, 2)
	maskDir := t.TempDir()
	m1 := writeFrame(t, maskDir, "1.fits", "")
	m2 := writeFrame(t, maskDir, "2.fits", "")

	coadder := &fakeCoadder{}
	b, work := newBuilder(t, store, Masks{1: m1, 2: m2}, nil, coadder, BuildOptions{})
	_, err := b.Build(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, coadder.configs, 1)
	assert.Equal(t, "MAP_WEIGHT", coadder.configs[0].WeightType)

	weight := filepath.Join(work, "J1433_6007", night(t, epoch1), WeightName(frameName(epoch1, 2)))
	target, err := os.Readlink(weight)
	require.NoError(t, err)
	assert.Equal(t, m2, target)

	store2 := newStore(t)
	inventoried(t, store2, 2)
	coadder2 := &fakeCoadder{}
	b2, _ := newBuilder(t, store2, Masks{1: m1}, nil, coadder2, BuildOptions{})
	_, err = b2.Build(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, "NONE", coadder2.configs[0].WeightType)
}

func TestBuildPlateSolveDropsFailures(t *testing.T) {
	store := newStore(t)
	_, files := inventoried(t, store, 3)
	solver := &fakeSolver{fail: map[string]bool{filepath.Base(files[1]): true}}
	coadder := &fakeCoadder{}
	b, work := newBuilder(t, store, nil, solver, coadder, BuildOptions{PlateSolve: true})

	sum, err := b.Build(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Unsolved)
	assert.Equal(t, []string{files[0], files[2]}, solver.solved)
	assert.Equal(t, []string{filepath.Base(files[0]), filepath.Base(files[2])}, coadder.inputs[0])

	n := night(t, epoch1)
	_, err = os.Lstat(filepath.Join(work, "J1433_6007", n, filepath.Base(files[1])))
	assert.True(t, os.IsNotExist(err), "failed frames are unlinked")

	exps, err := store.ExposuresForMosaic(context.Background(), "J1433_6007", n)
	require.NoError(t, err)
	assert.True(t, exps[0].Solved)
	assert.Equal(t, files[0]+".head", exps[0].HeaderPath)
	assert.False(t, exps[1].Solved)
}

func TestBuildRequireCompleteEpochs(t *testing.T) {
	store := newStore(t)
	dir, _ := inventoried(t, store, 2)
	inv := NewInventory(store, []string{dir}, "*OFCS.fits", utcNights, 2, nil)
	added, err := inv.AddFile(context.Background(), writeFrame(t, dir, frameName(epoch2, 1), "J1433_6007"))
	require.NoError(t, err)
	require.True(t, added)

	coadder := &fakeCoadder{}
	b, _ := newBuilder(t, store, nil, nil, coadder, BuildOptions{RequireComplete: true, ExpectedCCDs: 2})
	_, err = b.Build(context.Background(), Filter{})
	require.NoError(t, err)
	require.Len(t, coadder.inputs, 1)
	assert.Len(t, coadder.inputs[0], 2)
}

func TestBuildFilterAndRedo(t *testing.T) {
	store := newStore(t)
	inventoried(t, store, 1)
	n := night(t, epoch1)

	coadder := &fakeCoadder{}
	b, _ := newBuilder(t, store, nil, nil, coadder, BuildOptions{})
	sum, err := b.Build(context.Background(), Filter{Target: "OTHER"})
	require.NoError(t, err)
	assert.Zero(t, sum.Groups)

	_, err = b.Build(context.Background(), Filter{Target: "J1433_6007", Night: n})
	require.NoError(t, err)
	require.Len(t, coadder.inputs, 1)

	sum, err = b.Build(context.Background(), Filter{Target: "J1433_6007", Night: n})
	require.NoError(t, err)
	assert.Zero(t, sum.Groups, "existing mosaic is left alone")

	sum, err = b.Build(context.Background(), Filter{Target: "J1433_6007", Night: n, Redo: true})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Built)
	assert.Len(t, coadder.inputs, 2)

	b.opts.Redo = true
	sum, err = b.Build(context.Background(), Filter{Target: "J1433_6007", Night: n})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Built)
	assert.Len(t, coadder.inputs, 3)
}

func TestBuildReportsCoaddFailure(t *testing.T) {
	store := newStore(t)
	inventoried(t, store, 1)
	b, _ := newBuilder(t, store, nil, nil, &fakeCoadder{err: errors.New("swarp crashed")}, BuildOptions{})

	sum, err := b.Build(context.Background(), Filter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "swarp crashed")
	assert.Equal(t, 1, sum.Failed)

	ok, err := store.MosaicExists(context.Background(), "J1433_6007", night(t, epoch1))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBuildSkipsGroupWithoutFiles(t *testing.T) {
	store := newStore(t)
	_, files := inventoried(t, store, 1)
	require.NoError(t, os.Remove(files[0]))

	coadder := &fakeCoadder{}
	b, _ := newBuilder(t, store, nil, nil, coadder, BuildOptions{})
	sum, err := b.Build(context.Background(), Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Skipped)
	assert.Empty(t, coadder.inputs)
}
