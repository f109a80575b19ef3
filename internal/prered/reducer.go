package prered

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"omegacamer/internal/tools"
)

// Reduced frame layouts.
const (
	FormatMEF    = "MEF"
	FormatPerCCD = "perccd"
)

// Reducer does the pixel work of the pre-reduction. All paths are absolute.
type Reducer interface {
	// CombineBias median-combines raw biases into output.
	CombineBias(ctx context.Context, inputs []string, output string) error
	// CombineFlat bias-corrects, normalises and median-combines raw flats.
	CombineFlat(ctx context.Context, inputs []string, masterBias, output string) error
	// ReduceScience calibrates one raw frame and returns the file to register:
	// the MEF product, or the last CCD file for per-CCD output.
	ReduceScience(ctx context.Context, req ReduceRequest) (string, error)
}

// ReduceRequest describes one science frame reduction.
type ReduceRequest struct {
	Input      string
	MasterBias string
	MasterFlat string
	OutDir     string
	Format     string
}

// Output returns the MEF product path, or for per-CCD output the prefix the
// CCD files share (<prefix>_<ccd>OFCS.fits).
func (r ReduceRequest) Output() string {
	stem := strings.TrimSuffix(filepath.Base(r.Input), ".fits")
	if strings.EqualFold(r.Format, FormatPerCCD) {
		return filepath.Join(r.OutDir, stem)
	}
	return filepath.Join(r.OutDir, stem+"_red.fits")
}

// ExecReducer runs an external reduction command:
//
//	<command> [args...] combine-bias --output OUT IN...
//	<command> [args...] combine-flat --bias BIAS --output OUT IN...
//	<command> [args...] reduce --bias BIAS --flat FLAT --format MEF|perccd --output OUT IN
type ExecReducer struct {
	Runner Runner
	Args   []string
}

// Runner executes external tools; *tools.Manager satisfies it.
type Runner interface {
	Run(ctx context.Context, c tools.Cmd) error
}

func (e ExecReducer) run(ctx context.Context, sub string, args ...string) error {
	full := append(append([]string{}, e.Args...), sub)
	full = append(full, args...)
	return e.Runner.Run(ctx, tools.Cmd{Tool: tools.Reducer, Args: full})
}

func (e ExecReducer) CombineBias(ctx context.Context, inputs []string, output string) error {
	return e.run(ctx, "combine-bias", append([]string{"--output", output}, inputs...)...)
}

func (e ExecReducer) CombineFlat(ctx context.Context, inputs []string, masterBias, output string) error {
	return e.run(ctx, "combine-flat", append([]string{"--bias", masterBias, "--output", output}, inputs...)...)
}

func (e ExecReducer) ReduceScience(ctx context.Context, req ReduceRequest) (string, error) {
	format := FormatMEF
	if strings.EqualFold(req.Format, FormatPerCCD) {
		format = FormatPerCCD
	}
	out := req.Output()
	err := e.run(ctx, "reduce", "--bias", req.MasterBias, "--flat", req.MasterFlat,
		"--format", format, "--output", out, req.Input)
	if err != nil {
		return "", err
	}
	if format == FormatMEF {
		return out, nil
	}
	return lastCCDFile(out)
}

// lastCCDFile finds the highest numbered <prefix>_<ccd>OFCS.fits.
func lastCCDFile(prefix string) (string, error) {
	matches, err := filepath.Glob(prefix + "_*OFCS.fits")
	if err != nil {
		return "", err
	}
	ccd := func(p string) int {
		s := strings.TrimSuffix(strings.TrimPrefix(p, prefix+"_"), "OFCS.fits")
		n, err := strconv.Atoi(s)
		if err != nil {
			return -1
		}
		return n
	}
	sort.Slice(matches, func(i, j int) bool { return ccd(matches[i]) < ccd(matches[j]) })
	if len(matches) == 0 || ccd(matches[len(matches)-1]) < 0 {
		return "", fmt.Errorf("reducer wrote no CCD files for %s", filepath.Base(prefix))
	}
	return matches[len(matches)-1], nil
}
