package scamp

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"omegacamer/internal/config"
	"omegacamer/internal/tools"
)

// Files written into every work directory.
const (
	ScampConfig = "default.scamp"
	SexConfig   = "default.sex"
	SexParams   = "default.param"
	SexFilter   = "default.conv"
)

// catalog columns SCAMP needs from SExtractor
var sexParams = []string{
	"NUMBER",
	"XWIN_IMAGE", "YWIN_IMAGE",
	"ERRAWIN_IMAGE", "ERRBWIN_IMAGE", "ERRTHETAWIN_IMAGE",
	"XWIN_WORLD", "YWIN_WORLD",
	"FLUX_AUTO", "FLUXERR_AUTO",
	"MAG_AUTO", "MAGERR_AUTO",
	"FLUX_RADIUS", "ELONGATION",
	"FLAGS", "FLAGS_WEIGHT",
}

// 3x3 pyramidal convolution mask with FWHM = 2 pixels
const sexConv = `CONV NORM
# 3x3 ` + "``" + `all-ground'' convolution mask with FWHM = 2 pixels.
1 2 1
2 4 2
1 2 1
`

func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// WriteScampConfig writes default.scamp into dir.
func WriteScampConfig(dir string, c config.Scamp) error {
	return tools.WriteParams(filepath.Join(dir, ScampConfig), []tools.Param{
		{Key: "FGROUP_RADIUS", Value: "1.0", Comment: "max dist (deg) between field groups"},
		{Key: "REF_SERVER", Value: "vizier.unistra.fr"},
		{Key: "ASTREF_CATALOG", Value: c.AstrefCatalog},
		{Key: "ASTREF_BAND", Value: c.AstrefBand},
		{Key: "ASTREFMAG_LIMITS", Value: "-99.0,99.0"},
		{Key: "MATCH", Value: tools.YesNo(c.Match)},
		{Key: "MATCH_NMAX", Value: "0"},
		{Key: "PIXSCALE_MAXERR", Value: ftoa(c.PixScaleMaxErr), Comment: "max scale-factor uncertainty"},
		{Key: "POSANGLE_MAXERR", Value: ftoa(c.PosAngleMaxErr), Comment: "max position-angle uncertainty (deg)"},
		{Key: "POSITION_MAXERR", Value: ftoa(c.PositionMaxErr), Comment: "max positional uncertainty (arcmin)"},
		{Key: "MATCH_RESOL", Value: "0"},
		{Key: "MATCH_FLIPPED", Value: "N"},
		{Key: "MOSAIC_TYPE", Value: "UNCHANGED"},
		{Key: "CROSSID_RADIUS", Value: ftoa(c.CrossIDRadius), Comment: "cross-id initial radius (arcsec)"},
		{Key: "SOLVE_ASTROM", Value: tools.YesNo(c.SolveAstrom)},
		{Key: "CENTROID_KEYS", Value: "XWIN_IMAGE,YWIN_IMAGE"},
		{Key: "CENTROIDERR_KEYS", Value: "ERRAWIN_IMAGE,ERRBWIN_IMAGE,ERRTHETAWIN_IMAGE"},
		{Key: "DISTORT_KEYS", Value: "XWIN_IMAGE,YWIN_IMAGE"},
		{Key: "DISTORT_GROUPS", Value: "1,1"},
		{Key: "DISTORT_DEGREES", Value: "3"},
		{Key: "SOLVE_PHOTOM", Value: tools.YesNo(c.SolvePhotom)},
		{Key: "PHOTFLUX_KEY", Value: "FLUX_AUTO"},
		{Key: "PHOTFLUXERR_KEY", Value: "FLUXERR_AUTO"},
		{Key: "SN_THRESHOLDS", Value: c.SNThresholds, Comment: "S/N thresholds (in sigmas) for all and high-SN sample"},
		{Key: "FWHM_THRESHOLDS", Value: c.FWHMThresholds, Comment: "FWHM thresholds (in pixels) for sources"},
		{Key: "AHEADER_SUFFIX", Value: c.AHeaderSuffix},
		{Key: "HEADER_SUFFIX", Value: c.HeaderSuffix},
		{Key: "HEADER_TYPE", Value: "NORMAL"},
		{Key: "CHECKPLOT_DEV", Value: c.CheckplotDev},
		{Key: "CHECKPLOT_TYPE", Value: c.CheckplotType},
		{Key: "VERBOSE_TYPE", Value: c.VerboseType},
		{Key: "WRITE_XML", Value: "N"},
		{Key: "NTHREADS", Value: strconv.Itoa(c.Threads), Comment: "0 = automatic"},
	})
}

// WriteSexConfig writes default.sex with its parameter list and filter
// into dir.
func WriteSexConfig(dir string, c config.Sextractor) error {
	err := tools.WriteParams(filepath.Join(dir, SexConfig), []tools.Param{
		{Key: "CATALOG_NAME", Value: "test.cat"},
		{Key: "CATALOG_TYPE", Value: "FITS_LDAC"},
		{Key: "PARAMETERS_NAME", Value: SexParams},
		{Key: "DETECT_TYPE", Value: "CCD"},
		{Key: "DETECT_MINAREA", Value: strconv.Itoa(c.DetectMinArea), Comment: "min. # of pixels above threshold"},
		{Key: "DETECT_THRESH", Value: ftoa(c.DetectThresh), Comment: "<sigmas> or <threshold>,<ZP> in mag.arcsec-2"},
		{Key: "ANALYSIS_THRESH", Value: ftoa(c.AnalysisThresh)},
		{Key: "FILTER", Value: "Y"},
		{Key: "FILTER_NAME", Value: SexFilter},
		{Key: "DEBLEND_NTHRESH", Value: "32"},
		{Key: "DEBLEND_MINCONT", Value: "0.005"},
		{Key: "CLEAN", Value: "Y"},
		{Key: "CLEAN_PARAM", Value: "1.0"},
		{Key: "MASK_TYPE", Value: "CORRECT"},
		{Key: "PHOT_APERTURES", Value: "5"},
		{Key: "PHOT_AUTOPARAMS", Value: "2.5,3.5"},
		{Key: "SATUR_LEVEL", Value: "50000.0"},
		{Key: "SATUR_KEY", Value: "SATURATE"},
		{Key: "MAG_ZEROPOINT", Value: "0.0"},
		{Key: "GAIN_KEY", Value: "GAIN"},
		{Key: "PIXEL_SCALE", Value: "0", Comment: "0 = use FITS WCS info"},
		{Key: "BACK_SIZE", Value: "64"},
		{Key: "BACK_FILTERSIZE", Value: "3"},
		{Key: "BACKPHOTO_TYPE", Value: "GLOBAL"},
		{Key: "CHECKIMAGE_TYPE", Value: "NONE"},
		{Key: "MEMORY_OBJSTACK", Value: "3000"},
		{Key: "MEMORY_PIXSTACK", Value: "300000"},
		{Key: "MEMORY_BUFSIZE", Value: "1024"},
		{Key: "VERBOSE_TYPE", Value: "QUIET"},
		{Key: "WRITE_XML", Value: "N"},
	})
	if err != nil {
		return err
	}
	var params []byte
	for _, p := range sexParams {
		params = fmt.Appendf(params, "%s\n", p)
	}
	if err := os.WriteFile(filepath.Join(dir, SexParams), params, 0o644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, SexFilter), []byte(sexConv), 0o644)
}
