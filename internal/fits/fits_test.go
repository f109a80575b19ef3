package fits

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frameHeader(t *testing.T) *Header {
	t.Helper()
	h := NewHeader()
	require.NoError(t, h.Set("SIMPLE", true, "conforms to FITS standard"))
	require.NoError(t, h.Set("BITPIX", 16, ""))
	require.NoError(t, h.Set("NAXIS", 0, ""))
	require.NoError(t, h.Set("OBJECT", "J1433 6007", ""))
	require.NoError(t, h.Set("MJD-OBS", 60607.236806, "Obs start"))
	require.NoError(t, h.Set("HIERARCH ESO INS FILT1 NAME", "r_SDSS", "Filter name"))
	require.NoError(t, h.Set("CTYPE1", "RA---TAN", ""))
	return h
}

func TestHeaderAccessors(t *testing.T) {
	h := frameHeader(t)

	s, ok := h.String("OBJECT")
	require.True(t, ok)
	assert.Equal(t, "J1433 6007", s)

	s, ok = h.String("ESO INS FILT1 NAME")
	require.True(t, ok)
	assert.Equal(t, "r_SDSS", s)

	mjd, err := h.Float("MJD-OBS")
	require.NoError(t, err)
	assert.InDelta(t, 60607.236806, mjd, 1e-9)

	n, err := h.Int("BITPIX")
	require.NoError(t, err)
	assert.Equal(t, 16, n)

	_, err = h.Float("EXPTIME")
	assert.Error(t, err)

	assert.True(t, h.Delete("CTYPE1"))
	assert.False(t, h.Has("CTYPE1"))
	assert.False(t, h.Delete("CTYPE1"))
}

func TestDeleteFuncDropsDistortionTerms(t *testing.T) {
	h := frameHeader(t)
	require.NoError(t, h.Set("PV1_1", 1.0, ""))
	require.NoError(t, h.Set("PV2_10", 3e-4, ""))
	require.NoError(t, h.Set("CD1_1", -5.58e-5, ""))

	assert.Equal(t, 4, h.DeleteFunc(IsWCSKey))
	for _, k := range []string{"PV1_1", "PV2_10", "CD1_1", "CTYPE1"} {
		assert.False(t, h.Has(k), k)
	}
	assert.True(t, h.Has("OBJECT"))
	assert.True(t, h.Has("MJD-OBS"))
}

func TestParseCardForms(t *testing.T) {
	c := parseCard("OBJECT  = 'O''Brien '           / the target")
	assert.Equal(t, "OBJECT", c.Key)
	assert.Equal(t, "'O''Brien '", c.Value)
	assert.Equal(t, "the target", c.Comment)
	assert.Equal(t, "O'Brien", unquote(c.Value))

	c = parseCard("HIERARCH ESO DET WIN1 BINX = 1 / Binning factor along X")
	assert.Equal(t, "ESO DET WIN1 BINX", c.Key)
	assert.Equal(t, "1", c.Value)

	c = parseCard("COMMENT   just words = not a value")
	assert.False(t, c.HasEq)
	assert.Equal(t, "COMMENT", c.Key)
}

func TestParseHeaderTextTransliterates(t *testing.T) {
	text := strings.Join([]string{
		"COMMENT   Université de Bordeaux",
		"EQUINOX =        2000.00000000 / Mean equinox",
		"RADESYS = 'ICRS    '           / Astrometric system",
		"CTYPE1  = 'RA---TPV'           / WCS projection type for this axis",
		"CTYPE2  = 'DEC--TPV'           / WCS projection type for this axis",
		"CRVAL1  =   2.183001239080E+02 / World coordinate on this axis",
		"CRVAL2  =  -6.012345678901E+01 / World coordinate on this axis",
		"CRPIX1  =   1.024500000000E+03 / Reference pixel on this axis",
		"CRPIX2  =   2.048500000000E+03 / Reference pixel on this axis",
		"CD1_1   =  -5.833234560000E-05 / Linear projection matrix",
		"CD1_2   =   1.234000000000E-08 / Linear projection matrix",
		"CD2_1   =   1.234000000000E-08 / Linear projection matrix",
		"CD2_2   =   5.833234560000E-05 / Linear projection matrix",
		"PV1_0   =   1.000000000000E-03 / Projection distortion parameter",
		"FLXSCALE=   1.000000000000E+00 / SCAMP relative flux scale",
		"END",
	}, "\n")

	h, err := ParseHeaderText(text)
	require.NoError(t, err)
	assert.Equal(t, "Universite de Bordeaux", strings.TrimSpace(h.Cards()[0].Comment))
	assert.True(t, IsCelestial(h))

	wcs := h.Filter(IsWCSKey)
	assert.True(t, wcs.Has("PV1_0"))
	assert.False(t, wcs.Has("FLXSCALE"))

	h.Delete("CD1_1")
	assert.False(t, IsCelestial(h))
}

func TestIsCelestialRejectsLinear(t *testing.T) {
	h := NewHeader()
	require.NoError(t, h.Set("CTYPE1", "LINEAR", ""))
	require.NoError(t, h.Set("CTYPE2", "LINEAR", ""))
	assert.False(t, IsCelestial(h))
}

func writeFrame(t *testing.T, h *Header, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "frame.fits")
	require.NoError(t, WriteFile(path, h, data))
	return path
}

func TestReadPrimaryHeader(t *testing.T) {
	path := writeFrame(t, frameHeader(t), []byte("pixels"))

	h, err := ReadPrimaryHeader(path)
	require.NoError(t, err)
	s, _ := h.String("OBJECT")
	assert.Equal(t, "J1433 6007", s)

	bad := filepath.Join(t.TempDir(), "bad.fits")
	require.NoError(t, os.WriteFile(bad, []byte("not fits"), 0o644))
	_, err = ReadPrimaryHeader(bad)
	assert.Error(t, err)
}

func TestUpdatePrimaryHeaderInPlace(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 100)
	path := writeFrame(t, frameHeader(t), data)
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, UpdatePrimaryHeader(path, func(h *Header) error {
		return h.Set("SCMP_SLV", "1", "")
	}))

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, len(before), len(after))
	assert.Equal(t, before[blockSize:], after[blockSize:])

	h, err := ReadPrimaryHeader(path)
	require.NoError(t, err)
	v, _ := h.String("SCMP_SLV")
	assert.Equal(t, "1", v)
	// untouched cards are preserved byte for byte
	assert.Equal(t, string(before[:cardSize]), string(after[:cardSize]))
}

func TestUpdatePrimaryHeaderGrows(t *testing.T) {
	data := bytes.Repeat([]byte{0x01, 0x02}, 1500)
	path := writeFrame(t, frameHeader(t), data)

	require.NoError(t, UpdatePrimaryHeader(path, func(h *Header) error {
		for i := 0; i < 40; i++ {
			h.cards = append(h.cards, Card{Key: "HISTORY", Comment: strings.Repeat("x", 60)})
		}
		return nil
	}))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 0, len(raw)%blockSize)
	assert.Equal(t, data, raw[2*blockSize:2*blockSize+len(data)])

	h, err := ReadPrimaryHeader(path)
	require.NoError(t, err)
	assert.Equal(t, 7+40, h.Len())
}
