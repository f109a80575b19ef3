package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"omegacamer/internal/config"
	"omegacamer/internal/fits"
	"omegacamer/internal/storage"
	"omegacamer/internal/tools"
)

const recordsCSV = `# ESO archive query
# generated for test
OBJECT,RA,DEC,Dataset ID,MJD-OBS,Exptime,Filter
J1433 6007,14:33:00,-60:07:00,OMEGA.2024-10-24T05:41:00.123,60607.23681,240,r_SDSS
J1433 6007,14:33:00,-60:07:00,OMEGA.2024-10-24T05:46:00.456,60607.24028,240,r_SDSS
`

func votable(rows ...[2]string) string {
	var b strings.Builder
	b.WriteString(`<?xml version="1.0"?><VOTABLE><RESOURCE type="results"><TABLE>`)
	b.WriteString(`<FIELD name="ID" datatype="char"/><FIELD name="access_url" datatype="char"/><FIELD name="semantics" datatype="char"/>`)
	b.WriteString(`<DATA><TABLEDATA>`)
	for _, r := range rows {
		fmt.Fprintf(&b, `<TR><TD>x</TD><TD>https://dataportal.eso.org/dataPortal/file/%s</TD><TD>%s</TD></TR>`, r[0], r[1])
	}
	b.WriteString(`</TABLEDATA></DATA></TABLE></RESOURCE></VOTABLE>`)
	return b.String()
}

func frame(t *testing.T, object string, mjd float64) []byte {
	t.Helper()
	h := fits.NewHeader()
	require.NoError(t, h.Set("SIMPLE", true, ""))
	require.NoError(t, h.Set("BITPIX", 16, ""))
	require.NoError(t, h.Set("NAXIS", 0, ""))
	require.NoError(t, h.Set("OBJECT", object, ""))
	require.NoError(t, h.Set("MJD-OBS", mjd, ""))
	require.NoError(t, h.Set("EXPTIME", 240.0, ""))
	require.NoError(t, h.Set("HIERARCH ESO INS FILT1 NAME", "r_SDSS", ""))
	require.NoError(t, h.Set("HIERARCH ESO DET WIN1 BINX", 1, ""))
	require.NoError(t, h.Set("HIERARCH ESO DET WIN1 BINY", 1, ""))
	require.NoError(t, h.Set("HIERARCH ESO DET READ MODE", "normal", ""))
	return h.Encode()
}

type fakeArchive struct {
	t        *testing.T
	files    map[string][]byte
	calib    map[string][]string
	queries  atomic.Int32
	gzipped  map[string]bool
	password string
}

func (f *fakeArchive) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/query", func(w http.ResponseWriter, r *http.Request) {
		f.queries.Add(1)
		assert.Equal(f.t, "110.2AB1.001", r.URL.Query().Get("prog_id"))
		assert.Equal(f.t, "csv/download", r.URL.Query().Get("wdbo"))
		fmt.Fprint(w, recordsCSV)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("password") != f.password {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		fmt.Fprint(w, `{"id_token":"tok"}`)
	})
	mux.HandleFunc("/calselector", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(f.t, r.ParseForm())
		var rows [][2]string
		for _, id := range f.calib[r.Form.Get("dp_id")] {
			rows = append(rows, [2]string{id, "#calibration"})
		}
		rows = append(rows, [2]string{r.Form.Get("dp_id"), "#this"})
		fmt.Fprint(w, votable(rows...))
	})
	mux.HandleFunc("/file/", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusForbidden)
			return
		}
		id := strings.TrimPrefix(r.URL.Path, "/file/")
		data, ok := f.files[id]
		if !ok {
			http.NotFound(w, r)
			return
		}
		name := id + ".fits"
		if f.gzipped[id] {
			var buf bytes.Buffer
			zw := gzip.NewWriter(&buf)
			zw.Write(data)
			zw.Close()
			data = buf.Bytes()
			name += ".gz"
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, name))
		w.Write(data)
	})
	return mux
}

func newClient(t *testing.T, srv *httptest.Server, workDir string) *Client {
	t.Helper()
	cfg := config.Archive{
		RecordsURL:     srv.URL + "/query",
		TokenURL:       srv.URL + "/token",
		FileURL:        srv.URL + "/file",
		CalselectorURL: srv.URL + "/calselector",
	}
	mgr := tools.NewManager(&config.Config{GzipBin: "gzip"}, nil)
	return NewClient(cfg, filepath.Join(workDir, "obs_records"), mgr, nil)
}

func TestQueryRecordsIsCached(t *testing.T) {
	fa := &fakeArchive{t: t}
	srv := httptest.NewServer(fa.handler())
	defer srv.Close()
	dir := t.TempDir()
	c := newClient(t, srv, dir)

	recs, err := c.QueryRecords(context.Background(), "2024-10-01", "2024-10-31", "110.2AB1.001")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, "OMEGA.2024-10-24T05:41:00.123", recs[0].DatasetID)
	assert.Equal(t, "J1433 6007", recs[0].Object)
	assert.InDelta(t, 60607.23681, recs[0].MJD, 1e-9)
	assert.Equal(t, "r_SDSS", recs[1].Filter)
	assert.Equal(t, "14:33:00", recs[0].Columns["RA"])
	assert.FileExists(t, filepath.Join(dir, "obs_records", "records_2024-10-01_2024-10-31.csv"))

	_, err = c.QueryRecords(context.Background(), "2024-10-01", "2024-10-31", "110.2AB1.001")
	require.NoError(t, err)
	assert.EqualValues(t, 1, fa.queries.Load())
}

func TestCachedRecords(t *testing.T) {
	dir := t.TempDir()
	recs, err := CachedRecords(filepath.Join(dir, "missing"))
	require.NoError(t, err)
	assert.Empty(t, recs)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "records_2024-10-01_2024-10-31.csv"), []byte(recordsCSV), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "records_2024-10-15_2024-11-15.csv"), []byte(recordsCSV), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.csv"), []byte("garbage"), 0o644))

	recs, err = CachedRecords(dir)
	require.NoError(t, err)
	assert.Len(t, recs, 2, "overlapping queries are merged")
}

func TestParseRecordsRequiresDatasetColumn(t *testing.T) {
	_, err := parseRecords(strings.NewReader("OBJECT,RA\nX,1\n"))
	assert.Error(t, err)

	recs, err := parseRecords(strings.NewReader("# only comments\n"))
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestLogin(t *testing.T) {
	fa := &fakeArchive{t: t, password: "s3cret"}
	srv := httptest.NewServer(fa.handler())
	defer srv.Close()
	c := newClient(t, srv, t.TempDir())

	err := c.Login(context.Background(), "astro", "wrong")
	assert.True(t, errors.Is(err, ErrAuth))
	assert.True(t, errors.Is(c.Login(context.Background(), "astro", ""), ErrAuth))

	require.NoError(t, c.Login(context.Background(), "astro", "s3cret"))
	assert.Equal(t, "tok", c.token)
}

func TestAssociatedCalibrations(t *testing.T) {
	fa := &fakeArchive{t: t, calib: map[string][]string{
		"S1": {"OMEGA.B2", "OMEGA.B1", "M.OMEGACAM.2024-10-20.MASTER"},
		"S2": {"OMEGA.B1", "OMEGA.F1"},
	}}
	srv := httptest.NewServer(fa.handler())
	defer srv.Close()
	c := newClient(t, srv, t.TempDir())

	ids, err := c.AssociatedCalibrations(context.Background(), []string{"S1", "S2"})
	require.NoError(t, err)
	assert.Equal(t, []string{"OMEGA.B1", "OMEGA.B2", "OMEGA.F1"}, ids)
}

func TestRetrieveDecompresses(t *testing.T) {
	if _, err := exec.LookPath("gzip"); err != nil {
		t.Skip("gzip not available")
	}
	fa := &fakeArchive{t: t, password: "p",
		files:   map[string][]byte{"OMEGA.X": []byte("payload")},
		gzipped: map[string]bool{"OMEGA.X": true},
	}
	srv := httptest.NewServer(fa.handler())
	defer srv.Close()
	c := newClient(t, srv, t.TempDir())
	require.NoError(t, c.Login(context.Background(), "u", "p"))

	dest := t.TempDir()
	path, err := c.Retrieve(context.Background(), "OMEGA.X", dest)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "OMEGA.X.fits"), path)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestRetrieveWithoutTokenFails(t *testing.T) {
	fa := &fakeArchive{t: t, files: map[string][]byte{"OMEGA.X": []byte("x")}}
	srv := httptest.NewServer(fa.handler())
	defer srv.Close()
	c := newClient(t, srv, t.TempDir())

	_, err := c.Retrieve(context.Background(), "OMEGA.X", t.TempDir())
	assert.True(t, errors.Is(err, ErrAuth))
}

func TestDatasetID(t *testing.T) {
	assert.Equal(t, "OMEGA.B1", datasetID("https://dataportal.eso.org/dataPortal/file/OMEGA.B1"))
	assert.Equal(t, "OMEGA.B1", datasetID("https://archive.eso.org/datalink/links?ID=ivo://eso.org/ID?OMEGA.B1"))
	assert.Equal(t, "OMEGA.B1", datasetID("https://example.org/get?file_id=OMEGA.B1"))
}

func TestDownloaderRun(t *testing.T) {
	science1 := "OMEGA.2024-10-24T05:41:00.123"
	science2 := "OMEGA.2024-10-24T05:46:00.456"
	fa := &fakeArchive{t: t, password: "p",
		files: map[string][]byte{
			science1:   frame(t, "J1433 6007", 60607.23681),
			science2:   frame(t, "J1433 6007", 60607.24028),
			"OMEGA.B1": frame(t, "BIAS", 60606.9),
			"OMEGA.F1": frame(t, "FLAT,SKY", 60606.95),
			"OMEGA.F2": frame(t, "FLAT,DOME", 60606.5),
			"OMEGA.D1": frame(t, "DARK", 60606.5),
		},
		calib: map[string][]string{
			science1: {"OMEGA.B1", "OMEGA.F1", "M.MASTER"},
			science2: {"OMEGA.F2", "OMEGA.D1", "OMEGA.GONE"},
		},
	}
	srv := httptest.NewServer(fa.handler())
	defer srv.Close()

	work := t.TempDir()
	store, err := storage.New(filepath.Join(work, "book.sqlite3"))
	require.NoError(t, err)
	defer store.Close()

	c := newClient(t, srv, work)
	require.NoError(t, c.Login(context.Background(), "u", "p"))
	d := NewDownloader(c, store, work, "110.2AB1.001", nil)

	ctx := context.Background()
	sum, err := d.Run(ctx, "2024-10-01", "2024-10-31")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Records)
	assert.Equal(t, 2, sum.Science)
	assert.Equal(t, 1, sum.Biases)
	assert.Equal(t, 2, sum.Flats)
	assert.Equal(t, 1, sum.Unused)
	assert.Equal(t, 1, sum.Failed)

	biases, err := store.FindBiases(ctx, "1x1", "normal", 60607, 0.5)
	require.NoError(t, err)
	require.Len(t, biases, 1)
	assert.Equal(t, filepath.Join("raw", "calib", "OMEGA.B1.fits"), biases[0].FilePath)

	dome, err := store.FindFlats(ctx, "r_SDSS", "1x1", "normal", storage.FlatDome, 60606.5, 0.1)
	require.NoError(t, err)
	assert.Len(t, dome, 1)

	known, err := store.UnusedCalibExists(ctx, "OMEGA.D1")
	require.NoError(t, err)
	assert.True(t, known)

	pending, err := store.UnreducedScience(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, filepath.Join("raw", "science", science1+".fits"), pending[0].FilePath)
	assert.Equal(t, "1x1", pending[0].Binning)

	// second run: everything known
	sum, err = d.Run(ctx, "2024-10-01", "2024-10-31")
	require.NoError(t, err)
	assert.Equal(t, 0, sum.Science)
	assert.Equal(t, 2, sum.Skipped)
}

func TestFrameInfoMissingKeys(t *testing.T) {
	h := fits.NewHeader()
	require.NoError(t, h.Set("OBJECT", "BIAS", ""))
	info, err := frameInfo(h)
	assert.Error(t, err)
	assert.Equal(t, "BIAS", info.Object)
}
