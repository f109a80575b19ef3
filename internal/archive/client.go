// Package archive talks to the ESO science archive: observation records,
// authentication, calibration association and file retrieval.
package archive

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"omegacamer/internal/config"
	"omegacamer/internal/tools"
)

// ErrAuth is returned when the archive rejects the credentials.
var ErrAuth = errors.New("archive authentication failed")

// Runner executes external tools; *tools.Manager satisfies it.
type Runner interface {
	Run(ctx context.Context, c tools.Cmd) error
}

// Client is a small ESO archive client.
type Client struct {
	cfg        config.Archive
	recordsDir string
	http       *http.Client
	runner     Runner
	logger     *slog.Logger
	token      string
}

// NewClient creates a client whose record queries are cached in recordsDir.
// runner decompresses retrieved files and may be nil when none are compressed.
func NewClient(cfg config.Archive, recordsDir string, runner Runner, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Client{
		cfg:        cfg,
		recordsDir: recordsDir,
		http:       &http.Client{Timeout: timeout},
		runner:     runner,
		logger:     logger,
	}
}

// Record is one row of the archive observation table.
type Record struct {
	DatasetID string
	Object    string
	MJD       float64
	Filter    string
	Exptime   float64
	Columns   map[string]string
}

// RecordsPath is the cache file of a date range query.
func (c *Client) RecordsPath(start, end string) string {
	name := fmt.Sprintf("records_%s_%s.csv", strings.ReplaceAll(start, " ", "-"), strings.ReplaceAll(end, " ", "-"))
	return filepath.Join(c.recordsDir, name)
}

func (c *Client) recordsURL(start, end, programID string) (string, error) {
	u, err := url.Parse(c.cfg.RecordsURL)
	if err != nil {
		return "", fmt.Errorf("records url: %w", err)
	}
	maxRows := c.cfg.MaxRows
	if maxRows <= 0 {
		maxRows = 30000
	}
	q := url.Values{}
	q.Set("wdbo", "csv/download")
	q.Set("max_rows_returned", strconv.Itoa(maxRows))
	q.Set("stime", start)
	q.Set("starttime", "12")
	q.Set("etime", end)
	q.Set("endtime", "12")
	q.Set("prog_id", programID)
	q.Set("tab_prog_id", "on")
	q.Set("image[]", "OMEGACAM")
	q.Set("add", "((ins_id like 'OMEGACAM%'))")
	for _, col := range []string{"tab_dp_cat", "tab_dp_type", "tab_dp_tech", "tab_dp_id", "tab_tpl_start", "tab_tpl_id",
		"tab_exptime", "tab_filter_path", "tab_instrument", "tab_mjd_obs", "tab_object", "tab_target_coord"} {
		q.Set(col, "on")
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// QueryRecords returns the observation records of programID between start
// and end (YYYY-MM-DD). The CSV is downloaded once and reused afterwards.
func (c *Client) QueryRecords(ctx context.Context, start, end, programID string) ([]Record, error) {
	path := c.RecordsPath(start, end)
	if _, err := os.Stat(path); err != nil {
		u, err := c.recordsURL(start, end, programID)
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(c.recordsDir, 0o755); err != nil {
			return nil, err
		}
		c.logger.Info("querying archive records", "start", start, "end", end, "program", programID)
		if _, err := c.download(ctx, u, path, false); err != nil {
			return nil, fmt.Errorf("query records: %w", err)
		}
	} else {
		c.logger.Debug("using cached records", "path", path)
	}
	return ReadRecords(path)
}

// ReadRecords parses an archive records CSV. Lines starting with '#' are skipped.
func ReadRecords(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return parseRecords(f)
}

// CachedRecords reads every cached records file of dir, keeping the first
// occurrence of each dataset. A missing dir yields no records.
func CachedRecords(dir string) ([]Record, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "records_*.csv"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	var out []Record
	seen := make(map[string]bool)
	for _, p := range paths {
		recs, err := ReadRecords(p)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", p, err)
		}
		for _, r := range recs {
			if seen[r.DatasetID] {
				continue
			}
			seen[r.DatasetID] = true
			out = append(out, r)
		}
	}
	return out, nil
}

func parseRecords(r io.Reader) ([]Record, error) {
	cr := csv.NewReader(r)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("records header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToUpper(strings.TrimSpace(h))] = i
	}
	if _, ok := index["DATASET ID"]; !ok {
		return nil, errors.New("records: no 'Dataset ID' column")
	}
	col := func(row []string, names ...string) string {
		for _, n := range names {
			if i, ok := index[n]; ok && i < len(row) {
				return strings.TrimSpace(row[i])
			}
		}
		return ""
	}

	var out []Record
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("records: %w", err)
		}
		rec := Record{
			DatasetID: col(row, "DATASET ID"),
			Object:    col(row, "OBJECT"),
			Filter:    col(row, "FILTER", "INS.FILT1.NAME"),
			Columns:   make(map[string]string, len(header)),
		}
		if rec.DatasetID == "" {
			continue
		}
		rec.MJD, _ = strconv.ParseFloat(col(row, "MJD-OBS"), 64)
		rec.Exptime, _ = strconv.ParseFloat(col(row, "EXPTIME", "EXPOSURE TIME"), 64)
		for i, h := range header {
			if i < len(row) {
				rec.Columns[h] = row[i]
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

// Login obtains a bearer token used by subsequent retrievals.
func (c *Client) Login(ctx context.Context, user, password string) error {
	if user == "" || password == "" {
		return fmt.Errorf("%w: missing user or password", ErrAuth)
	}
	u, err := url.Parse(c.cfg.TokenURL)
	if err != nil {
		return fmt.Errorf("token url: %w", err)
	}
	q := url.Values{}
	q.Set("response_type", "id_token token")
	q.Set("grant_type", "password")
	q.Set("client_id", "clientid")
	q.Set("username", user)
	q.Set("password", password)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %s", ErrAuth, resp.Status)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("login: unexpected status %s", resp.Status)
	}
	var body struct {
		IDToken string `json:"id_token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("login: decode token: %w", err)
	}
	if body.IDToken == "" {
		return fmt.Errorf("%w: no token in response", ErrAuth)
	}
	c.token = body.IDToken
	c.logger.Info("logged in to archive", "user", user)
	return nil
}

// AssociatedCalibrations returns the raw calibration dataset ids the archive
// associates with the given science frames, sorted and without duplicates.
// Master calibrations (ids starting with "M.") are left out.
func (c *Client) AssociatedCalibrations(ctx context.Context, dpIDs []string) ([]string, error) {
	seen := make(map[string]struct{})
	for _, id := range dpIDs {
		ids, err := c.associations(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("associations of %s: %w", id, err)
		}
		for _, cal := range ids {
			if strings.HasPrefix(cal, "M.") {
				continue
			}
			seen[cal] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (c *Client) associations(ctx context.Context, dpID string) ([]string, error) {
	form := url.Values{}
	form.Set("dp_id", dpID)
	form.Set("mode", "Raw2Raw")
	form.Set("responseformat", "votable")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.CalselectorURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("calselector: unexpected status %s", resp.Status)
	}
	return parseAssociations(resp.Body)
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// Retrieve downloads dpID into destDir and returns the local path. Files
// delivered compressed are decompressed in place.
func (c *Client) Retrieve(ctx context.Context, dpID, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", err
	}
	u := strings.TrimRight(c.cfg.FileURL, "/") + "/" + url.PathEscape(dpID)
	path, err := c.download(ctx, u, destDir, true)
	if err != nil {
		return "", fmt.Errorf("retrieve %s: %w", dpID, err)
	}
	if ext := filepath.Ext(path); ext == ".Z" || ext == ".gz" {
		if c.runner == nil {
			return "", fmt.Errorf("retrieve %s: compressed file and no decompressor", dpID)
		}
		// gzip -d refuses to overwrite
		os.Remove(strings.TrimSuffix(path, ext))
		if err := c.runner.Run(ctx, tools.Cmd{Tool: tools.Gzip, Args: []string{"-d", path}, Dir: destDir}); err != nil {
			return "", fmt.Errorf("decompress %s: %w", path, err)
		}
		path = strings.TrimSuffix(path, ext)
	}
	return path, nil
}

// download fetches u. When intoDir is set, dest is a directory and the file
// name comes from Content-Disposition, defaulting to the last URL segment
// with a .fits suffix.
func (c *Client) download(ctx context.Context, u, dest string, intoDir bool) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", err
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return "", fmt.Errorf("%w: %s", ErrAuth, resp.Status)
	case resp.StatusCode != http.StatusOK:
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}

	path := dest
	if intoDir {
		path = filepath.Join(dest, fileName(resp, u))
	}

	tmp := path + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	start := time.Now()
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return "", err
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", err
	}
	c.logger.Debug("downloaded", "file", filepath.Base(path), "size", humanize.Bytes(uint64(n)),
		"duration", time.Since(start).Round(time.Millisecond))
	return path, nil
}

func fileName(resp *http.Response, u string) string {
	if cd := resp.Header.Get("Content-Disposition"); cd != "" {
		if _, params, err := mime.ParseMediaType(cd); err == nil {
			if name := filepath.Base(params["filename"]); name != "" && name != "." && name != "/" {
				return name
			}
		}
	}
	last := u[strings.LastIndex(u, "/")+1:]
	if unescaped, err := url.PathUnescape(last); err == nil {
		last = unescaped
	}
	return last + ".fits"
}
