// Package report renders the HTML status page of the pipeline.
package report

import (
	"context"
	"fmt"
	"html/template"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"omegacamer/internal/archive"
	"omegacamer/internal/astro"
	"omegacamer/internal/storage"
)

// Object is the state of one configured target.
type Object struct {
	Name        string   `json:"name"`
	ArchiveName string   `json:"archive_name"`
	Archive     []string `json:"archive"`
	Downloaded  []string `json:"downloaded"`
	Reduced     []string `json:"reduced"`
	Pending     []string `json:"pending"`
}

// Mosaic is a produced mosaic as shown in the report.
type Mosaic struct {
	storage.Mosaic
	Size string `json:"size"`
}

// Status is everything the report shows.
type Status struct {
	Generated time.Time `json:"generated"`
	Objects   []Object  `json:"objects"`
	Mosaics   []Mosaic  `json:"mosaics"`
}

// Totals sums the per-object counts.
func (s Status) Totals() map[string]int {
	t := map[string]int{"archive": 0, "downloaded": 0, "reduced": 0, "pending": 0, "mosaics": len(s.Mosaics)}
	for _, o := range s.Objects {
		t["archive"] += len(o.Archive)
		t["downloaded"] += len(o.Downloaded)
		t["reduced"] += len(o.Reduced)
		t["pending"] += len(o.Pending)
	}
	return t
}

// Collect gathers the state of objects from the bookkeeping and the archive
// records. records may be nil when no query was cached.
func Collect(ctx context.Context, store *storage.Store, records []archive.Record, objects []string) (Status, error) {
	st := Status{Generated: time.Now().UTC()}
	byObject := make(map[string][]string)
	for _, r := range records {
		key := strings.ToUpper(strings.TrimSpace(r.Object))
		byObject[key] = append(byObject[key], r.DatasetID)
	}

	for _, name := range objects {
		archiveName := astro.ArchiveObjectName(name)
		status, err := store.ObjectStatus(ctx, archiveName)
		if err != nil {
			return st, fmt.Errorf("status of %s: %w", name, err)
		}
		ids := byObject[archiveName]
		sort.Strings(ids)
		st.Objects = append(st.Objects, Object{
			Name:        name,
			ArchiveName: archiveName,
			Archive:     ids,
			Downloaded:  status.Downloaded,
			Reduced:     status.Reduced,
			Pending:     pending(ids, status.Pending, status.Reduced),
		})
	}

	mosaics, err := store.Mosaics(ctx)
	if err != nil {
		return st, err
	}
	for _, m := range mosaics {
		size := "missing"
		if fi, err := os.Stat(m.FilePath); err == nil {
			size = humanize.Bytes(uint64(fi.Size()))
		}
		st.Mosaics = append(st.Mosaics, Mosaic{Mosaic: m, Size: size})
	}
	return st, nil
}

// pending lists the archive ids and the unreduced downloads that have no
// reduced frame.
func pending(archiveIDs, downloaded, reduced []string) []string {
	done := make(map[string]bool, len(reduced))
	for _, id := range reduced {
		done[id] = true
	}
	seen := make(map[string]bool)
	var out []string
	for _, ids := range [][]string{archiveIDs, downloaded} {
		for _, id := range ids {
			if done[id] || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

var page = template.Must(template.New("report").Funcs(template.FuncMap{
	"comma": func(n int) string { return humanize.Comma(int64(n)) },
	"base":  filepath.Base,
}).Parse(pageHTML))

// Render writes the HTML page for st.
func Render(w io.Writer, st Status) error {
	return page.Execute(w, st)
}

// Write renders st to path, creating parent directories.
func Write(path string, st Status) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".report-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := Render(tmp, st); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

const pageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>OmegaCAM reduction status</title>
    <style>
        body { font-family: 'Segoe UI', Tahoma, Geneva, Verdana, sans-serif; margin: 2rem; color: #0f172a; }
        h1 { color: #2563eb; }
        table { border-collapse: collapse; margin-bottom: 2rem; }
        th, td { border: 1px solid #cbd5e1; padding: 0.4rem 0.8rem; text-align: left; vertical-align: top; }
        th { background: #e2e8f0; }
        .pending { color: #b45309; }
        .done { color: #047857; }
        details summary { cursor: pointer; }
        code { font-size: 0.85em; }
        .footer { color: #475569; font-size: 0.9em; }
    </style>
</head>
<body>
    <h1>OmegaCAM reduction status</h1>
    {{- $t := .Totals}}
    <p>{{comma (index $t "archive")}} in archive, {{comma (index $t "downloaded")}} downloaded,
       {{comma (index $t "reduced")}} reduced, {{comma (index $t "pending")}} pending,
       {{comma (index $t "mosaics")}} mosaics.</p>

    <h2>Objects</h2>
    <table>
        <tr><th>Object</th><th>Archive</th><th>Downloaded</th><th>Reduced</th><th>Pending</th></tr>
        {{- range .Objects}}
        <tr>
            <td>{{.Name}}<br><small>{{.ArchiveName}}</small></td>
            <td>{{len .Archive}}</td>
            <td>{{len .Downloaded}}</td>
            <td class="done">
                <details><summary>{{len .Reduced}} reduced</summary>
                {{- range .Reduced}}<code>{{.}}</code><br>{{end}}
                </details>
            </td>
            <td class="pending">
                <details><summary>{{len .Pending}} pending</summary>
                {{- range .Pending}}<code>{{.}}</code><br>{{end}}
                </details>
            </td>
        </tr>
        {{- else}}
        <tr><td colspan="5">No objects configured.</td></tr>
        {{- end}}
    </table>

    <h2>Mosaics</h2>
    <table>
        <tr><th>Target</th><th>Night</th><th>Inputs</th><th>File</th><th>Size</th><th>Preview</th></tr>
        {{- range .Mosaics}}
        <tr>
            <td>{{.Target}}</td>
            <td>{{.Night}}</td>
            <td>{{.InputCount}}</td>
            <td><code>{{base .FilePath}}</code></td>
            <td>{{.Size}}</td>
            <td>{{if .PreviewPath}}<a href="/mosaics/{{.Target}}/{{.Night}}/preview.png">preview</a>{{end}}</td>
        </tr>
        {{- else}}
        <tr><td colspan="6">No mosaics yet.</td></tr>
        {{- end}}
    </table>

    <p class="footer">Last generation: UTC {{.Generated.Format "2006-01-02 15:04:05"}}</p>
</body>
</html>
`
