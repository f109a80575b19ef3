package archive

import (
	"encoding/xml"
	"fmt"
	"io"
	"net/url"
	"strings"
)

// minimal VOTable layout as served by the calselector
type voTable struct {
	Resources []voResource `xml:"RESOURCE"`
}

type voResource struct {
	Tables    []voTableData `xml:"TABLE"`
	Resources []voResource  `xml:"RESOURCE"`
}

type voTableData struct {
	Fields []voField `xml:"FIELD"`
	Rows   []voRow   `xml:"DATA>TABLEDATA>TR"`
}

type voField struct {
	Name string `xml:"name,attr"`
	ID   string `xml:"ID,attr"`
}

type voRow struct {
	Cells []string `xml:"TD"`
}

// parseAssociations returns the dataset ids of rows whose semantics is
// "#calibration".
func parseAssociations(r io.Reader) ([]string, error) {
	var doc voTable
	if err := xml.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("parse votable: %w", err)
	}
	var ids []string
	var walk func([]voResource)
	walk = func(resources []voResource) {
		for _, res := range resources {
			for _, t := range res.Tables {
				ids = append(ids, calibrationIDs(t)...)
			}
			walk(res.Resources)
		}
	}
	walk(doc.Resources)
	return ids, nil
}

func calibrationIDs(t voTableData) []string {
	semantics, access := -1, -1
	for i, f := range t.Fields {
		name := f.Name
		if name == "" {
			name = f.ID
		}
		switch name {
		case "semantics":
			semantics = i
		case "access_url":
			access = i
		}
	}
	if semantics < 0 || access < 0 {
		return nil
	}
	var ids []string
	for _, row := range t.Rows {
		if max(semantics, access) >= len(row.Cells) {
			continue
		}
		if strings.TrimSpace(row.Cells[semantics]) != "#calibration" {
			continue
		}
		if id := datasetID(strings.TrimSpace(row.Cells[access])); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

// datasetID extracts the dataset id from a datalink access URL.
func datasetID(access string) string {
	if u, err := url.Parse(access); err == nil {
		q := u.Query()
		for _, key := range []string{"ID", "dp_id", "file_id"} {
			if v := q.Get(key); v != "" {
				return strings.TrimPrefix(v, "ivo://eso.org/ID?")
			}
		}
		if i := strings.LastIndex(u.Path, "/"); i >= 0 && i+1 < len(u.Path) {
			return u.Path[i+1:]
		}
	}
	if i := strings.LastIndex(access, "="); i >= 0 {
		return access[i+1:]
	}
	return ""
}
