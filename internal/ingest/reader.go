package ingest

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/containerd/errdefs"
)

// Row is one ingested schedule: the dates of one location identity for one
// waste type. Label is the human area name used for new calendars.
type Row struct {
	IdentityKey string   `json:"identity_key"`
	WasteType   string   `json:"waste_type"`
	Dates       []string `json:"dates"`
	Label       string   `json:"label,omitempty"`
}

// ReadJSON reads a JSON array of rows.
func ReadJSON(r io.Reader) ([]Row, error) {
	var rows []Row
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("%w: decode rows: %w", errdefs.ErrInvalidArgument, err)
	}
	return rows, nil
}

var csvColumns = []string{"identity_key", "waste_type", "dates", "label"}

// ReadCSV reads rows from CSV with a header naming the columns
// identity_key, waste_type, dates and optionally label. Dates within the
// dates column are separated by semicolons.
func ReadCSV(r io.Reader) ([]Row, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("%w: read header: %w", errdefs.ErrInvalidArgument, err)
	}
	index := map[string]int{}
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range csvColumns[:3] {
		if _, ok := index[name]; !ok {
			return nil, fmt.Errorf("%w: missing column %q", errdefs.ErrInvalidArgument, name)
		}
	}
	field := func(rec []string, name string) string {
		i, ok := index[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var rows []Row
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return rows, nil
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %w", errdefs.ErrInvalidArgument, err)
		}
		var dates []string
		for _, d := range strings.Split(field(rec, "dates"), ";") {
			if d = strings.TrimSpace(d); d != "" {
				dates = append(dates, d)
			}
		}
		rows = append(rows, Row{
			IdentityKey: field(rec, "identity_key"),
			WasteType:   field(rec, "waste_type"),
			Dates:       dates,
			Label:       field(rec, "label"),
		})
	}
}

// Read picks the reader by format: "json" or "csv".
func Read(r io.Reader, format string) ([]Row, error) {
	switch strings.ToLower(format) {
	case "json":
		return ReadJSON(r)
	case "csv":
		return ReadCSV(r)
	}
	return nil, fmt.Errorf("%w: unknown format %q", errdefs.ErrInvalidArgument, format)
}
