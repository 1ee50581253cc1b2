package archive

import (
	"archive/zip"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/JakeFAU/inat-scraper/internal/inat"
)

// ErrNoCSV is returned when an export zip holds no .csv entry.
var ErrNoCSV = errors.New("archive has no csv entry")

// RowError reports a CSV row that could not be converted. Iteration continues
// past it.
type RowError struct {
	Path string
	Line int
	Err  error
}

func (e *RowError) Error() string {
	return fmt.Sprintf("%s line %d: %v", e.Path, e.Line, e.Err)
}

func (e *RowError) Unwrap() error { return e.Err }

// ExportFiles lists the *.zip files in dir in name order.
func ExportFiles(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read export dir: %w", err)
	}
	var out []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.EqualFold(filepath.Ext(entry.Name()), ".zip") {
			continue
		}
		out = append(out, filepath.Join(dir, entry.Name()))
	}
	sort.Strings(out)
	return out, nil
}

// Observations yields the rows of the first .csv entry in the export zip at
// path. Columns are matched by header name; id and image_url are required.
// Row conversion failures are yielded as *RowError and iteration continues;
// any other error ends the sequence. progress, when non-nil, receives a
// progress bar over the uncompressed entry.
func Observations(path string, progress io.Writer) iter.Seq2[inat.Observation, error] {
	return func(yield func(inat.Observation, error) bool) {
		zr, err := zip.OpenReader(path)
		if err != nil {
			yield(inat.Observation{}, fmt.Errorf("open %s: %w", path, err))
			return
		}
		defer zr.Close()

		entry := firstCSV(zr.File)
		if entry == nil {
			yield(inat.Observation{}, fmt.Errorf("%s: %w", path, ErrNoCSV))
			return
		}
		rc, err := entry.Open()
		if err != nil {
			yield(inat.Observation{}, fmt.Errorf("open %s in %s: %w", entry.Name, path, err))
			return
		}
		defer rc.Close()

		bar := newBar(int64(entry.UncompressedSize64), "Reading "+filepath.Base(path), progress)
		defer bar.Finish()

		r := csv.NewReader(bar.NewProxyReader(rc))
		r.ReuseRecord = true
		header, err := r.Read()
		if err != nil {
			yield(inat.Observation{}, fmt.Errorf("read header of %s: %w", path, err))
			return
		}
		cols := indexColumns(header)
		for _, required := range []string{"id", "image_url"} {
			if _, ok := cols[required]; !ok {
				yield(inat.Observation{}, fmt.Errorf("%s: missing column %q", path, required))
				return
			}
		}

		for {
			record, err := r.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				var parseErr *csv.ParseError
				if errors.As(err, &parseErr) && errors.Is(parseErr.Err, csv.ErrFieldCount) {
					if !yield(inat.Observation{}, &RowError{Path: path, Line: parseErr.Line, Err: err}) {
						return
					}
					continue
				}
				yield(inat.Observation{}, fmt.Errorf("read %s: %w", path, err))
				return
			}
			obs, err := cols.observation(record)
			if err != nil {
				line, _ := r.FieldPos(0)
				if !yield(inat.Observation{}, &RowError{Path: path, Line: line, Err: err}) {
					return
				}
				continue
			}
			if !yield(obs, nil) {
				return
			}
		}
	}
}

func firstCSV(files []*zip.File) *zip.File {
	for _, f := range files {
		if !f.FileInfo().IsDir() && strings.EqualFold(filepath.Ext(f.Name), ".csv") {
			return f
		}
	}
	return nil
}

type columns map[string]int

func indexColumns(header []string) columns {
	cols := make(columns, len(header))
	for i, name := range header {
		name = strings.TrimSpace(strings.TrimPrefix(name, "\ufeff"))
		if _, dup := cols[name]; !dup {
			cols[name] = i
		}
	}
	return cols
}

func (c columns) get(record []string, name string) string {
	i, ok := c[name]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

func (c columns) observation(record []string) (inat.Observation, error) {
	id, err := strconv.ParseInt(c.get(record, "id"), 10, 64)
	if err != nil || id <= 0 {
		return inat.Observation{}, fmt.Errorf("invalid id %q", c.get(record, "id"))
	}
	obs := inat.Observation{
		ID:             id,
		ImageURL:       c.get(record, "image_url"),
		ScientificName: c.get(record, "scientific_name"),
		CommonName:     c.get(record, "common_name"),
		QualityGrade:   c.get(record, "quality_grade"),
		ObservedOn:     c.get(record, "observed_on"),
		UserLogin:      c.get(record, "user_login"),
		License:        c.get(record, "license"),
		URL:            c.get(record, "url"),
	}
	if raw := c.get(record, "taxon_id"); raw != "" {
		obs.TaxonID, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return inat.Observation{}, fmt.Errorf("invalid taxon_id %q", raw)
		}
	}
	if obs.Latitude, err = parseCoord(c.get(record, "latitude")); err != nil {
		return inat.Observation{}, fmt.Errorf("invalid latitude: %w", err)
	}
	if obs.Longitude, err = parseCoord(c.get(record, "longitude")); err != nil {
		return inat.Observation{}, fmt.Errorf("invalid longitude: %w", err)
	}
	return obs, nil
}

func parseCoord(raw string) (*float64, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, err
	}
	return &v, nil
}
