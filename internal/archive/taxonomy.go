package archive

import (
	"archive/zip"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"iter"
	"strconv"
	"strings"

	"github.com/JakeFAU/inat-scraper/internal/inat"
)

// VernacularEntry names the DwC-A member holding vernacular names for language.
func VernacularEntry(language string) string {
	return "VernacularNames-" + language + ".csv"
}

// VernacularNames yields (id, vernacularName) pairs from the taxonomy Darwin
// Core archive at path. Rows without a name or with a bad id are skipped.
func VernacularNames(path, language string, progress io.Writer) iter.Seq2[inat.Taxon, error] {
	return func(yield func(inat.Taxon, error) bool) {
		zr, err := zip.OpenReader(path)
		if err != nil {
			yield(inat.Taxon{}, fmt.Errorf("open %s: %w", path, err))
			return
		}
		defer zr.Close()

		name := VernacularEntry(language)
		var entry *zip.File
		for _, f := range zr.File {
			if f.Name == name || strings.HasSuffix(f.Name, "/"+name) {
				entry = f
				break
			}
		}
		if entry == nil {
			yield(inat.Taxon{}, fmt.Errorf("%s: no %s entry", path, name))
			return
		}
		rc, err := entry.Open()
		if err != nil {
			yield(inat.Taxon{}, fmt.Errorf("open %s: %w", name, err))
			return
		}
		defer rc.Close()

		bar := newBar(int64(entry.UncompressedSize64), "Reading "+name, progress)
		defer bar.Finish()

		r := csv.NewReader(bar.NewProxyReader(rc))
		r.ReuseRecord = true
		r.FieldsPerRecord = -1
		header, err := r.Read()
		if err != nil {
			yield(inat.Taxon{}, fmt.Errorf("read header of %s: %w", name, err))
			return
		}
		cols := indexColumns(header)
		for _, required := range []string{"id", "vernacularName"} {
			if _, ok := cols[required]; !ok {
				yield(inat.Taxon{}, fmt.Errorf("%s: missing column %q", name, required))
				return
			}
		}

		for {
			record, err := r.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(inat.Taxon{}, fmt.Errorf("read %s: %w", name, err))
				return
			}
			id, err := strconv.ParseInt(cols.get(record, "id"), 10, 64)
			vernacular := cols.get(record, "vernacularName")
			if err != nil || id <= 0 || vernacular == "" {
				continue
			}
			if !yield(inat.Taxon{ID: id, Name: vernacular}, nil) {
				return
			}
		}
	}
}
