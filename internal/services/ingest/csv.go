package ingest

import (
	"encoding/csv"
	"io"
	"strings"

	"github.com/lentmiien/dhl-server-app/internal/models"
	"github.com/pkg/errors"
)

// ParseCSV reads header-mapped CSV into raw records. Short rows are
// padded with empty values so field-presence validation reports them per
// field instead of failing the whole parse.
func ParseCSV(r io.Reader) ([]models.RawRow, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err == io.EOF {
		return nil, errors.Wrap(ErrNoRows, "csv parsing failed")
	}
	if err != nil {
		return nil, errors.Wrap(err, "csv parsing failed")
	}
	for i := range header {
		header[i] = strings.TrimSpace(header[i])
	}

	var out []models.RawRow
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrap(err, "csv parsing failed")
		}
		row := make(models.RawRow, len(header))
		for i, name := range header {
			if name == "" {
				continue
			}
			if i < len(rec) {
				row[name] = rec[i]
			} else {
				row[name] = ""
			}
		}
		out = append(out, row)
	}
	return out, nil
}
