package mapping

import (
	"strings"

	"github.com/sirupsen/logrus"

	"storeledger/internal/util"
)

// Row is one data row with its header row, in sheet order.
type Row struct {
	Headers []string
	Cells   []string
}

// RowFromMap rebuilds a Row from stored raw data, keeping the stored column order.
func RowFromMap(data map[string]string, columns []string) Row {
	row := Row{}
	seen := map[string]struct{}{}
	for _, c := range columns {
		if v, ok := data[c]; ok {
			row.Headers = append(row.Headers, c)
			row.Cells = append(row.Cells, v)
			seen[c] = struct{}{}
		}
	}
	for k, v := range data {
		if _, ok := seen[k]; ok {
			continue
		}
		row.Headers = append(row.Headers, k)
		row.Cells = append(row.Cells, v)
	}
	return row
}

func (r Row) cell(i int) string {
	if i < 0 || i >= len(r.Cells) {
		return ""
	}
	return r.Cells[i]
}

// Lookup returns the cell under the first header matching any of names: exact (trimmed)
// first, then case-insensitive. The first matching column wins on duplicates.
func (r Row) Lookup(names []string) (string, bool) {
	for _, name := range names {
		want := strings.TrimSpace(name)
		for i, h := range r.Headers {
			if strings.TrimSpace(h) == want {
				return r.cell(i), true
			}
		}
		for i, h := range r.Headers {
			if strings.EqualFold(strings.TrimSpace(h), want) {
				return r.cell(i), true
			}
		}
	}
	return "", false
}

// Numbers returns every numeric cell keyed by header, first column winning.
func (r Row) Numbers() map[string]float64 {
	out := map[string]float64{}
	for i, h := range r.Headers {
		key := strings.TrimSpace(h)
		if _, ok := out[key]; ok {
			continue
		}
		if v, ok := util.ParseAmount(r.cell(i)); ok {
			out[key] = v
		}
	}
	return out
}

// TextFields are resolved as trimmed strings instead of numbers.
var TextFields = map[string]bool{
	"date":        true,
	"entry_date":  true,
	"week_ending": true,
	"notes":       true,
	"entered_by":  true,
}

type Resolved struct {
	Values  map[string]float64
	Text    map[string]string
	Missing []string
}

type Resolver struct {
	logger logrus.FieldLogger
}

func NewResolver(logger logrus.FieldLogger) *Resolver {
	return &Resolver{logger: logger}
}

// Resolve maps a row onto canonical fields. Fields whose column is absent are omitted and
// logged; numeric fields that do not parse are dropped rather than zeroed.
func (r *Resolver) Resolve(row Row, specs map[string]FieldSpec) Resolved {
	out := Resolved{Values: map[string]float64{}, Text: map[string]string{}}
	for _, field := range sortedKeys(specs) {
		spec := specs[field]
		raw, ok := row.Lookup(spec.Names)
		if !ok {
			out.Missing = append(out.Missing, field)
			r.logger.WithFields(logrus.Fields{
				"field":    field,
				"expected": spec.Names,
			}).Info("column not found")
			continue
		}

		if TextFields[field] {
			if v := strings.TrimSpace(raw); v != "" {
				out.Text[field] = v
			}
			continue
		}

		v, ok := util.ParseAmount(raw)
		if !ok {
			if strings.TrimSpace(raw) != "" {
				r.logger.WithFields(logrus.Fields{"field": field, "value": raw}).Debug("dropping non-numeric value")
			}
			continue
		}
		out.Values[field] = v
	}
	return out
}
