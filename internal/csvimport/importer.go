package csvimport

import (
	"context"
	"fmt"
	"strings"

	"github.com/foxzi/audiences/internal/contact"
)

const (
	// DefaultPreviewRows is the number of rows shown before an import
	DefaultPreviewRows = 5
	// DefaultYieldEvery is how many rows are processed between progress
	// reports and cancellation checks
	DefaultYieldEvery = 10

	// GeneralField is used for errors not tied to one attribute
	GeneralField = "general"
)

// ImportError describes why one source row was rejected
type ImportError struct {
	Row   int    `json:"row"` // 1-based source line, header is line 1
	Field string `json:"field"`
	Value string `json:"value"`
	Error string `json:"error"`
}

// Progress is the running tally of an import pass
type Progress struct {
	Total      int           `json:"total"`
	Processed  int           `json:"processed"`
	Successful int           `json:"successful"`
	Failed     int           `json:"failed"`
	Errors     []ImportError `json:"errors,omitempty"`
}

// Done reports whether every row has been processed
func (p Progress) Done() bool {
	return p.Processed == p.Total
}

func (p Progress) snapshot() Progress {
	p.Errors = append([]ImportError(nil), p.Errors...)
	return p
}

// ImportedRow is a record built from one accepted source row
type ImportedRow struct {
	Line   int            `json:"line"`
	Record contact.Record `json:"record"`
}

// Result is the outcome of Run
type Result struct {
	Rows     []ImportedRow
	Progress Progress
}

// Records returns the accepted records in source order
func (r *Result) Records() []contact.Record {
	out := make([]contact.Record, len(r.Rows))
	for i, row := range r.Rows {
		out[i] = row.Record
	}
	return out
}

// Options tunes Run
type Options struct {
	// YieldEvery rows the loop checks ctx and reports progress. Zero means
	// DefaultYieldEvery.
	YieldEvery int
	// OnProgress, if set, receives a snapshot at every yield and once more
	// when the pass is complete.
	OnProgress func(Progress)
}

// rowBuilder assigns cells to record fields for one header/mapping set
type rowBuilder struct {
	mappings []FieldMapping
	index    map[string]int
	spill    []int // header positions not referenced by any mapping
	headers  []string
}

func newRowBuilder(headers []string, mappings []FieldMapping) *rowBuilder {
	b := &rowBuilder{
		mappings: mappings,
		index:    make(map[string]int, len(headers)),
		headers:  headers,
	}
	for i, h := range headers {
		if _, dup := b.index[h]; !dup {
			b.index[h] = i
		}
	}

	referenced := make(map[string]bool, len(mappings))
	for _, m := range mappings {
		if m.Mapped() {
			referenced[m.CSVColumn] = true
		}
	}
	for i, h := range headers {
		if !referenced[h] {
			b.spill = append(b.spill, i)
		}
	}
	return b
}

func (b *rowBuilder) cell(row []string, column string) (string, bool) {
	idx, ok := b.index[column]
	if !ok || idx >= len(row) {
		return "", false
	}
	return row[idx], true
}

func (b *rowBuilder) build(row []string) contact.Record {
	var rec contact.Record
	for _, m := range b.mappings {
		if !m.Mapped() {
			continue
		}
		value, ok := b.cell(row, m.CSVColumn)
		if !ok {
			continue
		}
		if !rec.Set(m.ContactField, value) {
			rec.SetCustom(m.ContactField, value)
		}
	}
	for _, idx := range b.spill {
		if idx < len(row) && strings.TrimSpace(row[idx]) != "" {
			rec.SetCustom(b.headers[idx], row[idx])
		}
	}
	return rec
}

// missingRequired returns the first required mapped attribute whose cell is
// blank along with the raw cell, or "" when the row is complete.
func (b *rowBuilder) missingRequired(row []string) (string, string) {
	for _, m := range b.mappings {
		if !m.Required || !m.Mapped() {
			continue
		}
		value, _ := b.cell(row, m.CSVColumn)
		if strings.TrimSpace(value) == "" {
			return m.ContactField, value
		}
	}
	return "", ""
}

// GeneratePreview builds records for the first limit rows without any
// required-field checks.
func GeneratePreview(rows [][]string, mappings []FieldMapping, headers []string, limit int) []contact.Record {
	if limit <= 0 {
		limit = DefaultPreviewRows
	}
	if limit > len(rows) {
		limit = len(rows)
	}
	b := newRowBuilder(headers, mappings)
	preview := make([]contact.Record, 0, limit)
	for _, row := range rows[:limit] {
		preview = append(preview, b.build(row))
	}
	return preview
}

// Run transforms every row into a record. Rows missing a required attribute
// are reported in Progress.Errors and left out; the rest are returned in
// source order. When ctx is cancelled Run stops at the next yield and
// returns what it has so far along with the context error.
func Run(ctx context.Context, rows [][]string, mappings []FieldMapping, headers []string, opts Options) (*Result, error) {
	yieldEvery := opts.YieldEvery
	if yieldEvery <= 0 {
		yieldEvery = DefaultYieldEvery
	}

	b := newRowBuilder(headers, mappings)
	res := &Result{Progress: Progress{Total: len(rows)}}
	p := &res.Progress

	for i, row := range rows {
		if i%yieldEvery == 0 {
			if i > 0 && opts.OnProgress != nil {
				opts.OnProgress(p.snapshot())
			}
			if err := ctx.Err(); err != nil {
				return res, fmt.Errorf("import cancelled at row %d: %w", i+2, err)
			}
		}

		line := i + 2
		if field, raw := b.missingRequired(row); field != "" {
			p.Errors = append(p.Errors, ImportError{
				Row:   line,
				Field: field,
				Value: raw,
				Error: requiredMessage(field),
			})
			p.Failed++
			p.Processed++
			continue
		}

		res.Rows = append(res.Rows, ImportedRow{Line: line, Record: b.build(row)})
		p.Successful++
		p.Processed++
	}

	if opts.OnProgress != nil {
		opts.OnProgress(p.snapshot())
	}
	return res, nil
}

func requiredMessage(field string) string {
	if attr, ok := contact.Lookup(field); ok {
		return attr.Label + " is required"
	}
	return field + " is required"
}
