// Package csvimport turns uploaded CSV text into contact records: parsing,
// column-to-attribute mapping, preview and the row-by-row import pass.
package csvimport

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
)

var (
	ErrInvalidFileType = errors.New("please upload a CSV file")
	ErrEmptyFile       = errors.New("CSV file is empty")
)

const utf8BOM = "\xef\xbb\xbf"

// CheckFilename rejects uploads that are not .csv files
func CheckFilename(filename string) error {
	if !strings.EqualFold(filepath.Ext(filename), ".csv") {
		return fmt.Errorf("%w: %q", ErrInvalidFileType, filepath.Base(filename))
	}
	return nil
}

// ParseFile validates the filename and splits raw CSV text into a header row
// and data rows. Quoted cells may contain the delimiter, quotes and newlines.
// Every returned row has exactly len(headers) cells.
func ParseFile(filename, raw string) ([]string, [][]string, error) {
	if err := CheckFilename(filename); err != nil {
		return nil, nil, err
	}
	return Parse(strings.NewReader(raw))
}

// Parse reads CSV from r. The first non-empty record is the header row.
func Parse(r io.Reader) ([]string, [][]string, error) {
	reader := csv.NewReader(&bomSkipper{r: r})
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	var headers []string
	var rows [][]string
	line := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			return nil, nil, fmt.Errorf("failed to read CSV record %d: %w", line, err)
		}

		cells := make([]string, len(record))
		for i, c := range record {
			cells[i] = CleanCell(c)
		}
		if blank(cells) {
			continue
		}

		if headers == nil {
			headers = cells
			continue
		}
		rows = append(rows, fitRow(cells, len(headers)))
	}

	if headers == nil {
		return nil, nil, ErrEmptyFile
	}
	return headers, rows, nil
}

// CleanCell trims whitespace and strips one pair of surrounding quotes
func CleanCell(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = strings.TrimSpace(s[1 : len(s)-1])
	}
	return s
}

func blank(cells []string) bool {
	for _, c := range cells {
		if c != "" {
			return false
		}
	}
	return true
}

// fitRow pads or truncates cells to n columns
func fitRow(cells []string, n int) []string {
	if len(cells) == n {
		return cells
	}
	out := make([]string, n)
	copy(out, cells)
	return out
}

// bomSkipper drops a leading UTF-8 byte order mark
type bomSkipper struct {
	r       io.Reader
	checked bool
}

func (b *bomSkipper) Read(p []byte) (int, error) {
	if b.checked {
		return b.r.Read(p)
	}
	b.checked = true

	head := make([]byte, len(utf8BOM))
	n, err := io.ReadFull(b.r, head)
	head = head[:n]
	if string(head) != utf8BOM {
		b.r = io.MultiReader(strings.NewReader(string(head)), b.r)
	}
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return 0, err
	}
	return b.r.Read(p)
}
