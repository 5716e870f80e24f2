package csvimport

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

// csvText renders rows of simple cells (no delimiters or quotes)
// with a ragged number of cells per row.
func csvText(headers []string, rows [][]string) string {
	var b strings.Builder
	b.WriteString(strings.Join(headers, ","))
	b.WriteString("\n")
	for _, r := range rows {
		b.WriteString(strings.Join(r, ","))
		b.WriteString("\n")
	}
	return b.String()
}

func TestProperty_HeaderRowParity(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("every parsed row has as many cells as the header", prop.ForAll(
		func(headers []string, rows [][]string) bool {
			_, parsed, err := ParseFile("p.csv", csvText(headers, rows))
			if err != nil {
				return false
			}
			for _, r := range parsed {
				if len(r) != len(headers) {
					return false
				}
			}
			return true
		},
		gen.SliceOfN(4, gen.Identifier()),
		gen.SliceOf(gen.SliceOf(gen.AlphaString())),
	))

	properties.TestingRun(t)
}

func TestProperty_CanProceed(t *testing.T) {
	properties := gopter.NewProperties(nil)

	column := gen.OneConstOf("", SkipColumn, "email", "name", "col")
	mapping := gopter.CombineGens(gen.Identifier(), column, gen.Bool()).Map(func(v []interface{}) FieldMapping {
		return FieldMapping{ContactField: v[0].(string), CSVColumn: v[1].(string), Required: v[2].(bool)}
	})

	properties.Property("CanProceed holds iff every required mapping has a real column", prop.ForAll(
		func(mappings []FieldMapping) bool {
			want := true
			for _, m := range mappings {
				if m.Required && (m.CSVColumn == "" || m.CSVColumn == SkipColumn) {
					want = false
				}
			}
			return CanProceed(mappings) == want
		},
		gen.SliceOf(mapping),
	))

	properties.TestingRun(t)
}

func TestProperty_Spillover(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("unreferenced non-blank cells land in custom fields", prop.ForAll(
		func(value string) bool {
			headers := []string{"email", "extra"}
			mappings := []FieldMapping{{ContactField: "email", CSVColumn: "email", Required: true}}
			recs := GeneratePreview([][]string{{"a@b.c", value}}, mappings, headers, 1)
			got, ok := recs[0].CustomFields["extra"]
			if strings.TrimSpace(value) == "" {
				return !ok
			}
			return ok && got == value
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

func TestProperty_PartialSuccessCounts(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("successful plus failed equals processed equals total", prop.ForAll(
		func(blanks []bool) bool {
			headers := []string{"email", "firstName", "lastName"}
			rows := make([][]string, len(blanks))
			wantFailed := 0
			for i, blank := range blanks {
				first := "F"
				if blank {
					first = ""
					wantFailed++
				}
				rows[i] = []string{fmt.Sprintf("u%d@x.com", i), first, "L"}
			}
			res, err := Run(context.Background(), rows, nameMappings(), headers, Options{YieldEvery: 3})
			if err != nil {
				return false
			}
			p := res.Progress
			return p.Total == len(rows) &&
				p.Processed == p.Total &&
				p.Successful+p.Failed == p.Processed &&
				p.Failed == wantFailed &&
				len(p.Errors) == wantFailed &&
				len(res.Rows) == p.Successful
		},
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}
