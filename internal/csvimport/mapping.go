package csvimport

import (
	"fmt"
	"strings"

	"github.com/foxzi/audiences/internal/contact"
)

// SkipColumn marks a mapping the user explicitly left unmapped
const SkipColumn = "skip"

// FieldMapping associates one contact attribute with one CSV column
type FieldMapping struct {
	ContactField string `json:"contactField"`
	CSVColumn    string `json:"csvColumn"`
	Required     bool   `json:"required"`
}

// Mapped reports whether the mapping points at a real column
func (m FieldMapping) Mapped() bool {
	return m.CSVColumn != "" && m.CSVColumn != SkipColumn
}

// AutoDetectMappings proposes one mapping per schema attribute. The first
// header containing the attribute key or label (case-insensitive) wins;
// "first" and "last" additionally match the name attributes.
func AutoDetectMappings(headers []string, schema []contact.Attribute) []FieldMapping {
	mappings := make([]FieldMapping, 0, len(schema))
	for _, attr := range schema {
		key := strings.ToLower(string(attr.Key))
		label := strings.ToLower(attr.Label)

		column := ""
		for _, h := range headers {
			lh := strings.ToLower(h)
			if strings.Contains(lh, key) || strings.Contains(lh, label) ||
				(attr.Key == contact.FieldFirstName && strings.Contains(lh, "first")) ||
				(attr.Key == contact.FieldLastName && strings.Contains(lh, "last")) {
				column = h
				break
			}
		}

		mappings = append(mappings, FieldMapping{
			ContactField: string(attr.Key),
			CSVColumn:    column,
			Required:     attr.Required,
		})
	}
	return mappings
}

// UpdateMapping returns a copy of mappings with contactField pointed at
// csvColumn. Unknown fields leave the copy unchanged.
func UpdateMapping(mappings []FieldMapping, contactField, csvColumn string) []FieldMapping {
	out := make([]FieldMapping, len(mappings))
	copy(out, mappings)
	for i := range out {
		if out[i].ContactField == contactField {
			out[i].CSVColumn = csvColumn
		}
	}
	return out
}

// CanProceed reports whether every required attribute is mapped
func CanProceed(mappings []FieldMapping) bool {
	for _, m := range mappings {
		if m.Required && !m.Mapped() {
			return false
		}
	}
	return true
}

// MissingRequired lists required attributes that are not mapped
func MissingRequired(mappings []FieldMapping) []string {
	var missing []string
	for _, m := range mappings {
		if m.Required && !m.Mapped() {
			missing = append(missing, m.ContactField)
		}
	}
	return missing
}

// Warnings describes mapping problems that do not block an import:
// columns reused by several attributes and columns missing from headers.
func Warnings(mappings []FieldMapping, headers []string) []string {
	known := make(map[string]bool, len(headers))
	for _, h := range headers {
		known[h] = true
	}

	var warnings []string
	usedBy := make(map[string]string)
	for _, m := range mappings {
		if !m.Mapped() {
			continue
		}
		if !known[m.CSVColumn] {
			warnings = append(warnings, fmt.Sprintf("column %q mapped to %s is not in the file", m.CSVColumn, m.ContactField))
			continue
		}
		if prev, ok := usedBy[m.CSVColumn]; ok {
			warnings = append(warnings, fmt.Sprintf("column %q is mapped to both %s and %s", m.CSVColumn, prev, m.ContactField))
			continue
		}
		usedBy[m.CSVColumn] = m.ContactField
	}
	return warnings
}

// NormalizeMappings fills in the required flag from the schema and drops
// duplicate entries for the same attribute, keeping the first.
func NormalizeMappings(mappings []FieldMapping) []FieldMapping {
	seen := make(map[string]bool, len(mappings))
	out := make([]FieldMapping, 0, len(mappings))
	for _, m := range mappings {
		if m.ContactField == "" || seen[m.ContactField] {
			continue
		}
		seen[m.ContactField] = true
		if attr, ok := contact.Lookup(m.ContactField); ok {
			m.Required = attr.Required
		} else {
			m.Required = false
		}
		out = append(out, m)
	}

	// A required attribute the caller left out still has to block the import.
	for _, attr := range contact.Schema {
		if attr.Required && !seen[string(attr.Key)] {
			out = append(out, FieldMapping{ContactField: string(attr.Key), Required: true})
		}
	}
	return out
}
