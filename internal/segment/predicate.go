package segment

import (
	"fmt"
	"strings"
	"time"

	"github.com/didi/gendry/builder"

	"github.com/foxzi/audiences/internal/contact"
)

// InClause restricts one attribute to a set of allowed values
type InClause struct {
	Field  contact.Field
	Values []string
}

// Predicate is a compiled, unevaluated contact filter. All constraints are
// ANDed; Search is a single OR group across contact.SearchFields.
type Predicate struct {
	AudienceListID string
	Search         string
	Tags           []string // every tag must occur in the tags string
	In             []InClause
	CreatedAfter   time.Time

	// Static predicates match by id only
	Static     bool
	ContactIDs []string
}

// Compile builds a predicate for contacts of audienceListID matching c
func Compile(audienceListID string, c Criteria) *Predicate {
	return CompileAt(audienceListID, c, time.Now())
}

// CompileAt is Compile with an explicit reference time for the date range
func CompileAt(audienceListID string, c Criteria, now time.Time) *Predicate {
	p := &Predicate{AudienceListID: audienceListID}

	if s := strings.TrimSpace(c.SearchValue); s != "" {
		p.Search = s
	}

	for _, tag := range c.Tags {
		if tag = strings.TrimSpace(tag); tag != "" {
			p.Tags = append(p.Tags, tag)
		}
	}

	for _, f := range []struct {
		field  contact.Field
		values []string
	}{
		{contact.FieldCountryCode, c.Countries},
		{contact.FieldProvinceCode, c.Provinces},
		{contact.FieldCompany, c.Organizations},
		{contact.FieldCity, c.Cities},
		{contact.FieldZip, c.Zips},
		{contact.FieldPhone, c.Phones},
	} {
		if len(f.values) > 0 {
			p.In = append(p.In, InClause{Field: f.field, Values: f.values})
		}
	}

	if w := c.DateRange.Window(); w > 0 {
		p.CreatedAfter = now.Add(-w).UTC()
	}
	return p
}

// StaticPredicate matches exactly the given contact ids within a list
func StaticPredicate(audienceListID string, contactIDs []string) *Predicate {
	return &Predicate{
		AudienceListID: audienceListID,
		Static:         true,
		ContactIDs:     contactIDs,
	}
}

// Where renders p as a gendry where map over the contacts table
func (p *Predicate) Where() map[string]interface{} {
	where := map[string]interface{}{
		"audience_list_id": p.AudienceListID,
	}

	if p.Static {
		if len(p.ContactIDs) == 0 {
			where["_custom_none"] = builder.Custom("1 = 0")
			return where
		}
		where["id in"] = toInterfaces(p.ContactIDs)
		return where
	}

	if p.Search != "" {
		pattern := "%" + escapeLike(p.Search) + "%"
		conds := make([]string, len(contact.SearchFields))
		args := make([]interface{}, len(contact.SearchFields))
		for i, f := range contact.SearchFields {
			conds[i] = contact.Column(f) + ` LIKE ? ESCAPE '\'`
			args[i] = pattern
		}
		where["_custom_search"] = builder.Custom("("+strings.Join(conds, " OR ")+")", args...)
	}

	// instr keeps tag matching case-sensitive, unlike LIKE
	for i, tag := range p.Tags {
		where[fmt.Sprintf("_custom_tag_%d", i)] = builder.Custom("instr(tags, ?) > 0", tag)
	}

	for _, in := range p.In {
		where[contact.Column(in.Field)+" in"] = toInterfaces(in.Values)
	}

	if !p.CreatedAfter.IsZero() {
		where["created_at >="] = p.CreatedAfter
	}
	return where
}

// Match evaluates p against one contact
func (p *Predicate) Match(c *contact.Contact) bool {
	if c == nil || c.AudienceListID != p.AudienceListID {
		return false
	}

	if p.Static {
		for _, id := range p.ContactIDs {
			if id == c.ID {
				return true
			}
		}
		return false
	}

	if p.Search != "" {
		needle := foldASCII(p.Search)
		found := false
		for _, f := range contact.SearchFields {
			if strings.Contains(foldASCII(c.Get(f)), needle) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	for _, tag := range p.Tags {
		if !strings.Contains(c.Tags, tag) {
			return false
		}
	}

	for _, in := range p.In {
		if !contains(in.Values, c.Get(in.Field)) {
			return false
		}
	}

	if !p.CreatedAfter.IsZero() && c.CreatedAt.Before(p.CreatedAfter) {
		return false
	}
	return true
}

// Kind names the predicate for metrics and logs
func (p *Predicate) Kind() string {
	if p.Static {
		return "static"
	}
	return "dynamic"
}

func toInterfaces(values []string) []interface{} {
	out := make([]interface{}, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

// foldASCII lower-cases ASCII letters only, matching SQLite's LIKE
func foldASCII(s string) string {
	b := []byte(s)
	for i, c := range b {
		if 'A' <= c && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
