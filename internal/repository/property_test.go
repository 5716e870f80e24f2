package repository

import (
	"context"
	"reflect"
	"sort"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/foxzi/audiences/internal/models"
	"github.com/foxzi/audiences/internal/segment"
)

func TestProperty_QueryAgreesWithMatch(t *testing.T) {
	sqlDB := setupTestDB(t)
	repo := NewContactRepository(sqlDB)
	ctx := context.Background()
	_, list := setupList(t, sqlDB)
	seedContacts(t, repo, list.ID)

	all, err := repo.Query(ctx, segment.Compile(list.ID, segment.Criteria{}), models.Page{})
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}

	properties := gopter.NewProperties(nil)

	properties.Property("SQL filtering returns exactly the contacts Match accepts", prop.ForAll(
		func(search string, tags, countries, orgs []string) bool {
			p := segment.Compile(list.ID, segment.Criteria{
				SearchValue:   search,
				Tags:          tags,
				Countries:     countries,
				Organizations: orgs,
			})
			got, err := repo.Query(ctx, p, models.Page{})
			if err != nil {
				t.Logf("Query() error = %v", err)
				return false
			}
			want := []string{}
			for i := range all {
				if p.Match(&all[i]) {
					want = append(want, all[i].Email)
				}
			}
			gotEmails := emails(got)
			sort.Strings(gotEmails)
			sort.Strings(want)
			if !reflect.DeepEqual(gotEmails, want) {
				t.Logf("criteria %q %v %v %v: query %v, match %v", search, tags, countries, orgs, gotEmails, want)
				return false
			}
			return true
		},
		gen.OneConstOf("", "jane", "JANE", "acme", "50%", "oe", "_", "zz"),
		gen.SliceOf(gen.OneConstOf("a", "b", "c", "A", "a,c")),
		gen.SliceOf(gen.OneConstOf("US", "CA", "MX")),
		gen.SliceOf(gen.OneConstOf("ACME Corp", "acme corp")),
	))

	properties.TestingRun(t)
}
