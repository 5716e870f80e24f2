package repository

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/foxzi/audiences/internal/segment"
)

func TestSegmentRepository(t *testing.T) {
	sqlDB := setupTestDB(t)
	repo := NewSegmentRepository(sqlDB)
	ctx := context.Background()
	_, list := setupList(t, sqlDB)

	dynamic := &segment.Segment{
		AudienceListID: list.ID,
		Name:           "US vips",
		FilterCriteria: &segment.Criteria{Tags: []string{"vip"}, Countries: []string{"US"}, DateRange: segment.DateRange30Days},
	}
	if err := repo.Create(ctx, dynamic); err != nil {
		t.Fatalf("Create(dynamic) error = %v", err)
	}
	if dynamic.Type != segment.TypeDynamic {
		t.Errorf("Type = %q, want dynamic", dynamic.Type)
	}

	static := &segment.Segment{AudienceListID: list.ID, Name: "Hand picked", ContactIDs: []string{}}
	if err := repo.Create(ctx, static); err != nil {
		t.Fatalf("Create(static) error = %v", err)
	}

	invalid := &segment.Segment{AudienceListID: list.ID, Name: "Both", FilterCriteria: &segment.Criteria{}, ContactIDs: []string{"x"}}
	if err := repo.Create(ctx, invalid); !errors.Is(err, segment.ErrInvalidSegment) {
		t.Errorf("Create(invalid) error = %v, want ErrInvalidSegment", err)
	}

	got, err := repo.GetByID(ctx, dynamic.ID)
	if err != nil || got == nil {
		t.Fatalf("GetByID() = %+v, %v", got, err)
	}
	if !reflect.DeepEqual(got.FilterCriteria, dynamic.FilterCriteria) || got.ContactIDs != nil {
		t.Errorf("GetByID() = %+v", got)
	}

	gotStatic, _ := repo.GetByID(ctx, static.ID)
	if gotStatic.FilterCriteria != nil || gotStatic.ContactIDs == nil || len(gotStatic.ContactIDs) != 0 {
		t.Errorf("static segment = %+v, want empty non-nil ids", gotStatic)
	}

	// switching a segment from dynamic to static clears its criteria
	got.Type = segment.TypeStatic
	got.FilterCriteria = nil
	got.ContactIDs = []string{"c1", "c2"}
	if err := repo.Update(ctx, got); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	updated, _ := repo.GetByID(ctx, dynamic.ID)
	if updated.Type != segment.TypeStatic || updated.FilterCriteria != nil || len(updated.ContactIDs) != 2 {
		t.Errorf("updated = %+v", updated)
	}

	segments, err := repo.ListByAudience(ctx, list.ID)
	if err != nil || len(segments) != 2 {
		t.Fatalf("ListByAudience() = %+v, %v", segments, err)
	}
	if segments[0].Name != "Hand picked" {
		t.Errorf("first segment = %q, want name order", segments[0].Name)
	}

	if err := repo.Delete(ctx, static.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	missing, err := repo.GetByID(ctx, static.ID)
	if err != nil || missing != nil {
		t.Errorf("GetByID(deleted) = %+v, %v", missing, err)
	}
}
