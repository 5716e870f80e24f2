package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/didi/gendry/builder"
	"github.com/google/uuid"

	"github.com/foxzi/audiences/internal/segment"
)

const segmentsTable = "segments"

var segmentColumns = []string{
	"id", "audience_list_id", "name", "description", "type",
	"filter_criteria", "contact_ids", "created_at", "updated_at",
}

type SegmentRepository struct {
	db *sql.DB
}

func NewSegmentRepository(db *sql.DB) *SegmentRepository {
	return &SegmentRepository{db: db}
}

// encodeSegment returns the JSON columns; exactly one of them is non-NULL
func encodeSegment(s *segment.Segment) (criteria, ids sql.NullString, err error) {
	if s.FilterCriteria != nil {
		data, err := json.Marshal(s.FilterCriteria)
		if err != nil {
			return criteria, ids, fmt.Errorf("failed to encode filter criteria: %w", err)
		}
		criteria = sql.NullString{String: string(data), Valid: true}
	}
	if s.ContactIDs != nil {
		data, err := json.Marshal(s.ContactIDs)
		if err != nil {
			return criteria, ids, fmt.Errorf("failed to encode contact ids: %w", err)
		}
		ids = sql.NullString{String: string(data), Valid: true}
	}
	return criteria, ids, nil
}

// Create validates and stores a segment
func (r *SegmentRepository) Create(ctx context.Context, s *segment.Segment) error {
	if err := s.Validate(); err != nil {
		return err
	}
	criteria, ids, err := encodeSegment(s)
	if err != nil {
		return err
	}

	s.ID = uuid.New().String()
	s.CreatedAt = time.Now().UTC()
	s.UpdatedAt = s.CreatedAt

	query, args, err := builder.BuildInsert(segmentsTable, []map[string]interface{}{{
		"id":               s.ID,
		"audience_list_id": s.AudienceListID,
		"name":             s.Name,
		"description":      s.Description,
		"type":             string(s.Type),
		"filter_criteria":  criteria,
		"contact_ids":      ids,
		"created_at":       s.CreatedAt,
		"updated_at":       s.UpdatedAt,
	}})
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to create segment: %w", err)
	}
	return nil
}

func scanSegment(row interface{ Scan(...any) error }) (*segment.Segment, error) {
	s := &segment.Segment{}
	var typ string
	var criteria, ids sql.NullString
	if err := row.Scan(&s.ID, &s.AudienceListID, &s.Name, &s.Description, &typ, &criteria, &ids, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.Type = segment.Type(typ)

	if criteria.Valid {
		s.FilterCriteria = &segment.Criteria{}
		if err := json.Unmarshal([]byte(criteria.String), s.FilterCriteria); err != nil {
			return nil, fmt.Errorf("failed to decode filter criteria of %s: %w", s.ID, err)
		}
	}
	if ids.Valid {
		s.ContactIDs = []string{}
		if err := json.Unmarshal([]byte(ids.String), &s.ContactIDs); err != nil {
			return nil, fmt.Errorf("failed to decode contact ids of %s: %w", s.ID, err)
		}
	}
	return s, nil
}

// GetByID returns a segment by ID
func (r *SegmentRepository) GetByID(ctx context.Context, id string) (*segment.Segment, error) {
	query, args, err := builder.BuildSelect(segmentsTable, map[string]interface{}{"id": id}, segmentColumns)
	if err != nil {
		return nil, err
	}
	s, err := scanSegment(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// ListByAudience returns the segments of a list ordered by name
func (r *SegmentRepository) ListByAudience(ctx context.Context, listID string) ([]segment.Segment, error) {
	where := map[string]interface{}{
		"audience_list_id": listID,
		"_orderby":         "name asc",
	}
	query, args, err := builder.BuildSelect(segmentsTable, where, segmentColumns)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	segments := []segment.Segment{}
	for rows.Next() {
		s, err := scanSegment(rows)
		if err != nil {
			return nil, err
		}
		segments = append(segments, *s)
	}
	return segments, rows.Err()
}

// Update validates and replaces a segment's definition
func (r *SegmentRepository) Update(ctx context.Context, s *segment.Segment) error {
	if err := s.Validate(); err != nil {
		return err
	}
	criteria, ids, err := encodeSegment(s)
	if err != nil {
		return err
	}
	s.UpdatedAt = time.Now().UTC()

	query, args, err := builder.BuildUpdate(segmentsTable, map[string]interface{}{"id": s.ID}, map[string]interface{}{
		"name":            s.Name,
		"description":     s.Description,
		"type":            string(s.Type),
		"filter_criteria": criteria,
		"contact_ids":     ids,
		"updated_at":      s.UpdatedAt,
	})
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update segment: %w", err)
	}
	return nil
}

// Delete removes a segment
func (r *SegmentRepository) Delete(ctx context.Context, id string) error {
	query, args, err := builder.BuildDelete(segmentsTable, map[string]interface{}{"id": id})
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}
