package segment

import (
	"fmt"
	"strings"
	"time"
)

// Type of a segment
type Type string

const (
	TypeDynamic Type = "dynamic"
	TypeStatic  Type = "static"
)

// Segment is a saved view over one audience list. Dynamic segments store
// criteria and are recompiled on every read; static segments store ids.
type Segment struct {
	ID             string    `json:"id"`
	AudienceListID string    `json:"audience_list_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	Type           Type      `json:"type"`
	FilterCriteria *Criteria `json:"filterCriteria,omitempty"`
	ContactIDs     []string  `json:"contactIds,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Validate checks that exactly one of criteria and ids is populated and
// that it matches the declared type. An empty Type is inferred.
func (s *Segment) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidSegment)
	}

	hasCriteria := s.FilterCriteria != nil
	hasIDs := s.ContactIDs != nil
	if hasCriteria == hasIDs {
		return fmt.Errorf("%w: exactly one of filterCriteria and contactIds must be set", ErrInvalidSegment)
	}

	switch s.Type {
	case "":
		if hasCriteria {
			s.Type = TypeDynamic
		} else {
			s.Type = TypeStatic
		}
	case TypeDynamic:
		if !hasCriteria {
			return fmt.Errorf("%w: dynamic segment needs filterCriteria", ErrInvalidSegment)
		}
	case TypeStatic:
		if !hasIDs {
			return fmt.Errorf("%w: static segment needs contactIds", ErrInvalidSegment)
		}
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidSegment, s.Type)
	}

	if hasCriteria {
		return s.FilterCriteria.Validate()
	}
	return nil
}

// Predicate compiles the segment for evaluation at now
func (s *Segment) Predicate(now time.Time) *Predicate {
	if s.Type == TypeStatic {
		return StaticPredicate(s.AudienceListID, s.ContactIDs)
	}
	var c Criteria
	if s.FilterCriteria != nil {
		c = *s.FilterCriteria
	}
	return CompileAt(s.AudienceListID, c, now)
}
