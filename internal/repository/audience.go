package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/foxzi/audiences/internal/models"
	"github.com/google/uuid"
)

type AudienceRepository struct {
	db *sql.DB
}

func NewAudienceRepository(db *sql.DB) *AudienceRepository {
	return &AudienceRepository{db: db}
}

// CreateList creates a new audience list
func (r *AudienceRepository) CreateList(ctx context.Context, list *models.AudienceList) error {
	list.ID = uuid.New().String()
	list.CreatedAt = time.Now().UTC()
	list.UpdatedAt = list.CreatedAt

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audience_lists (id, organization_id, name, description, contact_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		list.ID, list.OrganizationID, list.Name, list.Description, list.ContactCount, list.CreatedAt, list.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create audience list: %w", err)
	}
	return nil
}

// GetListByID returns an audience list by ID
func (r *AudienceRepository) GetListByID(ctx context.Context, id string) (*models.AudienceList, error) {
	list := &models.AudienceList{}
	err := r.db.QueryRowContext(ctx, `
		SELECT id, organization_id, name, description, contact_count, created_at, updated_at
		FROM audience_lists WHERE id = ?`, id,
	).Scan(&list.ID, &list.OrganizationID, &list.Name, &list.Description, &list.ContactCount, &list.CreatedAt, &list.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return list, nil
}

// ListLists returns the audience lists of an organization with optional filtering
func (r *AudienceRepository) ListLists(ctx context.Context, filter models.AudienceListFilter) ([]models.AudienceList, int, error) {
	where := " WHERE organization_id = ?"
	args := []any{filter.OrganizationID}
	if filter.Search != "" {
		where += " AND (name LIKE ? OR description LIKE ?)"
		args = append(args, "%"+filter.Search+"%", "%"+filter.Search+"%")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM audience_lists"+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, organization_id, name, description, contact_count, created_at, updated_at
		FROM audience_lists` + where + " ORDER BY updated_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	lists := []models.AudienceList{}
	for rows.Next() {
		var list models.AudienceList
		err := rows.Scan(&list.ID, &list.OrganizationID, &list.Name, &list.Description, &list.ContactCount, &list.CreatedAt, &list.UpdatedAt)
		if err != nil {
			return nil, 0, err
		}
		lists = append(lists, list)
	}

	return lists, total, rows.Err()
}

// UpdateList updates the name and description of a list
func (r *AudienceRepository) UpdateList(ctx context.Context, list *models.AudienceList) error {
	list.UpdatedAt = time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
		UPDATE audience_lists SET name = ?, description = ?, updated_at = ?
		WHERE id = ?`,
		list.Name, list.Description, list.UpdatedAt, list.ID,
	)
	return err
}

// DeleteList deletes a list with its contacts, segments and import jobs
func (r *AudienceRepository) DeleteList(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM audience_lists WHERE id = ?", id)
	return err
}

// UpdateListCounts recomputes the cached contact count of a list
func (r *AudienceRepository) UpdateListCounts(ctx context.Context, listID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE audience_lists SET
			contact_count = (SELECT COUNT(*) FROM contacts WHERE audience_list_id = ?),
			updated_at = ?
		WHERE id = ?`,
		listID, time.Now().UTC(), listID,
	)
	return err
}
