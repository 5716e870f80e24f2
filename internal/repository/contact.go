package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/didi/gendry/builder"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/foxzi/audiences/internal/contact"
	"github.com/foxzi/audiences/internal/models"
	"github.com/foxzi/audiences/internal/segment"
)

var ErrDuplicateContact = errors.New("contact with this email already exists in the list")

const contactsTable = "contacts"

var contactColumns = func() []string {
	cols := []string{"id", "audience_list_id"}
	for _, a := range contact.Schema {
		cols = append(cols, a.Column)
	}
	return append(cols, "custom_fields", "created_at", "updated_at")
}()

type ContactRepository struct {
	db *sql.DB
}

func NewContactRepository(db *sql.DB) *ContactRepository {
	return &ContactRepository{db: db}
}

// BulkResult reports the outcome of BulkInsert
type BulkResult struct {
	Inserted   int
	Duplicates []int // indexes into the input slice
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}

func contactRow(c *contact.Contact) (map[string]interface{}, error) {
	row := map[string]interface{}{
		"id":               c.ID,
		"audience_list_id": c.AudienceListID,
		"created_at":       c.CreatedAt,
		"updated_at":       c.UpdatedAt,
	}
	for _, a := range contact.Schema {
		row[a.Column] = c.Get(a.Key)
	}
	custom := "{}"
	if len(c.CustomFields) > 0 {
		data, err := json.Marshal(c.CustomFields)
		if err != nil {
			return nil, fmt.Errorf("failed to encode custom fields: %w", err)
		}
		custom = string(data)
	}
	row["custom_fields"] = custom
	return row, nil
}

func insertContact(ctx context.Context, ex execer, c *contact.Contact) error {
	row, err := contactRow(c)
	if err != nil {
		return err
	}
	query, args, err := builder.BuildInsert(contactsTable, []map[string]interface{}{row})
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx, query, args...)
	return err
}

func newContact(listID string, rec contact.Record, now time.Time) *contact.Contact {
	return &contact.Contact{
		ID:             uuid.New().String(),
		AudienceListID: listID,
		Record:         rec,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// BulkInsert adds records to a list in one transaction. A record whose
// email already exists in the list, or appears earlier in the batch, is
// reported in Duplicates and skipped without failing the batch.
func (r *ContactRepository) BulkInsert(ctx context.Context, listID string, records []contact.Record) (*BulkResult, error) {
	result := &BulkResult{}
	if len(records) == 0 {
		return result, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for i, rec := range records {
		err := insertContact(ctx, tx, newContact(listID, rec, now))
		if isUniqueViolation(err) {
			result.Duplicates = append(result.Duplicates, i)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to insert contact %d: %w", i, err)
		}
		result.Inserted++
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit contacts: %w", err)
	}
	return result, nil
}

// Create adds a single contact
func (r *ContactRepository) Create(ctx context.Context, c *contact.Contact) error {
	now := time.Now().UTC()
	c.ID = uuid.New().String()
	c.CreatedAt = now
	c.UpdatedAt = now

	err := insertContact(ctx, r.db, c)
	if isUniqueViolation(err) {
		return ErrDuplicateContact
	}
	if err != nil {
		return fmt.Errorf("failed to create contact: %w", err)
	}
	return nil
}

func scanContact(rows interface{ Scan(...any) error }) (*contact.Contact, error) {
	c := &contact.Contact{}
	fields := make([]string, len(contact.Schema))
	var custom sql.NullString

	dest := []any{&c.ID, &c.AudienceListID}
	for i := range fields {
		dest = append(dest, &fields[i])
	}
	dest = append(dest, &custom, &c.CreatedAt, &c.UpdatedAt)

	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}
	for i, a := range contact.Schema {
		c.Set(string(a.Key), fields[i])
	}
	if custom.Valid && custom.String != "" && custom.String != "{}" {
		if err := json.Unmarshal([]byte(custom.String), &c.CustomFields); err != nil {
			return nil, fmt.Errorf("failed to decode custom fields of %s: %w", c.ID, err)
		}
	}
	return c, nil
}

// Get returns a contact by ID
func (r *ContactRepository) Get(ctx context.Context, id string) (*contact.Contact, error) {
	query, args, err := builder.BuildSelect(contactsTable, map[string]interface{}{"id": id}, contactColumns)
	if err != nil {
		return nil, err
	}
	c, err := scanContact(r.db.QueryRowContext(ctx, query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Delete removes a contact
func (r *ContactRepository) Delete(ctx context.Context, id string) error {
	query, args, err := builder.BuildDelete(contactsTable, map[string]interface{}{"id": id})
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

// Query returns the contacts matching p, newest first
func (r *ContactRepository) Query(ctx context.Context, p *segment.Predicate, page models.Page) ([]contact.Contact, error) {
	where := p.Where()
	where["_orderby"] = "created_at desc, id asc"
	if page.Limit > 0 {
		where["_limit"] = []uint{uint(page.Offset), uint(page.Limit)}
	}

	query, args, err := builder.BuildSelect(contactsTable, where, contactColumns)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	contacts := []contact.Contact{}
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, *c)
	}
	return contacts, rows.Err()
}

// Count returns the number of contacts matching p
func (r *ContactRepository) Count(ctx context.Context, p *segment.Predicate) (int, error) {
	query, args, err := builder.BuildSelect(contactsTable, p.Where(), []string{"COUNT(1)"})
	if err != nil {
		return 0, err
	}
	var n int
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

func (r *ContactRepository) distinct(ctx context.Context, listID string, f contact.Field) ([]string, error) {
	col := contact.Column(f)
	where := map[string]interface{}{
		"audience_list_id": listID,
		col + " !=":        "",
		"_groupby":         col,
		"_orderby":         col,
	}
	query, args, err := builder.BuildSelect(contactsTable, where, []string{col})
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	values := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		values = append(values, v)
	}
	return values, rows.Err()
}

// FilterOptions returns the distinct filterable values of a list. Tags are
// split on commas.
func (r *ContactRepository) FilterOptions(ctx context.Context, listID string) (*models.FilterOptions, error) {
	opts := &models.FilterOptions{}
	targets := []struct {
		field contact.Field
		dst   *[]string
	}{
		{contact.FieldCountryCode, &opts.Countries},
		{contact.FieldCompany, &opts.Organizations},
		{contact.FieldProvinceCode, &opts.Provinces},
		{contact.FieldCity, &opts.Cities},
		{contact.FieldZip, &opts.Zips},
		{contact.FieldPhone, &opts.Phones},
	}
	for _, t := range targets {
		values, err := r.distinct(ctx, listID, t.field)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s options: %w", t.field, err)
		}
		*t.dst = values
	}

	raw, err := r.distinct(ctx, listID, contact.FieldTags)
	if err != nil {
		return nil, fmt.Errorf("failed to load tag options: %w", err)
	}
	seen := make(map[string]bool)
	opts.Tags = []string{}
	for _, s := range raw {
		for _, tag := range contact.SplitTags(s) {
			if !seen[tag] {
				seen[tag] = true
				opts.Tags = append(opts.Tags, tag)
			}
		}
	}
	sort.Strings(opts.Tags)
	return opts, nil
}
