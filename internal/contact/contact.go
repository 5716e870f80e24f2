// Package contact holds the contact record shape shared by import,
// segmentation and persistence, together with the fixed attribute schema.
package contact

import (
	"strings"
	"time"
)

// Record is one importable contact. Fixed attributes are plain fields;
// anything else lives in CustomFields.
type Record struct {
	Email                      string            `json:"email"`
	FirstName                  string            `json:"firstName"`
	LastName                   string            `json:"lastName"`
	Phone                      string            `json:"phone,omitempty"`
	Note                       string            `json:"note,omitempty"`
	Tags                       string            `json:"tags,omitempty"` // comma-joined
	DefaultAddressCompany      string            `json:"defaultAddressCompany,omitempty"`
	DefaultAddressAddress1     string            `json:"defaultAddressAddress1,omitempty"`
	DefaultAddressAddress2     string            `json:"defaultAddressAddress2,omitempty"`
	DefaultAddressCity         string            `json:"defaultAddressCity,omitempty"`
	DefaultAddressProvinceCode string            `json:"defaultAddressProvinceCode,omitempty"`
	DefaultAddressCountryCode  string            `json:"defaultAddressCountryCode,omitempty"`
	DefaultAddressZip          string            `json:"defaultAddressZip,omitempty"`
	DefaultAddressPhone        string            `json:"defaultAddressPhone,omitempty"`
	CustomFields               map[string]string `json:"customFields,omitempty"`
}

// Contact is a persisted record scoped to one audience list
type Contact struct {
	ID             string    `json:"id"`
	AudienceListID string    `json:"audience_list_id"`
	Record
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (r *Record) field(f Field) *string {
	switch f {
	case FieldEmail:
		return &r.Email
	case FieldFirstName:
		return &r.FirstName
	case FieldLastName:
		return &r.LastName
	case FieldPhone:
		return &r.Phone
	case FieldNote:
		return &r.Note
	case FieldTags:
		return &r.Tags
	case FieldCompany:
		return &r.DefaultAddressCompany
	case FieldAddress1:
		return &r.DefaultAddressAddress1
	case FieldAddress2:
		return &r.DefaultAddressAddress2
	case FieldCity:
		return &r.DefaultAddressCity
	case FieldProvinceCode:
		return &r.DefaultAddressProvinceCode
	case FieldCountryCode:
		return &r.DefaultAddressCountryCode
	case FieldZip:
		return &r.DefaultAddressZip
	case FieldAddressPhone:
		return &r.DefaultAddressPhone
	}
	return nil
}

// Set assigns a fixed attribute. It returns false when key is not a fixed
// attribute and nothing was assigned.
func (r *Record) Set(key, value string) bool {
	p := r.field(Field(key))
	if p == nil {
		return false
	}
	*p = value
	return true
}

// Get returns the value of a fixed attribute
func (r *Record) Get(f Field) string {
	if p := r.field(f); p != nil {
		return *p
	}
	return ""
}

// SetCustom stores value under name in CustomFields
func (r *Record) SetCustom(name, value string) {
	if r.CustomFields == nil {
		r.CustomFields = make(map[string]string)
	}
	r.CustomFields[name] = value
}

// TagList splits the comma-joined tags string
func (r *Record) TagList() []string {
	return SplitTags(r.Tags)
}

// SplitTags splits a comma-joined tag string, dropping blanks
func SplitTags(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}
