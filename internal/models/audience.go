package models

import "time"

// AudienceList groups contacts of one organization
type AudienceList struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Name           string    `json:"name"`
	Description    string    `json:"description"`
	ContactCount   int       `json:"contact_count"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// AudienceListFilter for filtering audience lists of an organization
type AudienceListFilter struct {
	OrganizationID string
	Search         string
	Limit          int
	Offset         int
}

// Page selects a window of query results
type Page struct {
	Limit  int
	Offset int
}

// FilterOptions are the distinct values offered by the contact filter UI
type FilterOptions struct {
	Tags          []string `json:"tags"`
	Countries     []string `json:"countries"`
	Organizations []string `json:"organizations"`
	Provinces     []string `json:"provinces"`
	Cities        []string `json:"cities"`
	Zips          []string `json:"zips"`
	Phones        []string `json:"phones"`
}
