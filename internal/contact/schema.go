package contact

// Field is the key of a fixed contact attribute
type Field string

const (
	FieldEmail        Field = "email"
	FieldFirstName    Field = "firstName"
	FieldLastName     Field = "lastName"
	FieldPhone        Field = "phone"
	FieldNote         Field = "note"
	FieldTags         Field = "tags"
	FieldCompany      Field = "defaultAddressCompany"
	FieldAddress1     Field = "defaultAddressAddress1"
	FieldAddress2     Field = "defaultAddressAddress2"
	FieldCity         Field = "defaultAddressCity"
	FieldProvinceCode Field = "defaultAddressProvinceCode"
	FieldCountryCode  Field = "defaultAddressCountryCode"
	FieldZip          Field = "defaultAddressZip"
	FieldAddressPhone Field = "defaultAddressPhone"
)

// Attribute describes one fixed contact attribute
type Attribute struct {
	Key      Field  `json:"key"`
	Label    string `json:"label"`
	Required bool   `json:"required"`
	Column   string `json:"-"` // SQL column in the contacts table
}

// Schema is the closed list of fixed contact attributes, in display order.
var Schema = []Attribute{
	{Key: FieldEmail, Label: "Email", Required: true, Column: "email"},
	{Key: FieldFirstName, Label: "First Name", Required: true, Column: "first_name"},
	{Key: FieldLastName, Label: "Last Name", Required: true, Column: "last_name"},
	{Key: FieldPhone, Label: "Phone", Column: "phone"},
	{Key: FieldNote, Label: "Note", Column: "note"},
	{Key: FieldTags, Label: "Tags", Column: "tags"},
	{Key: FieldCompany, Label: "Company", Column: "default_address_company"},
	{Key: FieldAddress1, Label: "Address 1", Column: "default_address_address1"},
	{Key: FieldAddress2, Label: "Address 2", Column: "default_address_address2"},
	{Key: FieldCity, Label: "City", Column: "default_address_city"},
	{Key: FieldProvinceCode, Label: "Province Code", Column: "default_address_province_code"},
	{Key: FieldCountryCode, Label: "Country Code", Column: "default_address_country_code"},
	{Key: FieldZip, Label: "Zip", Column: "default_address_zip"},
	{Key: FieldAddressPhone, Label: "Address Phone", Column: "default_address_phone"},
}

var schemaIndex = func() map[Field]Attribute {
	idx := make(map[Field]Attribute, len(Schema))
	for _, a := range Schema {
		idx[a.Key] = a
	}
	return idx
}()

// Lookup returns the fixed attribute for key, if it is one
func Lookup(key string) (Attribute, bool) {
	a, ok := schemaIndex[Field(key)]
	return a, ok
}

// IsFixed reports whether key names a fixed attribute
func IsFixed(key string) bool {
	_, ok := schemaIndex[Field(key)]
	return ok
}

// Column returns the SQL column for a fixed attribute.
// It panics on unknown fields: callers only pass schema constants.
func Column(f Field) string {
	a, ok := schemaIndex[f]
	if !ok {
		panic("contact: unknown field " + string(f))
	}
	return a.Column
}

// SearchFields are the attributes covered by free-text search.
var SearchFields = []Field{
	FieldFirstName,
	FieldLastName,
	FieldEmail,
	FieldPhone,
	FieldNote,
	FieldTags,
	FieldCompany,
	FieldAddress1,
	FieldAddress2,
	FieldCity,
	FieldProvinceCode,
	FieldCountryCode,
	FieldZip,
	FieldAddressPhone,
}
