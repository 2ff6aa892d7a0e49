package core

// fields.go defines the canonical record schema and the mapping from a
// detected header row onto it.
//
// Header cells are compared after NormalizeHeader: trimmed, diacritics
// removed, uppercased, whitespace collapsed. "Prénoms " and "PRENOMS" are
// the same column.

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Field is a canonical record field.
type Field int

const (
	FieldEnrollmentSite Field = iota
	FieldWithdrawalSite
	FieldStorageLocation
	FieldLastName
	FieldFirstNames
	FieldBirthDate
	FieldBirthPlace
	FieldContact
	FieldDeliveryStatus
	FieldWithdrawalContact
	FieldDeliveryDate

	fieldCount
)

type fieldSpec struct {
	name     string   // stable identifier, also the DB column
	headers  []string // accepted header spellings
	required bool
}

var fieldSpecs = [fieldCount]fieldSpec{
	FieldEnrollmentSite:    {name: "enrollment_site", headers: []string{"SITE D'ENROLEMENT", "LIEU D'ENROLEMENT", "SITE ENROLEMENT", "ENROLLMENT SITE"}},
	FieldWithdrawalSite:    {name: "withdrawal_site", headers: []string{"SITE DE RETRAIT", "LIEU DE RETRAIT", "SITE RETRAIT", "WITHDRAWAL SITE"}},
	FieldStorageLocation:   {name: "storage_location", headers: []string{"RANGEMENT", "EMPLACEMENT", "STORAGE LOCATION"}},
	FieldLastName:          {name: "last_name", headers: []string{"NOM", "NOMS", "LAST NAME"}, required: true},
	FieldFirstNames:        {name: "first_names", headers: []string{"PRENOMS", "PRENOM", "FIRST NAMES", "FIRST NAME"}, required: true},
	FieldBirthDate:         {name: "birth_date", headers: []string{"DATE DE NAISSANCE", "DATE NAISSANCE", "BIRTH DATE"}},
	FieldBirthPlace:        {name: "birth_place", headers: []string{"LIEU DE NAISSANCE", "LIEU NAISSANCE", "BIRTH PLACE"}},
	FieldContact:           {name: "contact", headers: []string{"CONTACT", "CONTACTS", "TELEPHONE", "PHONE"}},
	FieldDeliveryStatus:    {name: "delivery_status", headers: []string{"DELIVRANCE", "STATUT", "DELIVERY STATUS"}},
	FieldWithdrawalContact: {name: "withdrawal_contact", headers: []string{"CONTACT DE RETRAIT", "CONTACT RETRAIT", "WITHDRAWAL CONTACT"}},
	FieldDeliveryDate:      {name: "delivery_date", headers: []string{"DATE DE DELIVRANCE", "DATE DELIVRANCE", "DELIVERY DATE"}},
}

// String returns the canonical field name.
func (f Field) String() string {
	if f < 0 || f >= fieldCount {
		return fmt.Sprintf("field(%d)", int(f))
	}
	return fieldSpecs[f].name
}

// Required reports whether the field must be present and non-empty.
func (f Field) Required() bool {
	return f >= 0 && f < fieldCount && fieldSpecs[f].required
}

// Fields returns all canonical fields in schema order.
func Fields() []Field {
	out := make([]Field, fieldCount)
	for i := range out {
		out[i] = Field(i)
	}
	return out
}

var stripMarks = runes.Remove(runes.In(unicode.Mn))

// NormalizeHeader folds a header cell for matching: Excel ="..." wrappers and
// diacritics are removed, typographic apostrophes become ASCII, the result is
// uppercased with whitespace collapsed.
func NormalizeHeader(s string) string {
	s = cleanCell(s)
	if folded, _, err := transform.String(transform.Chain(norm.NFD, stripMarks, norm.NFC), s); err == nil {
		s = folded
	}
	s = strings.NewReplacer("’", "'", "`", "'", "_", " ").Replace(s)
	return strings.Join(strings.Fields(strings.ToUpper(s)), " ")
}

// HeaderMapping maps canonical fields onto source column indexes. It is built
// once per import and never modified afterwards.
type HeaderMapping struct {
	columns  [fieldCount]int // -1 when the field has no source column
	unmapped []string
}

// BuildHeaderMapping matches a detected header row against the canonical
// schema. The first matching source column wins. A missing required field
// yields a *ValidationError naming every missing field.
func BuildHeaderMapping(header []string) (HeaderMapping, error) {
	var m HeaderMapping
	for i := range m.columns {
		m.columns[i] = -1
	}

	lookup := make(map[string]Field)
	for f := Field(0); f < fieldCount; f++ {
		for _, h := range fieldSpecs[f].headers {
			lookup[NormalizeHeader(h)] = f
		}
	}

	for col, cell := range header {
		key := NormalizeHeader(cell)
		if key == "" {
			continue
		}
		f, ok := lookup[key]
		if !ok {
			m.unmapped = append(m.unmapped, cell)
			continue
		}
		if m.columns[f] < 0 {
			m.columns[f] = col
		}
	}

	var missing []string
	for f := Field(0); f < fieldCount; f++ {
		if fieldSpecs[f].required && m.columns[f] < 0 {
			missing = append(missing, f.String())
		}
	}
	if len(missing) > 0 {
		return HeaderMapping{}, &ValidationError{
			Code:    CodeMissingColumn,
			Field:   strings.Join(missing, ","),
			Message: fmt.Sprintf("missing required column(s): %s", strings.Join(missing, ", ")),
		}
	}
	return m, nil
}

// Column returns the source index of f.
func (m HeaderMapping) Column(f Field) (int, bool) {
	if f < 0 || f >= fieldCount || m.columns[f] < 0 {
		return 0, false
	}
	return m.columns[f], true
}

// Mapped returns the fields that have a source column, in schema order.
func (m HeaderMapping) Mapped() []Field {
	var out []Field
	for f := Field(0); f < fieldCount; f++ {
		if m.columns[f] >= 0 {
			out = append(out, f)
		}
	}
	return out
}

// Unmapped returns header cells that matched no canonical field.
func (m HeaderMapping) Unmapped() []string {
	return append([]string(nil), m.unmapped...)
}

// value returns the cleaned cell for f, or "" when absent.
func (m HeaderMapping) value(row []string, f Field) string {
	col := m.columns[f]
	if col < 0 || col >= len(row) {
		return ""
	}
	return cleanCell(row[col])
}

// cleanCell trims whitespace and unwraps Excel's ="value" text guard.
func cleanCell(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, `="`) && strings.HasSuffix(s, `"`) && len(s) >= 3 {
		s = strings.TrimSpace(s[2 : len(s)-1])
	}
	return s
}
