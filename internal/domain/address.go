package domain

// Address holds structured postal fields from reverse geocoding. Any field may be empty.
type Address struct {
	SubThoroughfare    string `json:"sub_thoroughfare,omitempty" dynamodbav:"sub_thoroughfare,omitempty"` // house number
	Thoroughfare       string `json:"thoroughfare,omitempty" dynamodbav:"thoroughfare,omitempty"`         // street
	Locality           string `json:"locality,omitempty" dynamodbav:"locality,omitempty"`                 // city
	AdministrativeArea string `json:"administrative_area,omitempty" dynamodbav:"administrative_area,omitempty"`
	PostalCode         string `json:"postal_code,omitempty" dynamodbav:"postal_code,omitempty"`
}

// IsZero reports whether no field is set.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Lines renders the address as "<number> <street>\n<city> <region> <postcode>".
// The newline is dropped when either line is empty.
func (a Address) Lines() string {
	line1 := JoinNonEmpty(" ", a.SubThoroughfare, a.Thoroughfare)
	line2 := JoinNonEmpty(" ", a.Locality, a.AdministrativeArea, a.PostalCode)
	return AppendText(line1, line2, "\n")
}

// Short renders a single-line form for list rows: "10 Main St, Springfield".
func (a Address) Short() string {
	text := AppendText(a.SubThoroughfare, a.Thoroughfare, " ")
	return AppendText(text, a.Locality, ", ")
}
