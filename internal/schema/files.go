package schema

import "regexp"

// Built-in file numbers.
const (
	PatientFile   = "2"
	StateFile     = "5"
	NewPersonFile = "200"
)

var (
	namePattern = regexp.MustCompile(`^[A-Z][A-Z'\- ]*,[A-Z][A-Z'\-. ]*$`)
	ssnPattern  = regexp.MustCompile(`^\d{9}P?$`)
	zipPattern  = regexp.MustCompile(`^\d{5}(\d{4})?$`)
	abbrPattern = regexp.MustCompile(`^[A-Z]{2}$`)
)

// Patient is file 2, stored in ^DPT.
func Patient() *File {
	return NewFile(PatientFile, "PATIENT", "DPT", nil, []*Field{
		{
			Number: ".01", Name: "NAME", Node: "0", Piece: 1, Type: FreeText,
			Required: true, MinLen: 3, MaxLen: 30, Upper: true,
			Pattern: namePattern, PatternHelp: "must be LAST,FIRST in upper case",
			Indexes: []Index{{Name: "B", Kind: Exact}, {Name: "SDX", Kind: Phonetic}},
		},
		{
			Number: ".02", Name: "SEX", Node: "0", Piece: 2, Type: Set,
			Codes:   map[string]string{"M": "MALE", "F": "FEMALE"},
			Indexes: []Index{{Name: "ASX", Kind: Bitmap}},
		},
		{
			Number: ".03", Name: "DATE OF BIRTH", Node: "0", Piece: 3, Type: Date,
			Indexes: []Index{{Name: "ADOB", Kind: Exact}},
		},
		{
			Number: ".09", Name: "SOCIAL SECURITY NUMBER", Node: "0", Piece: 9, Type: FreeText,
			Pattern: ssnPattern, PatternHelp: "must be 9 digits", Mask: "###-##-####",
			Indexes: []Index{{Name: "SSN", Kind: Exact}},
		},
		{
			Number: ".091", Name: "REMARKS", Node: "0", Piece: 10, Type: FreeText,
			MaxLen: 240, Upper: true,
			Indexes: []Index{{Name: "AFT", Kind: FullText}},
		},
		{Number: ".111", Name: "STREET ADDRESS [LINE 1]", Node: ".11", Piece: 1, Type: FreeText, MinLen: 3, MaxLen: 35, Upper: true},
		{Number: ".114", Name: "CITY", Node: ".11", Piece: 4, Type: FreeText, MinLen: 2, MaxLen: 15, Upper: true},
		{Number: ".115", Name: "STATE", Node: ".11", Piece: 5, Type: Pointer, PointsTo: StateFile},
		{
			Number: ".116", Name: "ZIP CODE", Node: ".11", Piece: 6, Type: FreeText,
			Pattern: zipPattern, PatternHelp: "must be 5 or 9 digits",
		},
		{Number: ".351", Name: "DATE OF DEATH", Node: ".35", Piece: 1, Type: Date},
	},
		NotInFuture(".03", "DATE OF BIRTH"),
		NotInFuture(".351", "DATE OF DEATH"),
		NotBefore(".351", ".03", "DATE OF DEATH cannot precede DATE OF BIRTH"),
	)
}

// State is file 5, stored in ^DIC(5.
func State() *File {
	return NewFile(StateFile, "STATE", "DIC", []string{"5"}, []*Field{
		{
			Number: ".01", Name: "NAME", Node: "0", Piece: 1, Type: FreeText,
			Required: true, MinLen: 2, MaxLen: 30, Upper: true,
			Indexes: []Index{{Name: "B", Kind: Exact}},
		},
		{
			Number: "1", Name: "ABBREVIATION", Node: "0", Piece: 2, Type: FreeText,
			Upper: true, Pattern: abbrPattern, PatternHelp: "must be two letters",
			Indexes: []Index{{Name: "C", Kind: Exact}},
		},
	})
}

// NewPerson is file 200, stored in ^VA(200.
func NewPerson() *File {
	return NewFile(NewPersonFile, "NEW PERSON", "VA", []string{"200"}, []*Field{
		{
			Number: ".01", Name: "NAME", Node: "0", Piece: 1, Type: FreeText,
			Required: true, MinLen: 3, MaxLen: 35, Upper: true,
			Pattern: namePattern, PatternHelp: "must be LAST,FIRST in upper case",
			Indexes: []Index{{Name: "B", Kind: Exact}, {Name: "SDX", Kind: Phonetic}},
		},
		{Number: "1", Name: "INITIAL", Node: "0", Piece: 2, Type: FreeText, MinLen: 2, MaxLen: 5, Upper: true},
		{
			Number: "8", Name: "TITLE", Node: "0", Piece: 9, Type: FreeText, MaxLen: 60, Upper: true,
			Indexes: []Index{{Name: "AFT", Kind: FullText}},
		},
	})
}

// DefaultRegistry registers the built-in files.
func DefaultRegistry() *Registry {
	return NewRegistry(Patient(), State(), NewPerson())
}
