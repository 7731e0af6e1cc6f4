// Package schema describes FileMan files: where each field lives inside a
// record's caret-delimited nodes, what type it has and which
// cross-references are built from it. Schemas are loaded once and passed
// by reference; nothing else derives field positions.
package schema

import (
	"fmt"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	fberrors "github.com/lakeraven/filebot/pkg/errors"
)

// FieldType is a FileMan data type.
type FieldType int

const (
	FreeText FieldType = iota
	Date
	Set
	Numeric
	Pointer
)

func (t FieldType) String() string {
	switch t {
	case FreeText:
		return "free text"
	case Date:
		return "date"
	case Set:
		return "set of codes"
	case Numeric:
		return "numeric"
	case Pointer:
		return "pointer"
	default:
		return "unknown"
	}
}

// IndexKind is the cross-reference family.
type IndexKind int

const (
	Exact IndexKind = iota
	Phonetic
	Bitmap
	FullText
)

func (k IndexKind) String() string {
	switch k {
	case Exact:
		return "exact"
	case Phonetic:
		return "phonetic"
	case Bitmap:
		return "bitmap"
	case FullText:
		return "full-text"
	default:
		return "unknown"
	}
}

// Index declares one cross-reference on a field.
type Index struct {
	Name string
	Kind IndexKind
}

// Field describes one field. Node and Piece locate its value: piece N of
// the caret-delimited string at ROOT(ien, Node).
type Field struct {
	Number   string
	Name     string
	Node     string
	Piece    int
	Type     FieldType
	Required bool
	MinLen   int
	MaxLen   int
	// Codes maps internal set codes to external labels, e.g. M -> MALE.
	Codes map[string]string
	// PointsTo is the target file number of a pointer field.
	PointsTo string
	// Pattern, when set, constrains the internal value; PatternHelp
	// is the message shown when it does not match.
	Pattern     *regexp.Regexp
	PatternHelp string
	// Mask formats digit strings for display, e.g. ###-##-####.
	Mask string
	// Upper folds input to upper case before storing.
	Upper   bool
	Indexes []Index
}

// Rule checks values across fields. vals holds internal values by field
// number, after the write has been applied.
type Rule func(vals Values, now time.Time) []string

// File is one FileMan file.
type File struct {
	Number string
	Name   string
	// Global and Root locate the file: records live at ^Global(Root..., ien, node).
	Global string
	Root   []string
	Fields []*Field
	Rules  []Rule

	byNumber map[string]*Field
	byName   map[string]*Field
	nodes    []string
	width    map[string]int
}

// NewFile indexes the field list. Field order defines zero-node width.
func NewFile(number, name, global string, root []string, fields []*Field, rules ...Rule) *File {
	f := &File{
		Number:   number,
		Name:     name,
		Global:   global,
		Root:     root,
		Fields:   fields,
		Rules:    rules,
		byNumber: make(map[string]*Field, len(fields)),
		byName:   make(map[string]*Field, len(fields)),
		width:    make(map[string]int),
	}
	for _, fd := range fields {
		f.byNumber[fd.Number] = fd
		f.byName[strings.ToUpper(fd.Name)] = fd
		if _, seen := f.width[fd.Node]; !seen {
			f.nodes = append(f.nodes, fd.Node)
		}
		f.width[fd.Node] = max(f.width[fd.Node], fd.Piece)
	}
	sort.SliceStable(f.nodes, func(i, j int) bool { return nodeLess(f.nodes[i], f.nodes[j]) })
	return f
}

// Field resolves a field by number or, failing that, by name.
func (f *File) Field(ref string) (*Field, error) {
	if fd, ok := f.byNumber[ref]; ok {
		return fd, nil
	}
	if fd, ok := f.byName[strings.ToUpper(ref)]; ok {
		return fd, nil
	}
	return nil, fmt.Errorf("%w: file %s has no field %q", fberrors.ErrInvalidInput, f.Number, ref)
}

// MustField panics on an unknown field; for static schema wiring only.
func (f *File) MustField(number string) *Field {
	fd, err := f.Field(number)
	if err != nil {
		panic(err)
	}
	return fd
}

// NameField is the .01 field.
func (f *File) NameField() *Field { return f.byNumber[".01"] }

// Nodes lists the data nodes the file uses, zero-node first.
func (f *File) Nodes() []string { return f.nodes }

// Width is the number of pieces written for node.
func (f *File) Width(node string) int { return f.width[node] }

// FieldsOn returns the fields stored on node.
func (f *File) FieldsOn(node string) []*Field {
	var out []*Field
	for _, fd := range f.Fields {
		if fd.Node == node {
			out = append(out, fd)
		}
	}
	return out
}

// IndexedFields returns every field carrying at least one cross-reference.
func (f *File) IndexedFields() []*Field {
	var out []*Field
	for _, fd := range f.Fields {
		if len(fd.Indexes) > 0 {
			out = append(out, fd)
		}
	}
	return out
}

// IndexByName finds the field and declaration of a named cross-reference.
func (f *File) IndexByName(name string) (*Field, Index, bool) {
	for _, fd := range f.Fields {
		for _, ix := range fd.Indexes {
			if ix.Name == name {
				return fd, ix, true
			}
		}
	}
	return nil, Index{}, false
}

// Path returns the subscripts of a record node below the global.
func (f *File) Path(subs ...string) []string {
	return append(slices.Clone(f.Root), subs...)
}

// HeaderPath is the file header node, ROOT(0).
func (f *File) HeaderPath() []string { return f.Path("0") }

// Registry holds the known files.
type Registry struct {
	files map[string]*File
}

func NewRegistry(files ...*File) *Registry {
	r := &Registry{files: make(map[string]*File, len(files))}
	for _, f := range files {
		r.files[f.Number] = f
	}
	return r
}

// File resolves a file by number.
func (r *Registry) File(number string) (*File, error) {
	if f, ok := r.files[number]; ok {
		return f, nil
	}
	return nil, fmt.Errorf("%w: %s", fberrors.ErrUnknownFile, number)
}

// Files lists registered files in numeric order.
func (r *Registry) Files() []*File {
	out := make([]*File, 0, len(r.files))
	for _, f := range r.files {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return nodeLess(out[i].Number, out[j].Number) })
	return out
}

func nodeLess(a, b string) bool {
	fa, errA := strconv.ParseFloat(a, 64)
	fb, errB := strconv.ParseFloat(b, 64)
	switch {
	case errA == nil && errB == nil:
		return fa < fb
	case errA == nil:
		return true
	case errB == nil:
		return false
	default:
		return a < b
	}
}
