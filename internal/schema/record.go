package schema

import (
	"maps"
	"strings"
)

// Delimiter separates pieces of a node value.
const Delimiter = "^"

// Values maps field numbers to internal values.
type Values map[string]string

func (v Values) Clone() Values { return maps.Clone(v) }

// Piece returns the 1-based piece n of node.
func Piece(node string, n int) string {
	if n < 1 {
		return ""
	}
	for i := 1; i < n; i++ {
		idx := strings.Index(node, Delimiter)
		if idx < 0 {
			return ""
		}
		node = node[idx+1:]
	}
	if idx := strings.Index(node, Delimiter); idx >= 0 {
		return node[:idx]
	}
	return node
}

// SetPiece replaces piece n of node, padding with empty pieces as needed.
func SetPiece(node string, n int, value string) string {
	pieces := Split(node)
	for len(pieces) < n {
		pieces = append(pieces, "")
	}
	pieces[n-1] = value
	return Join(pieces)
}

// Split decodes a node into its pieces. Empty segments are kept.
func Split(node string) []string {
	return strings.Split(node, Delimiter)
}

// Join encodes pieces. Empty trailing pieces are kept, so the result
// always has len(pieces)-1 delimiters.
func Join(pieces []string) string {
	return strings.Join(pieces, Delimiter)
}

// Encode lays out vals as node strings. Every node the file declares is
// written at its full width, even when all of its fields are empty, except
// nodes other than the zero-node that would hold nothing.
func (f *File) Encode(vals Values) map[string]string {
	out := make(map[string]string, len(f.nodes))
	for _, node := range f.nodes {
		pieces := make([]string, f.width[node])
		empty := true
		for _, fd := range f.FieldsOn(node) {
			v := vals[fd.Number]
			pieces[fd.Piece-1] = v
			if v != "" {
				empty = false
			}
		}
		if empty && node != "0" {
			continue
		}
		out[node] = Join(pieces)
	}
	return out
}

// Decode parses node strings back into values. Only fields whose node is
// present are returned.
func (f *File) Decode(nodes map[string]string) Values {
	vals := make(Values, len(f.Fields))
	for _, fd := range f.Fields {
		node, ok := nodes[fd.Node]
		if !ok {
			continue
		}
		vals[fd.Number] = Piece(node, fd.Piece)
	}
	return vals
}

// Apply merges changes into the pieces of existing nodes, touching only the
// positions of the changed fields. Unknown pieces already in a node
// survive the rewrite.
func (f *File) Apply(nodes map[string]string, changes Values) map[string]string {
	out := maps.Clone(nodes)
	if out == nil {
		out = make(map[string]string)
	}
	for num, v := range changes {
		fd, ok := f.byNumber[num]
		if !ok {
			continue
		}
		cur, had := out[fd.Node]
		if !had {
			cur = Join(make([]string, f.width[fd.Node]))
		}
		out[fd.Node] = SetPiece(cur, fd.Piece, v)
	}
	return out
}
