package schema

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	fberrors "github.com/lakeraven/filebot/pkg/errors"
)

// Resolver returns the .01 value of a pointed-to record, or false.
type Resolver func(file, ien string) (string, bool)

// External converts an internal value to its display form. It is applied
// only at the read boundary; indexes and storage use the internal form.
func (fd *Field) External(internal string, resolve Resolver) string {
	if internal == "" {
		return ""
	}
	switch fd.Type {
	case Date:
		return ExternalDate(internal)
	case Set:
		if label, ok := fd.Codes[internal]; ok {
			return label
		}
		return internal
	case Pointer:
		ien, file := SplitPointer(internal)
		if file == "" {
			file = fd.PointsTo
		}
		if resolve != nil {
			if name, ok := resolve(file, ien); ok {
				return name
			}
		}
		return internal
	}
	if fd.Mask != "" {
		return applyMask(fd.Mask, internal)
	}
	return internal
}

// Internal converts caller input to the stored form.
func (fd *Field) Internal(input string, now time.Time) (string, error) {
	s := strings.TrimSpace(input)
	if s == "" {
		return "", nil
	}
	if strings.Contains(s, Delimiter) {
		return "", fmt.Errorf("%w: %s may not contain %q", fberrors.ErrInvalidInput, fd.Name, Delimiter)
	}
	if fd.Upper {
		s = strings.ToUpper(s)
	}
	switch fd.Type {
	case Date:
		v, err := ToInternalDate(s, now)
		if err != nil {
			return "", fmt.Errorf("%s: %w", fd.Name, err)
		}
		return v, nil
	case Set:
		up := strings.ToUpper(s)
		for code, label := range fd.Codes {
			if up == strings.ToUpper(code) || up == strings.ToUpper(label) {
				return code, nil
			}
		}
		return "", fmt.Errorf("%w: %s must be one of %s", fberrors.ErrInvalidInput, fd.Name, fd.codeList())
	case Pointer:
		ien, file := SplitPointer(s)
		if file != "" && file != fd.PointsTo {
			return "", fmt.Errorf("%w: %s points to file %s, not %s", fberrors.ErrInvalidInput, fd.Name, fd.PointsTo, file)
		}
		return JoinPointer(ien, fd.PointsTo), nil
	case Numeric:
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return "", fmt.Errorf("%w: %s must be numeric", fberrors.ErrInvalidInput, fd.Name)
		}
		return strconv.FormatFloat(n, 'f', -1, 64), nil
	}
	if fd.Mask != "" {
		return stripMask(s), nil
	}
	return s, nil
}

// JoinPointer builds the internal "ien;file" reference.
func JoinPointer(ien, file string) string {
	return ien + ";" + file
}

// SplitPointer reverses JoinPointer. A bare ien yields an empty file.
func SplitPointer(p string) (ien, file string) {
	ien, file, _ = strings.Cut(p, ";")
	return ien, file
}

func (fd *Field) codeList() string {
	parts := make([]string, 0, len(fd.Codes))
	for code, label := range fd.Codes {
		parts = append(parts, code+":"+label)
	}
	sort.Strings(parts)
	return strings.Join(parts, ";")
}

func applyMask(mask, digits string) string {
	if strings.Count(mask, "#") != len(digits) {
		return digits
	}
	var b strings.Builder
	i := 0
	for _, r := range mask {
		if r == '#' {
			b.WriteByte(digits[i])
			i++
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

var maskSeparators = strings.NewReplacer("-", "", " ", "")

func stripMask(s string) string {
	return maskSeparators.Replace(s)
}
