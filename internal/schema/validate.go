package schema

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// PointerCheck reports whether a pointed-to record exists.
type PointerCheck func(file, ien string) bool

// Validate checks a complete set of internal values against field rules
// and the file's cross-field rules, returning every violation found.
func (f *File) Validate(vals Values, now time.Time, exists PointerCheck) []string {
	var msgs []string
	for _, fd := range f.Fields {
		msgs = append(msgs, fd.check(vals[fd.Number], now, exists)...)
	}
	for _, rule := range f.Rules {
		msgs = append(msgs, rule(vals, now)...)
	}
	return msgs
}

func (fd *Field) check(v string, now time.Time, exists PointerCheck) []string {
	if v == "" {
		if fd.Required {
			return []string{fmt.Sprintf("%s is required", fd.Name)}
		}
		return nil
	}
	var msgs []string
	if strings.Contains(v, Delimiter) {
		msgs = append(msgs, fmt.Sprintf("%s may not contain %q", fd.Name, Delimiter))
	}
	if fd.MinLen > 0 && len(v) < fd.MinLen {
		msgs = append(msgs, fmt.Sprintf("%s must be at least %d characters", fd.Name, fd.MinLen))
	}
	if fd.MaxLen > 0 && len(v) > fd.MaxLen {
		msgs = append(msgs, fmt.Sprintf("%s must be at most %d characters", fd.Name, fd.MaxLen))
	}
	if fd.Pattern != nil && !fd.Pattern.MatchString(v) {
		help := fd.PatternHelp
		if help == "" {
			help = "is not in the expected format"
		}
		msgs = append(msgs, fmt.Sprintf("%s %s", fd.Name, help))
	}
	switch fd.Type {
	case Date:
		if _, err := ParseDate(v); err != nil {
			msgs = append(msgs, fmt.Sprintf("%s is not a valid date", fd.Name))
		}
	case Set:
		if _, ok := fd.Codes[v]; !ok {
			msgs = append(msgs, fmt.Sprintf("%s must be one of %s", fd.Name, fd.codeList()))
		}
	case Numeric:
		if _, err := strconv.ParseFloat(v, 64); err != nil {
			msgs = append(msgs, fmt.Sprintf("%s must be numeric", fd.Name))
		}
	case Pointer:
		ien, file := SplitPointer(v)
		switch {
		case file != fd.PointsTo:
			msgs = append(msgs, fmt.Sprintf("%s must point to file %s", fd.Name, fd.PointsTo))
		case exists != nil && !exists(file, ien):
			msgs = append(msgs, fmt.Sprintf("%s points to missing entry %s in file %s", fd.Name, ien, file))
		}
	}
	return msgs
}

// NotInFuture rejects a date field later than today.
func NotInFuture(field, label string) Rule {
	return func(vals Values, now time.Time) []string {
		v := vals[field]
		if v == "" {
			return nil
		}
		t, err := ParseDate(v)
		if err != nil {
			return nil
		}
		if t.After(now) {
			return []string{fmt.Sprintf("%s cannot be in the future", label)}
		}
		return nil
	}
}

// NotBefore rejects later being earlier than earlier when both are set.
func NotBefore(later, earlier, message string) Rule {
	return func(vals Values, _ time.Time) []string {
		a, b := vals[later], vals[earlier]
		if a == "" || b == "" {
			return nil
		}
		ta, errA := ParseDate(a)
		tb, errB := ParseDate(b)
		if errA != nil || errB != nil {
			return nil
		}
		if ta.Before(tb) {
			return []string{message}
		}
		return nil
	}
}
