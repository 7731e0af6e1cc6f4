package schema

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	fberrors "github.com/lakeraven/filebot/pkg/errors"
)

// FileMan dates are YYYMMDD with YYY = year - 1700, optionally followed by
// .HHMMSS with trailing zeros dropped.
const yearOffset = 1700

var (
	internalDate = regexp.MustCompile(`^(\d{3})(\d{2})(\d{2})(?:\.(\d{1,6}))?$`)
	usDate       = regexp.MustCompile(`^(\d{1,2})/(\d{1,2})/(\d{4})$`)
	isoDate      = regexp.MustCompile(`^(\d{4})-(\d{2})-(\d{2})$`)
	relativeDate = regexp.MustCompile(`^T(?:([+-])(\d+))?$`)
)

// FormatDate encodes t as an internal FileMan date without a time part.
func FormatDate(t time.Time) string {
	return fmt.Sprintf("%03d%02d%02d", t.Year()-yearOffset, int(t.Month()), t.Day())
}

// FormatDateTime encodes t with its time of day.
func FormatDateTime(t time.Time) string {
	hms := fmt.Sprintf("%02d%02d%02d", t.Hour(), t.Minute(), t.Second())
	hms = strings.TrimRight(hms, "0")
	if hms == "" {
		return FormatDate(t)
	}
	return FormatDate(t) + "." + hms
}

// ParseDate decodes an internal FileMan date.
func ParseDate(s string) (time.Time, error) {
	m := internalDate.FindStringSubmatch(s)
	if m == nil {
		return time.Time{}, fmt.Errorf("%w: %q is not a FileMan date", fberrors.ErrInvalidInput, s)
	}
	yyy, _ := strconv.Atoi(m[1])
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	var hour, minute, sec int
	if m[4] != "" {
		hms := (m[4] + "000000")[:6]
		hour, _ = strconv.Atoi(hms[0:2])
		minute, _ = strconv.Atoi(hms[2:4])
		sec, _ = strconv.Atoi(hms[4:6])
	}
	return civil(yyy+yearOffset, month, day, hour, minute, sec, s)
}

// ToInternalDate accepts an internal date, MM/DD/YYYY, YYYY-MM-DD, or a
// relative T, T-n, T+n (days from now) and returns the internal form.
func ToInternalDate(input string, now time.Time) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(input))
	if m := internalDate.FindStringSubmatch(s); m != nil {
		t, err := ParseDate(s)
		if err != nil {
			return "", err
		}
		if m[4] != "" {
			return FormatDateTime(t), nil
		}
		return FormatDate(t), nil
	}
	if m := usDate.FindStringSubmatch(s); m != nil {
		month, _ := strconv.Atoi(m[1])
		day, _ := strconv.Atoi(m[2])
		year, _ := strconv.Atoi(m[3])
		t, err := civil(year, month, day, 0, 0, 0, input)
		if err != nil {
			return "", err
		}
		return FormatDate(t), nil
	}
	if m := isoDate.FindStringSubmatch(s); m != nil {
		year, _ := strconv.Atoi(m[1])
		month, _ := strconv.Atoi(m[2])
		day, _ := strconv.Atoi(m[3])
		t, err := civil(year, month, day, 0, 0, 0, input)
		if err != nil {
			return "", err
		}
		return FormatDate(t), nil
	}
	if m := relativeDate.FindStringSubmatch(s); m != nil {
		days := 0
		if m[2] != "" {
			days, _ = strconv.Atoi(m[2])
			if m[1] == "-" {
				days = -days
			}
		}
		return FormatDate(now.AddDate(0, 0, days)), nil
	}
	return "", fmt.Errorf("%w: cannot interpret %q as a date", fberrors.ErrInvalidInput, input)
}

// ExternalDate renders an internal date as MM/DD/YYYY, with @HH:MM when a
// time is present. Unparseable input is returned unchanged.
func ExternalDate(internal string) string {
	t, err := ParseDate(internal)
	if err != nil {
		return internal
	}
	out := fmt.Sprintf("%02d/%02d/%04d", int(t.Month()), t.Day(), t.Year())
	if strings.Contains(internal, ".") {
		out += fmt.Sprintf("@%02d:%02d", t.Hour(), t.Minute())
		if t.Second() != 0 {
			out += fmt.Sprintf(":%02d", t.Second())
		}
	}
	return out
}

func civil(year, month, day, hour, minute, sec int, raw string) (time.Time, error) {
	t := time.Date(year, time.Month(month), day, hour, minute, sec, 0, time.UTC)
	if t.Year() != year || int(t.Month()) != month || t.Day() != day || hour > 23 || minute > 59 || sec > 59 {
		return time.Time{}, fmt.Errorf("%w: %q is not a valid date", fberrors.ErrInvalidInput, raw)
	}
	return t, nil
}
