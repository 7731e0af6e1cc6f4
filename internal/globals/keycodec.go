package globals

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
)

// Key layout: escaped(global) term, then per subscript a tag byte followed
// by its encoding. Canonical numbers (tagNumber) sort before strings
// (tagString) and among themselves by value. Strings sort bytewise.
const (
	tagChildren byte = 0x01 // seek sentinel, never stored
	tagNumber   byte = 0x02
	tagString   byte = 0x03
	tagAfter    byte = 0xFF // upper bound of a subtree
)

const maxNumericDigits = 15

var (
	canonicalNumber = regexp.MustCompile(`^(0|-?([1-9][0-9]*(\.[0-9]*[1-9])?|\.[0-9]*[1-9]))$`)

	errMalformedKey = errors.New("malformed key")
)

// IsCanonicalNumber reports whether s collates as a number.
func IsCanonicalNumber(s string) bool {
	if !canonicalNumber.MatchString(s) {
		return false
	}
	digits := 0
	for i := 0; i < len(s); i++ {
		if s[i] >= '0' && s[i] <= '9' {
			digits++
		}
	}
	return digits <= maxNumericDigits
}

// EncodeKey encodes a node reference.
func EncodeKey(global string, subs ...string) []byte {
	b := make([]byte, 0, len(global)+2+len(subs)*12)
	b = appendEscaped(b, global)
	for _, s := range subs {
		b = appendSub(b, s)
	}
	return b
}

// DecodeKey reverses EncodeKey.
func DecodeKey(key []byte) (string, []string, error) {
	global, rest, err := readEscaped(key)
	if err != nil {
		return "", nil, err
	}
	var subs []string
	for len(rest) > 0 {
		var s string
		s, rest, err = readSub(rest)
		if err != nil {
			return "", nil, err
		}
		subs = append(subs, s)
	}
	return global, subs, nil
}

// decodeSubsAfter decodes the subscripts that follow prefix in key.
func decodeSubsAfter(prefix, key []byte) ([]string, error) {
	if !bytes.HasPrefix(key, prefix) {
		return nil, fmt.Errorf("%w: key outside prefix", errMalformedKey)
	}
	rest := key[len(prefix):]
	var subs []string
	for len(rest) > 0 {
		s, r, err := readSub(rest)
		if err != nil {
			return nil, err
		}
		subs = append(subs, s)
		rest = r
	}
	return subs, nil
}

// childrenStart is the smallest key strictly below the node at key.
func childrenStart(key []byte) []byte {
	return append(bytes.Clone(key), tagChildren)
}

// subtreeEnd is an exclusive upper bound over key and all descendants.
func subtreeEnd(key []byte) []byte {
	return append(bytes.Clone(key), tagAfter)
}

func appendSub(b []byte, s string) []byte {
	if IsCanonicalNumber(s) {
		f, _ := strconv.ParseFloat(s, 64)
		b = append(b, tagNumber)
		b = binary.BigEndian.AppendUint64(b, sortableFloat(f))
		return appendEscaped(b, s)
	}
	b = append(b, tagString)
	return appendEscaped(b, s)
}

// stringPrefixRange bounds every string subscript starting with prefix
// directly under parent.
func stringPrefixRange(parent []byte, prefix string) (lo, hi []byte) {
	lo = append(bytes.Clone(parent), tagString)
	for i := 0; i < len(prefix); i++ {
		if prefix[i] == 0x00 {
			lo = append(lo, 0x00, 0xFF)
			continue
		}
		lo = append(lo, prefix[i])
	}
	hi = append(bytes.Clone(lo), 0xFF, 0xFF)
	return lo, hi
}

// numberRange bounds every numeric subscript directly under parent.
func numberRange(parent []byte) (lo, hi []byte) {
	lo = append(bytes.Clone(parent), tagNumber)
	hi = append(bytes.Clone(parent), tagString)
	return lo, hi
}

func sortableFloat(f float64) uint64 {
	bits := math.Float64bits(f)
	if f >= 0 {
		return bits ^ (1 << 63)
	}
	return ^bits
}

func appendEscaped(b []byte, s string) []byte {
	for i := 0; i < len(s); i++ {
		if s[i] == 0x00 {
			b = append(b, 0x00, 0xFF)
			continue
		}
		b = append(b, s[i])
	}
	return append(b, 0x00, 0x01)
}

func readSub(b []byte) (string, []byte, error) {
	if len(b) == 0 {
		return "", nil, errMalformedKey
	}
	switch b[0] {
	case tagNumber:
		if len(b) < 9 {
			return "", nil, fmt.Errorf("%w: short number", errMalformedKey)
		}
		return readEscaped(b[9:])
	case tagString:
		return readEscaped(b[1:])
	default:
		return "", nil, fmt.Errorf("%w: tag %#x", errMalformedKey, b[0])
	}
}

func readEscaped(b []byte) (string, []byte, error) {
	out := make([]byte, 0, 16)
	for i := 0; i < len(b); i++ {
		if b[i] != 0x00 {
			out = append(out, b[i])
			continue
		}
		if i+1 >= len(b) {
			return "", nil, fmt.Errorf("%w: dangling escape", errMalformedKey)
		}
		switch b[i+1] {
		case 0x01:
			return string(out), b[i+2:], nil
		case 0xFF:
			out = append(out, 0x00)
			i++
		default:
			return "", nil, fmt.Errorf("%w: bad escape %#x", errMalformedKey, b[i+1])
		}
	}
	return "", nil, fmt.Errorf("%w: unterminated", errMalformedKey)
}
