package xref

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

var soundexCodes = [26]byte{
	// A B C D E F G H I J K L M N O P Q R S T U V W X Y Z
	'0', '1', '2', '3', '0', '1', '2', 'h', '0', '2', '2', '4', '5', '5', '0', '1', '2', '6', '2', '3', '0', '1', 'h', '2', '0', '2',
}

// Soundex returns the American Soundex code of the letters in s, or "" when
// s has no letters.
func Soundex(s string) string {
	var out [4]byte
	n := 0
	var last byte
	for i := 0; i < len(s) && n < 4; i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		if c < 'A' || c > 'Z' {
			continue
		}
		code := soundexCodes[c-'A']
		if n == 0 {
			out[0] = c
			n = 1
			last = code
			continue
		}
		switch code {
		case 'h':
			// H and W do not separate letters with the same code.
			continue
		case '0':
			last = '0'
			continue
		}
		if code != last {
			out[n] = code
			n++
		}
		last = code
	}
	if n == 0 {
		return ""
	}
	for ; n < 4; n++ {
		out[n] = '0'
	}
	return string(out[:])
}

// phonetics derives the phonetic variants of a LAST,FIRST name: the code of
// the whole name, of the family name and of the given name. Results are
// memoized since the same names are coded on every write and search.
type phonetics struct {
	memo *lru.Cache[string, []string]
}

func newPhonetics(size int) *phonetics {
	memo, _ := lru.New[string, []string](size)
	return &phonetics{memo: memo}
}

func (p *phonetics) variants(name string) []string {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return nil
	}
	if v, ok := p.memo.Get(name); ok {
		return v
	}
	last, first, _ := strings.Cut(name, ",")
	var out []string
	seen := make(map[string]struct{}, 3)
	for _, part := range []string{name, last, first} {
		code := Soundex(part)
		if code == "" {
			continue
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	p.memo.Add(name, out)
	return out
}
