package xref

import (
	"strings"
	"testing"
)

var remarks = map[string]string{
	"short": "HTN, DM2 on metformin",
	"long": strings.Repeat(`Pt with hx of CHF and COPD, admitted for SOB. Afib rate controlled,
		BP stable on current regimen. Follow up with cardiology in two weeks. `, 10),
}

func BenchmarkTokenize(b *testing.B) {
	for name, text := range remarks {
		b.Run(name, func(b *testing.B) {
			b.ReportAllocs()
			b.SetBytes(int64(len(text)))
			for b.Loop() {
				Tokenize(text)
			}
		})
	}
}

func BenchmarkSoundex(b *testing.B) {
	names := []string{"SMITH,JOHN", "TYMCZAK,ROBERT", "PFISTER,LEE", "ASHCRAFT,RUPERT"}
	b.ReportAllocs()
	i := 0
	for b.Loop() {
		Soundex(names[i%len(names)])
		i++
	}
}

func BenchmarkPhoneticVariantsMemoized(b *testing.B) {
	p := newPhonetics(128)
	b.ReportAllocs()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			p.variants("SMITH,JOHN")
		}
	})
}
