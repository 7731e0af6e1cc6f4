package engine

import (
	"context"
	"strings"
	"time"

	"github.com/lakeraven/filebot/internal/schema"
)

// Summary is the demographic header shown for a patient.
type Summary struct {
	IEN         string `json:"ien"`
	Name        string `json:"name"`
	Sex         string `json:"sex"`
	DateOfBirth string `json:"dateOfBirth"`
	Age         int    `json:"age"`
	SSN         string `json:"ssn"`
	Address     string `json:"address"`
	Deceased    bool   `json:"deceased"`
	DateOfDeath string `json:"dateOfDeath,omitempty"`
}

// Summary builds the demographic summary of a patient.
func (e *Engine) Summary(ctx context.Context, ien string) (sum Summary, err error) {
	defer e.observe(schema.PatientFile, "summary", time.Now(), &err)
	compute := func(ctx context.Context) (Summary, error) { return e.summarize(ctx, ien) }
	if e.summaries == nil {
		return compute(ctx)
	}
	sum, _, err = e.summaries.GetOrCompute(ctx, summaryKey(schema.PatientFile, ien), 0, compute)
	return sum, err
}

func (e *Engine) summarize(ctx context.Context, ien string) (Summary, error) {
	f, err := e.file(schema.PatientFile)
	if err != nil {
		return Summary{}, err
	}
	vals, err := e.values(ctx, f, ien)
	if err != nil {
		return Summary{}, err
	}
	resolve := e.resolver(ctx)
	ext := func(num string) string { return f.MustField(num).External(vals[num], resolve) }

	sum := Summary{
		IEN:         ien,
		Name:        vals[".01"],
		Sex:         ext(".02"),
		DateOfBirth: ext(".03"),
		SSN:         ext(".09"),
		DateOfDeath: ext(".351"),
		Deceased:    vals[".351"] != "",
	}
	var addr []string
	for _, num := range []string{".111", ".114", ".115", ".116"} {
		if v := ext(num); v != "" {
			addr = append(addr, v)
		}
	}
	sum.Address = strings.Join(addr, ", ")

	if dob, err := schema.ParseDate(vals[".03"]); err == nil {
		end := e.now()
		if dod, err := schema.ParseDate(vals[".351"]); err == nil {
			end = dod
		}
		sum.Age = age(dob, end)
	}
	return sum, nil
}

func age(born, at time.Time) int {
	years := at.Year() - born.Year()
	if at.Month() < born.Month() || (at.Month() == born.Month() && at.Day() < born.Day()) {
		years--
	}
	return max(0, years)
}

// warmSummary is the predictive warmer behind the record cache: a hit on a
// patient record prepares that patient's summary.
func (e *Engine) warmSummary(ctx context.Context, key string) error {
	file, ien, ok := recordFromKey(key)
	if !ok || file != schema.PatientFile {
		return nil
	}
	_, err := e.Summary(ctx, ien)
	return err
}
