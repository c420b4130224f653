package radiology

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// AccessionFormat selects one of the two accession layouts in use downstream.
type AccessionFormat int

const (
	// AccessionCompact is {MOD}{YYYYMMDD}{SEQ3}, e.g. DX20240601001.
	AccessionCompact AccessionFormat = iota
	// AccessionDashed is {MOD}-{YYYYMMDD}-{SEQ3}, e.g. DX-20240601-001.
	AccessionDashed
)

func (f AccessionFormat) String() string {
	if f == AccessionDashed {
		return "dashed"
	}
	return "compact"
}

const (
	// DefaultModalityCode is used when neither the request nor the procedure
	// names a modality.
	DefaultModalityCode = "OT"

	orderNumberPrefix = "ORD"
	dateLayout        = "20060102"
	accessionWidth    = 3
	orderNumberWidth  = 4
)

// IdentifierStore reserves sequence values and reports the highest
// identifier already persisted under a prefix.
type IdentifierStore interface {
	// Reserve atomically advances the counter for (scope, day) by n and
	// returns the last value of the reserved block. The counter never goes
	// below seed.
	Reserve(ctx context.Context, scope string, day time.Time, seed, n int) (int, error)
	HighestAccession(ctx context.Context, prefix string) (string, error)
	HighestOrderNumber(ctx context.Context, prefix string) (string, error)
}

// Generator mints accession and order numbers scoped to the current local day.
type Generator struct {
	store IdentifierStore
	loc   *time.Location
	now   func() time.Time
}

func NewGenerator(store IdentifierStore, loc *time.Location, now func() time.Time) *Generator {
	if loc == nil {
		loc = time.Local
	}
	if now == nil {
		now = time.Now
	}
	return &Generator{store: store, loc: loc, now: now}
}

// Today returns local midnight of the current day.
func (g *Generator) Today() time.Time {
	return startOfDay(g.now(), g.loc)
}

func startOfDay(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

// AccessionNumber mints one accession number for modality.
func (g *Generator) AccessionNumber(ctx context.Context, modality string, format AccessionFormat) (string, error) {
	nums, err := g.AccessionNumbers(ctx, modality, format, 1)
	if err != nil {
		return "", err
	}
	return nums[0], nil
}

// AccessionNumbers mints n consecutive accession numbers for modality in one
// reservation. Both formats draw from the same (modality, day) counter.
func (g *Generator) AccessionNumbers(ctx context.Context, modality string, format AccessionFormat, n int) ([]string, error) {
	if n < 1 {
		return nil, nil
	}
	mod := NormalizeModalityCode(modality)
	day := g.Today()

	seed := 0
	for _, f := range []AccessionFormat{AccessionCompact, AccessionDashed} {
		prefix := AccessionPrefix(f, mod, day)
		highest, err := g.store.HighestAccession(ctx, prefix)
		if err != nil {
			return nil, fmt.Errorf("highest accession for %s: %w", prefix, err)
		}
		if s := ParseSequence(highest, prefix); s > seed {
			seed = s
		}
	}

	last, err := g.store.Reserve(ctx, accessionScope(mod), day, seed, n)
	if err != nil {
		return nil, fmt.Errorf("reserve accession sequence for %s: %w", mod, err)
	}

	out := make([]string, n)
	for i := range out {
		out[i] = FormatAccession(format, mod, day, last-n+1+i)
	}
	return out, nil
}

// OrderNumber mints the next ORD-{YYYYMMDD}-{SEQ4} for today.
func (g *Generator) OrderNumber(ctx context.Context) (string, error) {
	day := g.Today()
	prefix := OrderNumberPrefix(day)

	highest, err := g.store.HighestOrderNumber(ctx, prefix)
	if err != nil {
		return "", fmt.Errorf("highest order number: %w", err)
	}
	last, err := g.store.Reserve(ctx, orderScope, day, ParseSequence(highest, prefix), 1)
	if err != nil {
		return "", fmt.Errorf("reserve order sequence: %w", err)
	}
	return FormatOrderNumber(day, last), nil
}

const orderScope = "order"

func accessionScope(modality string) string {
	return "accession:" + modality
}

// NormalizeModalityCode upper-cases code and strips anything that is not a
// letter or digit. An empty result becomes DefaultModalityCode.
func NormalizeModalityCode(code string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(code) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return DefaultModalityCode
	}
	return b.String()
}

// AccessionPrefix is the accession number without its sequence suffix.
func AccessionPrefix(format AccessionFormat, modality string, day time.Time) string {
	if format == AccessionDashed {
		return modality + "-" + day.Format(dateLayout) + "-"
	}
	return modality + day.Format(dateLayout)
}

// FormatAccession renders an accession number. Sequences above 999 widen the
// suffix rather than wrap.
func FormatAccession(format AccessionFormat, modality string, day time.Time, seq int) string {
	return AccessionPrefix(format, modality, day) + pad(seq, accessionWidth)
}

func OrderNumberPrefix(day time.Time) string {
	return orderNumberPrefix + "-" + day.Format(dateLayout) + "-"
}

func FormatOrderNumber(day time.Time, seq int) string {
	return OrderNumberPrefix(day) + pad(seq, orderNumberWidth)
}

func pad(seq, width int) string {
	return fmt.Sprintf("%0*d", width, seq)
}

// ParseSequence returns the numeric suffix of identifier after prefix. Any
// identifier that does not carry prefix or whose suffix is not a positive
// integer yields 0, so the next value starts at 1.
func ParseSequence(identifier, prefix string) int {
	suffix, ok := strings.CutPrefix(identifier, prefix)
	if !ok || suffix == "" {
		return 0
	}
	n, err := strconv.Atoi(suffix)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// Accession is a parsed accession number.
type Accession struct {
	Modality string
	Day      time.Time
	Sequence int
	Format   AccessionFormat
}

// ParseAccession accepts both layouts. The day is returned in loc.
//
// A compact accession is read from the end: suffix, then the eight-digit
// date, then the modality, which may itself contain digits. When several
// splits are valid (a widened suffix next to a digit-bearing modality) the
// one with an all-letter modality wins, then the shortest suffix.
func ParseAccession(s string, loc *time.Location) (Accession, bool) {
	if loc == nil {
		loc = time.UTC
	}
	if parts := strings.Split(s, "-"); len(parts) == 3 {
		return buildAccession(parts[0], parts[1], parts[2], AccessionDashed, loc)
	}

	var (
		best  Accession
		found bool
	)
	for width := accessionWidth; len(s)-width-len(dateLayout) > 0; width++ {
		seq := s[len(s)-width:]
		if !allDigits(seq) {
			break
		}
		end := len(s) - width
		a, ok := buildAccession(s[:end-len(dateLayout)], s[end-len(dateLayout):end], seq, AccessionCompact, loc)
		if !ok {
			continue
		}
		if strings.IndexFunc(a.Modality, unicode.IsDigit) < 0 {
			return a, true
		}
		if !found {
			best, found = a, true
		}
	}
	return best, found
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}

func buildAccession(mod, date, seq string, format AccessionFormat, loc *time.Location) (Accession, bool) {
	if mod == "" || NormalizeModalityCode(mod) != mod || len(seq) < accessionWidth || !allDigits(seq) || !allDigits(date) {
		return Accession{}, false
	}
	day, err := time.ParseInLocation(dateLayout, date, loc)
	if err != nil {
		return Accession{}, false
	}
	n, err := strconv.Atoi(seq)
	if err != nil || n < 1 {
		return Accession{}, false
	}
	return Accession{Modality: mod, Day: day, Sequence: n, Format: format}, true
}
