package extraction

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	snippetRadius = 30
	// MaxMileage is exclusive.
	MaxMileage = 500000

	regexConfidence    = 0.95
	rejectedConfidence = 0.1
)

var (
	tagRe        = regexp.MustCompile(`<[^>]*>`)
	whitespaceRe = regexp.MustCompile(`\s+`)

	registrationRe      = regexp.MustCompile(`(?i)\b[A-Z]{2}\d{2}\s?[A-Z]{3}\b`)
	registrationExactRe = regexp.MustCompile(`^([A-Z]{2}\d{2})\s?([A-Z]{3})$`)
	mileageRe           = regexp.MustCompile(`(?i)\b(\d{1,3}(?:,\d{3})+|\d+)(\.\d+)?\s*(miles?|mi)\b`)
	mileageValueRe      = regexp.MustCompile(`^(\d{1,3}(?:,\d{3})+|\d+)(\.\d+)?$`)
)

// Normalize strips HTML-like tags, collapses whitespace and trims.
func Normalize(text string) string {
	text = tagRe.ReplaceAllString(text, " ")
	text = whitespaceRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// ScanCandidates collects distinct registration and mileage matches from
// normalized text. Mileages outside [0, MaxMileage) are dropped.
func ScanCandidates(text string) CandidateSet {
	var set CandidateSet

	seenReg := map[string]bool{}
	for _, loc := range registrationRe.FindAllStringIndex(text, -1) {
		value, ok := ValidRegistration(text[loc[0]:loc[1]])
		if !ok || seenReg[value] {
			continue
		}
		seenReg[value] = true
		set.Registrations = append(set.Registrations, RegistrationCandidate{
			Value:   value,
			Snippet: snippetAt(text, loc[0], loc[1]),
		})
	}

	seenMiles := map[int]bool{}
	for _, m := range mileageRe.FindAllStringSubmatchIndex(text, -1) {
		raw := text[m[2]:m[3]]
		if m[4] >= 0 {
			raw += text[m[4]:m[5]]
		}
		value, ok := ParseMileage(raw)
		if !ok || seenMiles[value] {
			continue
		}
		seenMiles[value] = true
		set.Mileages = append(set.Mileages, MileageCandidate{
			Value:   value,
			Raw:     text[m[0]:m[1]],
			Snippet: snippetAt(text, m[0], m[1]),
		})
	}
	return set
}

// ValidRegistration checks the current UK plate shape (two letters, two
// digits, three letters) and returns it upper-cased with a single space.
func ValidRegistration(s string) (string, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	m := registrationExactRe.FindStringSubmatch(s)
	if m == nil {
		return "", false
	}
	return m[1] + " " + m[2], true
}

// ParseMileage parses a number with optional thousands separators and
// decimals, and reports whether it lies in [0, MaxMileage). Decimals are
// truncated.
func ParseMileage(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if !mileageValueRe.MatchString(s) {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(s, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return mileageInRange(f)
}

func mileageInRange(f float64) (int, bool) {
	if math.IsNaN(f) || f < 0 || f >= MaxMileage {
		return 0, false
	}
	return int(f), true
}

// ValidMileage reports whether n is an acceptable odometer reading.
func ValidMileage(n int) bool {
	return n >= 0 && n < MaxMileage
}

func formatMileage(n int) string {
	return strconv.Itoa(n)
}

// snippetAt returns the match plus up to snippetRadius bytes either side,
// widened to rune boundaries.
func snippetAt(text string, start, end int) string {
	from := max(start-snippetRadius, 0)
	for from > 0 && !utf8.RuneStart(text[from]) {
		from--
	}
	to := min(end+snippetRadius, len(text))
	for to < len(text) && !utf8.RuneStart(text[to]) {
		to++
	}
	return strings.TrimSpace(text[from:to])
}

// locateRegistration finds the last mention of a plate, ignoring case and
// the optional space.
func locateRegistration(text, plate string) string {
	compact := strings.ReplaceAll(plate, " ", "")
	if len(compact) != 7 {
		return ""
	}
	re, err := regexp.Compile(`(?i)` + regexp.QuoteMeta(compact[:4]) + `\s?` + regexp.QuoteMeta(compact[4:]))
	if err != nil {
		return ""
	}
	return lastSnippet(text, re)
}

// locateMileage finds the last mention of a mileage, with or without
// thousands separators.
func locateMileage(text string, miles int) string {
	digits := strconv.Itoa(miles)
	var b strings.Builder
	b.WriteString(`\b`)
	for i, r := range digits {
		if i > 0 {
			b.WriteString(`,?`)
		}
		b.WriteRune(r)
	}
	b.WriteString(`\b`)
	re, err := regexp.Compile(b.String())
	if err != nil {
		return ""
	}
	return lastSnippet(text, re)
}

func lastSnippet(text string, re *regexp.Regexp) string {
	locs := re.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return ""
	}
	loc := locs[len(locs)-1]
	return snippetAt(text, loc[0], loc[1])
}

func describeCandidates(set CandidateSet) string {
	return fmt.Sprintf("%d registration and %d mileage candidates", len(set.Registrations), len(set.Mileages))
}
