package listing

import (
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"
)

var (
	errNotNumeric  = errors.New("not numeric")
	spaceRe        = regexp.MustCompile(`\s+`)
	nonAlnumRe     = regexp.MustCompile(`[^\p{L}\p{N}]+`)
	thousandsDotRe = regexp.MustCompile(`^\d{1,3}(\.\d{3})+$`)
	priceCharsRe   = regexp.MustCompile(`[^\d,.\-]`)
)

// CleanText decodes legacy encodings, repairs double-encoded UTF-8, unescapes
// HTML entities and collapses whitespace.
func CleanText(v any) string {
	s := toString(v)
	if s == "" {
		return ""
	}
	if !utf8.ValidString(s) {
		if decoded, _, err := transform.String(charmap.Windows1252.NewDecoder(), s); err == nil {
			s = decoded
		}
	}
	s = repairMojibake(s)
	s = html.UnescapeString(s)
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// repairMojibake undoes UTF-8 text that was decoded as Windows-1252 once
// ("RÃ¸de" -> "Røde").
func repairMojibake(s string) string {
	if !strings.ContainsAny(s, "ÃÂâ") {
		return s
	}
	raw, _, err := transform.String(charmap.Windows1252.NewEncoder(), s)
	if err != nil || !utf8.ValidString(raw) || raw == s {
		return s
	}
	return raw
}

// Garbled reports text with no letters or digits, or dominated by
// replacement characters.
func Garbled(s string) bool {
	var alnum, bad, total int
	for _, r := range s {
		total++
		switch {
		case r == utf8.RuneError:
			bad++
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			alnum++
		}
	}
	if alnum == 0 {
		return true
	}
	return bad*4 > total
}

// NormalizeTitle lowercases and reduces a title to alphanumeric words.
func NormalizeTitle(s string) string {
	s = strings.ToLower(s)
	s = nonAlnumRe.ReplaceAllString(s, " ")
	return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
}

// ParsePriceCents converts a price value to minor units. A nil or blank
// value yields nil; anything present but not a price is an error.
// Accepted text forms include "€ 1.234,56", "299,-", "1,234.56" and "279".
func ParsePriceCents(v any) (*int64, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case float64:
		return centsFromFloat(t)
	case int:
		return centsFromWhole(int64(t))
	case int64:
		return centsFromWhole(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil, errNotNumeric
		}
		return centsFromFloat(f)
	}

	s := CleanText(v)
	if s == "" {
		return nil, nil
	}
	s = strings.ReplaceAll(s, ",-", ",00")
	s = strings.ReplaceAll(s, ".-", ".00")
	s = priceCharsRe.ReplaceAllString(s, "")
	if s == "" || !strings.ContainsAny(s, "0123456789") {
		return nil, errNotNumeric
	}

	switch {
	case strings.Contains(s, ",") && strings.Contains(s, "."):
		if strings.LastIndex(s, ",") > strings.LastIndex(s, ".") {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case strings.Contains(s, ","):
		s = strings.ReplaceAll(s, ".", "")
		s = strings.Replace(s, ",", ".", 1)
	case thousandsDotRe.MatchString(s):
		s = strings.ReplaceAll(s, ".", "")
	}
	return centsFromDecimal(s)
}

// maxWholeUnits is the largest whole amount whose cents fit in an int64.
const maxWholeUnits = (math.MaxInt64 - 99) / 100

func centsFromDecimal(s string) (*int64, error) {
	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if strings.Contains(frac, ".") || strings.Contains(frac, ",") {
		return nil, errNotNumeric
	}
	w, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || w > maxWholeUnits || w < -maxWholeUnits {
		return nil, errNotNumeric
	}
	for len(frac) < 2 {
		frac += "0"
	}
	f, err := strconv.ParseInt(frac[:2], 10, 64)
	if err != nil {
		return nil, errNotNumeric
	}
	if len(frac) > 2 && frac[2] >= '5' {
		f++
	}
	return nonNegative(w*100 + f)
}

func centsFromWhole(w int64) (*int64, error) {
	if w > maxWholeUnits || w < -maxWholeUnits {
		return nil, errNotNumeric
	}
	return nonNegative(w * 100)
}

func centsFromFloat(f float64) (*int64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) || math.Abs(f) > maxWholeUnits {
		return nil, errNotNumeric
	}
	return nonNegative(int64(math.Round(f * 100)))
}

func nonNegative(c int64) (*int64, error) {
	if c < 0 {
		return nil, fmt.Errorf("negative price")
	}
	return &c, nil
}

// ParseBool reads crawler truthiness ("true", "ja", "in stock", 1).
func ParseBool(v any) *bool {
	var b bool
	switch t := v.(type) {
	case nil:
		return nil
	case bool:
		b = t
	case float64:
		b = t != 0
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil
		}
		b = f != 0
	default:
		switch strings.ToLower(CleanText(v)) {
		case "true", "yes", "ja", "1", "y", "op voorraad", "in stock", "instock", "available", "https://schema.org/instock":
			b = true
		case "false", "no", "nee", "0", "n", "niet op voorraad", "out of stock", "outofstock", "https://schema.org/outofstock":
			b = false
		default:
			return nil
		}
	}
	return &b
}

// ParseInt reads an optional integer.
func ParseInt(v any) *int {
	var n int
	switch t := v.(type) {
	case nil:
		return nil
	case float64:
		n = int(t)
	case int:
		n = t
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return nil
		}
		n = int(f)
	default:
		digits := strings.Map(func(r rune) rune {
			if unicode.IsDigit(r) {
				return r
			}
			return -1
		}, CleanText(v))
		parsed, err := strconv.Atoi(digits)
		if err != nil {
			return nil
		}
		n = parsed
	}
	return &n
}

// ParseFloat reads an optional decimal, accepting a comma separator.
func ParseFloat(v any) *float64 {
	var f float64
	switch t := v.(type) {
	case nil:
		return nil
	case float64:
		f = t
	case json.Number:
		parsed, err := t.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	default:
		s := strings.Replace(CleanText(v), ",", ".", 1)
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		f = parsed
	}
	return &f
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime reads a capture timestamp; ok is false when v is absent or unparseable.
func ParseTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case nil:
		return time.Time{}, false
	case float64:
		return time.Unix(int64(t), 0).UTC(), true
	case json.Number:
		n, err := t.Int64()
		if err != nil {
			return time.Time{}, false
		}
		return time.Unix(n, 0).UTC(), true
	}
	s := CleanText(v)
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, s); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}
