// Package extraction turns raw OCR text from a scanned receipt into a Record.
package extraction

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// rule pairs a pattern with the conversion applied to its first match.
// A rule whose pattern matches ends the search even if convert fails.
type rule[T any] struct {
	pattern *regexp.Regexp
	convert func(match []string) (T, bool)
}

// firstMatch walks rules in order and converts the first match found.
func firstMatch[T any](text string, rules []rule[T]) (T, bool) {
	var zero T
	for _, r := range rules {
		m := r.pattern.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		return r.convert(m)
	}
	return zero, false
}

const currency = `[$€£¥]`

var (
	numericDatePattern = regexp.MustCompile(`(?i)(\d{1,2}/\d{1,2}/(?:\d{4}|\d{2})|\d{1,2}-\d{1,2}-(?:\d{4}|\d{2}))`)
	textualDatePattern = regexp.MustCompile(`(?i)(\d{1,2})\s+([a-z]{3,})\s+(\d{2,4})`)

	totalPattern    = regexp.MustCompile(`(?i)total[:\s]*` + currency + `?\s*(\d+\.\d{2})`)
	amountPattern   = regexp.MustCompile(`(?i)amount[:\s]*` + currency + `?\s*(\d+\.\d{2})`)
	currencyPattern = regexp.MustCompile(currency + `\s*(\d+\.\d{2})`)

	itemPattern = regexp.MustCompile(`(\d+)[ \t]+([A-Za-z \t]+?)[ \t]+` + currency + `?(\d+\.\d{2})`)
)

var dateRules = []rule[time.Time]{
	{pattern: numericDatePattern, convert: parseNumericDate},
	// Textual dates ("15 Mar 2024") are recognized so they stop the search,
	// but they are not converted.
	{pattern: textualDatePattern, convert: func([]string) (time.Time, bool) { return time.Time{}, false }},
}

var amountRules = []rule[float64]{
	{pattern: totalPattern, convert: parseAmount},
	{pattern: amountPattern, convert: parseAmount},
	{pattern: currencyPattern, convert: parseAmount},
}

// Extract builds a Record from OCR text. It never fails; anything it cannot
// find or convert is left nil.
func Extract(text string) Record {
	rec := Record{
		Vendor: extractVendor(text),
		Items:  extractItems(text),
	}
	if d, ok := firstMatch(text, dateRules); ok {
		rec.Date = &d
	}
	if a, ok := firstMatch(text, amountRules); ok {
		rec.Amount = &a
	}
	return rec
}

func extractVendor(text string) *string {
	if text == "" {
		return nil
	}
	first, _, _ := strings.Cut(text, "\n")
	vendor := strings.TrimSpace(first)
	return &vendor
}

// parseNumericDate reads month/day/year, month first.
func parseNumericDate(m []string) (time.Time, bool) {
	raw := m[1]
	sep := "/"
	if strings.Contains(raw, "-") {
		sep = "-"
	}
	parts := strings.Split(raw, sep)
	if len(parts) != 3 {
		return time.Time{}, false
	}

	nums := make([]int, 3)
	for i, p := range parts {
		n, err := strconv.Atoi(p)
		if err != nil {
			return time.Time{}, false
		}
		nums[i] = n
	}
	month, day, year := nums[0], nums[1], nums[2]
	if len(parts[2]) == 2 {
		year += 2000
	}

	d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	// time.Date normalizes out-of-range values (month 13, Feb 30); reject those.
	if d.Year() != year || d.Month() != time.Month(month) || d.Day() != day {
		return time.Time{}, false
	}
	return d, true
}

func parseAmount(m []string) (float64, bool) {
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil || math.IsInf(v, 0) {
		return 0, false
	}
	return v, true
}

func extractItems(text string) []LineItem {
	items := make([]LineItem, 0)
	for _, m := range itemPattern.FindAllStringSubmatch(text, -1) {
		qty, err := strconv.Atoi(m[1])
		if err != nil || qty <= 0 {
			continue
		}
		price, err := strconv.ParseFloat(m[3], 64)
		if err != nil || math.IsInf(price, 0) {
			continue
		}
		items = append(items, LineItem{
			Quantity:    qty,
			Description: strings.TrimSpace(m[2]),
			Price:       price,
		})
	}
	return items
}
