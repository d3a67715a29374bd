package filter

import (
	"math"
	"regexp"
	"strconv"
	"strings"
)

// Space-grouped thousands ("1 299.00", also with NBSP or narrow NBSP) are tried first.
var pricePattern = regexp.MustCompile(`(-?)\s*(\d{1,3}(?:[ \x{00A0}\x{202F}]\d{3})+(?:[.,]\d+)?|\d[\d.,]*\d|\d)`)

var groupSpaces = strings.NewReplacer(" ", "", "\u00a0", "", "\u202f", "")

// ParsePrice extracts the first number from a display price such as "$1,299.00",
// "AU$ 1 299.00", "AU$ 15", or "12,50 €". Negative or non-finite values are rejected.
func ParsePrice(display string) (float64, bool) {
	match := pricePattern.FindStringSubmatch(display)
	if match == nil {
		return 0, false
	}
	if match[1] == "-" {
		return 0, false
	}
	number := normalizeSeparators(groupSpaces.Replace(match[2]))

	value, err := strconv.ParseFloat(number, 64)
	if err != nil || math.IsNaN(value) || math.IsInf(value, 0) || value < 0 {
		return 0, false
	}
	return value, true
}

// normalizeSeparators turns grouping and decimal marks into a plain float literal.
// The right-most separator is the decimal mark when both kinds appear; a lone comma
// followed by exactly two digits is a decimal comma.
func normalizeSeparators(number string) string {
	lastDot := strings.LastIndex(number, ".")
	lastComma := strings.LastIndex(number, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			number = strings.ReplaceAll(number, ".", "")
			return strings.Replace(number, ",", ".", 1)
		}
		return strings.ReplaceAll(number, ",", "")
	case lastComma >= 0:
		if strings.Count(number, ",") == 1 && len(number)-lastComma-1 == 2 {
			return strings.Replace(number, ",", ".", 1)
		}
		return strings.ReplaceAll(number, ",", "")
	case strings.Count(number, ".") > 1:
		return strings.ReplaceAll(number, ".", "")
	default:
		return number
	}
}
