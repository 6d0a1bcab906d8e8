package trust

import (
	"encoding/json"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// caseInsensitiveFields are fields compared without case. Model and part
// numbers stay case-sensitive; descriptive attributes do not.
var caseInsensitiveFields = map[string]bool{
	"brand":            true,
	"color":            true,
	"type":             true,
	"category":         true,
	"print_technology": true,
}

// unitFactors converts a recognized unit suffix to the canonical unit of its
// dimension: millimeters for length, grams for weight, pages for yield.
var unitFactors = map[string]float64{
	"mm": 1, "cm": 10, "m": 1000,
	"g": 1, "kg": 1000, "mg": 0.001,
	"pages": 1, "p": 1, "стр": 1,
}

// NormalizeValue canonicalizes a raw claim value for grouping:
// numeric values collapse to canonical units, strings to NFC trimmed
// (casefolded when the field is case-insensitive), JSON arrays to sorted
// deduplicated set form.
func NormalizeValue(field, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}

	if elems, ok := parseArray(raw); ok {
		return encodeSet(elems)
	}
	if n, ok := parseMeasure(raw); ok {
		return strconv.FormatFloat(n, 'f', -1, 64)
	}

	s := norm.NFC.String(raw)
	if caseInsensitiveFields[field] {
		s = strings.ToLower(s)
	}
	return s
}

// parseMeasure parses "12", "12.5 cm", "1.2kg", "700 pages" into the
// canonical unit of the value's dimension.
func parseMeasure(raw string) (float64, bool) {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.ReplaceAll(s, ",", ".")

	cut := len(s)
	for i, r := range s {
		if (r >= '0' && r <= '9') || r == '.' || r == '-' || r == '+' {
			continue
		}
		cut = i
		break
	}
	numPart := strings.TrimSpace(s[:cut])
	unitPart := strings.TrimSpace(s[cut:])
	if numPart == "" {
		return 0, false
	}
	n, err := strconv.ParseFloat(numPart, 64)
	if err != nil {
		return 0, false
	}
	if unitPart == "" {
		return n, true
	}
	factor, ok := unitFactors[unitPart]
	if !ok {
		return 0, false
	}
	return n * factor, true
}

// parseArray decodes a JSON array of scalars into trimmed strings.
func parseArray(raw string) ([]string, bool) {
	if !strings.HasPrefix(raw, "[") {
		return nil, false
	}
	var arr []any
	if err := json.Unmarshal([]byte(raw), &arr); err != nil {
		return nil, false
	}
	elems := make([]string, 0, len(arr))
	for _, v := range arr {
		switch x := v.(type) {
		case string:
			elems = append(elems, strings.TrimSpace(norm.NFC.String(x)))
		case float64:
			elems = append(elems, strconv.FormatFloat(x, 'f', -1, 64))
		default:
			b, _ := json.Marshal(x)
			elems = append(elems, string(b))
		}
	}
	return elems, true
}

// encodeSet renders elements as a sorted, deduplicated JSON array so arrays
// compare with set semantics.
func encodeSet(elems []string) string {
	seen := make(map[string]bool, len(elems))
	uniq := make([]string, 0, len(elems))
	for _, e := range elems {
		if e == "" || seen[e] {
			continue
		}
		seen[e] = true
		uniq = append(uniq, e)
	}
	sort.Strings(uniq)
	b, _ := json.Marshal(uniq)
	return string(b)
}

// decodeSet is the inverse of encodeSet for winner values that are sets.
func decodeSet(canonical string) ([]string, bool) {
	if !strings.HasPrefix(canonical, "[") {
		return nil, false
	}
	var elems []string
	if err := json.Unmarshal([]byte(canonical), &elems); err != nil {
		return nil, false
	}
	return elems, true
}
