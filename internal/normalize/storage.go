// Package normalize turns free-text fields from the drug directory into
// structured values: storage conditions, indication titles and dispensing units.
package normalize

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/width"
)

// Storage is the structured form of a storage statement.
// An empty field means no fragment of the statement matched it.
type Storage struct {
	Container   string
	Temperature string
}

// Empty reports whether neither field matched.
func (s Storage) Empty() bool {
	return s.Container == "" && s.Temperature == ""
}

var degreeRepairs = strings.NewReplacer(
	"° C", "℃",
	"°C", "℃",
	"°c", "℃",
	"˚C", "℃",
	"ºC", "℃",
	"캜", "℃",
)

// "25?C" is the usual shape of a degree sign lost in a legacy encoding.
var lostDegreePattern = regexp.MustCompile(`(\d)\s*\?\s*C`)

// tempTokenPattern marks where a temperature clause begins in an undelimited statement.
var tempTokenPattern = regexp.MustCompile(`실온|상온|냉장|냉동|냉소|서늘한|\d+(?:\.\d+)?\s*(?:[~\-]\s*\d+(?:\.\d+)?\s*)?(?:℃|도)`)

var thresholdPattern = regexp.MustCompile(`(?i)^(\d+(?:\.\d+)?)\s*(?:도|°)?\s*(이하|이상|or less|or below|or more|or above)$`)

var temperatureKeywords = map[string]struct{}{
	"실온": {}, "상온": {}, "냉장": {}, "냉동": {}, "냉소": {},
	"서늘한 곳": {}, "냉암소": {}, "room temperature": {},
}

var containerKeywords = map[string]struct{}{
	"차광": {}, "기밀용기": {}, "밀폐용기": {}, "밀봉용기": {}, "차광용기": {},
	"차광밀폐용기": {}, "차광기밀용기": {}, "습기를 피하여": {}, "건조한 곳": {},
}

var temperatureMarkers = []string{"℃", "실온", "상온", "냉장", "냉동", "냉소", "서늘한", "이하", "이상"}

var containerMarkers = []string{"용기", "차광", "밀봉", "밀폐", "기밀", "습기", "빛", "광선", "포장", "건조"}

var boilerplate = []string{"보관하십시오", "보관할 것", "보관한다", "보관하여", "보관", "보존"}

type fragmentKind int

const (
	kindUnknown fragmentKind = iota
	kindTemperature
	kindContainer
)

// ParseStorage splits a storage statement such as "차광보관, 기밀용기, 실온"
// into its container/handling part and its temperature part.
// Applying it again to either output field yields the same field.
func ParseStorage(raw string) Storage {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Storage{}
	}

	text := repairDegree(width.Fold.String(raw))

	var containers, temperatures []string
	for _, frag := range splitFragments(text) {
		frag = normalizeThreshold(stripBoilerplate(frag))
		if frag == "" {
			continue
		}
		switch classify(frag) {
		case kindTemperature:
			temperatures = appendUnique(temperatures, frag)
		case kindContainer:
			containers = appendUnique(containers, frag)
		}
	}

	return Storage{
		Container:   strings.Join(containers, ", "),
		Temperature: strings.Join(temperatures, ", "),
	}
}

func repairDegree(s string) string {
	s = degreeRepairs.Replace(s)
	return lostDegreePattern.ReplaceAllString(s, "${1}℃")
}

func isDelimiter(r rune) bool {
	switch r {
	case ',', '，', '/', ';', '·', '\n', '\r':
		return true
	}
	return false
}

func splitFragments(s string) []string {
	if strings.IndexFunc(s, isDelimiter) >= 0 {
		return strings.FieldsFunc(s, isDelimiter)
	}
	loc := tempTokenPattern.FindStringIndex(s)
	if loc == nil {
		return []string{s}
	}
	var frags []string
	if loc[0] > 0 {
		frags = append(frags, s[:loc[0]])
	}
	// A handling clause may follow the temperature, as in "실온 차광보관".
	if i := indexFirst(s[loc[1]:], containerMarkers); i >= 0 {
		cut := loc[1] + i
		return append(frags, s[loc[0]:cut], s[cut:])
	}
	return append(frags, s[loc[0]:])
}

// indexFirst returns the byte offset of the earliest needle in s, or -1.
func indexFirst(s string, needles []string) int {
	first := -1
	for _, n := range needles {
		if i := strings.Index(s, n); i >= 0 && (first < 0 || i < first) {
			first = i
		}
	}
	return first
}

func stripBoilerplate(frag string) string {
	for _, w := range boilerplate {
		frag = strings.ReplaceAll(frag, w, "")
	}
	frag = strings.Join(strings.Fields(frag), " ")
	for _, suffix := range []string{"에서", "에"} {
		if strings.HasSuffix(frag, suffix) && utf8.RuneCountInString(frag) > utf8.RuneCountInString(suffix)+1 {
			frag = strings.TrimSpace(strings.TrimSuffix(frag, suffix))
		}
	}
	frag = strings.Trim(frag, " .")
	return trimUnbalanced(frag)
}

// trimUnbalanced drops a bracket left dangling at either edge by fragment splitting.
func trimUnbalanced(s string) string {
	if strings.HasPrefix(s, "(") && !strings.Contains(s, ")") {
		s = strings.TrimSpace(s[1:])
	}
	if strings.HasSuffix(s, ")") && !strings.Contains(s, "(") {
		s = strings.TrimSpace(s[:len(s)-1])
	}
	if strings.HasSuffix(s, "(") {
		s = strings.TrimSpace(s[:len(s)-1])
	}
	return s
}

func normalizeThreshold(frag string) string {
	m := thresholdPattern.FindStringSubmatch(frag)
	if m == nil {
		return frag
	}
	qualifier := "이하"
	switch strings.ToLower(m[2]) {
	case "이상", "or more", "or above":
		qualifier = "이상"
	}
	return m[1] + "℃ " + qualifier
}

func classify(frag string) fragmentKind {
	key := strings.ToLower(frag)
	if _, ok := temperatureKeywords[key]; ok {
		return kindTemperature
	}
	if _, ok := containerKeywords[key]; ok {
		return kindContainer
	}
	if containsAny(key, temperatureMarkers) {
		return kindTemperature
	}
	if containsAny(key, containerMarkers) {
		return kindContainer
	}
	return kindUnknown
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}
