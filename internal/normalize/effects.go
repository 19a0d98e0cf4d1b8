package normalize

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

const (
	// MaxEffectRunes is the length ceiling for a single indication title.
	MaxEffectRunes = 40
	// MaxEffects caps the number of indications kept per medicine.
	MaxEffects = 5
)

var (
	parentheticalOnly = regexp.MustCompile(`^[(\[（【].*[)\]）】]$`)
	subNumbering      = regexp.MustCompile(`^(?:\d+\s*\)|\(\s*\d+\s*\)|[①-⑳]|[가나다라마바사아자차카타파하]\s*[.)]|\d+\.\d+)`)
	leadingOrdinal    = regexp.MustCompile(`^\d+\s*[.．]\s*`)
	markupTag         = regexp.MustCompile(`<[^>]*>`)
)

const reservedMarkers = "※*#"

// Titles on these wrapper tags name the section, not an indication.
var containerTags = map[string]struct{}{"doc": {}, "section": {}}

// ParseEffects extracts indication titles from efficacy markup. Titles come
// from title attributes; escaped free text is used only when no tag carries one.
// The result is never nil.
func ParseEffects(markup string) []string {
	return parseEffects(markup, false)
}

// ParseEffectsCompact is ParseEffects with overlap dedup: a title that contains,
// or is contained by, an already kept title is dropped.
func ParseEffectsCompact(markup string) []string {
	return parseEffects(markup, true)
}

func parseEffects(markup string, compact bool) []string {
	out := make([]string, 0, MaxEffects)
	if strings.TrimSpace(markup) == "" {
		return out
	}

	candidates := titleAttributes(markup)
	if len(candidates) == 0 {
		candidates = freeTextLines(markup)
	}

	for _, c := range candidates {
		c = strings.Join(strings.Fields(c), " ")
		if c == "" || excludedTitle(c) {
			continue
		}
		c = strings.TrimSpace(leadingOrdinal.ReplaceAllString(c, ""))
		if c == "" || parentheticalOnly.MatchString(c) {
			continue
		}
		c = clipTitle(c, MaxEffectRunes)
		if alreadyKept(out, c, compact) {
			continue
		}
		out = append(out, c)
		if len(out) == MaxEffects {
			break
		}
	}
	return out
}

func titleAttributes(markup string) []string {
	var titles []string
	z := html.NewTokenizer(strings.NewReader(markup))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return titles
		case html.StartTagToken, html.SelfClosingTagToken:
			name, more := z.TagName()
			if _, skip := containerTags[string(name)]; skip {
				continue
			}
			for more {
				var key, val []byte
				key, val, more = z.TagAttr()
				if string(key) == "title" {
					titles = append(titles, string(val))
				}
			}
		}
	}
}

// freeTextLines collects text and CDATA blocks, undoes the second level of
// escaping and splits what is left on the embedded tags.
func freeTextLines(markup string) []string {
	var b strings.Builder
	z := html.NewTokenizer(strings.NewReader(markup))
	z.AllowCDATA(true)
	for done := false; !done; {
		switch z.Next() {
		case html.ErrorToken:
			done = true
		case html.TextToken:
			b.Write(z.Text())
			b.WriteByte('\n')
		}
	}

	text := markupTag.ReplaceAllString(html.UnescapeString(b.String()), "\n")
	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

func excludedTitle(t string) bool {
	if parentheticalOnly.MatchString(t) || subNumbering.MatchString(t) {
		return true
	}
	for _, m := range reservedMarkers {
		if strings.HasPrefix(t, string(m)) {
			return true
		}
	}
	return false
}

// clipTitle keeps a title within max runes, preferring to cut right after the
// last closing parenthesis that leaves the prefix balanced.
func clipTitle(t string, max int) string {
	r := []rune(t)
	if len(r) <= max {
		return t
	}
	depth, cut := 0, -1
	for i := 0; i < max; i++ {
		switch r[i] {
		case '(':
			depth++
		case ')':
			depth--
			if depth == 0 && i > 0 {
				cut = i
			}
		}
		if depth < 0 {
			break
		}
	}
	if cut > 0 {
		return string(r[:cut+1])
	}
	return string(r[:max-1]) + "…"
}

func alreadyKept(kept []string, t string, compact bool) bool {
	for _, k := range kept {
		if k == t {
			return true
		}
		if compact && (strings.Contains(k, t) || strings.Contains(t, k)) {
			return true
		}
	}
	return false
}
