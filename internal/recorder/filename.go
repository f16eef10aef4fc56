package recorder

import (
	"strings"
	"time"
	"unicode"
)

const maxSlug = 48

// Filename builds <CALLSIGN>_<show-slug>_<YYYYMMDD_HHMMSS>.<ext>. Manual
// captures get a _test suffix so they never collide with scheduled ones.
func Filename(callSign, stationName, showName string, at time.Time, ext string, manual bool) string {
	cs := callSignPart(callSign)
	if cs == "" {
		cs = strings.ToUpper(strings.ReplaceAll(Slug(stationName), "-", ""))
	}
	if cs == "" {
		cs = "STATION"
	}
	slug := Slug(showName)
	if slug == "" {
		slug = "show"
	}
	var b strings.Builder
	b.WriteString(cs)
	b.WriteByte('_')
	b.WriteString(slug)
	b.WriteByte('_')
	b.WriteString(at.Format("20060102_150405"))
	if manual {
		b.WriteString("_test")
	}
	b.WriteByte('.')
	b.WriteString(strings.TrimPrefix(strings.ToLower(ext), "."))
	return b.String()
}

// Slug lowercases s and joins its letter/digit runs with '-'.
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
			dash = false
		case b.Len() > 0 && !dash:
			b.WriteByte('-')
			dash = true
		}
		if b.Len() >= maxSlug {
			break
		}
	}
	return strings.Trim(b.String(), "-")
}

func callSignPart(s string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(s) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
