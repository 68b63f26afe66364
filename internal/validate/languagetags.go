package validate

import "strings"

// DeriveLanguageTags turns the raw `LANGUAGE.locale` entries from the
// configuration file (space-separated `ll_CC.UTF-8` locale names) into the
// tag set get_language_tags and NewValidator both need: every full `ll_CC`
// tag, plus each short `ll` tag but only when exactly one configured locale
// shares that language — §6's "included only when unambiguous" rule.
func DeriveLanguageTags(rawLocales []string) []string {
	full := make([]string, 0, len(rawLocales))
	shortCount := make(map[string]int)

	for _, raw := range rawLocales {
		tag := stripEncoding(raw)
		if tag == "" {
			continue
		}
		full = append(full, tag)

		short, _, ok := strings.Cut(tag, "_")
		if ok {
			shortCount[short]++
		}
	}

	out := make([]string, 0, len(full)*2)
	out = append(out, full...)

	for short, count := range shortCount {
		if count == 1 {
			out = append(out, short)
		}
	}

	return out
}

// stripEncoding removes a trailing ".UTF-8"-style encoding suffix from a
// raw locale entry, e.g. "en_US.UTF-8" -> "en_US".
func stripEncoding(raw string) string {
	tag, _, _ := strings.Cut(raw, ".")
	return tag
}
